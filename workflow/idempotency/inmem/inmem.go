// Package inmem provides an in-memory idempotency Ledger for tests. Expiry is
// lazy: entries are dropped when observed past their deadline.
package inmem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chamikabm/bidopsai/workflow/idempotency"
)

// Ledger is an in-memory idempotency.Ledger guarded by a single mutex.
type Ledger struct {
	mu     sync.Mutex
	locks  map[string]time.Time
	cached map[string]cachedEntry

	// now is replaceable in tests.
	now func() time.Time
}

type cachedEntry struct {
	result    json.RawMessage
	expiresAt time.Time
}

var _ idempotency.Ledger = (*Ledger)(nil)

// New returns an empty in-memory ledger.
func New() *Ledger {
	return &Ledger{
		locks:  map[string]time.Time{},
		cached: map[string]cachedEntry{},
		now:    time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Acquire takes the lock for key unless an unexpired holder exists.
func (l *Ledger) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if deadline, held := l.locks[key]; held && now.Before(deadline) {
		return false, nil
	}
	l.locks[key] = now.Add(ttl)
	return true, nil
}

// Release drops the lock for key.
func (l *Ledger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
	return nil
}

// LookupCached returns an unexpired cached result.
func (l *Ledger) LookupCached(_ context.Context, key string) (json.RawMessage, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.cached[key]
	if !ok {
		return nil, false, nil
	}
	if l.now().After(entry.expiresAt) {
		delete(l.cached, key)
		return nil, false, nil
	}
	return append(json.RawMessage(nil), entry.result...), true, nil
}

// StoreCached records a result with the given TTL.
func (l *Ledger) StoreCached(_ context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cached[key] = cachedEntry{
		result:    append(json.RawMessage(nil), result...),
		expiresAt: l.now().Add(ttl),
	}
	return nil
}
