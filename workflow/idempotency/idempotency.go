// Package idempotency guards side-effecting stage operations against double
// execution across retries and resumed invocations. A ledger hands out
// short-lived exclusive locks and caches operation results under a
// deterministic key so a re-run observes the cached result instead of
// re-executing.
//
// The Redis-backed implementation lives under features/idempotency/redis; the
// in-memory implementation in the inmem subpackage backs tests.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chamikabm/bidopsai/workflow"
)

// DefaultTTL bounds both lock ownership and cached results.
const DefaultTTL = time.Hour

type (
	// Ledger is the idempotency contract. All methods are safe for
	// concurrent use.
	Ledger interface {
		// Acquire takes the exclusive lock for key. It returns false when
		// another holder owns the lock.
		Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

		// Release drops the lock for key. Releasing an unheld lock is a
		// no-op.
		Release(ctx context.Context, key string) error

		// LookupCached returns the cached result for key, or ok=false when
		// no result is cached.
		LookupCached(ctx context.Context, key string) (json.RawMessage, bool, error)

		// StoreCached records the result for key with the given TTL.
		StoreCached(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error
	}
)

// Key builds the deterministic ledger key for one operation of one stage of
// one workflow.
func Key(workflowID uuid.UUID, stage workflow.StageName, operation string) string {
	return fmt.Sprintf("workflow:%s:stage:%s:%s", workflowID, stage, operation)
}

// acquirePollInterval is how long RunOnce waits between lock attempts while
// another holder owns the operation. Var for tests.
var acquirePollInterval = time.Second

// RunOnce executes op at most once for the given key. A cached result is
// returned without invoking op. When the lock is held elsewhere RunOnce waits
// for the holder to finish (or its lock to expire), re-checking the cache
// between attempts, until the context expires: the holder's result must be
// observed, not raced.
func RunOnce(ctx context.Context, ledger Ledger, key string, op func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	for {
		if cached, ok, err := ledger.LookupCached(ctx, key); err != nil {
			return nil, workflow.WrapError(workflow.KindTransient, workflow.CodeDatabaseQuery, "idempotency lookup failed", err)
		} else if ok {
			return cached, nil
		}

		acquired, err := ledger.Acquire(ctx, key, DefaultTTL)
		if err != nil {
			return nil, workflow.WrapError(workflow.KindTransient, workflow.CodeDatabaseQuery, "idempotency acquire failed", err)
		}
		if acquired {
			break
		}

		select {
		case <-ctx.Done():
			return nil, workflow.WrapError(workflow.KindOf(ctx.Err()), workflow.CodeConflict,
				"gave up waiting for in-flight operation", ctx.Err()).With("key", key)
		case <-time.After(acquirePollInterval):
		}
	}
	defer func() { _ = ledger.Release(ctx, key) }()

	// Lock holder may have cached a result between our lookup and acquire.
	if cached, ok, err := ledger.LookupCached(ctx, key); err == nil && ok {
		return cached, nil
	}

	result, err := op(ctx)
	if err != nil {
		return nil, err
	}
	if err := ledger.StoreCached(ctx, key, result, DefaultTTL); err != nil {
		return nil, workflow.WrapError(workflow.KindTransient, workflow.CodeDatabaseQuery, "idempotency store failed", err)
	}
	return result, nil
}
