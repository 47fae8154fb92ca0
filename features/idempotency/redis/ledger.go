// Package redis provides the Redis-backed idempotency ledger. Locks are
// plain SET NX keys with a TTL; cached results are value keys with their own
// TTL. Redis expiry replaces the lazy sweep the in-memory ledger does.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/idempotency"
)

const (
	defaultKeyPrefix = "bidopsai:idem"
	defaultOpTimeout = 5 * time.Second
	ledgerClientName = "idempotency-redis"
)

// Options configures the Redis ledger.
type Options struct {
	// Redis is the Redis connection. Required.
	Redis *goredis.Client
	// KeyPrefix namespaces ledger keys. Defaults to "bidopsai:idem".
	KeyPrefix string
	// Timeout bounds individual Redis operations. Defaults to 5s.
	Timeout time.Duration
}

// Ledger is an idempotency.Ledger backed by Redis.
type Ledger struct {
	redis   *goredis.Client
	prefix  string
	timeout time.Duration
}

var _ idempotency.Ledger = (*Ledger)(nil)

// New returns a Ledger backed by the provided Redis connection.
func New(opts Options) (*Ledger, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Ledger{redis: opts.Redis, prefix: prefix, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (l *Ledger) Name() string {
	return ledgerClientName
}

// Ping implements health.Pinger.
func (l *Ledger) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return l.redis.Ping(ctx).Err()
}

// Acquire takes the lock for key unless an unexpired holder exists.
func (l *Ledger) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	ok, err := l.redis.SetNX(ctx, l.lockKey(key), "1", ttl).Result()
	if err != nil {
		return false, opErr(err, "acquire lock")
	}
	return ok, nil
}

// Release drops the lock for key. Releasing an unheld lock is a no-op.
func (l *Ledger) Release(ctx context.Context, key string) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	if err := l.redis.Del(ctx, l.lockKey(key)).Err(); err != nil {
		return opErr(err, "release lock")
	}
	return nil
}

// LookupCached returns the cached result for key.
func (l *Ledger) LookupCached(ctx context.Context, key string) (json.RawMessage, bool, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	val, err := l.redis.Get(ctx, l.resultKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, opErr(err, "lookup cached result")
	}
	return json.RawMessage(val), true, nil
}

// StoreCached records the result for key with the given TTL.
func (l *Ledger) StoreCached(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	if err := l.redis.Set(ctx, l.resultKey(key), []byte(result), ttl).Err(); err != nil {
		return opErr(err, "store cached result")
	}
	return nil
}

func (l *Ledger) lockKey(key string) string {
	return l.prefix + ":lock:" + key
}

func (l *Ledger) resultKey(key string) string {
	return l.prefix + ":result:" + key
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

func opErr(err error, op string) error {
	return workflow.WrapError(workflow.KindTransient, workflow.CodeDatabaseConnection, op, err)
}
