package inmem

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/idempotency"
)

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := New()

	ok, err := l.Acquire(ctx, "k1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Second holder is refused while the lock lives.
	ok, err = l.Acquire(ctx, "k1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Release(ctx, "k1"))
	ok, err = l.Acquire(ctx, "k1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockExpiry(t *testing.T) {
	ctx := context.Background()
	l := New()

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	ok, err := l.Acquire(ctx, "k1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = l.Acquire(ctx, "k1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lock must be reacquirable")
}

func TestCachedResultExpiry(t *testing.T) {
	ctx := context.Background()
	l := New()

	now := time.Now()
	l.SetClock(func() time.Time { return now })

	require.NoError(t, l.StoreCached(ctx, "k1", json.RawMessage(`{"v":1}`), time.Hour))

	got, ok, err := l.LookupCached(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"v":1}`, string(got))

	now = now.Add(2 * time.Hour)
	_, ok, err = l.LookupCached(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	l := New()
	key := idempotency.Key(uuid.New(), workflow.StageContent, "create_artifact")

	calls := 0
	op := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"artifact":"a1"}`), nil
	}

	first, err := idempotency.RunOnce(ctx, l, key, op)
	require.NoError(t, err)
	require.JSONEq(t, `{"artifact":"a1"}`, string(first))

	// Second run observes the cached result without invoking op again.
	second, err := idempotency.RunOnce(ctx, l, key, op)
	require.NoError(t, err)
	require.JSONEq(t, `{"artifact":"a1"}`, string(second))
	require.Equal(t, 1, calls)
}

func TestRunOnceWaitsForHolderResult(t *testing.T) {
	ctx := context.Background()
	l := New()
	key := idempotency.Key(uuid.New(), workflow.StageComms, "send_notifications")

	ok, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The holder finishes while we wait: its cached result must be
	// observed instead of re-executing the operation.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = l.StoreCached(ctx, key, json.RawMessage(`{"sent":3}`), time.Minute)
		_ = l.Release(ctx, key)
	}()

	got, err := idempotency.RunOnce(ctx, l, key, func(context.Context) (json.RawMessage, error) {
		t.Error("op must not run when the holder produced a result")
		return nil, nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"sent":3}`, string(got))
}

func TestRunOnceRunsAfterAbandonedLockReleases(t *testing.T) {
	ctx := context.Background()
	l := New()
	key := idempotency.Key(uuid.New(), workflow.StageComms, "send_notifications")

	ok, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The holder dies without caching anything. Once its lock is gone the
	// waiter takes over and executes the operation itself.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = l.Release(ctx, key)
	}()

	calls := 0
	got, err := idempotency.RunOnce(ctx, l, key, func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"sent":1}`), nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.JSONEq(t, `{"sent":1}`, string(got))
}

func TestRunOnceGivesUpWhenContextExpires(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	l := New()
	key := idempotency.Key(uuid.New(), workflow.StageComms, "send_notifications")

	ok, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = idempotency.RunOnce(ctx, l, key, func(context.Context) (json.RawMessage, error) {
		t.Error("op must not run while the lock is held")
		return nil, nil
	})
	require.Error(t, err)
	require.Equal(t, workflow.KindTimeout, workflow.KindOf(err))
}
