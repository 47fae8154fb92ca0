package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan *Event, n int) []*Event {
	t.Helper()
	var out []*Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d events, want %d", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events, want %d", len(out), n)
		}
	}
	return out
}

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	wfID := uuid.New()

	for i := 0; i < 3; i++ {
		ev := New("session-ids", wfID, TypeProgress, map[string]int{"progress": i * 10})
		require.NoError(t, bus.Publish(ctx, ev))
		require.Equal(t, uint64(i+1), ev.ID)
		require.False(t, ev.Timestamp.IsZero())
	}
}

func TestSubscribeOpensWithConnected(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	ch, cancel, err := bus.Subscribe(ctx, "session-hello", 0)
	require.NoError(t, err)
	defer cancel()

	hello := collect(t, ch, 1)[0]
	require.Equal(t, TypeConnected, hello.Type)

	var data map[string]any
	require.NoError(t, json.Unmarshal(hello.Data, &data))
	require.EqualValues(t, RetryMillis, data["retry_ms"])
	require.Equal(t, "session-hello", data["session_id"])
}

func TestReplaySinceID(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	wfID := uuid.New()

	for i := 1; i <= 5; i++ {
		require.NoError(t, bus.Publish(ctx, New("session-replay", wfID, TypeProgress, map[string]int{"n": i})))
	}

	// Resume from id 2: expect connected, then events 3, 4, 5.
	ch, cancel, err := bus.Subscribe(ctx, "session-replay", 2)
	require.NoError(t, err)
	defer cancel()

	got := collect(t, ch, 4)
	require.Equal(t, TypeConnected, got[0].Type)
	for i, ev := range got[1:] {
		require.Equal(t, uint64(i+3), ev.ID)
	}

	// Live events keep flowing after replay.
	require.NoError(t, bus.Publish(ctx, New("session-replay", wfID, StageStarted("parser"), nil)))
	live := collect(t, ch, 1)[0]
	require.Equal(t, uint64(6), live.ID)
}

func TestSlowSubscriberOverflows(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(WithQueueSize(5))
	wfID := uuid.New()

	ch, cancel, err := bus.Subscribe(ctx, "session-slow", 0)
	require.NoError(t, err)
	defer cancel()

	// Nobody reads while ten events arrive; the five-slot queue drops from
	// the front and keeps a single overflow marker at the head.
	for i := 1; i <= 10; i++ {
		require.NoError(t, bus.Publish(ctx, New("session-slow", wfID, TypeProgress, map[string]int{"n": i})))
	}

	got := collect(t, ch, 6)
	require.Equal(t, TypeConnected, got[0].Type)
	require.Equal(t, TypeQueueOverflow, got[1].Type, "overflow marker replaces dropped events at the head")

	var data map[string]any
	require.NoError(t, json.Unmarshal(got[1].Data, &data))
	require.Greater(t, data["dropped"].(float64), float64(0))
	require.EqualValues(t, 1, data["oldest_dropped_id"].(float64))

	// The tail of the queue still carries the newest events in order.
	last := got[len(got)-1]
	require.Equal(t, uint64(10), last.ID)
}

func TestCloseAllDeliversShutdown(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	ch, cancel, err := bus.Subscribe(ctx, "session-shutdown", 0)
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, TypeConnected, collect(t, ch, 1)[0].Type)

	require.NoError(t, bus.CloseAll(ctx))

	ev := collect(t, ch, 1)[0]
	require.Equal(t, TypeServerShutdown, ev.Type)

	_, open := <-ch
	require.False(t, open, "channel closes after shutdown event")

	// A closed bus refuses further publishes and subscriptions.
	require.Error(t, bus.Publish(ctx, New("session-shutdown", uuid.New(), TypeProgress, nil)))
	_, _, err = bus.Subscribe(ctx, "session-shutdown", 0)
	require.Error(t, err)
}

func TestSinkReceivesPublishedEvents(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	bus := NewMemoryBus(WithSink(sink))
	wfID := uuid.New()

	require.NoError(t, bus.Publish(ctx, New("session-sink", wfID, TypeWorkflowCreated, nil)))
	require.NoError(t, bus.Publish(ctx, New("session-sink", wfID, StageStarted("parser"), nil)))
	require.Len(t, sink.events, 2)

	require.NoError(t, bus.CloseAll(ctx))
	require.True(t, sink.closed)
}

type recordingSink struct {
	events []*Event
	closed bool
}

func (s *recordingSink) Append(_ context.Context, ev *Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.closed = true
	return nil
}

type memLog struct {
	mu      sync.Mutex
	logged  map[string][]*Event
	fail    bool
	appends int
}

func newMemLog() *memLog {
	return &memLog{logged: map[string][]*Event{}}
}

func (l *memLog) AppendEvent(_ context.Context, ev *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errTestLog
	}
	l.appends++
	cp := *ev
	l.logged[ev.SessionID] = append(l.logged[ev.SessionID], &cp)
	return nil
}

func (l *memLog) FetchEventsSince(_ context.Context, sessionID string, sinceID uint64) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Event
	for _, ev := range l.logged[sessionID] {
		if ev.ID > sinceID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

var errTestLog = errors.New("log unavailable")

func TestDurableLogBacksReplayAcrossRestart(t *testing.T) {
	ctx := context.Background()
	log := newMemLog()
	wfID := uuid.New()

	bus1 := NewMemoryBus(WithLog(log))
	for i := 0; i < 3; i++ {
		require.NoError(t, bus1.Publish(ctx, New("session-durable", wfID, TypeProgress, map[string]int{"n": i})))
	}
	require.Equal(t, 3, log.appends)

	// A fresh bus sharing the log stands in for a restarted process: the
	// replay still covers events the old process published.
	bus2 := NewMemoryBus(WithLog(log))
	ch, cancel, err := bus2.Subscribe(ctx, "session-durable", 1)
	require.NoError(t, err)
	defer cancel()

	got := collect(t, ch, 3)
	require.Equal(t, TypeConnected, got[0].Type)
	require.Equal(t, uint64(2), got[1].ID)
	require.Equal(t, uint64(3), got[2].ID)

	// Ids keep increasing past the logged history.
	ev := New("session-durable", wfID, TypeProgress, nil)
	require.NoError(t, bus2.Publish(ctx, ev))
	require.Equal(t, uint64(4), ev.ID)
}

func TestPublishFailsWhenLogAppendFails(t *testing.T) {
	ctx := context.Background()
	log := newMemLog()
	log.fail = true

	bus := NewMemoryBus(WithLog(log))
	err := bus.Publish(ctx, New("session-logfail", uuid.New(), TypeProgress, nil))
	require.Error(t, err)
	require.ErrorIs(t, err, errTestLog)
}
