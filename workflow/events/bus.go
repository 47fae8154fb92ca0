package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/telemetry"
)

const (
	// DefaultQueueSize bounds each subscriber's undelivered event queue.
	DefaultQueueSize = 100

	// defaultLogSize bounds the per-session replay log.
	defaultLogSize = 1000
)

type (
	// MemoryBus is the in-process Bus. Publishing never blocks on slow
	// subscribers: a full subscriber queue drops its oldest event and
	// records a queue_overflow marker in its place.
	//
	// An optional Log persists every published event before fan-out and
	// backs subscriber replay, so reconnecting clients recover events
	// published before the current process started. An optional Sink
	// additionally mirrors events to an external stream for cross-process
	// consumers.
	MemoryBus struct {
		mu       sync.Mutex
		sessions map[string]*session
		sink     Sink
		log      Log
		logger   telemetry.Logger
		closed   bool

		queueSize int
		logSize   int
	}

	// MemoryBusOption customizes a MemoryBus.
	MemoryBusOption func(*MemoryBus)

	session struct {
		nextID uint64
		seeded bool
		log    []*Event
		subs   map[*subscriber]struct{}
	}

	subscriber struct {
		mu       sync.Mutex
		queue    []*Event
		notify   chan struct{}
		out      chan *Event
		done     chan struct{}
		doneOnce sync.Once
		max      int
		closed   bool

		dropped       int
		oldestDropped uint64
		lastDropped   uint64
	}
)

var _ Bus = (*MemoryBus)(nil)

// WithSink mirrors published events to an external durable stream.
func WithSink(sink Sink) MemoryBusOption {
	return func(b *MemoryBus) { b.sink = sink }
}

// WithLog persists published events to a durable log and replays from it on
// subscribe, surviving process restarts.
func WithLog(log Log) MemoryBusOption {
	return func(b *MemoryBus) { b.log = log }
}

// WithQueueSize overrides the per-subscriber queue bound. Values below 2 are
// ignored; the queue must hold at least an overflow marker plus one event.
func WithQueueSize(n int) MemoryBusOption {
	return func(b *MemoryBus) {
		if n >= 2 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger telemetry.Logger) MemoryBusOption {
	return func(b *MemoryBus) { b.logger = logger }
}

// NewMemoryBus builds an in-process bus.
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		sessions:  map[string]*session{},
		logger:    telemetry.NewNoopLogger(),
		queueSize: DefaultQueueSize,
		logSize:   defaultLogSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns id and timestamp, appends the event to the durable log when
// one is configured, mirrors it to the sink, and fans it out to live
// subscribers. A durable append failure fails the publish; the sink is best
// effort.
func (b *MemoryBus) Publish(ctx context.Context, ev *Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return workflow.NewError(workflow.KindInvalidTransition, workflow.CodeStreamPublish, "bus is closed")
	}
	sess := b.session(ev.SessionID)
	b.mu.Unlock()

	if b.log != nil {
		if err := b.seedSession(ctx, ev.SessionID, sess); err != nil {
			return err
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return workflow.NewError(workflow.KindInvalidTransition, workflow.CodeStreamPublish, "bus is closed")
	}
	sess.nextID++
	ev.ID = sess.nextID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	sess.log = append(sess.log, ev)
	if len(sess.log) > b.logSize {
		sess.log = sess.log[len(sess.log)-b.logSize:]
	}
	subs := make([]*subscriber, 0, len(sess.subs))
	for sub := range sess.subs {
		subs = append(subs, sub)
	}
	sink := b.sink
	b.mu.Unlock()

	if b.log != nil {
		if err := b.log.AppendEvent(ctx, ev); err != nil {
			return workflow.WrapError(workflow.KindTransient, workflow.CodeStreamPublish, "append event to log", err)
		}
	}

	for _, sub := range subs {
		sub.enqueue(ev)
	}

	if sink != nil {
		if err := sink.Append(ctx, ev); err != nil {
			// The durable log already holds the event; a sink failure
			// degrades cross-process fan-out but must not fail the publish.
			b.logger.Warn(ctx, "event sink append failed",
				"session_id", ev.SessionID, "event_type", ev.Type, "err", err)
		}
	}
	return nil
}

// seedSession advances the session's next id past the durable log so ids keep
// increasing across process restarts. A failed seed is retried on the next
// publish.
func (b *MemoryBus) seedSession(ctx context.Context, sessionID string, sess *session) error {
	b.mu.Lock()
	seeded := sess.seeded
	b.mu.Unlock()
	if seeded {
		return nil
	}
	past, err := b.log.FetchEventsSince(ctx, sessionID, 0)
	if err != nil {
		return workflow.WrapError(workflow.KindTransient, workflow.CodeStreamPublish, "seed session from event log", err)
	}
	b.mu.Lock()
	if !sess.seeded {
		for _, ev := range past {
			if ev.ID > sess.nextID {
				sess.nextID = ev.ID
			}
		}
		sess.seeded = true
	}
	b.mu.Unlock()
	return nil
}

// Subscribe registers a session subscriber. The stream opens with a connected
// event, then replays logged events with id greater than sinceID, then goes
// live. With a durable log configured the replay comes from the log, so it
// covers events published before this process started.
func (b *MemoryBus) Subscribe(ctx context.Context, sessionID string, sinceID uint64) (<-chan *Event, func(), error) {
	var replay []*Event
	if b.log != nil {
		past, err := b.log.FetchEventsSince(ctx, sessionID, sinceID)
		if err != nil {
			return nil, nil, workflow.WrapError(workflow.KindTransient, workflow.CodeStreamPublish, "replay from event log", err)
		}
		replay = past
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, workflow.NewError(workflow.KindInvalidTransition, workflow.CodeStreamPublish, "bus is closed")
	}
	sess := b.session(sessionID)
	for _, ev := range replay {
		if ev.ID > sess.nextID {
			sess.nextID = ev.ID
		}
	}

	sub := &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan *Event),
		done:   make(chan struct{}),
		max:    b.queueSize,
	}

	hello := &Event{
		ID:        sess.nextID,
		Type:      TypeConnected,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
	hello.Data = mustJSON(map[string]any{"retry_ms": RetryMillis, "session_id": sessionID})
	sub.queue = append(sub.queue, hello)
	last := sinceID
	for _, ev := range replay {
		sub.queue = append(sub.queue, ev)
		last = ev.ID
	}
	// Cover the window between the log fetch and registration: in-process
	// events newer than the replay go out too.
	for _, ev := range sess.log {
		if ev.ID > last {
			sub.queue = append(sub.queue, ev)
		}
	}

	sess.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.sessions[sessionID]; ok {
			delete(s.subs, sub)
		}
		b.mu.Unlock()
		sub.abort()
	}
	return sub.out, cancel, nil
}

// CloseAll notifies every subscriber of shutdown and closes their channels.
// The bus accepts no further publishes or subscriptions.
func (b *MemoryBus) CloseAll(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscriber
	for _, sess := range b.sessions {
		for sub := range sess.subs {
			all = append(all, sub)
		}
		sess.subs = map[*subscriber]struct{}{}
	}
	sink := b.sink
	b.mu.Unlock()

	shutdown := &Event{
		Type:      TypeServerShutdown,
		Timestamp: time.Now().UTC(),
		Data:      mustJSON(map[string]any{"retry_ms": RetryMillis}),
	}
	for _, sub := range all {
		sub.enqueue(shutdown)
		sub.close()
	}
	if sink != nil {
		return sink.Close(ctx)
	}
	return nil
}

// session returns the session entry, creating it on first use. Caller holds
// b.mu.
func (b *MemoryBus) session(id string) *session {
	sess, ok := b.sessions[id]
	if !ok {
		sess = &session{subs: map[*subscriber]struct{}{}}
		b.sessions[id] = sess
	}
	return sess
}

// enqueue appends the event to the subscriber queue. When full, the oldest
// undelivered event is dropped and replaced at the head with a queue_overflow
// marker carrying the dropped event's id, so the client can resubscribe from
// there to recover.
func (s *subscriber) enqueue(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.max {
		// Strip any previous marker so it never counts as a droppable event,
		// then make room for a fresh marker plus the incoming event.
		if s.queue[0].Type == TypeQueueOverflow {
			s.queue = s.queue[1:]
		}
		for len(s.queue) > s.max-2 {
			d := s.queue[0]
			s.queue = s.queue[1:]
			s.dropped++
			if s.oldestDropped == 0 {
				s.oldestDropped = d.ID
			}
			s.lastDropped = d.ID
		}
		s.queue = append([]*Event{{
			ID:        s.lastDropped,
			Type:      TypeQueueOverflow,
			SessionID: ev.SessionID,
			Timestamp: time.Now().UTC(),
			Data:      mustJSON(map[string]any{"dropped": s.dropped, "oldest_dropped_id": s.oldestDropped}),
		}}, s.queue...)
	}
	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump drains the queue into the out channel until closed, then closes out
// after delivering whatever remains.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var ev *Event
		if len(s.queue) > 0 {
			ev = s.queue[0]
			s.queue = s.queue[1:]
		}
		closed := s.closed
		s.mu.Unlock()

		if ev != nil {
			select {
			case s.out <- ev:
				continue
			case <-s.done:
				return
			}
		}
		if closed {
			return
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

// close requests a graceful shutdown: the pump delivers whatever is queued,
// then closes the out channel.
func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// abort tears the subscriber down immediately, abandoning undelivered events.
// Used when the consumer has gone away.
func (s *subscriber) abort() {
	s.close()
	s.doneOnce.Do(func() { close(s.done) })
}

func mustJSON(v map[string]any) []byte {
	b, _ := json.Marshal(v)
	return b
}
