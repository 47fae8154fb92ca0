// Package pulse provides an events.Sink that mirrors workflow events into
// goa.design/pulse streams, one stream per session. The in-memory bus remains
// the replay source for reconnecting clients; the Pulse stream gives other
// processes a durable copy of the same feed.
package pulse

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/chamikabm/bidopsai/features/stream/pulse/clients/pulse"
	"github.com/chamikabm/bidopsai/workflow/events"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamName derives the target stream from an event. Defaults to
		// "workflow-session/<session id>".
		StreamName func(*events.Event) (string, error)
	}

	// Sink publishes workflow events into Pulse streams. Safe for
	// concurrent Append calls.
	Sink struct {
		client     pulse.Client
		streamName func(*events.Event) (string, error)
	}
)

var _ events.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == nil {
		name = defaultStreamName
	}
	return &Sink{client: opts.Client, streamName: name}, nil
}

// Append publishes the event to its session stream. The bus-assigned event id
// travels in the payload so consumers can order and deduplicate entries.
func (s *Sink) Append(ctx context.Context, ev *events.Event) error {
	name, err := s.streamName(ev)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, ev.Type, payload)
	return err
}

// Close delegates to the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamName(ev *events.Event) (string, error) {
	if ev.SessionID == "" {
		return "", errors.New("event missing session id")
	}
	return "workflow-session/" + ev.SessionID, nil
}
