// Package events defines the workflow event catalog and the session-scoped
// event bus that feeds server-sent event streams. Every published event is
// appended to a per-session durable log before delivery so reconnecting
// clients can replay what they missed.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted over the lifetime of a workflow session. Stage
// lifecycle events are named per stage: parser_started, qa_completed,
// content_failed. Use StageStarted and friends to build those.
const (
	// TypeConnected greets a new subscriber with the retry hint.
	TypeConnected = "connected"
	// TypeWorkflowCreated announces the workflow row insert on the first
	// invocation.
	TypeWorkflowCreated = "workflow_created"
	// TypeNodeDecided reports each supervisor routing decision.
	TypeNodeDecided = "node_decided"
	// TypeProgress carries the project progress percentage.
	TypeProgress = "progress_update"
	// TypeAwaitingFeedback announces a pause checkpoint with its prompt.
	TypeAwaitingFeedback = "awaiting_feedback"
	// TypeUserMessage echoes user input delivered on resume.
	TypeUserMessage = "user_message"
	// TypeArtifactsReady announces the artifacts produced by the content
	// stage.
	TypeArtifactsReady = "artifacts_ready"
	// TypeArtifactsExported carries the export locations once the export
	// node has run.
	TypeArtifactsExported = "artifacts_exported"
	// TypeEmailDraft carries the submission email draft when one was
	// produced.
	TypeEmailDraft = "email_draft"
	// TypeErrorOccurred carries a structured error report.
	TypeErrorOccurred = "error_occurred"
	// TypeManualIntervention flags a non-recoverable failure with operator
	// guidance.
	TypeManualIntervention = "manual_intervention_required"
	// TypeWorkflowCompleted announces the terminal state. The payload's
	// completion_status distinguishes success from failure.
	TypeWorkflowCompleted = "workflow_completed"
	// TypeQueueOverflow tells a slow subscriber that events were dropped.
	TypeQueueOverflow = "queue_overflow"
	// TypeServerShutdown tells subscribers to reconnect after the hint.
	TypeServerShutdown = "server_shutdown"
)

// StageStarted returns the started event type for a stage, e.g.
// "parser_started".
func StageStarted(stage string) string { return stage + "_started" }

// StageCompleted returns the completed event type for a stage.
func StageCompleted(stage string) string { return stage + "_completed" }

// StageFailed returns the failed event type for a stage.
func StageFailed(stage string) string { return stage + "_failed" }

// RetryMillis is the reconnect hint handed to clients in connected and
// shutdown events and in the SSE retry field.
const RetryMillis = 3000

type (
	// Event is one bus message. ID is assigned by the bus and increases
	// monotonically within a session, making it usable as an SSE event id
	// for replay.
	Event struct {
		ID         uint64          `json:"id"`
		Type       string          `json:"type"`
		SessionID  string          `json:"session_id"`
		WorkflowID uuid.UUID       `json:"workflow_id,omitempty"`
		Timestamp  time.Time       `json:"timestamp"`
		Data       json.RawMessage `json:"data,omitempty"`
	}

	// Bus fans events out to session subscribers and retains them for
	// replay. Implementations are safe for concurrent use.
	Bus interface {
		// Publish assigns the event id and timestamp, appends the event to
		// the session log, and delivers it to live subscribers. Slow
		// subscribers lose their oldest undelivered events and receive a
		// queue_overflow marker instead of blocking the publisher.
		Publish(ctx context.Context, ev *Event) error

		// Subscribe registers a subscriber for the session. Events with id
		// greater than sinceID are replayed first, then live delivery
		// begins. A connected event opens the stream. The returned cancel
		// function releases the subscription.
		Subscribe(ctx context.Context, sessionID string, sinceID uint64) (<-chan *Event, func(), error)

		// CloseAll delivers a server_shutdown event to every subscriber
		// and closes all channels.
		CloseAll(ctx context.Context) error
	}

	// Sink mirrors published events to an external durable stream.
	// Implementations live under features/stream.
	Sink interface {
		Append(ctx context.Context, ev *Event) error
		Close(ctx context.Context) error
	}

	// Log is the durable event log backing replay across process restarts.
	// The workflow store satisfies it.
	Log interface {
		AppendEvent(ctx context.Context, ev *Event) error
		FetchEventsSince(ctx context.Context, sessionID string, sinceID uint64) ([]*Event, error)
	}
)

// New builds an event for publishing. The bus fills ID and Timestamp.
func New(sessionID string, workflowID uuid.UUID, typ string, data any) *Event {
	ev := &Event{Type: typ, SessionID: sessionID, WorkflowID: workflowID}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}
