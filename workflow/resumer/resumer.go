// Package resumer reassembles workflow state from durable records and applies
// resume input. The workflow and task rows are the authoritative record; the
// in-memory state handed to the executor is always derived from them, never
// trusted across invocations.
package resumer

import (
	"context"
	"fmt"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/events"
	"github.com/chamikabm/bidopsai/workflow/store"
	"github.com/chamikabm/bidopsai/workflow/supervisor"
	"github.com/chamikabm/bidopsai/workflow/telemetry"
)

type (
	// Resumer loads and resumes workflows by session key.
	Resumer struct {
		store  store.Store
		bus    events.Bus
		logger telemetry.Logger
	}

	// Options configures a Resumer. Store and Bus are required.
	Options struct {
		Store  store.Store
		Bus    events.Bus
		Logger telemetry.Logger
	}

	// Input is the user payload delivered on a resume invocation.
	Input struct {
		// Message is the free-text chat message.
		Message string
		// ContentEdits are artifact revisions supplied at the review
		// checkpoint.
		ContentEdits []workflow.ContentEdit
	}
)

// New builds a Resumer, validating required options.
func New(opts Options) (*Resumer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("resumer: Store is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("resumer: Bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Resumer{store: opts.Store, bus: opts.Bus, logger: logger}, nil
}

// Load rehydrates the workflow state for a session from its workflow and task
// rows plus the persisted snapshot. It returns a not-found error when the
// session has no workflow.
func (r *Resumer) Load(ctx context.Context, sessionID string) (*workflow.State, error) {
	wf, err := r.store.FindWorkflowBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s := workflow.NewState(wf.ProjectID, wf.UserID, sessionID)
	s.WorkflowID = wf.ID
	s.Status = wf.Status
	s.StartedAt = wf.CreatedAt
	s.LastUpdatedAt = wf.UpdatedAt
	s.AddCompleted(workflow.NodeInitialize)

	if err := s.ApplySnapshot(wf.Config); err != nil {
		return nil, err
	}

	tasks, err := r.store.LoadTasks(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status != workflow.StatusCompleted {
			continue
		}
		s.AddCompleted(string(t.Name))
		s.Outputs[string(t.Name)] = workflow.ParseStageOutput(t.Name, t.Output)
	}

	r.logger.Debug(ctx, "workflow state rehydrated",
		"workflow_id", s.WorkflowID, "session_id", sessionID,
		"completed", s.Completed, "status", string(s.Status))
	return s, nil
}

// ApplyInput folds resume input into the state: classifies the feedback
// intent, records checkpoint verdicts, clears the pause flag, and returns the
// workflow to in-progress. Empty input on a paused workflow leaves it paused.
func (r *Resumer) ApplyInput(ctx context.Context, s *workflow.State, in Input) error {
	if in.Message == "" && len(in.ContentEdits) == 0 {
		return nil
	}

	r.publishUserMessage(ctx, s, in)

	s.UserFeedback = in.Message
	s.FeedbackIntent = supervisor.ClassifyIntent(in.Message)
	if len(in.ContentEdits) > 0 {
		s.ContentEdits = in.ContentEdits
	}

	if !s.AwaitingFeedback {
		return nil
	}

	// Record the verdict taken at the checkpoint before lifting the pause.
	verdict := &workflow.FeedbackOutput{
		At:       s.Checkpoint,
		Feedback: in.Message,
	}
	switch s.Checkpoint {
	case workflow.CheckpointAnalysisFeedback:
		verdict.Intent = s.FeedbackIntent
		verdict.Approved = s.FeedbackIntent == workflow.IntentProceed
	case workflow.CheckpointArtifactReview:
		verdict.Approved = len(in.ContentEdits) == 0 && supervisor.Approved(in.Message, true)
	default:
		verdict.Approved = supervisor.Approved(in.Message, false)
	}
	s.Outputs[string(s.Checkpoint)] = verdict

	s.AwaitingFeedback = false
	if s.Status == workflow.StatusWaiting {
		if err := r.store.UpdateWorkflowStatus(ctx, s.WorkflowID, workflow.StatusInProgress, ""); err != nil {
			return err
		}
		s.Status = workflow.StatusInProgress
	}

	r.logger.Info(ctx, "workflow resumed with user input",
		"workflow_id", s.WorkflowID, "checkpoint", string(verdict.At),
		"intent", string(s.FeedbackIntent), "approved", verdict.Approved)
	return nil
}

func (r *Resumer) publishUserMessage(ctx context.Context, s *workflow.State, in Input) {
	data := map[string]any{"message": in.Message}
	if len(in.ContentEdits) > 0 {
		data["edits"] = len(in.ContentEdits)
	}
	if err := r.bus.Publish(ctx, events.New(s.SessionID, s.WorkflowID, events.TypeUserMessage, data)); err != nil {
		r.logger.Warn(ctx, "user message publish failed", "session_id", s.SessionID, "err", err)
	}
}
