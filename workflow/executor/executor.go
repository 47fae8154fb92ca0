// Package executor drives a workflow invocation: it asks the supervisor for
// the next node, applies the decision's resets, dispatches stage runs and
// checkpoint pauses, and persists state after every transition. One call to
// Invoke runs the workflow until it pauses, completes, or fails.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/events"
	"github.com/chamikabm/bidopsai/workflow/idempotency"
	"github.com/chamikabm/bidopsai/workflow/store"
	"github.com/chamikabm/bidopsai/workflow/supervisor"
	"github.com/chamikabm/bidopsai/workflow/telemetry"
)

// Wall-clock budget for a whole workflow, measured from its first
// initialization. A warning event fires at warnAfter.
const (
	maxWorkflowDuration = 60 * time.Minute
	warnAfter           = 50 * time.Minute

	// maxIterations bounds the supervisor loop within one invocation.
	// Rework loops are expected to converge long before this.
	maxIterations = 100
)

// Prompts sent with awaiting_feedback events, one per checkpoint.
var checkpointPrompts = map[workflow.Checkpoint]string{
	workflow.CheckpointAnalysisFeedback:     "Please review the analysis and provide feedback. Type 'approved' to continue, or describe any changes needed.",
	workflow.CheckpointArtifactReview:       "Artifacts are ready for review. Please review and edit if needed. Type 'approved' to continue.",
	workflow.CheckpointCommsPermission:      "Send notifications to project stakeholders? (yes/no)",
	workflow.CheckpointSubmissionPermission: "Submit bid to client? (yes/no)",
}

type (
	// StageRunner executes a single stage. Satisfied by runner.Runner.
	StageRunner interface {
		Run(ctx context.Context, s *workflow.State, stage workflow.Stage) (workflow.Output, error)
	}

	// Exporter persists approved artifact content to object storage and
	// returns its location.
	Exporter interface {
		Export(ctx context.Context, projectID, artifactID uuid.UUID, version int, content json.RawMessage) (string, error)
	}

	// Executor owns the supervisor loop for one process.
	Executor struct {
		store    store.Store
		ledger   idempotency.Ledger
		bus      events.Bus
		runner   StageRunner
		exporter Exporter
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// Options configures an Executor. Store, Ledger, Bus, and Runner are
	// required.
	Options struct {
		Store    store.Store
		Ledger   idempotency.Ledger
		Bus      events.Bus
		Runner   StageRunner
		Exporter Exporter
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		// Now overrides the time source. Test hook.
		Now func() time.Time
	}
)

// New builds an Executor, validating required options.
func New(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("executor: Store is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("executor: Ledger is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("executor: Bus is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("executor: Runner is required")
	}
	e := &Executor{
		store:    opts.Store,
		ledger:   opts.Ledger,
		bus:      opts.Bus,
		runner:   opts.Runner,
		exporter: opts.Exporter,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
	if e.exporter == nil {
		e.exporter = KeyExporter{Prefix: "artifacts"}
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewNoopMetrics()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Invoke runs the supervisor loop until the workflow pauses at a checkpoint,
// reaches a terminal state, or fails. The state is mutated in place and
// persisted after every transition; callers may discard it and rehydrate from
// the store at any time.
func (e *Executor) Invoke(ctx context.Context, s *workflow.State) error {
	warned := false
	for i := 0; i < maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return workflow.WrapError(workflow.KindCancelled, workflow.CodeWorkflowExecution, "invocation cancelled", err)
		}

		if !s.StartedAt.IsZero() {
			elapsed := e.now().Sub(s.StartedAt)
			if elapsed > maxWorkflowDuration {
				err := workflow.NewError(workflow.KindTimeout, workflow.CodeWorkflowTimeout, "workflow exceeded its deadline").
					With("elapsed", elapsed.String())
				return e.failWorkflow(ctx, s, err)
			}
			if elapsed > warnAfter && !warned {
				warned = true
				e.publish(ctx, s, events.TypeErrorOccurred, map[string]any{
					"error_code":     workflow.CodeWorkflowTimeout,
					"error_message":  "workflow is approaching its deadline",
					"is_recoverable": true,
				})
				e.logger.Warn(ctx, "workflow approaching deadline",
					"workflow_id", s.WorkflowID, "elapsed", elapsed.String())
			}
		}

		dec := supervisor.Decide(s)
		e.publish(ctx, s, events.TypeNodeDecided, map[string]any{
			"decision": dec.Node,
			"reason":   dec.Reason,
		})
		e.logger.Debug(ctx, "supervisor decision",
			"workflow_id", s.WorkflowID, "node", dec.Node, "reason", dec.Reason)
		if err := e.applyDecision(ctx, s, dec); err != nil {
			return e.failWorkflow(ctx, s, err)
		}

		switch dec.Node {
		case workflow.NodeInitialize:
			if err := e.initialize(ctx, s); err != nil {
				return e.failWorkflow(ctx, s, err)
			}

		case string(workflow.CheckpointAnalysisFeedback),
			string(workflow.CheckpointArtifactReview),
			string(workflow.CheckpointCommsPermission),
			string(workflow.CheckpointSubmissionPermission):
			return e.pause(ctx, s, workflow.Checkpoint(dec.Node))

		case workflow.NodeExport:
			if err := e.export(ctx, s); err != nil {
				return e.failWorkflow(ctx, s, err)
			}

		case workflow.NodeComplete:
			return e.complete(ctx, s)

		default:
			stage, ok := workflow.StageByName(workflow.StageName(dec.Node))
			if !ok {
				return e.failWorkflow(ctx, s, workflow.NewError(workflow.KindInternal,
					workflow.CodeWorkflowExecution, "unknown node").With("node", dec.Node))
			}
			if err := e.runStage(ctx, s, stage); err != nil {
				return e.failWorkflow(ctx, s, err)
			}
		}

		if err := e.persist(ctx, s); err != nil {
			return e.failWorkflow(ctx, s, err)
		}
	}
	return e.failWorkflow(ctx, s, workflow.NewError(workflow.KindInternal,
		workflow.CodeWorkflowExecution, "supervisor loop did not converge"))
}

// applyDecision applies the decision's resets and feedback consumption to the
// state and the store before the node dispatches.
func (e *Executor) applyDecision(ctx context.Context, s *workflow.State, dec supervisor.Decision) error {
	if len(dec.ResetStages) > 0 {
		if err := e.store.ResetTasks(ctx, s.WorkflowID, dec.ResetStages); err != nil {
			return err
		}
		names := make([]string, len(dec.ResetStages))
		for i, st := range dec.ResetStages {
			names[i] = string(st)
			s.BumpEpoch(st)
		}
		s.RemoveCompleted(names...)
		e.logger.Info(ctx, "stages reset for rework",
			"workflow_id", s.WorkflowID, "stages", names, "reason", dec.Reason)
	}
	if len(dec.ResetNodes) > 0 {
		s.RemoveCompleted(dec.ResetNodes...)
	}
	if dec.ClearFeedback {
		s.UserFeedback = ""
		s.FeedbackIntent = workflow.IntentProceed
	}
	return nil
}

// initialize creates the workflow row and its seven stage tasks. It is
// idempotent: a crash between row creation and the first snapshot leaves a
// workflow that initialize adopts instead of duplicating.
func (e *Executor) initialize(ctx context.Context, s *workflow.State) error {
	if s.WorkflowID == uuid.Nil {
		s.WorkflowID = uuid.New()
		if err := e.store.CreateWorkflow(ctx, &store.Workflow{
			ID:        s.WorkflowID,
			ProjectID: s.ProjectID,
			UserID:    s.UserID,
			SessionID: s.SessionID,
			Status:    workflow.StatusOpen,
		}); err != nil {
			return err
		}
	}

	tasks, err := e.store.LoadTasks(ctx, s.WorkflowID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		var rows []*store.Task
		for _, st := range workflow.Stages() {
			rows = append(rows, &store.Task{
				ID:            uuid.New(),
				WorkflowID:    s.WorkflowID,
				Name:          st.Name,
				SequenceOrder: st.SequenceOrder,
				Status:        workflow.StatusOpen,
			})
		}
		if err := e.store.CreateTasks(ctx, rows); err != nil {
			return err
		}
	}

	if err := e.store.UpdateWorkflowStatus(ctx, s.WorkflowID, workflow.StatusInProgress, ""); err != nil {
		return err
	}
	if err := e.store.UpdateProjectProgress(ctx, s.ProjectID, 0, workflow.StatusInProgress); err != nil {
		return err
	}
	s.Status = workflow.StatusInProgress
	s.AddCompleted(workflow.NodeInitialize)
	if s.StartedAt.IsZero() {
		s.StartedAt = e.now().UTC()
	}

	sequence := make([]string, 0, len(workflow.Sequence()))
	for _, st := range workflow.Sequence() {
		sequence = append(sequence, string(st))
	}
	e.publish(ctx, s, events.TypeWorkflowCreated, map[string]any{
		"workflow_execution_id": s.WorkflowID.String(),
		"project_id":            s.ProjectID.String(),
		"total_tasks":           len(sequence),
		"agent_sequence":        sequence,
	})
	e.logger.Info(ctx, "workflow initialized",
		"workflow_id", s.WorkflowID, "project_id", s.ProjectID, "session_id", s.SessionID)
	return nil
}

// runStage executes one stage through the runner. A comms failure is
// non-fatal: notifications are best effort and the workflow proceeds to the
// submission checkpoint regardless.
func (e *Executor) runStage(ctx context.Context, s *workflow.State, stage workflow.Stage) error {
	_, err := e.runner.Run(ctx, s, stage)
	if err != nil {
		if stage.Name == workflow.StageComms {
			e.logger.Warn(ctx, "comms stage failed, continuing without notifications",
				"workflow_id", s.WorkflowID, "err", err)
			s.AddCompleted(string(workflow.StageComms))
			return nil
		}
		return err
	}
	if stage.Name == workflow.StageContent {
		// Edits were folded into this run's input; they must not leak
		// into later reworks.
		s.ContentEdits = nil
	}
	return nil
}

// pause parks the workflow at a checkpoint: sets the pause flag, persists the
// WAITING status and snapshot, and emits the checkpoint prompt. Re-parking an
// already paused workflow re-emits the prompt.
func (e *Executor) pause(ctx context.Context, s *workflow.State, cp workflow.Checkpoint) error {
	s.AddCompleted(string(cp))
	s.AwaitingFeedback = true
	s.Checkpoint = cp
	s.Status = workflow.StatusWaiting

	if err := e.store.UpdateWorkflowStatus(ctx, s.WorkflowID, workflow.StatusWaiting, ""); err != nil {
		return e.failWorkflow(ctx, s, err)
	}
	if err := e.persist(ctx, s); err != nil {
		return e.failWorkflow(ctx, s, err)
	}

	e.publish(ctx, s, events.TypeAwaitingFeedback, map[string]any{
		"checkpoint": string(cp),
		"prompt":     checkpointPrompts[cp],
	})
	e.logger.Info(ctx, "workflow paused",
		"workflow_id", s.WorkflowID, "checkpoint", string(cp))
	return nil
}

// export persists every approved artifact version to object storage, exactly
// once per review epoch.
func (e *Executor) export(ctx context.Context, s *workflow.State) error {
	content, ok := s.Outputs[string(workflow.StageContent)].(*workflow.ContentOutput)
	if !ok || len(content.Artifacts) == 0 {
		return workflow.NewError(workflow.KindInternal, workflow.CodeStorageExport,
			"no artifacts to export")
	}

	key := idempotency.Key(s.WorkflowID, workflow.StageName(workflow.NodeExport),
		fmt.Sprintf("export:%d", s.Epoch(workflow.StageContent)))
	raw, err := idempotency.RunOnce(ctx, e.ledger, key, func(opCtx context.Context) (json.RawMessage, error) {
		return e.doExport(opCtx, s, content)
	})
	if err != nil {
		return workflow.WrapError(workflow.KindOf(err), workflow.CodeStorageExport, "artifact export failed", err)
	}

	var result workflow.ExportOutput
	if err := json.Unmarshal(raw, &result); err != nil {
		return workflow.WrapError(workflow.KindInternal, workflow.CodeStorageExport, "corrupt export result", err)
	}
	s.Artifacts = s.Artifacts[:0]
	for idStr, loc := range result.Locations {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		s.ExportLocations[id] = loc
		s.Artifacts = append(s.Artifacts, id)
	}
	s.ExportDone = true
	s.AddCompleted(workflow.NodeExport)
	s.Outputs[workflow.NodeExport] = &result

	if err := e.store.UpdateProjectProgress(ctx, s.ProjectID, 80, workflow.StatusInProgress); err != nil {
		return err
	}

	ids := make([]string, 0, len(s.Artifacts))
	for _, id := range s.Artifacts {
		ids = append(ids, id.String())
	}
	artifacts := make([]map[string]any, 0, len(content.Artifacts))
	for _, draft := range content.Artifacts {
		artifacts = append(artifacts, map[string]any{"name": draft.Name, "type": draft.Kind})
	}
	e.publish(ctx, s, events.TypeArtifactsReady, map[string]any{
		"artifact_ids": ids,
		"artifacts":    artifacts,
	})
	e.publish(ctx, s, events.TypeArtifactsExported, map[string]any{
		"artifact_ids":     ids,
		"export_locations": result.Locations,
	})
	e.publish(ctx, s, events.TypeProgress, map[string]any{
		"progress_percentage": 80,
		"current_step":        workflow.NodeExport,
	})
	e.logger.Info(ctx, "artifacts exported",
		"workflow_id", s.WorkflowID, "count", result.Count)
	return nil
}

// doExport creates the artifact rows, versions, and exported objects. Runs
// under the idempotency ledger. Export only happens after the user signed off
// at the artifact review checkpoint, so each artifact is marked approved by
// that user once its content is safely stored.
func (e *Executor) doExport(ctx context.Context, s *workflow.State, content *workflow.ContentOutput) (json.RawMessage, error) {
	result := workflow.ExportOutput{Locations: map[string]string{}}
	for _, draft := range content.Artifacts {
		art := &store.Artifact{
			ID:        uuid.New(),
			ProjectID: s.ProjectID,
			Name:      draft.Name,
			Kind:      draft.Kind,
			Category:  draft.Category,
			Tags:      draft.Tags,
		}
		if err := e.store.CreateArtifact(ctx, art); err != nil {
			return nil, err
		}
		version, err := e.store.AddArtifactVersion(ctx, art.ID, draft.Content)
		if err != nil {
			return nil, err
		}
		location, err := e.exporter.Export(ctx, s.ProjectID, art.ID, version, draft.Content)
		if err != nil {
			return nil, err
		}
		if err := e.store.SetVersionLocation(ctx, art.ID, version, location); err != nil {
			return nil, err
		}
		if err := e.store.ApproveArtifact(ctx, art.ID, s.UserID); err != nil {
			return nil, err
		}
		result.Locations[art.ID.String()] = location
		result.Count++
	}
	return json.Marshal(&result)
}

// complete moves the workflow and project to their terminal success states.
func (e *Executor) complete(ctx context.Context, s *workflow.State) error {
	if err := e.store.UpdateWorkflowStatus(ctx, s.WorkflowID, workflow.StatusCompleted, ""); err != nil {
		return e.failWorkflow(ctx, s, err)
	}
	if err := e.store.UpdateProjectProgress(ctx, s.ProjectID, 100, workflow.StatusCompleted); err != nil {
		return e.failWorkflow(ctx, s, err)
	}
	s.Status = workflow.StatusCompleted
	s.AddCompleted(workflow.NodeComplete)
	if err := e.persist(ctx, s); err != nil {
		e.logger.Error(ctx, "final snapshot failed", "workflow_id", s.WorkflowID, "err", err)
	}

	e.publish(ctx, s, events.TypeProgress, map[string]any{
		"progress_percentage": 100,
		"current_step":        workflow.NodeComplete,
	})
	e.publish(ctx, s, events.TypeWorkflowCompleted, map[string]any{
		"completion_status":            string(workflow.StatusCompleted),
		"total_execution_time_seconds": e.now().UTC().Sub(s.StartedAt).Seconds(),
		"summary":                      fmt.Sprintf("%d stages completed, %d artifacts exported", len(s.CompletedStages()), len(s.Artifacts)),
	})
	e.metrics.Duration(ctx, "workflow_execution", e.now().UTC().Sub(s.StartedAt))
	e.logger.Info(ctx, "workflow completed", "workflow_id", s.WorkflowID)
	return nil
}

// failWorkflow moves the workflow to FAILED, reports the error with operator
// guidance, and returns the causing error.
func (e *Executor) failWorkflow(ctx context.Context, s *workflow.State, cause error) error {
	s.Status = workflow.StatusFailed
	s.AwaitingFeedback = false
	if s.WorkflowID != uuid.Nil {
		if err := e.store.UpdateWorkflowStatus(ctx, s.WorkflowID, workflow.StatusFailed, cause.Error()); err != nil {
			e.logger.Error(ctx, "recording workflow failure failed",
				"workflow_id", s.WorkflowID, "err", err)
		}
		if err := e.persist(ctx, s); err != nil {
			e.logger.Error(ctx, "failure snapshot failed", "workflow_id", s.WorkflowID, "err", err)
		}
	}

	kind := workflow.KindOf(cause)
	e.publish(ctx, s, events.TypeErrorOccurred, map[string]any{
		"error_code":     errorCode(cause),
		"error_message":  cause.Error(),
		"kind":           string(kind),
		"is_recoverable": false,
	})
	e.publish(ctx, s, events.TypeManualIntervention, map[string]any{
		"error_code":        errorCode(cause),
		"suggested_actions": workflow.SuggestedActions,
	})
	e.publish(ctx, s, events.TypeWorkflowCompleted, map[string]any{
		"completion_status": string(workflow.StatusFailed),
		"reason":            cause.Error(),
	})
	e.metrics.Count(ctx, "workflow_failures", 1, "kind", string(kind))
	e.logger.Error(ctx, "workflow failed",
		"workflow_id", s.WorkflowID, "kind", string(kind), "err", cause)
	return cause
}

// persist writes the state snapshot into the workflow config blob.
func (e *Executor) persist(ctx context.Context, s *workflow.State) error {
	if s.WorkflowID == uuid.Nil {
		return nil
	}
	snap, err := s.MarshalSnapshot()
	if err != nil {
		return workflow.WrapError(workflow.KindInternal, workflow.CodeWorkflowExecution, "snapshot marshal failed", err)
	}
	return e.store.UpdateWorkflowConfig(ctx, s.WorkflowID, snap)
}

func (e *Executor) publish(ctx context.Context, s *workflow.State, typ string, data map[string]any) {
	if err := e.bus.Publish(ctx, events.New(s.SessionID, s.WorkflowID, typ, data)); err != nil {
		e.logger.Warn(ctx, "event publish failed", "event_type", typ, "err", err)
	}
}

func errorCode(err error) string {
	var werr *workflow.Error
	if errors.As(err, &werr) {
		return werr.Code
	}
	return workflow.CodeUnknown
}
