// Package runner executes a single pipeline stage: it transitions the task
// row, assembles the stage input, invokes the model under the idempotency
// ledger with retry and rate limiting, parses the result, and records the
// outcome durably before reporting it to the event bus.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/events"
	"github.com/chamikabm/bidopsai/workflow/idempotency"
	"github.com/chamikabm/bidopsai/workflow/model"
	"github.com/chamikabm/bidopsai/workflow/store"
	"github.com/chamikabm/bidopsai/workflow/telemetry"
)

// Retry policy for transient model and store failures.
const (
	retryInitialInterval = time.Second
	retryMultiplier      = 2
	retryMaxInterval     = time.Minute
	retryRandomization   = 0.5
	maxAttempts          = 3
)

type (
	// Runner executes stages one at a time on behalf of the executor.
	Runner struct {
		store   store.Store
		ledger  idempotency.Ledger
		bus     events.Bus
		invoker model.Invoker
		logger  telemetry.Logger
		metrics telemetry.Metrics
		limiter *rate.Limiter
	}

	// Options configures a Runner. Store, Ledger, Bus, and Invoker are
	// required.
	Options struct {
		Store   store.Store
		Ledger  idempotency.Ledger
		Bus     events.Bus
		Invoker model.Invoker
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Limiter throttles model invocations across all workflows in the
		// process. Nil means no throttling.
		Limiter *rate.Limiter
	}
)

// New builds a Runner, validating required options.
func New(opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("runner: Store is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("runner: Ledger is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("runner: Bus is required")
	}
	if opts.Invoker == nil {
		return nil, fmt.Errorf("runner: Invoker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Runner{
		store:   opts.Store,
		ledger:  opts.Ledger,
		bus:     opts.Bus,
		invoker: opts.Invoker,
		logger:  logger,
		metrics: metrics,
		limiter: opts.Limiter,
	}, nil
}

// Run executes one stage against the state. On success the state is updated
// in place (completed set, outputs) and the typed output is returned. The
// task row, project progress, and events are all recorded before Run returns.
//
// A model response is produced at most once per (workflow, stage, attempt
// epoch): re-running a stage after a crash observes the ledger-cached
// response instead of invoking the model again.
func (r *Runner) Run(ctx context.Context, s *workflow.State, stage workflow.Stage) (workflow.Output, error) {
	startedAt := time.Now()
	task, err := r.store.StartTask(ctx, s.WorkflowID, stage.Name)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, s, events.StageStarted(string(stage.Name)), map[string]any{
		"stage":               string(stage.Name),
		"task_id":             task.ID,
		"sequence_order":      stage.SequenceOrder,
		"progress_percentage": s.Progress(),
	})
	r.logger.Info(ctx, "stage started",
		"workflow_id", s.WorkflowID, "stage", string(stage.Name))

	input := stage.BuildInput(s)

	stageCtx, cancel := context.WithTimeout(ctx, stage.Timeout())
	defer cancel()

	key := idempotency.Key(s.WorkflowID, stage.Name, invokeOperation(s, stage))
	raw, err := idempotency.RunOnce(stageCtx, r.ledger, key, func(opCtx context.Context) (json.RawMessage, error) {
		return r.invokeWithRetry(opCtx, s, stage, input)
	})
	if err != nil {
		return nil, r.fail(ctx, s, stage, task.ID, err)
	}

	out := workflow.ParseStageOutput(stage.Name, raw)
	if pf, ok := out.(*workflow.ParseFailed); ok {
		r.logger.Warn(ctx, "stage output not parseable, continuing with raw text",
			"workflow_id", s.WorkflowID, "stage", string(stage.Name), "len", len(pf.Text))
	}

	if err := r.store.CompleteTask(ctx, s.WorkflowID, stage.Name, out.JSON()); err != nil {
		return nil, r.fail(ctx, s, stage, task.ID, err)
	}
	if err := r.store.UpdateProjectProgress(ctx, s.ProjectID, stage.ProgressOnComplete, workflow.StatusInProgress); err != nil {
		return nil, r.fail(ctx, s, stage, task.ID, err)
	}

	s.AddCompleted(string(stage.Name))
	s.Outputs[string(stage.Name)] = out

	r.publish(ctx, s, events.StageCompleted(string(stage.Name)), map[string]any{
		"stage":                  string(stage.Name),
		"task_id":                task.ID,
		"execution_time_seconds": time.Since(startedAt).Seconds(),
		"output_summary":         json.RawMessage(out.JSON()),
	})
	r.publish(ctx, s, events.TypeProgress, map[string]any{
		"progress_percentage": stage.ProgressOnComplete,
		"current_step":        string(stage.Name),
	})
	if draft := emailDraft(out); draft != nil {
		r.publish(ctx, s, events.TypeEmailDraft, map[string]any{"draft": draft})
	}
	r.metrics.Duration(ctx, "stage_execution", time.Since(startedAt), "stage", string(stage.Name))
	r.logger.Info(ctx, "stage completed",
		"workflow_id", s.WorkflowID, "stage", string(stage.Name), "progress", stage.ProgressOnComplete)
	return out, nil
}

// emailDraft returns the submission email draft if the output carries one.
func emailDraft(out workflow.Output) *workflow.EmailDraft {
	sub, ok := out.(*workflow.SubmissionOutput)
	if !ok {
		return nil
	}
	return sub.Email
}

// invokeWithRetry calls the model with exponential backoff on transient
// failures. Validation and other permanent errors abort immediately.
func (r *Runner) invokeWithRetry(ctx context.Context, s *workflow.State, stage workflow.Stage, input map[string]any) (json.RawMessage, error) {
	req := &model.Request{
		Stage:   string(stage.Name),
		System:  systemPrompt(stage.Name),
		Context: input,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.Multiplier = retryMultiplier
	policy.MaxInterval = retryMaxInterval
	policy.RandomizationFactor = retryRandomization
	policy.MaxElapsedTime = 0

	var resp *model.Response
	attempt := 0
	op := func() error {
		attempt++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		var err error
		resp, err = r.invoker.Invoke(ctx, req)
		if err == nil {
			return nil
		}
		if !workflow.IsTransient(err) {
			return backoff.Permanent(err)
		}
		r.logger.Warn(ctx, "model invocation failed, retrying",
			"workflow_id", s.WorkflowID, "stage", string(stage.Name), "attempt", attempt, "err", err)
		s.RetryCount++
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxAttempts-1), ctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, workflow.WrapError(workflow.KindTimeout, workflow.CodeStageTimeout,
				"stage timed out", err).With("stage", string(stage.Name))
		}
		return nil, workflow.WrapError(workflow.KindOf(err), workflow.CodeModelInvocation,
			"model invocation failed", err).With("stage", string(stage.Name))
	}
	return json.RawMessage(resp.Text), nil
}

// fail records the task failure and reports it. The returned error carries
// the original classification.
func (r *Runner) fail(ctx context.Context, s *workflow.State, stage workflow.Stage, taskID uuid.UUID, cause error) error {
	if err := r.store.FailTask(ctx, s.WorkflowID, stage.Name, cause.Error()); err != nil {
		r.logger.Error(ctx, "recording task failure failed",
			"workflow_id", s.WorkflowID, "stage", string(stage.Name), "err", err)
	}
	var werr *workflow.Error
	if !errors.As(cause, &werr) {
		werr = workflow.WrapError(workflow.KindOf(cause), workflow.CodeStageExecution, "stage failed", cause)
	}
	s.Errors = append(s.Errors, werr)

	r.publish(ctx, s, events.StageFailed(string(stage.Name)), map[string]any{
		"stage":          string(stage.Name),
		"task_id":        taskID,
		"error_code":     werr.Code,
		"error_message":  werr.Message,
		"is_recoverable": werr.Recoverable,
	})
	r.publish(ctx, s, events.TypeErrorOccurred, map[string]any{
		"stage":          string(stage.Name),
		"error_code":     werr.Code,
		"error_message":  werr.Message,
		"kind":           string(werr.Kind),
		"is_recoverable": werr.Recoverable,
		"context":        werr.Context,
	})
	r.metrics.Count(ctx, "stage_failures", 1, "stage", string(stage.Name), "code", werr.Code)
	r.logger.Error(ctx, "stage failed",
		"workflow_id", s.WorkflowID, "stage", string(stage.Name), "code", werr.Code, "err", cause)
	return werr
}

// invokeOperation builds the ledger operation name. Reworked runs of a stage
// must not observe the cached response of the run they replaced, so the
// operation is salted with the stage's rework epoch.
func invokeOperation(s *workflow.State, stage workflow.Stage) string {
	return fmt.Sprintf("invoke:%d", s.Epoch(stage.Name))
}

func (r *Runner) publish(ctx context.Context, s *workflow.State, typ string, data map[string]any) {
	if err := r.bus.Publish(ctx, events.New(s.SessionID, s.WorkflowID, typ, data)); err != nil {
		r.logger.Warn(ctx, "event publish failed", "event_type", typ, "err", err)
	}
}
