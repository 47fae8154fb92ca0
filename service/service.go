// Package service exposes the workflow engine over HTTP: a single invoke
// endpoint that streams events for the duration of the invocation, a
// reconnectable event stream with replay, and a health endpoint.
package service

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/health"

	"github.com/google/uuid"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/events"
	"github.com/chamikabm/bidopsai/workflow/resumer"
	"github.com/chamikabm/bidopsai/workflow/telemetry"
)

// liveOnly subscribes past the end of the replay log so only events published
// after the subscription are delivered.
const liveOnly = ^uint64(0)

type (
	// Invoker drives one workflow invocation. Satisfied by
	// executor.Executor.
	Invoker interface {
		Invoke(ctx context.Context, s *workflow.State) error
	}

	// Service is the HTTP entry handler.
	Service struct {
		resumer  *resumer.Resumer
		executor Invoker
		bus      events.Bus
		logger   telemetry.Logger
		pingers  []health.Pinger
		schema   *jsonschema.Schema
	}

	// Options configures a Service. Resumer, Executor, and Bus are
	// required.
	Options struct {
		Resumer  *resumer.Resumer
		Executor Invoker
		Bus      events.Bus
		Logger   telemetry.Logger
		// Pingers are reported by the health endpoint.
		Pingers []health.Pinger
	}

	invokeRequest struct {
		ProjectID string     `json:"project_id"`
		UserID    string     `json:"user_id"`
		SessionID string     `json:"session_id"`
		Start     bool       `json:"start"`
		UserInput *userInput `json:"user_input,omitempty"`
	}

	userInput struct {
		Chat         string                 `json:"chat"`
		ContentEdits []workflow.ContentEdit `json:"content_edits"`
	}
)

// New builds a Service, validating required options and compiling the request
// schema.
func New(opts Options) (*Service, error) {
	if opts.Resumer == nil {
		return nil, errors.New("service: Resumer is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("service: Executor is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("service: Bus is required")
	}
	schema, err := compileInvokeSchema()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Service{
		resumer:  opts.Resumer,
		executor: opts.Executor,
		bus:      opts.Bus,
		logger:   logger,
		pingers:  opts.Pingers,
		schema:   schema,
	}, nil
}

// Routes mounts the service endpoints on the gin engine.
func (s *Service) Routes(r *gin.Engine) {
	r.POST("/api/v1/workflows/invoke", s.invoke)
	r.GET("/api/v1/workflows/:session_id/events", s.streamEvents)
	r.GET("/healthz", gin.WrapF(health.Handler(health.NewChecker(s.pingers...))))
}

// invoke starts or resumes a workflow and streams its events until the
// invocation returns.
func (s *Service) invoke(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read request body"})
		return
	}
	if err := validateInvokeBody(s.schema, body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	req, err := decodeInvokeRequest(body)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	state, status, err := s.prepareState(ctx, req)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ch, cancel, err := s.bus.Subscribe(ctx, req.SessionID, liveOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer cancel()

	w := newSSEWriter(c)
	w.WriteRetry(events.RetryMillis)

	done := make(chan error, 1)
	go func() { done <- s.executor.Invoke(ctx, state) }()

	invokeErr := s.forwardUntilDone(ctx, w, ch, done)
	if invokeErr != nil {
		s.logger.Error(ctx, "workflow invocation failed",
			"session_id", req.SessionID, "err", invokeErr)
		w.WriteError(invokeErr)
	}
}

// prepareState builds the state for a fresh workflow or rehydrates and
// resumes an existing one. The returned status code applies when err != nil.
func (s *Service) prepareState(ctx context.Context, req *invokeRequest) (*workflow.State, int, error) {
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		return nil, http.StatusUnprocessableEntity, errors.New("project_id is not a valid uuid")
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return nil, http.StatusUnprocessableEntity, errors.New("user_id is not a valid uuid")
	}

	if req.Start {
		if prior, err := s.resumer.Load(ctx, req.SessionID); err == nil && !prior.Status.Terminal() {
			return nil, http.StatusConflict, errors.New("session already has a live workflow")
		}
		return workflow.NewState(projectID, userID, req.SessionID), 0, nil
	}

	state, err := s.resumer.Load(ctx, req.SessionID)
	if err != nil {
		if workflow.KindOf(err) == workflow.KindNotFound {
			return nil, http.StatusNotFound, errors.New("no workflow for session")
		}
		return nil, http.StatusInternalServerError, err
	}
	in := resumer.Input{}
	if req.UserInput != nil {
		in.Message = req.UserInput.Chat
		in.ContentEdits = req.UserInput.ContentEdits
	}
	if err := s.resumer.ApplyInput(ctx, state, in); err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return state, 0, nil
}

// forwardUntilDone streams bus events to the client until the invocation
// returns, then drains events still in flight.
func (s *Service) forwardUntilDone(ctx context.Context, w *sseWriter, ch <-chan *events.Event, done <-chan error) error {
	var invokeErr error
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return invokeErr
			}
			w.WriteEvent(ev)
		case invokeErr = <-done:
			w.Drain(ch)
			return invokeErr
		case <-ctx.Done():
			return <-done
		}
	}
}

// streamEvents serves the reconnectable session event stream. Events after
// the client's last seen id are replayed before live delivery begins.
func (s *Service) streamEvents(c *gin.Context) {
	sessionID := c.Param("session_id")
	if len(sessionID) < 10 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "session_id must be at least 10 characters"})
		return
	}
	sinceID := parseLastEventID(c)

	ctx := c.Request.Context()
	ch, cancel, err := s.bus.Subscribe(ctx, sessionID, sinceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer cancel()

	w := newSSEWriter(c)
	w.WriteRetry(events.RetryMillis)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			w.WriteEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}
