package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/events"
	idinmem "github.com/chamikabm/bidopsai/workflow/idempotency/inmem"
	"github.com/chamikabm/bidopsai/workflow/model"
	"github.com/chamikabm/bidopsai/workflow/resumer"
	"github.com/chamikabm/bidopsai/workflow/runner"
	"github.com/chamikabm/bidopsai/workflow/store"
	stinmem "github.com/chamikabm/bidopsai/workflow/store/inmem"
)

// Default well-formed responses per stage.
var defaultResponses = map[string]string{
	"parser":     `{"documents":[{"name":"rfp.pdf","type":"pdf","content":"tender text"}],"summary":"one RFP"}`,
	"analysis":   `{"report":"solid opportunity","requirements":["a"],"deliverables":["proposal"],"client_contact":{"name":"Dana","email":"dana@client.example"}}`,
	"content":    `{"artifacts":[{"name":"proposal","type":"document","content":{"body":"draft"}}]}`,
	"compliance": `{"is_compliant":true,"findings":[],"feedback":""}`,
	"qa":         `{"overall_status":"complete","issues":[],"feedback":""}`,
	"comms":      `{"notifications_sent":2,"channels":["email"]}`,
	"submission": `{"email_draft":{"to":"dana@client.example","subject":"Bid","body":"attached"},"sent_to":["dana@client.example"]}`,
}

// scriptInvoker pops scripted responses (or errors) per stage, falling back
// to the defaults, and records every request it serves.
type scriptInvoker struct {
	mu        sync.Mutex
	responses map[string][]string
	errs      map[string][]error
	calls     map[string]int
	requests  []*model.Request
}

func newScriptInvoker() *scriptInvoker {
	return &scriptInvoker{
		responses: map[string][]string{},
		errs:      map[string][]error{},
		calls:     map[string]int{},
	}
}

func (m *scriptInvoker) script(stage string, responses ...string) {
	m.responses[stage] = append(m.responses[stage], responses...)
}

func (m *scriptInvoker) failWith(stage string, err error) {
	m.errs[stage] = append(m.errs[stage], err)
}

func (m *scriptInvoker) count(stage string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[stage]
}

func (m *scriptInvoker) Invoke(_ context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[req.Stage]++
	m.requests = append(m.requests, req)
	if errs := m.errs[req.Stage]; len(errs) > 0 {
		err := errs[0]
		m.errs[req.Stage] = errs[1:]
		return nil, err
	}
	if rs := m.responses[req.Stage]; len(rs) > 0 {
		m.responses[req.Stage] = rs[1:]
		return &model.Response{Text: rs[0]}, nil
	}
	return &model.Response{Text: defaultResponses[req.Stage]}, nil
}

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events []*events.Event
}

func (b *recordingBus) Publish(_ context.Context, ev *events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev.ID = uint64(len(b.events) + 1)
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, uint64) (<-chan *events.Event, func(), error) {
	return nil, func() {}, nil
}

func (b *recordingBus) CloseAll(context.Context) error { return nil }

func (b *recordingBus) has(typ string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func (b *recordingBus) last(typ string) *events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].Type == typ {
			return b.events[i]
		}
	}
	return nil
}

type env struct {
	t       *testing.T
	store   *stinmem.Store
	ledger  *idinmem.Ledger
	bus     *recordingBus
	invoker *scriptInvoker
	exec    *Executor
	res     *resumer.Resumer

	projectID uuid.UUID
	userID    uuid.UUID
	session   string
	wfID      uuid.UUID

	now time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:         t,
		store:     stinmem.New(),
		ledger:    idinmem.New(),
		bus:       &recordingBus{},
		invoker:   newScriptInvoker(),
		projectID: uuid.New(),
		userID:    uuid.New(),
		session:   fmt.Sprintf("session-%s", uuid.NewString()),
		now:       time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateProject(context.Background(), &store.Project{
		ID: e.projectID, Name: "acme bid", Status: workflow.StatusOpen,
	}))

	run, err := runner.New(runner.Options{
		Store: e.store, Ledger: e.ledger, Bus: e.bus, Invoker: e.invoker,
	})
	require.NoError(t, err)

	e.exec, err = New(Options{
		Store: e.store, Ledger: e.ledger, Bus: e.bus, Runner: run,
		Now: func() time.Time { return e.now },
	})
	require.NoError(t, err)

	e.res, err = resumer.New(resumer.Options{Store: e.store, Bus: e.bus})
	require.NoError(t, err)
	return e
}

// start creates a fresh workflow and runs it to its first stop.
func (e *env) start() (*workflow.State, error) {
	s := workflow.NewState(e.projectID, e.userID, e.session)
	err := e.exec.Invoke(context.Background(), s)
	e.wfID = s.WorkflowID
	return s, err
}

// resume rehydrates from the store (as a new invocation would), applies the
// input, and runs to the next stop.
func (e *env) resume(message string, edits ...workflow.ContentEdit) (*workflow.State, error) {
	ctx := context.Background()
	s, err := e.res.Load(ctx, e.session)
	require.NoError(e.t, err)
	require.NoError(e.t, e.res.ApplyInput(ctx, s, resumer.Input{Message: message, ContentEdits: edits}))
	return s, e.exec.Invoke(ctx, s)
}

func (e *env) storedWorkflow() *store.Workflow {
	wf, err := e.store.LoadWorkflow(context.Background(), e.wfID)
	require.NoError(e.t, err)
	return wf
}

func (e *env) task(name workflow.StageName) *store.Task {
	tasks, err := e.store.LoadTasks(context.Background(), e.storedWorkflow().ID)
	require.NoError(e.t, err)
	for _, t := range tasks {
		if t.Name == name {
			return t
		}
	}
	e.t.Fatalf("task %s not found", name)
	return nil
}

func (e *env) taskStatus(name workflow.StageName) workflow.Status {
	return e.task(name).Status
}

func TestHappyPathRunsToCompletion(t *testing.T) {
	e := newEnv(t)

	// First invocation parses and analyzes, then pauses for feedback.
	s, err := e.start()
	require.NoError(t, err)
	require.True(t, s.AwaitingFeedback)
	require.Equal(t, workflow.CheckpointAnalysisFeedback, s.Checkpoint)
	require.Equal(t, workflow.StatusWaiting, e.storedWorkflow().Status)
	require.True(t, e.bus.has(events.TypeWorkflowCreated))
	require.True(t, e.bus.has(events.TypeNodeDecided))

	prompt := e.bus.last(events.TypeAwaitingFeedback)
	require.Contains(t, string(prompt.Data), "review the analysis")

	// Approval drives content, compliance, and qa, then pauses for review.
	s, err = e.resume("approved")
	require.NoError(t, err)
	require.Equal(t, workflow.CheckpointArtifactReview, s.Checkpoint)

	// Review approval exports and pauses for comms permission.
	s, err = e.resume("approved")
	require.NoError(t, err)
	require.Equal(t, workflow.CheckpointCommsPermission, s.Checkpoint)
	require.True(t, s.ExportDone)
	require.Len(t, s.ExportLocations, 1)
	require.True(t, e.bus.has(events.TypeArtifactsReady))
	require.True(t, e.bus.has(events.TypeArtifactsExported))

	arts, err := e.store.ListArtifacts(context.Background(), e.projectID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	// The review sign-off approved the artifact before export ran.
	require.Equal(t, store.ArtifactStatusApproved, arts[0].Status)
	require.Equal(t, e.userID, arts[0].ApproverID)
	require.NotNil(t, arts[0].ApprovedAt)
	latest, err := e.store.LatestVersion(context.Background(), arts[0].ID)
	require.NoError(t, err)
	require.Equal(t, 1, latest.Version)
	require.NotEmpty(t, latest.Location)

	// Comms approval sends notifications and pauses for submission.
	s, err = e.resume("yes")
	require.NoError(t, err)
	require.Equal(t, workflow.CheckpointSubmissionPermission, s.Checkpoint)
	require.Equal(t, workflow.StatusCompleted, e.taskStatus(workflow.StageComms))

	// Submission approval finishes the workflow.
	s, err = e.resume("yes")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, s.Status)
	require.Equal(t, workflow.StatusCompleted, e.storedWorkflow().Status)

	p, err := e.store.LoadProject(context.Background(), e.projectID)
	require.NoError(t, err)
	require.Equal(t, 100, p.Progress)
	require.True(t, e.bus.has(events.TypeWorkflowCompleted))

	// Each stage invoked the model exactly once.
	for stage := range defaultResponses {
		require.Equal(t, 1, e.invoker.count(stage), "stage %s", stage)
	}

	// A finished session cannot be resumed: the terminal workflow is
	// invisible to the session lookup.
	_, err = e.res.Load(context.Background(), e.session)
	require.Equal(t, workflow.KindNotFound, workflow.KindOf(err))
}

func TestAnalysisFeedbackTriggersReanalysis(t *testing.T) {
	e := newEnv(t)

	_, err := e.start()
	require.NoError(t, err)
	require.Equal(t, 1, e.invoker.count("analysis"))

	// Reanalysis reruns analysis with a fresh epoch, then pauses again.
	s, err := e.resume("this is the wrong analysis, analyze again")
	require.NoError(t, err)
	require.Equal(t, workflow.CheckpointAnalysisFeedback, s.Checkpoint)
	require.True(t, s.AwaitingFeedback)
	require.Equal(t, 2, e.invoker.count("analysis"))
	require.Equal(t, 1, e.invoker.count("parser"), "parser output is kept")
	require.Equal(t, 1, e.task(workflow.StageAnalysis).RetryCount)
	require.Equal(t, 0, e.task(workflow.StageParser).RetryCount)

	// Proceeding continues to content.
	s, err = e.resume("looks good now")
	require.NoError(t, err)
	require.Equal(t, workflow.CheckpointArtifactReview, s.Checkpoint)
}

func TestReparseResetsParserAndAnalysis(t *testing.T) {
	e := newEnv(t)

	_, err := e.start()
	require.NoError(t, err)

	s, err := e.resume("there is a document issue, please reparse")
	require.NoError(t, err)
	require.Equal(t, workflow.CheckpointAnalysisFeedback, s.Checkpoint)
	require.Equal(t, 2, e.invoker.count("parser"))
	require.Equal(t, 2, e.invoker.count("analysis"))
	require.Equal(t, 1, e.task(workflow.StageParser).RetryCount)
	require.Equal(t, 1, e.task(workflow.StageAnalysis).RetryCount)
}

func TestComplianceAndQALoops(t *testing.T) {
	e := newEnv(t)
	// First compliance run rejects, second accepts. First qa run demands
	// rework, second passes.
	e.invoker.script("compliance",
		`{"is_compliant":false,"findings":["tone"],"feedback":"fix the tone"}`,
		`{"is_compliant":true,"findings":[],"feedback":""}`,
		`{"is_compliant":true,"findings":[],"feedback":""}`,
	)
	e.invoker.script("qa",
		`{"overall_status":"needs_work","issues":[{"severity":"major","description":"missing pricing"}],"feedback":"add pricing"}`,
		`{"overall_status":"complete","issues":[],"feedback":""}`,
	)

	_, err := e.start()
	require.NoError(t, err)

	s, err := e.resume("approved")
	require.NoError(t, err)
	require.Equal(t, workflow.CheckpointArtifactReview, s.Checkpoint)

	// content: initial, compliance rework, qa rework = 3 runs.
	require.Equal(t, 3, e.invoker.count("content"))
	require.Equal(t, 3, e.invoker.count("compliance"))
	require.Equal(t, 2, e.invoker.count("qa"))
	require.Equal(t, 2, e.task(workflow.StageContent).RetryCount)
}

func TestCrashResumeDoesNotReinvokeModel(t *testing.T) {
	e := newEnv(t)

	_, err := e.start()
	require.NoError(t, err)
	parserCalls := e.invoker.count("parser")
	analysisCalls := e.invoker.count("analysis")

	// Crash after the pause: a new invocation rehydrates with no input and
	// re-parks at the checkpoint without touching the model.
	ctx := context.Background()
	s, err := e.res.Load(ctx, e.session)
	require.NoError(t, err)
	require.NoError(t, e.exec.Invoke(ctx, s))
	require.True(t, s.AwaitingFeedback)
	require.Equal(t, parserCalls, e.invoker.count("parser"))

	// Crash mid-stage: reconstruct the durable picture of a process that
	// died after the model call but before completing the analysis task.
	// The task row is open again, the pause never happened, and the ledger
	// still holds the cached response.
	require.NoError(t, e.store.ResetTasks(ctx, s.WorkflowID, []workflow.StageName{workflow.StageAnalysis}))
	s.RemoveCompleted(string(workflow.StageAnalysis), string(workflow.CheckpointAnalysisFeedback))
	s.AwaitingFeedback = false
	s.Checkpoint = ""
	snap, err := s.MarshalSnapshot()
	require.NoError(t, err)
	require.NoError(t, e.store.UpdateWorkflowConfig(ctx, s.WorkflowID, snap))
	require.NoError(t, e.store.UpdateWorkflowStatus(ctx, s.WorkflowID, workflow.StatusInProgress, ""))

	s, err = e.res.Load(ctx, e.session)
	require.NoError(t, err)
	require.False(t, s.HasCompleted(string(workflow.StageAnalysis)))
	require.NoError(t, e.exec.Invoke(ctx, s))
	require.True(t, s.HasCompleted(string(workflow.StageAnalysis)))
	require.True(t, s.AwaitingFeedback, "re-parks at the analysis checkpoint")
	require.Equal(t, analysisCalls, e.invoker.count("analysis"), "cached response served without a model call")
}

func TestArtifactReviewEditsForceRework(t *testing.T) {
	e := newEnv(t)

	_, err := e.start()
	require.NoError(t, err)
	_, err = e.resume("approved")
	require.NoError(t, err)

	// Edits imply rejection: content reruns with the edits in its input.
	edit := workflow.ContentEdit{ArtifactID: uuid.New(), Content: json.RawMessage(`{"body":"use fixed pricing"}`)}
	s, err := e.resume("please apply my edits", edit)
	require.NoError(t, err)
	require.Equal(t, workflow.CheckpointArtifactReview, s.Checkpoint)
	require.Equal(t, 2, e.invoker.count("content"))

	var reworkReq *model.Request
	for _, req := range e.invoker.requests {
		if req.Stage == "content" {
			reworkReq = req
		}
	}
	require.NotNil(t, reworkReq)
	require.Contains(t, reworkReq.Context, "user_edits")

	// Second review approves; the edits are spent and do not resurface.
	s, err = e.resume("approved")
	require.NoError(t, err)
	require.Equal(t, workflow.CheckpointCommsPermission, s.Checkpoint)
	require.Empty(t, s.ContentEdits)
}

func TestDeclinedCommsAndSubmissionCompleteWithoutThem(t *testing.T) {
	e := newEnv(t)

	_, err := e.start()
	require.NoError(t, err)
	_, err = e.resume("approved")
	require.NoError(t, err)
	_, err = e.resume("approved")
	require.NoError(t, err)

	// Decline comms: straight to the submission checkpoint, no comms call.
	s, err := e.resume("no, skip the notifications")
	require.NoError(t, err)
	require.Equal(t, workflow.CheckpointSubmissionPermission, s.Checkpoint)
	require.Equal(t, 0, e.invoker.count("comms"))
	require.Equal(t, workflow.StatusOpen, e.taskStatus(workflow.StageComms))

	// Decline submission: the workflow completes without submitting.
	s, err = e.resume("no, hold off")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, s.Status)
	require.Equal(t, 0, e.invoker.count("submission"))
	require.Equal(t, workflow.StatusOpen, e.taskStatus(workflow.StageSubmission))
	require.Equal(t, workflow.StatusCompleted, e.storedWorkflow().Status)
}

func TestCommsFailureIsNonFatal(t *testing.T) {
	e := newEnv(t)
	e.invoker.failWith("comms", workflow.NewError(workflow.KindValidation, workflow.CodeModelInvocation, "channel rejected payload"))

	_, err := e.start()
	require.NoError(t, err)
	_, err = e.resume("approved")
	require.NoError(t, err)
	_, err = e.resume("approved")
	require.NoError(t, err)

	// Comms approval fails the stage, but the workflow carries on to the
	// submission checkpoint.
	s, err := e.resume("yes")
	require.NoError(t, err)
	require.Equal(t, workflow.CheckpointSubmissionPermission, s.Checkpoint)
	require.Equal(t, workflow.StatusFailed, e.taskStatus(workflow.StageComms))
	require.NotEqual(t, workflow.StatusFailed, e.storedWorkflow().Status)
}

func TestStageFailureFailsWorkflow(t *testing.T) {
	e := newEnv(t)
	e.invoker.failWith("parser", workflow.NewError(workflow.KindValidation, workflow.CodeModelInvocation, "unreadable documents"))

	_, err := e.start()
	require.Error(t, err)
	require.Equal(t, workflow.StatusFailed, e.storedWorkflow().Status)
	require.True(t, e.bus.has(events.TypeErrorOccurred))

	terminal := e.bus.last(events.TypeWorkflowCompleted)
	require.Contains(t, string(terminal.Data), string(workflow.StatusFailed))

	escalation := e.bus.last(events.TypeManualIntervention)
	require.Contains(t, string(escalation.Data), "suggested_actions")
}

func TestWorkflowDeadline(t *testing.T) {
	e := newEnv(t)

	_, err := e.start()
	require.NoError(t, err)

	// Jump the clock past the deadline before resuming.
	e.now = e.now.Add(61 * time.Minute)
	_, err = e.resume("approved")
	require.Error(t, err)
	require.Equal(t, workflow.KindTimeout, workflow.KindOf(err))
	require.Equal(t, workflow.StatusFailed, e.storedWorkflow().Status)
	require.True(t, e.bus.has(events.TypeManualIntervention))
}
