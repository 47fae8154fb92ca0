package mongo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/google/uuid"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/events"
	"github.com/chamikabm/bidopsai/workflow/store"
)

func TestCreateWorkflowDuplicateSessionConflicts(t *testing.T) {
	s := newTestStore()
	s.workflows.(*fakeCollection).insertOne = func(_ context.Context, _ any) error {
		return mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000}}}
	}
	err := s.CreateWorkflow(context.Background(), &store.Workflow{
		ID:        uuid.New(),
		SessionID: "session-abc",
		Status:    workflow.StatusOpen,
	})
	require.Error(t, err)
	require.Equal(t, workflow.KindConflict, workflow.KindOf(err))
}

func TestCreateWorkflowStampsTimes(t *testing.T) {
	s := newTestStore()
	var inserted workflowDocument
	s.workflows.(*fakeCollection).insertOne = func(_ context.Context, doc any) error {
		inserted = doc.(workflowDocument)
		return nil
	}
	wf := &store.Workflow{ID: uuid.New(), SessionID: "session-abc", Status: workflow.StatusOpen}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	require.False(t, wf.CreatedAt.IsZero())
	require.Equal(t, wf.CreatedAt, inserted.CreatedAt)
	require.Equal(t, "session-abc", inserted.SessionID)
}

func TestUpdateWorkflowStatusRejectsInvalidTransition(t *testing.T) {
	s := newTestStore()
	id := uuid.New()
	s.workflows.(*fakeCollection).findOne = func(_ context.Context, _ any, _ ...options.Lister[options.FindOneOptions]) singleResult {
		return decodeResult{doc: fakeWorkflowDoc(id, workflow.StatusCompleted)}
	}
	err := s.UpdateWorkflowStatus(context.Background(), id, workflow.StatusInProgress, "")
	require.Error(t, err)
	require.Equal(t, workflow.KindInvalidTransition, workflow.KindOf(err))
}

func TestUpdateWorkflowStatusConcurrentChangeConflicts(t *testing.T) {
	s := newTestStore()
	id := uuid.New()
	fc := s.workflows.(*fakeCollection)
	fc.findOne = func(_ context.Context, _ any, _ ...options.Lister[options.FindOneOptions]) singleResult {
		return decodeResult{doc: fakeWorkflowDoc(id, workflow.StatusOpen)}
	}
	fc.updateOne = func(_ context.Context, filter, _ any) (int64, error) {
		require.Equal(t, string(workflow.StatusOpen), filter.(bson.M)["status"])
		return 0, nil
	}
	err := s.UpdateWorkflowStatus(context.Background(), id, workflow.StatusInProgress, "")
	require.Error(t, err)
	require.Equal(t, workflow.KindConflict, workflow.KindOf(err))
}

func TestUpdateWorkflowStatusStampsCompletion(t *testing.T) {
	s := newTestStore()
	id := uuid.New()
	fc := s.workflows.(*fakeCollection)
	fc.findOne = func(_ context.Context, _ any, _ ...options.Lister[options.FindOneOptions]) singleResult {
		return decodeResult{doc: fakeWorkflowDoc(id, workflow.StatusInProgress)}
	}
	var set bson.M
	fc.updateOne = func(_ context.Context, _, update any) (int64, error) {
		set = update.(bson.M)["$set"].(bson.M)
		return 1, nil
	}
	require.NoError(t, s.UpdateWorkflowStatus(context.Background(), id, workflow.StatusCompleted, ""))
	require.Equal(t, string(workflow.StatusCompleted), set["status"])
	require.NotNil(t, set["completed_at"])
}

func TestFindWorkflowBySessionOnlySeesLive(t *testing.T) {
	s := newTestStore()
	id := uuid.New()
	s.workflows.(*fakeCollection).findOne = func(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
		f := filter.(bson.M)
		require.Equal(t, "session-abc", f["session_id"])
		require.Equal(t, bson.M{"$in": liveStatuses}, f["status"])
		return decodeResult{doc: fakeWorkflowDoc(id, workflow.StatusWaiting)}
	}
	wf, err := s.FindWorkflowBySession(context.Background(), "session-abc")
	require.NoError(t, err)
	require.Equal(t, id, wf.ID)
}

func TestLoadWorkflowMissingMapsNotFound(t *testing.T) {
	s := newTestStore()
	s.workflows.(*fakeCollection).findOne = func(_ context.Context, _ any, _ ...options.Lister[options.FindOneOptions]) singleResult {
		return errResult{err: mongodriver.ErrNoDocuments}
	}
	_, err := s.LoadWorkflow(context.Background(), uuid.New())
	require.Error(t, err)
	require.Equal(t, workflow.KindNotFound, workflow.KindOf(err))
}

func TestCompleteTaskRecordsOutput(t *testing.T) {
	s := newTestStore()
	workflowID := uuid.New()
	fc := s.tasks.(*fakeCollection)
	fc.findOne = func(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
		require.Equal(t, workflowID.String(), filter.(bson.M)["workflow_id"])
		return decodeResult{doc: taskDocument{
			ID:         uuid.New().String(),
			WorkflowID: workflowID.String(),
			Name:       string(workflow.StageParser),
			Status:     string(workflow.StatusInProgress),
		}}
	}
	var set bson.M
	fc.updateOne = func(_ context.Context, filter, update any) (int64, error) {
		require.Equal(t, string(workflow.StatusInProgress), filter.(bson.M)["status"])
		set = update.(bson.M)["$set"].(bson.M)
		return 1, nil
	}
	out := json.RawMessage(`{"documents":[]}`)
	require.NoError(t, s.CompleteTask(context.Background(), workflowID, workflow.StageParser, out))
	require.Equal(t, string(workflow.StatusCompleted), set["status"])
	require.Equal(t, []byte(out), set["output"])
}

func TestStartTaskStampsStartAndReturnsRow(t *testing.T) {
	s := newTestStore()
	workflowID := uuid.New()
	taskID := uuid.New()
	fc := s.tasks.(*fakeCollection)
	fc.findOne = func(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
		require.Equal(t, workflowID.String(), filter.(bson.M)["workflow_id"])
		return decodeResult{doc: taskDocument{
			ID:         taskID.String(),
			WorkflowID: workflowID.String(),
			Name:       string(workflow.StageParser),
			Status:     string(workflow.StatusOpen),
		}}
	}
	var set bson.M
	fc.updateOne = func(_ context.Context, filter, update any) (int64, error) {
		require.Equal(t, string(workflow.StatusOpen), filter.(bson.M)["status"])
		set = update.(bson.M)["$set"].(bson.M)
		return 1, nil
	}
	task, err := s.StartTask(context.Background(), workflowID, workflow.StageParser)
	require.NoError(t, err)
	require.NotNil(t, set["started_at"])
	require.Equal(t, taskID, task.ID)
	require.Equal(t, workflow.StatusInProgress, task.Status)
	require.NotNil(t, task.StartedAt)
}

func TestStartTaskKeepsOriginalStart(t *testing.T) {
	s := newTestStore()
	workflowID := uuid.New()
	firstStart := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	fc := s.tasks.(*fakeCollection)
	fc.findOne = func(_ context.Context, _ any, _ ...options.Lister[options.FindOneOptions]) singleResult {
		return decodeResult{doc: taskDocument{
			ID:         uuid.New().String(),
			WorkflowID: workflowID.String(),
			Name:       string(workflow.StageAnalysis),
			Status:     string(workflow.StatusInProgress),
			StartedAt:  &firstStart,
		}}
	}
	var set bson.M
	fc.updateOne = func(_ context.Context, _, update any) (int64, error) {
		set = update.(bson.M)["$set"].(bson.M)
		return 1, nil
	}
	task, err := s.StartTask(context.Background(), workflowID, workflow.StageAnalysis)
	require.NoError(t, err)
	require.NotContains(t, set, "started_at")
	require.Equal(t, firstStart, task.StartedAt.UTC())
}

func TestFailTaskAppendsErrorLog(t *testing.T) {
	s := newTestStore()
	workflowID := uuid.New()
	fc := s.tasks.(*fakeCollection)
	fc.findOne = func(_ context.Context, _ any, _ ...options.Lister[options.FindOneOptions]) singleResult {
		return decodeResult{doc: taskDocument{
			ID:         uuid.New().String(),
			WorkflowID: workflowID.String(),
			Name:       string(workflow.StageContent),
			Status:     string(workflow.StatusInProgress),
		}}
	}
	var update bson.M
	fc.updateOne = func(_ context.Context, _, u any) (int64, error) {
		update = u.(bson.M)
		return 1, nil
	}
	require.NoError(t, s.FailTask(context.Background(), workflowID, workflow.StageContent, "model invocation failed"))
	require.Equal(t, string(workflow.StatusFailed), update["$set"].(bson.M)["status"])
	require.Equal(t, "model invocation failed", update["$set"].(bson.M)["error_message"])
	require.Equal(t, "model invocation failed", update["$push"].(bson.M)["error_log"])
}

func TestResetTasksRequiresAllRows(t *testing.T) {
	s := newTestStore()
	fc := s.tasks.(*fakeCollection)
	fc.updateMany = func(_ context.Context, _, _ any) (int64, error) {
		return 1, nil
	}
	err := s.ResetTasks(context.Background(), uuid.New(), []workflow.StageName{workflow.StageContent, workflow.StageCompliance})
	require.Error(t, err)
	require.Equal(t, workflow.KindNotFound, workflow.KindOf(err))
}

func TestResetTasksClearsOutputs(t *testing.T) {
	s := newTestStore()
	fc := s.tasks.(*fakeCollection)
	var update bson.M
	fc.updateMany = func(_ context.Context, _, u any) (int64, error) {
		update = u.(bson.M)
		return 2, nil
	}
	names := []workflow.StageName{workflow.StageContent, workflow.StageCompliance}
	require.NoError(t, s.ResetTasks(context.Background(), uuid.New(), names))
	require.Equal(t, string(workflow.StatusOpen), update["$set"].(bson.M)["status"])
	require.Equal(t, 1, update["$inc"].(bson.M)["retry_count"])
	unset := update["$unset"].(bson.M)
	require.Contains(t, unset, "output")
	require.Contains(t, unset, "completed_at")
	// The failure history outlives resets.
	require.NotContains(t, unset, "error_log")
}

func TestAddArtifactVersionReturnsBumpedVersion(t *testing.T) {
	s := newTestStore()
	artifactID := uuid.New()
	s.artifacts.(*fakeCollection).findOneAndUpdate = func(_ context.Context, _, update any, _ ...options.Lister[options.FindOneAndUpdateOptions]) singleResult {
		require.Equal(t, 1, update.(bson.M)["$inc"].(bson.M)["current_version"])
		return decodeResult{doc: artifactDocument{
			ID:             artifactID.String(),
			ProjectID:      uuid.New().String(),
			CurrentVersion: 3,
		}}
	}
	var inserted versionDocument
	s.versions.(*fakeCollection).insertOne = func(_ context.Context, doc any) error {
		inserted = doc.(versionDocument)
		return nil
	}
	v, err := s.AddArtifactVersion(context.Background(), artifactID, json.RawMessage(`{"body":"draft"}`))
	require.NoError(t, err)
	require.Equal(t, 3, v)
	require.Equal(t, 3, inserted.Version)
	require.Equal(t, artifactID.String(), inserted.ArtifactID)
}

func TestApproveArtifactStampsApproval(t *testing.T) {
	s := newTestStore()
	artifactID := uuid.New()
	approverID := uuid.New()
	var set bson.M
	s.artifacts.(*fakeCollection).updateOne = func(_ context.Context, filter, update any) (int64, error) {
		require.Equal(t, artifactID.String(), filter.(bson.M)["_id"])
		set = update.(bson.M)["$set"].(bson.M)
		return 1, nil
	}
	require.NoError(t, s.ApproveArtifact(context.Background(), artifactID, approverID))
	require.Equal(t, store.ArtifactStatusApproved, set["status"])
	require.Equal(t, approverID.String(), set["approver_id"])
	require.NotNil(t, set["approved_at"])
}

func TestApproveArtifactMissingMapsNotFound(t *testing.T) {
	s := newTestStore()
	s.artifacts.(*fakeCollection).updateOne = func(_ context.Context, _, _ any) (int64, error) {
		return 0, nil
	}
	err := s.ApproveArtifact(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	require.Equal(t, workflow.KindNotFound, workflow.KindOf(err))
}

func TestAppendEventUsesCompositeID(t *testing.T) {
	s := newTestStore()
	var inserted eventDocument
	s.eventLog.(*fakeCollection).insertOne = func(_ context.Context, doc any) error {
		inserted = doc.(eventDocument)
		return nil
	}
	ev := &events.Event{
		ID:        7,
		Type:      events.TypeProgress,
		SessionID: "session-abc",
		Timestamp: time.Now().UTC(),
		Data:      json.RawMessage(`{"progress":40}`),
	}
	require.NoError(t, s.AppendEvent(context.Background(), ev))
	require.Equal(t, "session-abc:7", inserted.ID)
	require.Equal(t, "session-abc", inserted.SessionID)
	require.Equal(t, uint64(7), inserted.EventID)
}

func TestAppendEventDuplicateIsNoOp(t *testing.T) {
	s := newTestStore()
	s.eventLog.(*fakeCollection).insertOne = func(_ context.Context, _ any) error {
		return mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000}}}
	}
	ev := &events.Event{ID: 7, Type: events.TypeProgress, SessionID: "session-abc", Timestamp: time.Now().UTC()}
	require.NoError(t, s.AppendEvent(context.Background(), ev))
}

func TestFetchEventsSinceFiltersAndOrders(t *testing.T) {
	s := newTestStore()
	s.eventLog.(*fakeCollection).find = func(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
		f := filter.(bson.M)
		require.Equal(t, "session-abc", f["session_id"])
		require.Equal(t, bson.M{"$gt": uint64(1)}, f["event_id"])
		return sliceCursor{docs: []eventDocument{
			{ID: "session-abc:2", SessionID: "session-abc", EventID: 2, Type: events.TypeNodeDecided, Timestamp: time.Now().UTC()},
			{ID: "session-abc:3", SessionID: "session-abc", EventID: 3, Type: events.TypeProgress, Timestamp: time.Now().UTC()},
		}}, nil
	}
	got, err := s.FetchEventsSince(context.Background(), "session-abc", 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(2), got[0].ID)
	require.Equal(t, events.TypeNodeDecided, got[0].Type)
	require.Equal(t, uint64(3), got[1].ID)
}

func TestUpdateProjectProgressNeverRegresses(t *testing.T) {
	s := newTestStore()
	id := uuid.New()
	fc := s.projects.(*fakeCollection)
	fc.updateOne = func(_ context.Context, filter, _ any) (int64, error) {
		require.Equal(t, bson.M{"$lte": 40}, filter.(bson.M)["progress"])
		return 0, nil
	}
	fc.findOne = func(_ context.Context, _ any, _ ...options.Lister[options.FindOneOptions]) singleResult {
		return decodeResult{doc: projectDocument{ID: id.String(), Progress: 60}}
	}
	require.NoError(t, s.UpdateProjectProgress(context.Background(), id, 40, workflow.StatusInProgress))
}

func TestWorkflowDocumentRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	wf := &store.Workflow{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		UserID:    uuid.New(),
		SessionID: "session-xyz",
		Status:    workflow.StatusWaiting,
		Config:    json.RawMessage(`{"checkpoint":"await_analysis_feedback"}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	got, err := fromWorkflow(wf).toWorkflow()
	require.NoError(t, err)
	require.Equal(t, wf, got)
}

func fakeWorkflowDoc(id uuid.UUID, status workflow.Status) workflowDocument {
	return workflowDocument{
		ID:        id.String(),
		ProjectID: uuid.Nil.String(),
		UserID:    uuid.Nil.String(),
		SessionID: "session-abc",
		Status:    string(status),
	}
}

func newTestStore() *Store {
	return &Store{
		workflows: newFakeCollection(),
		tasks:     newFakeCollection(),
		projects:  newFakeCollection(),
		artifacts: newFakeCollection(),
		versions:  newFakeCollection(),
		eventLog:  newFakeCollection(),
		timeout:   time.Second,
	}
}

// fakeCollection is scripted per test through its function fields.
type fakeCollection struct {
	insertOne        func(ctx context.Context, doc any) error
	insertMany       func(ctx context.Context, docs []any) error
	findOne          func(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	find             func(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	updateOne        func(ctx context.Context, filter, update any) (int64, error)
	updateMany       func(ctx context.Context, filter, update any) (int64, error)
	findOneAndUpdate func(ctx context.Context, filter, update any, opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult
}

func newFakeCollection() *fakeCollection { return &fakeCollection{} }

func (c *fakeCollection) InsertOne(ctx context.Context, doc any) error {
	return c.insertOne(ctx, doc)
}

func (c *fakeCollection) InsertMany(ctx context.Context, docs []any) error {
	return c.insertMany(ctx, docs)
}

func (c *fakeCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.findOne(ctx, filter, opts...)
}

func (c *fakeCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return c.find(ctx, filter, opts...)
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter, update any) (int64, error) {
	return c.updateOne(ctx, filter, update)
}

func (c *fakeCollection) UpdateMany(ctx context.Context, filter, update any) (int64, error) {
	return c.updateMany(ctx, filter, update)
}

func (c *fakeCollection) FindOneAndUpdate(ctx context.Context, filter, update any, opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult {
	return c.findOneAndUpdate(ctx, filter, update, opts...)
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "", nil
}

type sliceCursor struct{ docs []eventDocument }

func (c sliceCursor) All(_ context.Context, results any) error {
	*results.(*[]eventDocument) = append([]eventDocument(nil), c.docs...)
	return nil
}

type decodeResult struct{ doc any }

func (r decodeResult) Decode(val any) error {
	data, err := bson.Marshal(r.doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, val)
}

type errResult struct{ err error }

func (r errResult) Decode(any) error { return r.err }
