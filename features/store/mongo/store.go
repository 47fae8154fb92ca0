// Package mongo provides the MongoDB-backed workflow store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/google/uuid"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/events"
	"github.com/chamikabm/bidopsai/workflow/store"
)

const (
	defaultWorkflowsCollection = "workflows"
	defaultTasksCollection     = "workflow_tasks"
	defaultProjectsCollection  = "projects"
	defaultArtifactsCollection = "artifacts"
	defaultVersionsCollection  = "artifact_versions"
	defaultEventsCollection    = "workflow_events"
	defaultOpTimeout           = 5 * time.Second
	storeClientName            = "workflow-mongo"
)

// Options configures the Mongo workflow store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Store is a store.Store backed by MongoDB. Multi-row methods run inside a
// session transaction so they apply all-or-nothing.
type Store struct {
	mongo     *mongodriver.Client
	workflows collection
	tasks     collection
	projects  collection
	artifacts collection
	versions  collection
	eventLog  collection
	timeout   time.Duration
}

var _ store.Store = (*Store)(nil)

// New returns a Store backed by MongoDB and ensures its indexes exist.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:     opts.Client,
		workflows: mongoCollection{coll: db.Collection(defaultWorkflowsCollection)},
		tasks:     mongoCollection{coll: db.Collection(defaultTasksCollection)},
		projects:  mongoCollection{coll: db.Collection(defaultProjectsCollection)},
		artifacts: mongoCollection{coll: db.Collection(defaultArtifactsCollection)},
		versions:  mongoCollection{coll: db.Collection(defaultVersionsCollection)},
		eventLog:  mongoCollection{coll: db.Collection(defaultEventsCollection)},
		timeout:   timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, workflow.WrapError(workflow.KindTransient, workflow.CodeDatabaseConnection, "create indexes", err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return storeClientName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// CreateWorkflow inserts a workflow. The partial unique index on session_id
// rejects a second live workflow for the same session.
func (s *Store) CreateWorkflow(ctx context.Context, wf *store.Workflow) error {
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.workflows.InsertOne(ctx, fromWorkflow(wf)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrConflict("session already has a live workflow")
		}
		return queryErr(err, "insert workflow")
	}
	return nil
}

// LoadWorkflow returns the workflow by id.
func (s *Store) LoadWorkflow(ctx context.Context, id uuid.UUID) (*store.Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc workflowDocument
	if err := s.workflows.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound("workflow", id.String())
		}
		return nil, queryErr(err, "load workflow")
	}
	return doc.toWorkflow()
}

// FindWorkflowBySession returns the newest live workflow for the session key.
// Terminal workflows are invisible here: a finished session resumes nothing.
func (s *Store) FindWorkflowBySession(ctx context.Context, sessionID string) (*store.Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	filter := bson.M{"session_id": sessionID, "status": bson.M{"$in": liveStatuses}}
	var doc workflowDocument
	if err := s.workflows.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound("workflow", sessionID)
		}
		return nil, queryErr(err, "find workflow by session")
	}
	return doc.toWorkflow()
}

// UpdateWorkflowStatus applies a validated status transition. The update
// filter pins the status read during validation so a concurrent transition
// surfaces as a conflict instead of silently winning.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, status workflow.Status, errorSummary string) error {
	wf, err := s.LoadWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if !store.ValidTransition(wf.Status, status) {
		return store.ErrInvalidTransition("workflow", wf.Status, status)
	}
	now := time.Now().UTC()
	set := bson.M{"status": string(status), "updated_at": now}
	if errorSummary != "" {
		set["error_summary"] = errorSummary
	}
	if status.Terminal() {
		set["completed_at"] = now
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	matched, err := s.workflows.UpdateOne(ctx,
		bson.M{"_id": id.String(), "status": string(wf.Status)},
		bson.M{"$set": set})
	if err != nil {
		return queryErr(err, "update workflow status")
	}
	if matched == 0 {
		return store.ErrConflict("workflow status changed concurrently")
	}
	return nil
}

// UpdateWorkflowConfig replaces the config snapshot.
func (s *Store) UpdateWorkflowConfig(ctx context.Context, id uuid.UUID, config json.RawMessage) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	matched, err := s.workflows.UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{"config": []byte(config), "updated_at": time.Now().UTC()}})
	if err != nil {
		return queryErr(err, "update workflow config")
	}
	if matched == 0 {
		return store.ErrNotFound("workflow", id.String())
	}
	return nil
}

// CreateTasks inserts the task rows in one transaction.
func (s *Store) CreateTasks(ctx context.Context, tasks []*store.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	now := time.Now().UTC()
	docs := make([]any, 0, len(tasks))
	for _, t := range tasks {
		t.CreatedAt = now
		t.UpdatedAt = now
		docs = append(docs, fromTask(t))
	}
	return s.withTxn(ctx, func(ctx context.Context) error {
		if err := s.tasks.InsertMany(ctx, docs); err != nil {
			return queryErr(err, "insert tasks")
		}
		return nil
	})
}

// LoadTasks returns the workflow's tasks in sequence order.
func (s *Store) LoadTasks(ctx context.Context, workflowID uuid.UUID) ([]*store.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "sequence_order", Value: 1}})
	cur, err := s.tasks.Find(ctx, bson.M{"workflow_id": workflowID.String()}, opts)
	if err != nil {
		return nil, queryErr(err, "load tasks")
	}
	var docs []taskDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, queryErr(err, "decode tasks")
	}
	tasks := make([]*store.Task, 0, len(docs))
	for _, doc := range docs {
		t, err := doc.toTask()
		if err != nil {
			return nil, queryErr(err, "decode tasks")
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// StartTask transitions a task to in-progress, stamps StartedAt, and returns
// the updated row. StartedAt set on a prior attempt is preserved.
func (s *Store) StartTask(ctx context.Context, workflowID uuid.UUID, name workflow.StageName) (*store.Task, error) {
	now := time.Now().UTC()
	set := bson.M{
		"status":     string(workflow.StatusInProgress),
		"updated_at": now,
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"workflow_id": workflowID.String(), "name": string(name)}
	var doc taskDocument
	if err := s.tasks.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound("task", string(name))
		}
		return nil, queryErr(err, "load task")
	}
	from := workflow.Status(doc.Status)
	if !store.ValidTransition(from, workflow.StatusInProgress) {
		return nil, store.ErrInvalidTransition("task", from, workflow.StatusInProgress)
	}
	if doc.StartedAt == nil {
		set["started_at"] = now
		doc.StartedAt = &now
	}
	filter["status"] = doc.Status
	matched, err := s.tasks.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return nil, queryErr(err, "update task")
	}
	if matched == 0 {
		return nil, store.ErrConflict("task status changed concurrently")
	}
	doc.Status = string(workflow.StatusInProgress)
	doc.UpdatedAt = now
	return doc.toTask()
}

// CompleteTask transitions a task to completed and records its output.
func (s *Store) CompleteTask(ctx context.Context, workflowID uuid.UUID, name workflow.StageName, output json.RawMessage) error {
	now := time.Now().UTC()
	return s.transitionTask(ctx, workflowID, name, workflow.StatusCompleted, bson.M{
		"$set": bson.M{
			"status":       string(workflow.StatusCompleted),
			"output":       []byte(output),
			"completed_at": now,
			"updated_at":   now,
		},
	})
}

// FailTask transitions a task to failed, recording the error message and
// appending it to the task's error log.
func (s *Store) FailTask(ctx context.Context, workflowID uuid.UUID, name workflow.StageName, errMsg string) error {
	now := time.Now().UTC()
	return s.transitionTask(ctx, workflowID, name, workflow.StatusFailed, bson.M{
		"$set": bson.M{
			"status":        string(workflow.StatusFailed),
			"error_message": errMsg,
			"completed_at":  now,
			"updated_at":    now,
		},
		"$push": bson.M{"error_log": errMsg},
	})
}

func (s *Store) transitionTask(ctx context.Context, workflowID uuid.UUID, name workflow.StageName, to workflow.Status, update bson.M) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"workflow_id": workflowID.String(), "name": string(name)}
	var doc taskDocument
	if err := s.tasks.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.ErrNotFound("task", string(name))
		}
		return queryErr(err, "load task")
	}
	from := workflow.Status(doc.Status)
	if !store.ValidTransition(from, to) {
		return store.ErrInvalidTransition("task", from, to)
	}
	filter["status"] = doc.Status
	matched, err := s.tasks.UpdateOne(ctx, filter, update)
	if err != nil {
		return queryErr(err, "update task")
	}
	if matched == 0 {
		return store.ErrConflict("task status changed concurrently")
	}
	return nil
}

// ResetTasks returns the named tasks to open, clears their outputs, and bumps
// each retry count in one transaction. The error log is kept so failure
// history survives the reset. Every named task must exist.
func (s *Store) ResetTasks(ctx context.Context, workflowID uuid.UUID, names []workflow.StageName) error {
	if len(names) == 0 {
		return nil
	}
	nameStrings := make(bson.A, 0, len(names))
	for _, n := range names {
		nameStrings = append(nameStrings, string(n))
	}
	filter := bson.M{"workflow_id": workflowID.String(), "name": bson.M{"$in": nameStrings}}
	update := bson.M{
		"$set": bson.M{
			"status":     string(workflow.StatusOpen),
			"updated_at": time.Now().UTC(),
		},
		"$inc": bson.M{"retry_count": 1},
		"$unset": bson.M{
			"output":        "",
			"error_message": "",
			"started_at":    "",
			"completed_at":  "",
		},
	}
	return s.withTxn(ctx, func(ctx context.Context) error {
		matched, err := s.tasks.UpdateMany(ctx, filter, update)
		if err != nil {
			return queryErr(err, "reset tasks")
		}
		if matched != int64(len(names)) {
			return store.ErrNotFound("task", "one or more tasks missing for reset")
		}
		return nil
	})
}

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, p *store.Project) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.projects.InsertOne(ctx, fromProject(p)); err != nil {
		return queryErr(err, "insert project")
	}
	return nil
}

// LoadProject returns the project by id.
func (s *Store) LoadProject(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc projectDocument
	if err := s.projects.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound("project", id.String())
		}
		return nil, queryErr(err, "load project")
	}
	return doc.toProject()
}

// UpdateProjectProgress raises the project progress and sets its status. The
// filter keeps progress monotonic under concurrent writers.
func (s *Store) UpdateProjectProgress(ctx context.Context, id uuid.UUID, progress int, status workflow.Status) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	matched, err := s.projects.UpdateOne(ctx,
		bson.M{"_id": id.String(), "progress": bson.M{"$lte": progress}},
		bson.M{"$set": bson.M{
			"progress":   progress,
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}})
	if err != nil {
		return queryErr(err, "update project progress")
	}
	if matched == 0 {
		// Absent or already ahead. Either way progress stands.
		var doc projectDocument
		if err := s.projects.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return store.ErrNotFound("project", id.String())
			}
			return queryErr(err, "load project")
		}
	}
	return nil
}

// CreateArtifact inserts an artifact with no versions, starting as a draft.
func (s *Store) CreateArtifact(ctx context.Context, a *store.Artifact) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.CurrentVersion = 0
	if a.Status == "" {
		a.Status = store.ArtifactStatusDraft
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.artifacts.InsertOne(ctx, fromArtifact(a)); err != nil {
		return queryErr(err, "insert artifact")
	}
	return nil
}

// ApproveArtifact records the user sign-off, flipping the artifact from draft
// to approved.
func (s *Store) ApproveArtifact(ctx context.Context, id, approverID uuid.UUID) error {
	now := time.Now().UTC()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	matched, err := s.artifacts.UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{
			"status":      store.ArtifactStatusApproved,
			"approved_at": now,
			"approver_id": approverID.String(),
			"updated_at":  now,
		}})
	if err != nil {
		return queryErr(err, "approve artifact")
	}
	if matched == 0 {
		return store.ErrNotFound("artifact", id.String())
	}
	return nil
}

// ListArtifacts returns the project's artifacts.
func (s *Store) ListArtifacts(ctx context.Context, projectID uuid.UUID) ([]*store.Artifact, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.artifacts.Find(ctx, bson.M{"project_id": projectID.String()}, opts)
	if err != nil {
		return nil, queryErr(err, "list artifacts")
	}
	var docs []artifactDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, queryErr(err, "decode artifacts")
	}
	artifacts := make([]*store.Artifact, 0, len(docs))
	for _, doc := range docs {
		a, err := doc.toArtifact()
		if err != nil {
			return nil, queryErr(err, "decode artifacts")
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// AddArtifactVersion bumps the artifact's current version and appends the
// version row in one transaction, so version numbers stay gap-free.
func (s *Store) AddArtifactVersion(ctx context.Context, artifactID uuid.UUID, content json.RawMessage) (int, error) {
	var assigned int
	err := s.withTxn(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		var doc artifactDocument
		err := s.artifacts.FindOneAndUpdate(ctx,
			bson.M{"_id": artifactID.String()},
			bson.M{
				"$inc": bson.M{"current_version": 1},
				"$set": bson.M{"updated_at": now},
			}, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return store.ErrNotFound("artifact", artifactID.String())
			}
			return queryErr(err, "bump artifact version")
		}
		assigned = doc.CurrentVersion
		return s.insertVersion(ctx, versionDocument{
			ID:         uuid.New().String(),
			ArtifactID: artifactID.String(),
			Version:    assigned,
			Content:    content,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

func (s *Store) insertVersion(ctx context.Context, doc versionDocument) error {
	if err := s.versions.InsertOne(ctx, doc); err != nil {
		return queryErr(err, "insert artifact version")
	}
	return nil
}

// LatestVersion returns the newest version of an artifact.
func (s *Store) LatestVersion(ctx context.Context, artifactID uuid.UUID) (*store.ArtifactVersion, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	var doc versionDocument
	if err := s.versions.FindOne(ctx, bson.M{"artifact_id": artifactID.String()}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound("artifact version", artifactID.String())
		}
		return nil, queryErr(err, "load latest version")
	}
	return doc.toVersion()
}

// SetVersionLocation records the exported object location of one version.
func (s *Store) SetVersionLocation(ctx context.Context, artifactID uuid.UUID, version int, location string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	matched, err := s.versions.UpdateOne(ctx,
		bson.M{"artifact_id": artifactID.String(), "version": version},
		bson.M{"$set": bson.M{"location": location}})
	if err != nil {
		return queryErr(err, "set version location")
	}
	if matched == 0 {
		return store.ErrNotFound("artifact version", artifactID.String())
	}
	return nil
}

// AppendEvent appends a session event to the durable log. Re-appending the
// same (session, id) pair is a no-op so a retried publish cannot duplicate a
// log row.
func (s *Store) AppendEvent(ctx context.Context, ev *events.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.eventLog.InsertOne(ctx, fromEvent(ev)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil
		}
		return queryErr(err, "append event")
	}
	return nil
}

// FetchEventsSince returns the session's logged events with id greater than
// sinceID, in id order.
func (s *Store) FetchEventsSince(ctx context.Context, sessionID string, sinceID uint64) ([]*events.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "event_id", Value: 1}})
	filter := bson.M{"session_id": sessionID, "event_id": bson.M{"$gt": sinceID}}
	cur, err := s.eventLog.Find(ctx, filter, opts)
	if err != nil {
		return nil, queryErr(err, "fetch events")
	}
	var docs []eventDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, queryErr(err, "decode events")
	}
	out := make([]*events.Event, 0, len(docs))
	for _, doc := range docs {
		ev, err := doc.toEvent()
		if err != nil {
			return nil, queryErr(err, "decode events")
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	sessionIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true).
			SetPartialFilterExpression(bson.M{"status": bson.M{"$in": liveStatuses}}),
	}
	if _, err := s.workflows.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	taskIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.tasks.Indexes().CreateOne(ctx, taskIndex); err != nil {
		return err
	}
	artifactIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "project_id", Value: 1}},
	}
	if _, err := s.artifacts.Indexes().CreateOne(ctx, artifactIndex); err != nil {
		return err
	}
	versionIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "artifact_id", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.versions.Indexes().CreateOne(ctx, versionIndex); err != nil {
		return err
	}
	eventIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "event_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := s.eventLog.Indexes().CreateOne(ctx, eventIndex)
	return err
}

// withTxn runs fn inside a session transaction. Without a live driver client
// (collection fakes in tests) fn runs directly.
func (s *Store) withTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.mongo == nil {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()
		return fn(ctx)
	}
	sess, err := s.mongo.StartSession()
	if err != nil {
		return workflow.WrapError(workflow.KindTransient, workflow.CodeDatabaseTransaction, "start session", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func queryErr(err error, op string) error {
	var werr *workflow.Error
	if errors.As(err, &werr) {
		return err
	}
	return workflow.WrapError(workflow.KindTransient, workflow.CodeDatabaseQuery, op, err)
}
