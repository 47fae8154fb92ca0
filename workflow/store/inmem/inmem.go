// Package inmem provides an in-memory Store for tests and local development.
// All methods copy records on the way in and out so callers never share memory
// with the store.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/events"
	"github.com/chamikabm/bidopsai/workflow/store"
)

// Store is an in-memory store.Store implementation guarded by a single mutex.
type Store struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*store.Workflow
	tasks     map[uuid.UUID][]*store.Task // keyed by workflow id
	projects  map[uuid.UUID]*store.Project
	artifacts map[uuid.UUID]*store.Artifact
	versions  map[uuid.UUID][]*store.ArtifactVersion // keyed by artifact id
	events    map[string][]*events.Event             // keyed by session id
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		workflows: map[uuid.UUID]*store.Workflow{},
		tasks:     map[uuid.UUID][]*store.Task{},
		projects:  map[uuid.UUID]*store.Project{},
		artifacts: map[uuid.UUID]*store.Artifact{},
		versions:  map[uuid.UUID][]*store.ArtifactVersion{},
		events:    map[string][]*events.Event{},
	}
}

// CreateWorkflow inserts a workflow, rejecting a duplicate session key while a
// prior workflow for the session is still live.
func (s *Store) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.workflows {
		if existing.SessionID == wf.SessionID && !existing.Status.Terminal() {
			return store.ErrConflict("session already has a live workflow")
		}
	}
	cp := copyWorkflow(wf)
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.workflows[cp.ID] = cp
	wf.CreatedAt = cp.CreatedAt
	wf.UpdatedAt = cp.UpdatedAt
	return nil
}

// LoadWorkflow returns a copy of the workflow.
func (s *Store) LoadWorkflow(_ context.Context, id uuid.UUID) (*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, store.ErrNotFound("workflow", id.String())
	}
	return copyWorkflow(wf), nil
}

// FindWorkflowBySession returns the most recently created live workflow for
// the session key. Terminal workflows are invisible here: a finished session
// resumes nothing.
func (s *Store) FindWorkflowBySession(_ context.Context, sessionID string) (*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *store.Workflow
	for _, wf := range s.workflows {
		if wf.SessionID != sessionID || wf.Status.Terminal() {
			continue
		}
		if latest == nil || wf.CreatedAt.After(latest.CreatedAt) {
			latest = wf
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound("workflow", sessionID)
	}
	return copyWorkflow(latest), nil
}

// UpdateWorkflowStatus applies a validated status transition.
func (s *Store) UpdateWorkflowStatus(_ context.Context, id uuid.UUID, status workflow.Status, errorSummary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return store.ErrNotFound("workflow", id.String())
	}
	if !store.ValidTransition(wf.Status, status) {
		return store.ErrInvalidTransition("workflow", wf.Status, status)
	}
	now := time.Now().UTC()
	wf.Status = status
	wf.UpdatedAt = now
	if errorSummary != "" {
		wf.ErrorSummary = errorSummary
	}
	if status.Terminal() {
		wf.CompletedAt = &now
	}
	return nil
}

// UpdateWorkflowConfig replaces the config snapshot.
func (s *Store) UpdateWorkflowConfig(_ context.Context, id uuid.UUID, config json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return store.ErrNotFound("workflow", id.String())
	}
	wf.Config = append(json.RawMessage(nil), config...)
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateTasks inserts all task rows or none.
func (s *Store) CreateTasks(_ context.Context, tasks []*store.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wfID := tasks[0].WorkflowID
	if _, ok := s.workflows[wfID]; !ok {
		return store.ErrNotFound("workflow", wfID.String())
	}
	existing := s.tasks[wfID]
	for _, t := range tasks {
		for _, e := range existing {
			if e.Name == t.Name {
				return store.ErrConflict("task already exists: " + string(t.Name))
			}
		}
	}
	now := time.Now().UTC()
	for _, t := range tasks {
		cp := copyTask(t)
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.tasks[wfID] = append(s.tasks[wfID], cp)
	}
	sort.Slice(s.tasks[wfID], func(i, j int) bool {
		return s.tasks[wfID][i].SequenceOrder < s.tasks[wfID][j].SequenceOrder
	})
	return nil
}

// LoadTasks returns copies of the workflow's tasks in sequence order.
func (s *Store) LoadTasks(_ context.Context, workflowID uuid.UUID) ([]*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.tasks[workflowID]
	out := make([]*store.Task, len(tasks))
	for i, t := range tasks {
		out[i] = copyTask(t)
	}
	return out, nil
}

// StartTask flips a task to in-progress and returns the updated row.
func (s *Store) StartTask(_ context.Context, workflowID uuid.UUID, name workflow.StageName) (*store.Task, error) {
	return s.transitionTask(workflowID, name, workflow.StatusInProgress, nil, "")
}

// CompleteTask flips a task to completed with its output blob.
func (s *Store) CompleteTask(_ context.Context, workflowID uuid.UUID, name workflow.StageName, output json.RawMessage) error {
	_, err := s.transitionTask(workflowID, name, workflow.StatusCompleted, output, "")
	return err
}

// FailTask flips a task to failed, recording the error message and appending
// it to the task's error log.
func (s *Store) FailTask(_ context.Context, workflowID uuid.UUID, name workflow.StageName, errMsg string) error {
	_, err := s.transitionTask(workflowID, name, workflow.StatusFailed, nil, errMsg)
	return err
}

func (s *Store) transitionTask(workflowID uuid.UUID, name workflow.StageName, to workflow.Status, output json.RawMessage, errMsg string) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findTask(workflowID, name)
	if t == nil {
		return nil, store.ErrNotFound("task", string(name))
	}
	if !store.ValidTransition(t.Status, to) {
		return nil, store.ErrInvalidTransition("task", t.Status, to)
	}
	now := time.Now().UTC()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case workflow.StatusInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case workflow.StatusCompleted:
		t.Output = append(json.RawMessage(nil), output...)
		t.CompletedAt = &now
	case workflow.StatusFailed:
		t.ErrorMessage = errMsg
		t.ErrorLog = append(t.ErrorLog, errMsg)
		t.CompletedAt = &now
	}
	return copyTask(t), nil
}

// ResetTasks returns the named tasks to open, clearing outputs and errors and
// bumping each retry count. The error log survives so failure history is kept
// across attempts. Either every named task exists or nothing changes.
func (s *Store) ResetTasks(_ context.Context, workflowID uuid.UUID, names []workflow.StageName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := make([]*store.Task, 0, len(names))
	for _, name := range names {
		t := s.findTask(workflowID, name)
		if t == nil {
			return store.ErrNotFound("task", string(name))
		}
		found = append(found, t)
	}
	now := time.Now().UTC()
	for _, t := range found {
		t.Status = workflow.StatusOpen
		t.Output = nil
		t.ErrorMessage = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		t.RetryCount++
		t.UpdatedAt = now
	}
	return nil
}

func (s *Store) findTask(workflowID uuid.UUID, name workflow.StageName) *store.Task {
	for _, t := range s.tasks[workflowID] {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// CreateProject inserts a project.
func (s *Store) CreateProject(_ context.Context, p *store.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return store.ErrConflict("project already exists")
	}
	cp := *p
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.projects[p.ID] = &cp
	return nil
}

// LoadProject returns a copy of the project.
func (s *Store) LoadProject(_ context.Context, id uuid.UUID) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound("project", id.String())
	}
	cp := *p
	return &cp, nil
}

// UpdateProjectProgress advances project progress. Backward moves are ignored
// so concurrent stage completions can never regress the counter.
func (s *Store) UpdateProjectProgress(_ context.Context, id uuid.UUID, progress int, status workflow.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return store.ErrNotFound("project", id.String())
	}
	if progress > p.Progress {
		p.Progress = progress
	}
	if status != "" {
		p.Status = status
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateArtifact inserts an artifact with no versions, starting as a draft.
func (s *Store) CreateArtifact(_ context.Context, a *store.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[a.ID]; ok {
		return store.ErrConflict("artifact already exists")
	}
	cp := copyArtifact(a)
	cp.CurrentVersion = 0
	if cp.Status == "" {
		cp.Status = store.ArtifactStatusDraft
	}
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.artifacts[a.ID] = cp
	return nil
}

// ApproveArtifact records the user sign-off, flipping the artifact from draft
// to approved.
func (s *Store) ApproveArtifact(_ context.Context, id, approverID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return store.ErrNotFound("artifact", id.String())
	}
	now := time.Now().UTC()
	a.Status = store.ArtifactStatusApproved
	a.ApprovedAt = &now
	a.ApproverID = approverID
	a.UpdatedAt = now
	return nil
}

// ListArtifacts returns copies of the project's artifacts sorted by creation.
func (s *Store) ListArtifacts(_ context.Context, projectID uuid.UUID) ([]*store.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Artifact
	for _, a := range s.artifacts {
		if a.ProjectID == projectID {
			out = append(out, copyArtifact(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AddArtifactVersion appends the next gap-free version and bumps
// CurrentVersion under the same lock.
func (s *Store) AddArtifactVersion(_ context.Context, artifactID uuid.UUID, content json.RawMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[artifactID]
	if !ok {
		return 0, store.ErrNotFound("artifact", artifactID.String())
	}
	version := a.CurrentVersion + 1
	now := time.Now().UTC()
	s.versions[artifactID] = append(s.versions[artifactID], &store.ArtifactVersion{
		ID:         uuid.New(),
		ArtifactID: artifactID,
		Version:    version,
		Content:    append(json.RawMessage(nil), content...),
		CreatedAt:  now,
	})
	a.CurrentVersion = version
	a.UpdatedAt = now
	return version, nil
}

// LatestVersion returns a copy of the newest artifact version.
func (s *Store) LatestVersion(_ context.Context, artifactID uuid.UUID) (*store.ArtifactVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.versions[artifactID]
	if len(versions) == 0 {
		return nil, store.ErrNotFound("artifact version", artifactID.String())
	}
	cp := *versions[len(versions)-1]
	cp.Content = append(json.RawMessage(nil), cp.Content...)
	return &cp, nil
}

// SetVersionLocation records the exported location of one version.
func (s *Store) SetVersionLocation(_ context.Context, artifactID uuid.UUID, version int, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[artifactID] {
		if v.Version == version {
			v.Location = location
			return nil
		}
	}
	return store.ErrNotFound("artifact version", artifactID.String())
}

// AppendEvent appends a copy of the event to the session's durable log.
func (s *Store) AppendEvent(_ context.Context, ev *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.SessionID] = append(s.events[ev.SessionID], copyEvent(ev))
	return nil
}

// FetchEventsSince returns copies of the session's events with id greater
// than sinceID, in append order.
func (s *Store) FetchEventsSince(_ context.Context, sessionID string, sinceID uint64) ([]*events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*events.Event
	for _, ev := range s.events[sessionID] {
		if ev.ID > sinceID {
			out = append(out, copyEvent(ev))
		}
	}
	return out, nil
}

func copyWorkflow(wf *store.Workflow) *store.Workflow {
	cp := *wf
	cp.Config = append(json.RawMessage(nil), wf.Config...)
	if wf.CompletedAt != nil {
		t := *wf.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyTask(t *store.Task) *store.Task {
	cp := *t
	cp.Output = append(json.RawMessage(nil), t.Output...)
	cp.ErrorLog = append([]string(nil), t.ErrorLog...)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

func copyArtifact(a *store.Artifact) *store.Artifact {
	cp := *a
	cp.Tags = append([]string(nil), a.Tags...)
	if a.ApprovedAt != nil {
		ts := *a.ApprovedAt
		cp.ApprovedAt = &ts
	}
	return &cp
}

func copyEvent(ev *events.Event) *events.Event {
	cp := *ev
	cp.Data = append(json.RawMessage(nil), ev.Data...)
	return &cp
}
