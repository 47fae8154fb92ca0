package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/google/uuid"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/events"
	"github.com/chamikabm/bidopsai/workflow/store"
)

// Document shapes are flat and use string ids so records survive driver and
// codec upgrades without a custom UUID registry.
type (
	workflowDocument struct {
		ID           string     `bson:"_id"`
		ProjectID    string     `bson:"project_id"`
		UserID       string     `bson:"user_id"`
		SessionID    string     `bson:"session_id"`
		Status       string     `bson:"status"`
		ErrorSummary string     `bson:"error_summary,omitempty"`
		Config       []byte     `bson:"config,omitempty"`
		CreatedAt    time.Time  `bson:"created_at"`
		UpdatedAt    time.Time  `bson:"updated_at"`
		CompletedAt  *time.Time `bson:"completed_at,omitempty"`
	}

	taskDocument struct {
		ID            string     `bson:"_id"`
		WorkflowID    string     `bson:"workflow_id"`
		Name          string     `bson:"name"`
		SequenceOrder int        `bson:"sequence_order"`
		Status        string     `bson:"status"`
		Output        []byte     `bson:"output,omitempty"`
		ErrorMessage  string     `bson:"error_message,omitempty"`
		RetryCount    int        `bson:"retry_count"`
		ErrorLog      []string   `bson:"error_log,omitempty"`
		StartedAt     *time.Time `bson:"started_at,omitempty"`
		CompletedAt   *time.Time `bson:"completed_at,omitempty"`
		CreatedAt     time.Time  `bson:"created_at"`
		UpdatedAt     time.Time  `bson:"updated_at"`
	}

	projectDocument struct {
		ID        string    `bson:"_id"`
		Name      string    `bson:"name"`
		Status    string    `bson:"status"`
		Progress  int       `bson:"progress"`
		CreatedAt time.Time `bson:"created_at"`
		UpdatedAt time.Time `bson:"updated_at"`
	}

	artifactDocument struct {
		ID             string     `bson:"_id"`
		ProjectID      string     `bson:"project_id"`
		Name           string     `bson:"name"`
		Kind           string     `bson:"kind"`
		Category       string     `bson:"category,omitempty"`
		Tags           []string   `bson:"tags,omitempty"`
		Status         string     `bson:"status"`
		CurrentVersion int        `bson:"current_version"`
		ApprovedAt     *time.Time `bson:"approved_at,omitempty"`
		ApproverID     string     `bson:"approver_id,omitempty"`
		CreatedAt      time.Time  `bson:"created_at"`
		UpdatedAt      time.Time  `bson:"updated_at"`
	}

	versionDocument struct {
		ID         string    `bson:"_id"`
		ArtifactID string    `bson:"artifact_id"`
		Version    int       `bson:"version"`
		Content    []byte    `bson:"content,omitempty"`
		Location   string    `bson:"location,omitempty"`
		CreatedAt  time.Time `bson:"created_at"`
	}

	// eventDocument is one durable event log row. The composite _id makes
	// a replayed append of the same (session, id) pair a no-op duplicate.
	eventDocument struct {
		ID         string    `bson:"_id"`
		SessionID  string    `bson:"session_id"`
		EventID    uint64    `bson:"event_id"`
		WorkflowID string    `bson:"workflow_id,omitempty"`
		Type       string    `bson:"type"`
		Timestamp  time.Time `bson:"timestamp"`
		Data       []byte    `bson:"data,omitempty"`
	}
)

func fromWorkflow(wf *store.Workflow) workflowDocument {
	return workflowDocument{
		ID:           wf.ID.String(),
		ProjectID:    wf.ProjectID.String(),
		UserID:       wf.UserID.String(),
		SessionID:    wf.SessionID,
		Status:       string(wf.Status),
		ErrorSummary: wf.ErrorSummary,
		Config:       wf.Config,
		CreatedAt:    wf.CreatedAt.UTC(),
		UpdatedAt:    wf.UpdatedAt.UTC(),
		CompletedAt:  wf.CompletedAt,
	}
}

func (doc workflowDocument) toWorkflow() (*store.Workflow, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, err
	}
	projectID, err := uuid.Parse(doc.ProjectID)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(doc.UserID)
	if err != nil {
		return nil, err
	}
	return &store.Workflow{
		ID:           id,
		ProjectID:    projectID,
		UserID:       userID,
		SessionID:    doc.SessionID,
		Status:       workflow.Status(doc.Status),
		ErrorSummary: doc.ErrorSummary,
		Config:       json.RawMessage(doc.Config),
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		CompletedAt:  doc.CompletedAt,
	}, nil
}

func fromTask(t *store.Task) taskDocument {
	return taskDocument{
		ID:            t.ID.String(),
		WorkflowID:    t.WorkflowID.String(),
		Name:          string(t.Name),
		SequenceOrder: t.SequenceOrder,
		Status:        string(t.Status),
		Output:        t.Output,
		ErrorMessage:  t.ErrorMessage,
		RetryCount:    t.RetryCount,
		ErrorLog:      t.ErrorLog,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
		CreatedAt:     t.CreatedAt.UTC(),
		UpdatedAt:     t.UpdatedAt.UTC(),
	}
}

func (doc taskDocument) toTask() (*store.Task, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, err
	}
	workflowID, err := uuid.Parse(doc.WorkflowID)
	if err != nil {
		return nil, err
	}
	return &store.Task{
		ID:            id,
		WorkflowID:    workflowID,
		Name:          workflow.StageName(doc.Name),
		SequenceOrder: doc.SequenceOrder,
		Status:        workflow.Status(doc.Status),
		Output:        json.RawMessage(doc.Output),
		ErrorMessage:  doc.ErrorMessage,
		RetryCount:    doc.RetryCount,
		ErrorLog:      doc.ErrorLog,
		StartedAt:     doc.StartedAt,
		CompletedAt:   doc.CompletedAt,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}, nil
}

func fromProject(p *store.Project) projectDocument {
	return projectDocument{
		ID:        p.ID.String(),
		Name:      p.Name,
		Status:    string(p.Status),
		Progress:  p.Progress,
		CreatedAt: p.CreatedAt.UTC(),
		UpdatedAt: p.UpdatedAt.UTC(),
	}
}

func (doc projectDocument) toProject() (*store.Project, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, err
	}
	return &store.Project{
		ID:        id,
		Name:      doc.Name,
		Status:    workflow.Status(doc.Status),
		Progress:  doc.Progress,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func fromArtifact(a *store.Artifact) artifactDocument {
	doc := artifactDocument{
		ID:             a.ID.String(),
		ProjectID:      a.ProjectID.String(),
		Name:           a.Name,
		Kind:           a.Kind,
		Category:       a.Category,
		Tags:           a.Tags,
		Status:         a.Status,
		CurrentVersion: a.CurrentVersion,
		ApprovedAt:     a.ApprovedAt,
		CreatedAt:      a.CreatedAt.UTC(),
		UpdatedAt:      a.UpdatedAt.UTC(),
	}
	if a.ApproverID != uuid.Nil {
		doc.ApproverID = a.ApproverID.String()
	}
	return doc
}

func (doc artifactDocument) toArtifact() (*store.Artifact, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, err
	}
	projectID, err := uuid.Parse(doc.ProjectID)
	if err != nil {
		return nil, err
	}
	a := &store.Artifact{
		ID:             id,
		ProjectID:      projectID,
		Name:           doc.Name,
		Kind:           doc.Kind,
		Category:       doc.Category,
		Tags:           doc.Tags,
		Status:         doc.Status,
		CurrentVersion: doc.CurrentVersion,
		ApprovedAt:     doc.ApprovedAt,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
	if doc.ApproverID != "" {
		approver, err := uuid.Parse(doc.ApproverID)
		if err != nil {
			return nil, err
		}
		a.ApproverID = approver
	}
	return a, nil
}

func (doc versionDocument) toVersion() (*store.ArtifactVersion, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, err
	}
	artifactID, err := uuid.Parse(doc.ArtifactID)
	if err != nil {
		return nil, err
	}
	return &store.ArtifactVersion{
		ID:         id,
		ArtifactID: artifactID,
		Version:    doc.Version,
		Content:    json.RawMessage(doc.Content),
		Location:   doc.Location,
		CreatedAt:  doc.CreatedAt,
	}, nil
}

func fromEvent(ev *events.Event) eventDocument {
	doc := eventDocument{
		ID:        fmt.Sprintf("%s:%d", ev.SessionID, ev.ID),
		SessionID: ev.SessionID,
		EventID:   ev.ID,
		Type:      ev.Type,
		Timestamp: ev.Timestamp.UTC(),
		Data:      ev.Data,
	}
	if ev.WorkflowID != uuid.Nil {
		doc.WorkflowID = ev.WorkflowID.String()
	}
	return doc
}

func (doc eventDocument) toEvent() (*events.Event, error) {
	ev := &events.Event{
		ID:        doc.EventID,
		Type:      doc.Type,
		SessionID: doc.SessionID,
		Timestamp: doc.Timestamp,
		Data:      json.RawMessage(doc.Data),
	}
	if doc.WorkflowID != "" {
		workflowID, err := uuid.Parse(doc.WorkflowID)
		if err != nil {
			return nil, err
		}
		ev.WorkflowID = workflowID
	}
	return ev, nil
}

// liveStatuses filters session uniqueness to workflows that can still resume.
var liveStatuses = bson.A{
	string(workflow.StatusOpen),
	string(workflow.StatusInProgress),
	string(workflow.StatusWaiting),
}
