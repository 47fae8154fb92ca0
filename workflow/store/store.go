// Package store defines the persistence contract for workflows, stage tasks,
// projects, and artifacts. The in-memory reference implementation lives in the
// inmem subpackage; the MongoDB-backed implementation lives under
// features/store/mongo.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/events"
)

// Artifact lifecycle statuses. Artifacts are created as drafts and marked
// approved once the user signs off at the artifact review checkpoint.
const (
	ArtifactStatusDraft    = "DRAFT"
	ArtifactStatusApproved = "APPROVED"
)

type (
	// Workflow is the durable workflow execution record. SessionID is unique
	// across live workflows and is the resume key.
	Workflow struct {
		ID           uuid.UUID
		ProjectID    uuid.UUID
		UserID       uuid.UUID
		SessionID    string
		Status       workflow.Status
		ErrorSummary string
		// Config holds the executor snapshot: checkpoint, virtual node
		// completions, export bookkeeping.
		Config      json.RawMessage
		CreatedAt   time.Time
		UpdatedAt   time.Time
		CompletedAt *time.Time
	}

	// Task is one stage task row. All seven rows are created up front when
	// the workflow initializes; execution flips them Open -> InProgress ->
	// Completed/Failed, with explicit resets back to Open on rework.
	Task struct {
		ID            uuid.UUID
		WorkflowID    uuid.UUID
		Name          workflow.StageName
		SequenceOrder int
		Status        workflow.Status
		Output        json.RawMessage
		ErrorMessage  string
		// RetryCount is how many times the task has been reset for rework
		// or recovery. ErrorLog accumulates every failure message across
		// attempts; ErrorMessage holds only the latest.
		RetryCount  int
		ErrorLog    []string
		StartedAt   *time.Time
		CompletedAt *time.Time
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// Project is the project record whose progress the workflow advances.
	Project struct {
		ID        uuid.UUID
		Name      string
		Status    workflow.Status
		Progress  int
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Artifact is a generated deliverable. CurrentVersion is the highest
	// version number; version numbers are gap-free starting at 1. Status
	// moves from draft to approved when the user accepts the artifact at
	// the review checkpoint; ApprovedAt and ApproverID record the sign-off.
	Artifact struct {
		ID             uuid.UUID
		ProjectID      uuid.UUID
		Name           string
		Kind           string
		Category       string
		Tags           []string
		Status         string
		CurrentVersion int
		ApprovedAt     *time.Time
		ApproverID     uuid.UUID
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// ArtifactVersion is one immutable version of an artifact's content.
	// Location is set once the version has been exported.
	ArtifactVersion struct {
		ID         uuid.UUID
		ArtifactID uuid.UUID
		Version    int
		Content    json.RawMessage
		Location   string
		CreatedAt  time.Time
	}

	// Store is the durable persistence contract. Implementations must make
	// each method atomic; methods that touch multiple rows (CreateTasks,
	// ResetTasks, AddArtifactVersion) must apply all-or-nothing.
	Store interface {
		// CreateWorkflow inserts a workflow. A live workflow with the same
		// session id yields a conflict error.
		CreateWorkflow(ctx context.Context, wf *Workflow) error

		// LoadWorkflow returns the workflow by id, or a not-found error.
		LoadWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error)

		// FindWorkflowBySession returns the most recent workflow for the
		// session key, or a not-found error.
		FindWorkflowBySession(ctx context.Context, sessionID string) (*Workflow, error)

		// UpdateWorkflowStatus transitions the workflow status, validating
		// the transition. errorSummary is recorded on failure transitions.
		UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, status workflow.Status, errorSummary string) error

		// UpdateWorkflowConfig replaces the workflow config snapshot.
		UpdateWorkflowConfig(ctx context.Context, id uuid.UUID, config json.RawMessage) error

		// CreateTasks inserts the given task rows atomically.
		CreateTasks(ctx context.Context, tasks []*Task) error

		// LoadTasks returns the workflow's tasks in sequence order.
		LoadTasks(ctx context.Context, workflowID uuid.UUID) ([]*Task, error)

		// StartTask transitions a task to in-progress, stamps StartedAt,
		// and returns the updated row.
		StartTask(ctx context.Context, workflowID uuid.UUID, name workflow.StageName) (*Task, error)

		// CompleteTask transitions a task to completed and records its
		// output blob.
		CompleteTask(ctx context.Context, workflowID uuid.UUID, name workflow.StageName, output json.RawMessage) error

		// FailTask transitions a task to failed, records the error, and
		// appends it to the task's error log.
		FailTask(ctx context.Context, workflowID uuid.UUID, name workflow.StageName, errMsg string) error

		// ResetTasks returns the named tasks to open, clears their outputs,
		// and increments their retry counts, atomically across the set. The
		// error log survives resets.
		ResetTasks(ctx context.Context, workflowID uuid.UUID, names []workflow.StageName) error

		// CreateProject inserts a project.
		CreateProject(ctx context.Context, p *Project) error

		// LoadProject returns the project by id, or a not-found error.
		LoadProject(ctx context.Context, id uuid.UUID) (*Project, error)

		// UpdateProjectProgress sets the project progress percentage and
		// status. Progress never moves backward.
		UpdateProjectProgress(ctx context.Context, id uuid.UUID, progress int, status workflow.Status) error

		// CreateArtifact inserts an artifact with no versions. Artifacts
		// start in draft status.
		CreateArtifact(ctx context.Context, a *Artifact) error

		// ApproveArtifact marks the artifact approved, recording the
		// approver and approval time.
		ApproveArtifact(ctx context.Context, id, approverID uuid.UUID) error

		// ListArtifacts returns the project's artifacts.
		ListArtifacts(ctx context.Context, projectID uuid.UUID) ([]*Artifact, error)

		// AddArtifactVersion appends the next version of an artifact and
		// bumps CurrentVersion, atomically. It returns the assigned
		// version number.
		AddArtifactVersion(ctx context.Context, artifactID uuid.UUID, content json.RawMessage) (int, error)

		// LatestVersion returns the newest version of an artifact, or a
		// not-found error when the artifact has no versions.
		LatestVersion(ctx context.Context, artifactID uuid.UUID) (*ArtifactVersion, error)

		// SetVersionLocation records the exported object location of one
		// artifact version.
		SetVersionLocation(ctx context.Context, artifactID uuid.UUID, version int, location string) error

		// AppendEvent appends a session event to the durable event log.
		AppendEvent(ctx context.Context, ev *events.Event) error

		// FetchEventsSince returns the session's logged events with id
		// greater than sinceID, in id order.
		FetchEventsSince(ctx context.Context, sessionID string, sinceID uint64) ([]*events.Event, error)
	}
)

// ValidTransition reports whether a status change is allowed. Resets back to
// open go through ResetTasks, not status updates.
func ValidTransition(from, to workflow.Status) bool {
	if from == to {
		return true
	}
	switch from {
	case workflow.StatusOpen:
		return to == workflow.StatusInProgress || to == workflow.StatusFailed
	case workflow.StatusInProgress:
		return to == workflow.StatusWaiting || to == workflow.StatusCompleted || to == workflow.StatusFailed
	case workflow.StatusWaiting:
		return to == workflow.StatusInProgress || to == workflow.StatusFailed
	default:
		return false
	}
}

// ErrNotFound builds the canonical not-found error for a record type and id.
func ErrNotFound(kind, id string) error {
	return workflow.NewError(workflow.KindNotFound, workflow.CodeNotFound, kind+" not found").With("id", id)
}

// ErrInvalidTransition builds the canonical invalid-transition error.
func ErrInvalidTransition(kind string, from, to workflow.Status) error {
	return workflow.NewError(workflow.KindInvalidTransition, workflow.CodeWorkflowTransition,
		"invalid "+kind+" status transition").With("from", string(from)).With("to", string(to))
}

// ErrConflict builds the canonical conflict error.
func ErrConflict(msg string) error {
	return workflow.NewError(workflow.KindConflict, workflow.CodeConflict, msg)
}
