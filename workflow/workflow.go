// Package workflow defines the durable state machine for the bid-processing
// pipeline: the fixed stage sequence, the in-memory workflow state projection,
// typed stage outputs, and the structured error taxonomy shared by the
// supervisor, stage runner, and graph executor.
//
// State is a plain value. Components receive it, derive a new value, and hand
// it back; the store (workflow/store) is the single point of durable mutation.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state shared by workflows and stage tasks.
type Status string

const (
	// StatusOpen indicates the record was created but work has not started.
	StatusOpen Status = "OPEN"
	// StatusInProgress indicates work is actively executing.
	StatusInProgress Status = "INPROGRESS"
	// StatusWaiting indicates execution is paused awaiting human input.
	StatusWaiting Status = "WAITING"
	// StatusCompleted indicates a successful terminal state.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates a failed terminal state.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StageName identifies one node in the fixed stage sequence.
type StageName string

const (
	StageParser     StageName = "parser"
	StageAnalysis   StageName = "analysis"
	StageContent    StageName = "content"
	StageCompliance StageName = "compliance"
	StageQA         StageName = "qa"
	StageComms      StageName = "comms"
	StageSubmission StageName = "submission"
)

// Virtual node names used by the supervisor alongside the stage sequence.
// They never have task rows; completion is tracked in State only.
const (
	NodeInitialize = "initialize"
	NodeExport     = "export"
	NodeComplete   = "complete"
)

// Checkpoint names the pause points where the executor returns control to the
// caller and waits for a later invocation to resume with user input.
type Checkpoint string

const (
	CheckpointAnalysisFeedback     Checkpoint = "await_analysis_feedback"
	CheckpointArtifactReview       Checkpoint = "await_artifact_review"
	CheckpointCommsPermission      Checkpoint = "await_comms_permission"
	CheckpointSubmissionPermission Checkpoint = "await_submission_permission"
)

// Intent classifies free-text user feedback gathered at the analysis
// checkpoint.
type Intent string

const (
	IntentReparse   Intent = "reparse"
	IntentReanalyze Intent = "reanalyze"
	IntentProceed   Intent = "proceed"
)

// ContentEdit carries a user-authored revision of a generated artifact,
// delivered on resume and folded into the content stage input.
type ContentEdit struct {
	ArtifactID uuid.UUID       `json:"artifact_id"`
	Content    json.RawMessage `json:"content"`
}

// State is the in-memory projection of a workflow during one invocation. It is
// rehydrated from the store at the start of each invocation and written back on
// every stage transition. It is owned exclusively by the invocation driving it
// and is never shared between invocations.
type State struct {
	// WorkflowID is zero until the initialize node has created the workflow.
	WorkflowID uuid.UUID
	ProjectID  uuid.UUID
	UserID     uuid.UUID
	SessionID  string

	Status Status

	// Completed holds the names of completed nodes: stage names plus the
	// virtual initialize/checkpoint nodes. Order is insertion order.
	Completed []string

	// Outputs maps a completed node name to its typed output.
	Outputs Outputs

	// AwaitingFeedback is true while the workflow sits at a pause checkpoint.
	// Checkpoint names which one.
	AwaitingFeedback bool
	Checkpoint       Checkpoint

	// UserFeedback is the raw chat text delivered on resume, with its
	// classified intent. Both are cleared once a supervisor decision
	// consumes them.
	UserFeedback   string
	FeedbackIntent Intent

	// ContentEdits are artifact revisions delivered on resume.
	ContentEdits []ContentEdit

	// Artifacts lists artifacts created by the content stage.
	Artifacts []uuid.UUID

	// ExportLocations maps artifact id to its exported object location.
	ExportLocations map[uuid.UUID]string
	ExportDone      bool

	// Errors accumulates structured failures observed during execution.
	Errors []*Error

	// Epochs counts feedback-loop resets per stage. A stage's epoch salts
	// its idempotency keys so a reworked run never observes the cached
	// result of the run it replaced.
	Epochs map[StageName]int

	RetryCount    int
	StartedAt     time.Time
	LastUpdatedAt time.Time

	Config map[string]any
}

// Sequence returns the fixed stage order. The returned slice is a copy.
func Sequence() []StageName {
	return []StageName{
		StageParser,
		StageAnalysis,
		StageContent,
		StageCompliance,
		StageQA,
		StageComms,
		StageSubmission,
	}
}

// NewState builds the initial state for a fresh workflow. WorkflowID stays
// zero until the initialize node runs.
func NewState(projectID, userID uuid.UUID, sessionID string) *State {
	now := time.Now().UTC()
	return &State{
		ProjectID:       projectID,
		UserID:          userID,
		SessionID:       sessionID,
		Status:          StatusOpen,
		Outputs:         Outputs{},
		FeedbackIntent:  IntentProceed,
		ExportLocations: map[uuid.UUID]string{},
		Epochs:          map[StageName]int{},
		StartedAt:       now,
		LastUpdatedAt:   now,
		Config:          map[string]any{},
	}
}

// HasCompleted reports whether the named node is in the completed set.
func (s *State) HasCompleted(name string) bool {
	for _, n := range s.Completed {
		if n == name {
			return true
		}
	}
	return false
}

// AddCompleted appends the node to the completed set if absent and bumps
// LastUpdatedAt.
func (s *State) AddCompleted(name string) {
	if s.HasCompleted(name) {
		return
	}
	s.Completed = append(s.Completed, name)
	s.LastUpdatedAt = time.Now().UTC()
}

// RemoveCompleted drops the named nodes from the completed set and their
// outputs. Used by the feedback loops when a reviewer rejects earlier work.
func (s *State) RemoveCompleted(names ...string) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	kept := s.Completed[:0]
	for _, n := range s.Completed {
		if drop[n] {
			delete(s.Outputs, n)
			continue
		}
		kept = append(kept, n)
	}
	s.Completed = kept
	s.LastUpdatedAt = time.Now().UTC()
}

// Epoch returns the current rework epoch for a stage.
func (s *State) Epoch(stage StageName) int {
	return s.Epochs[stage]
}

// BumpEpoch advances a stage's rework epoch.
func (s *State) BumpEpoch(stage StageName) {
	if s.Epochs == nil {
		s.Epochs = map[StageName]int{}
	}
	s.Epochs[stage]++
}

// CompletedStages returns the subset of the completed set that names real
// stages, in sequence order.
func (s *State) CompletedStages() []StageName {
	var out []StageName
	for _, stage := range Sequence() {
		if s.HasCompleted(string(stage)) {
			out = append(out, stage)
		}
	}
	return out
}

// Progress returns the project progress percentage implied by the furthest
// completed milestone. The per-stage values mirror the progress counters the
// workflow writes to the project record.
func (s *State) Progress() int {
	progress := 0
	mark := func(name string, pct int) {
		if s.HasCompleted(name) && pct > progress {
			progress = pct
		}
	}
	mark(string(StageParser), 10)
	mark(string(StageAnalysis), 20)
	mark(string(StageContent), 40)
	mark(string(StageCompliance), 60)
	mark(string(StageQA), 70)
	if s.ExportDone {
		progress = 80
	}
	mark(string(StageComms), 90)
	if s.Status == StatusCompleted {
		progress = 100
	}
	return progress
}

// Clone returns a deep copy. Maps and slices are copied so the caller can
// mutate the clone without aliasing the original.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Completed = append([]string(nil), s.Completed...)
	cp.Outputs = s.Outputs.clone()
	cp.ContentEdits = append([]ContentEdit(nil), s.ContentEdits...)
	cp.Artifacts = append([]uuid.UUID(nil), s.Artifacts...)
	cp.ExportLocations = make(map[uuid.UUID]string, len(s.ExportLocations))
	for k, v := range s.ExportLocations {
		cp.ExportLocations[k] = v
	}
	cp.Errors = append([]*Error(nil), s.Errors...)
	cp.Epochs = make(map[StageName]int, len(s.Epochs))
	for k, v := range s.Epochs {
		cp.Epochs[k] = v
	}
	cp.Config = make(map[string]any, len(s.Config))
	for k, v := range s.Config {
		cp.Config[k] = v
	}
	return &cp
}
