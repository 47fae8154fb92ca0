package workflow

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Snapshot is the part of State that cannot be rebuilt from workflow and task
// rows alone: the pause checkpoint, virtual node completions, and export
// bookkeeping. It is persisted in the workflow config blob on every
// transition and folded back into State on rehydration.
type Snapshot struct {
	Checkpoint      Checkpoint        `json:"checkpoint,omitempty"`
	VirtualNodes    []string          `json:"virtual_nodes,omitempty"`
	Artifacts       []string          `json:"artifacts,omitempty"`
	ExportDone      bool              `json:"export_done,omitempty"`
	ExportLocations map[string]string `json:"export_locations,omitempty"`
	Epochs          map[string]int    `json:"epochs,omitempty"`
	RetryCount      int               `json:"retry_count,omitempty"`
}

// virtualNode reports whether a completed-set entry has no task row behind it.
func virtualNode(name string) bool {
	if _, ok := StageByName(StageName(name)); ok {
		return false
	}
	return true
}

// Snapshot extracts the persistable snapshot from the state.
func (s *State) Snapshot() *Snapshot {
	snap := &Snapshot{
		RetryCount: s.RetryCount,
		ExportDone: s.ExportDone,
	}
	if s.AwaitingFeedback {
		snap.Checkpoint = s.Checkpoint
	}
	for _, n := range s.Completed {
		if virtualNode(n) {
			snap.VirtualNodes = append(snap.VirtualNodes, n)
		}
	}
	for _, id := range s.Artifacts {
		snap.Artifacts = append(snap.Artifacts, id.String())
	}
	if len(s.ExportLocations) > 0 {
		snap.ExportLocations = make(map[string]string, len(s.ExportLocations))
		for id, loc := range s.ExportLocations {
			snap.ExportLocations[id.String()] = loc
		}
	}
	if len(s.Epochs) > 0 {
		snap.Epochs = make(map[string]int, len(s.Epochs))
		for stage, n := range s.Epochs {
			snap.Epochs[string(stage)] = n
		}
	}
	return snap
}

// MarshalSnapshot serializes the state's snapshot for the config blob.
func (s *State) MarshalSnapshot() (json.RawMessage, error) {
	return json.Marshal(s.Snapshot())
}

// ApplySnapshot folds a persisted snapshot back into the state. Unparseable
// ids are skipped rather than failing rehydration.
func (s *State) ApplySnapshot(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return WrapError(KindInternal, CodeWorkflowExecution, "corrupt workflow snapshot", err)
	}
	for _, n := range snap.VirtualNodes {
		s.AddCompleted(n)
	}
	if snap.Checkpoint != "" {
		s.AwaitingFeedback = true
		s.Checkpoint = snap.Checkpoint
	}
	for _, idStr := range snap.Artifacts {
		if id, err := uuid.Parse(idStr); err == nil {
			s.Artifacts = append(s.Artifacts, id)
		}
	}
	if s.ExportLocations == nil {
		s.ExportLocations = map[uuid.UUID]string{}
	}
	for idStr, loc := range snap.ExportLocations {
		if id, err := uuid.Parse(idStr); err == nil {
			s.ExportLocations[id] = loc
		}
	}
	if s.Epochs == nil {
		s.Epochs = map[StageName]int{}
	}
	for stage, n := range snap.Epochs {
		s.Epochs[StageName(stage)] = n
	}
	s.ExportDone = snap.ExportDone
	s.RetryCount = snap.RetryCount
	return nil
}
