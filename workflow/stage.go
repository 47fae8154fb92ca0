package workflow

import (
	"encoding/json"
	"time"
)

type (
	// Stage describes one node of the pipeline: its position, its execution
	// budget, and how to assemble the input context the model receives.
	Stage struct {
		// Name is the stage identifier, also used as the task name.
		Name StageName

		// SequenceOrder is the 1-based position in the fixed sequence.
		SequenceOrder int

		// MaxToolIterations bounds the request/tool loop for one run.
		MaxToolIterations int

		// ProgressOnComplete is the project progress percentage recorded
		// when the stage finishes.
		ProgressOnComplete int

		// BuildInput assembles the stage input context from prior state.
		BuildInput func(s *State) map[string]any
	}
)

// perIterationAllowance is the wall-clock budget granted per tool iteration
// when deriving a stage timeout.
const perIterationAllowance = 30 * time.Second

// Timeout returns the wall-clock deadline for one run of the stage.
func (st Stage) Timeout() time.Duration {
	return time.Duration(st.MaxToolIterations) * perIterationAllowance
}

var stages = []Stage{
	{
		Name:               StageParser,
		SequenceOrder:      1,
		MaxToolIterations:  15,
		ProgressOnComplete: 10,
		BuildInput: func(s *State) map[string]any {
			return baseInput(s)
		},
	},
	{
		Name:               StageAnalysis,
		SequenceOrder:      2,
		MaxToolIterations:  20,
		ProgressOnComplete: 20,
		BuildInput: func(s *State) map[string]any {
			in := baseInput(s)
			in["parser_output"] = rawOrNil(s, string(StageParser))
			return in
		},
	},
	{
		Name:               StageContent,
		SequenceOrder:      3,
		MaxToolIterations:  30,
		ProgressOnComplete: 40,
		BuildInput: func(s *State) map[string]any {
			in := baseInput(s)
			in["analysis_output"] = rawOrNil(s, string(StageAnalysis))
			if c, ok := s.Outputs.Compliance(); ok && !c.IsCompliant {
				in["compliance_feedback"] = c.Feedback
			}
			if q, ok := s.Outputs.QA(); ok && q.OverallStatus != QAStatusComplete {
				in["qa_feedback"] = q.Feedback
			}
			if len(s.ContentEdits) > 0 {
				in["user_edits"] = s.ContentEdits
			}
			return in
		},
	},
	{
		Name:               StageCompliance,
		SequenceOrder:      4,
		MaxToolIterations:  15,
		ProgressOnComplete: 60,
		BuildInput: func(s *State) map[string]any {
			in := baseInput(s)
			in["content_output"] = rawOrNil(s, string(StageContent))
			return in
		},
	},
	{
		Name:               StageQA,
		SequenceOrder:      5,
		MaxToolIterations:  15,
		ProgressOnComplete: 70,
		BuildInput: func(s *State) map[string]any {
			in := baseInput(s)
			in["content_output"] = rawOrNil(s, string(StageContent))
			in["analysis_output"] = rawOrNil(s, string(StageAnalysis))
			return in
		},
	},
	{
		Name:               StageComms,
		SequenceOrder:      6,
		MaxToolIterations:  10,
		ProgressOnComplete: 90,
		BuildInput: func(s *State) map[string]any {
			in := baseInput(s)
			in["artifact_locations"] = exportLocations(s)
			return in
		},
	},
	{
		Name:               StageSubmission,
		SequenceOrder:      7,
		MaxToolIterations:  10,
		ProgressOnComplete: 100,
		BuildInput: func(s *State) map[string]any {
			in := baseInput(s)
			in["analysis_output"] = rawOrNil(s, string(StageAnalysis))
			in["artifact_locations"] = exportLocations(s)
			return in
		},
	},
}

// QAStatusComplete is the qa overall status that releases artifacts for
// review. Any other value routes content back for rework.
const QAStatusComplete = "complete"

// Stages returns the fixed stage descriptors in sequence order. The returned
// slice is a copy.
func Stages() []Stage {
	return append([]Stage(nil), stages...)
}

// StageByName looks up a stage descriptor.
func StageByName(name StageName) (Stage, bool) {
	for _, st := range stages {
		if st.Name == name {
			return st, true
		}
	}
	return Stage{}, false
}

func baseInput(s *State) map[string]any {
	return map[string]any{
		"workflow_execution_id": s.WorkflowID.String(),
		"project_id":            s.ProjectID.String(),
		"user_id":               s.UserID.String(),
		"session_id":            s.SessionID,
	}
}

func rawOrNil(s *State, node string) any {
	if raw := s.Outputs.Raw(node); raw != nil {
		return json.RawMessage(raw)
	}
	return nil
}

func exportLocations(s *State) map[string]string {
	out := make(map[string]string, len(s.ExportLocations))
	for id, loc := range s.ExportLocations {
		out[id.String()] = loc
	}
	return out
}
