// Package supervisor holds the routing brain of the workflow: a pure function
// from workflow state to the next node. It performs no I/O and never mutates
// its input; rework and feedback consumption are expressed as directives in
// the returned decision for the executor to apply.
package supervisor

import (
	"github.com/google/uuid"

	"github.com/chamikabm/bidopsai/workflow"
)

type (
	// Decision names the next node and carries the state mutations the
	// executor must apply before dispatching it.
	Decision struct {
		// Node is the next node: a stage name, a checkpoint name, one of
		// the virtual nodes, or complete.
		Node string

		// Reason is a short human-readable explanation, for logs and
		// events.
		Reason string

		// ResetStages lists stage tasks to return to open before
		// dispatch. Their outputs and completions are discarded.
		ResetStages []workflow.StageName

		// ResetNodes lists virtual node completions to discard.
		ResetNodes []string

		// ClearFeedback indicates this decision consumed the pending user
		// feedback.
		ClearFeedback bool
	}
)

// Decide evaluates the routing rules in order against the state and returns
// the first decision whose conditions hold. It is deterministic and free of
// side effects: callers may invoke it any number of times with equal states
// and observe equal decisions.
func Decide(s *workflow.State) Decision {
	// Rule 1: nothing exists yet.
	if s.WorkflowID == uuid.Nil || !s.HasCompleted(workflow.NodeInitialize) {
		return Decision{Node: workflow.NodeInitialize, Reason: "workflow not initialized"}
	}

	// Rule 2: a set pause flag short-circuits everything. The executor
	// re-parks at the checkpoint until input arrives.
	if s.AwaitingFeedback && s.Checkpoint != "" {
		return Decision{Node: string(s.Checkpoint), Reason: "still awaiting user feedback"}
	}

	// Rules 3-4: the front of the pipeline runs unconditionally.
	if !s.HasCompleted(string(workflow.StageParser)) {
		return Decision{Node: string(workflow.StageParser), Reason: "parse source documents"}
	}
	if !s.HasCompleted(string(workflow.StageAnalysis)) {
		return Decision{Node: string(workflow.StageAnalysis), Reason: "analyze parsed documents"}
	}

	// Rule 5: analysis always pauses for review before content.
	if !s.HasCompleted(string(workflow.CheckpointAnalysisFeedback)) {
		return Decision{Node: string(workflow.CheckpointAnalysisFeedback), Reason: "analysis complete, request feedback"}
	}

	// Rule 6: route the analysis feedback.
	if !s.HasCompleted(string(workflow.StageContent)) {
		switch intentOf(s) {
		case workflow.IntentReparse:
			return Decision{
				Node:          string(workflow.StageParser),
				Reason:        "user requested re-parse",
				ResetStages:   []workflow.StageName{workflow.StageParser, workflow.StageAnalysis},
				ResetNodes:    []string{string(workflow.CheckpointAnalysisFeedback)},
				ClearFeedback: true,
			}
		case workflow.IntentReanalyze:
			return Decision{
				Node:          string(workflow.StageAnalysis),
				Reason:        "user requested re-analysis",
				ResetStages:   []workflow.StageName{workflow.StageAnalysis},
				ResetNodes:    []string{string(workflow.CheckpointAnalysisFeedback)},
				ClearFeedback: true,
			}
		default:
			return Decision{Node: string(workflow.StageContent), Reason: "feedback accepted, generate content", ClearFeedback: true}
		}
	}

	// Rule 7: content is always checked for compliance.
	if !s.HasCompleted(string(workflow.StageCompliance)) {
		return Decision{Node: string(workflow.StageCompliance), Reason: "check content compliance"}
	}

	// Rule 8: non-compliant content loops back for rework.
	if c, ok := s.Outputs.Compliance(); ok && !c.IsCompliant && !s.HasCompleted(string(workflow.StageQA)) {
		return Decision{
			Node:        string(workflow.StageContent),
			Reason:      "content failed compliance, rework",
			ResetStages: []workflow.StageName{workflow.StageContent, workflow.StageCompliance},
		}
	}

	// Rule 9: compliant content goes to qa.
	if !s.HasCompleted(string(workflow.StageQA)) {
		return Decision{Node: string(workflow.StageQA), Reason: "run quality assurance"}
	}

	// Rule 10: failed qa loops content, compliance, and qa.
	if q, ok := s.Outputs.QA(); ok && q.OverallStatus != workflow.QAStatusComplete && !s.HasCompleted(string(workflow.CheckpointArtifactReview)) {
		return Decision{
			Node:        string(workflow.StageContent),
			Reason:      "quality assurance incomplete, rework",
			ResetStages: []workflow.StageName{workflow.StageContent, workflow.StageCompliance, workflow.StageQA},
		}
	}

	// Rule 11: qa-complete artifacts pause for human review.
	if !s.HasCompleted(string(workflow.CheckpointArtifactReview)) {
		return Decision{Node: string(workflow.CheckpointArtifactReview), Reason: "artifacts ready for review"}
	}

	// Rule 12: route the review verdict. Edits imply rejection; otherwise
	// unmatched feedback approves.
	if !s.ExportDone {
		if len(s.ContentEdits) > 0 || !Approved(s.UserFeedback, true) {
			return Decision{
				Node:          string(workflow.StageContent),
				Reason:        "reviewer rejected artifacts, rework",
				ResetStages:   []workflow.StageName{workflow.StageContent, workflow.StageCompliance, workflow.StageQA},
				ResetNodes:    []string{string(workflow.CheckpointArtifactReview)},
				ClearFeedback: true,
			}
		}
		return Decision{Node: workflow.NodeExport, Reason: "artifacts approved, export", ClearFeedback: true}
	}

	// Rule 13: exported artifacts pause for comms permission.
	if !s.HasCompleted(string(workflow.CheckpointCommsPermission)) {
		return Decision{Node: string(workflow.CheckpointCommsPermission), Reason: "request permission to notify"}
	}

	// Rule 14: route the comms verdict. Permissions decline by default.
	if !s.HasCompleted(string(workflow.StageComms)) && !s.HasCompleted(string(workflow.CheckpointSubmissionPermission)) {
		if Approved(s.UserFeedback, false) {
			return Decision{Node: string(workflow.StageComms), Reason: "comms approved", ClearFeedback: true}
		}
		return Decision{Node: string(workflow.CheckpointSubmissionPermission), Reason: "comms declined, request submission permission", ClearFeedback: true}
	}

	// Rule 15: after comms (or its decline), pause for submission permission.
	if !s.HasCompleted(string(workflow.CheckpointSubmissionPermission)) {
		return Decision{Node: string(workflow.CheckpointSubmissionPermission), Reason: "request permission to submit"}
	}

	// Rule 16: route the submission verdict.
	if !s.HasCompleted(string(workflow.StageSubmission)) {
		if Approved(s.UserFeedback, false) {
			return Decision{Node: string(workflow.StageSubmission), Reason: "submission approved", ClearFeedback: true}
		}
		return Decision{Node: workflow.NodeComplete, Reason: "submission declined, finish", ClearFeedback: true}
	}

	// Rule 17: everything ran.
	return Decision{Node: workflow.NodeComplete, Reason: "all stages complete"}
}

func intentOf(s *workflow.State) workflow.Intent {
	if s.FeedbackIntent != "" && s.FeedbackIntent != workflow.IntentProceed {
		return s.FeedbackIntent
	}
	return ClassifyIntent(s.UserFeedback)
}
