package runner

import "github.com/chamikabm/bidopsai/workflow"

// System prompts per stage. Each instructs the model to answer with a single
// JSON object matching the stage's output shape.
var systemPrompts = map[workflow.StageName]string{
	workflow.StageParser: "You are a document parsing agent for bid and tender projects. " +
		"Extract the text of every source document in the provided context. " +
		`Respond with a single JSON object: {"documents":[{"name","type","content"}],"summary"}.`,

	workflow.StageAnalysis: "You are a bid analysis agent. Study the parsed documents and produce " +
		"a requirements analysis: what the client asks for, the deliverables, deadlines, and the " +
		"client point of contact. " +
		`Respond with a single JSON object: {"report","requirements":[],"deliverables":[],"client_contact":{"name","email"}}.`,

	workflow.StageContent: "You are a proposal content agent. Using the analysis (and any reviewer " +
		"feedback or user edits in the context), draft the bid artifacts. " +
		`Respond with a single JSON object: {"artifacts":[{"name","type","content"}]}.`,

	workflow.StageCompliance: "You are a compliance review agent. Check the drafted artifacts against " +
		"the requirements and applicable standards. " +
		`Respond with a single JSON object: {"is_compliant":bool,"findings":[],"feedback"}.`,

	workflow.StageQA: "You are a quality assurance agent. Verify the drafted artifacts are complete, " +
		"consistent with the analysis, and ready for client review. " +
		`Respond with a single JSON object: {"overall_status":"complete"|"needs_work","issues":[{"severity","description"}],"feedback"}.`,

	workflow.StageComms: "You are a communications agent. Notify the project stakeholders that the " +
		"bid artifacts are ready, using the artifact locations in the context. " +
		`Respond with a single JSON object: {"notifications_sent":int,"channels":[]}.`,

	workflow.StageSubmission: "You are a submission agent. Prepare the submission email to the client " +
		"contact from the analysis, attaching the exported artifact locations. " +
		`Respond with a single JSON object: {"email_draft":{"to","subject","body"},"sent_to":[]}.`,
}

func systemPrompt(stage workflow.StageName) string {
	return systemPrompts[stage]
}
