package workflow

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"
)

type (
	// Output is a typed stage or checkpoint result. Every variant exposes
	// its canonical JSON payload so downstream stages can consume it without
	// knowing the concrete type.
	Output interface {
		// Node returns the node the output belongs to.
		Node() string
		// JSON returns the canonical JSON payload.
		JSON() json.RawMessage
	}

	// Outputs maps a completed node name to its output.
	Outputs map[string]Output

	// ParsedDocument is one source document extracted by the parser stage.
	ParsedDocument struct {
		Name    string `json:"name"`
		Kind    string `json:"type"`
		Content string `json:"content"`
	}

	// ParserOutput is the parser stage result.
	ParserOutput struct {
		Documents []ParsedDocument `json:"documents"`
		Summary   string           `json:"summary"`

		raw json.RawMessage
	}

	// ClientContact is the point-of-contact record the analysis stage
	// extracts for later communications.
	ClientContact struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}

	// AnalysisOutput is the analysis stage result.
	AnalysisOutput struct {
		Report       string        `json:"report"`
		Requirements []string      `json:"requirements"`
		Deliverables []string      `json:"deliverables"`
		Contact      ClientContact `json:"client_contact"`

		raw json.RawMessage
	}

	// ArtifactDraft is a single generated artifact body.
	ArtifactDraft struct {
		Name     string          `json:"name"`
		Kind     string          `json:"type"`
		Category string          `json:"category,omitempty"`
		Tags     []string        `json:"tags,omitempty"`
		Content  json.RawMessage `json:"content"`
	}

	// ContentOutput is the content stage result.
	ContentOutput struct {
		Artifacts []ArtifactDraft `json:"artifacts"`

		raw json.RawMessage
	}

	// ComplianceOutput is the compliance stage result. IsCompliant drives
	// the supervisor's content rework loop.
	ComplianceOutput struct {
		IsCompliant bool     `json:"is_compliant"`
		Findings    []string `json:"findings"`
		Feedback    string   `json:"feedback"`

		raw json.RawMessage
	}

	// QAIssue is one defect reported by the qa stage.
	QAIssue struct {
		Severity    string `json:"severity"`
		Description string `json:"description"`
	}

	// QAOutput is the qa stage result. OverallStatus "complete" releases
	// the artifacts for review; anything else sends content back for rework.
	QAOutput struct {
		OverallStatus string    `json:"overall_status"`
		Issues        []QAIssue `json:"issues"`
		Feedback      string    `json:"feedback"`

		raw json.RawMessage
	}

	// CommsOutput is the comms stage result.
	CommsOutput struct {
		NotificationsSent int      `json:"notifications_sent"`
		Channels          []string `json:"channels"`

		raw json.RawMessage
	}

	// EmailDraft is the submission email prepared for the client contact.
	EmailDraft struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}

	// SubmissionOutput is the submission stage result.
	SubmissionOutput struct {
		Email  *EmailDraft `json:"email_draft,omitempty"`
		SentTo []string    `json:"sent_to"`

		raw json.RawMessage
	}

	// ParseFailed preserves a model response that could not be interpreted
	// as the expected JSON shape, even after repair. The workflow proceeds
	// with the raw text rather than failing the stage.
	ParseFailed struct {
		Stage StageName
		Text  string
	}

	// FeedbackOutput records the user decision taken at a pause checkpoint.
	FeedbackOutput struct {
		At       Checkpoint `json:"checkpoint"`
		Intent   Intent     `json:"intent,omitempty"`
		Approved bool       `json:"approved"`
		Feedback string     `json:"feedback,omitempty"`
	}

	// ExportOutput records where artifact contents were exported.
	ExportOutput struct {
		Locations map[string]string `json:"locations"`
		Count     int               `json:"count"`
	}
)

func (o *ParserOutput) Node() string     { return string(StageParser) }
func (o *AnalysisOutput) Node() string   { return string(StageAnalysis) }
func (o *ContentOutput) Node() string    { return string(StageContent) }
func (o *ComplianceOutput) Node() string { return string(StageCompliance) }
func (o *QAOutput) Node() string         { return string(StageQA) }
func (o *CommsOutput) Node() string      { return string(StageComms) }
func (o *SubmissionOutput) Node() string { return string(StageSubmission) }
func (o *ParseFailed) Node() string      { return string(o.Stage) }
func (o *FeedbackOutput) Node() string   { return string(o.At) }
func (o *ExportOutput) Node() string     { return NodeExport }

func (o *ParserOutput) JSON() json.RawMessage     { return o.raw }
func (o *AnalysisOutput) JSON() json.RawMessage   { return o.raw }
func (o *ContentOutput) JSON() json.RawMessage    { return o.raw }
func (o *ComplianceOutput) JSON() json.RawMessage { return o.raw }
func (o *QAOutput) JSON() json.RawMessage         { return o.raw }
func (o *CommsOutput) JSON() json.RawMessage      { return o.raw }
func (o *SubmissionOutput) JSON() json.RawMessage { return o.raw }

// JSON wraps the unparseable text so consumers always receive valid JSON.
func (o *ParseFailed) JSON() json.RawMessage {
	b, _ := json.Marshal(map[string]string{"output": o.Text})
	return b
}

func (o *FeedbackOutput) JSON() json.RawMessage {
	b, _ := json.Marshal(o)
	return b
}

func (o *ExportOutput) JSON() json.RawMessage {
	b, _ := json.Marshal(o)
	return b
}

// ParseStageOutput interprets a raw model response as the typed output for the
// given stage. Invalid JSON is run through jsonrepair first; if the text still
// cannot be decoded the result is a ParseFailed carrying the original text.
// The function is total: it never returns an error.
func ParseStageOutput(stage StageName, raw []byte) Output {
	text := raw
	if !json.Valid(text) {
		repaired, err := jsonrepair.JSONRepair(string(raw))
		if err != nil {
			return &ParseFailed{Stage: stage, Text: string(raw)}
		}
		text = []byte(repaired)
	}
	out := newStageOutput(stage, text)
	if err := json.Unmarshal(text, out); err != nil {
		return &ParseFailed{Stage: stage, Text: string(raw)}
	}
	return out
}

func newStageOutput(stage StageName, raw json.RawMessage) Output {
	switch stage {
	case StageParser:
		return &ParserOutput{raw: raw}
	case StageAnalysis:
		return &AnalysisOutput{raw: raw}
	case StageContent:
		return &ContentOutput{raw: raw}
	case StageCompliance:
		return &ComplianceOutput{raw: raw}
	case StageQA:
		return &QAOutput{raw: raw}
	case StageComms:
		return &CommsOutput{raw: raw}
	case StageSubmission:
		return &SubmissionOutput{raw: raw}
	default:
		return &ParseFailed{Stage: stage, Text: string(raw)}
	}
}

// Compliance returns the compliance output if present.
func (o Outputs) Compliance() (*ComplianceOutput, bool) {
	v, ok := o[string(StageCompliance)].(*ComplianceOutput)
	return v, ok && v != nil
}

// QA returns the qa output if present.
func (o Outputs) QA() (*QAOutput, bool) {
	v, ok := o[string(StageQA)].(*QAOutput)
	return v, ok && v != nil
}

// Analysis returns the analysis output if present.
func (o Outputs) Analysis() (*AnalysisOutput, bool) {
	v, ok := o[string(StageAnalysis)].(*AnalysisOutput)
	return v, ok && v != nil
}

// Raw returns the canonical JSON payload for a node, or nil when absent.
func (o Outputs) Raw(node string) json.RawMessage {
	if out, ok := o[node]; ok && out != nil {
		return out.JSON()
	}
	return nil
}

func (o Outputs) clone() Outputs {
	cp := make(Outputs, len(o))
	for k, v := range o {
		cp[k] = v
	}
	return cp
}
