package supervisor

import (
	"strings"

	"github.com/chamikabm/bidopsai/workflow"
)

// Keyword tables for feedback classification. Matching is case-insensitive
// substring containment over the whole message.
var (
	reparseKeywords = []string{
		"reparse",
		"re-parse",
		"parse again",
		"parsing",
		"document issue",
	}

	reanalyzeKeywords = []string{
		"reanalyze",
		"re-analyze",
		"analyze again",
		"analysis issue",
		"wrong analysis",
	}

	approveKeywords = []string{
		"yes",
		"approve",
		"approved",
		"ok",
		"okay",
		"go ahead",
		"proceed",
		"sounds good",
		"looks good",
		"lgtm",
		"send",
		"submit",
	}

	declineKeywords = []string{
		"no",
		"not",
		"don't",
		"do not",
		"decline",
		"declined",
		"reject",
		"stop",
		"cancel",
		"skip",
		"hold",
	}
)

// ClassifyIntent maps free-text analysis feedback to a routing intent.
// Unmatched text means the user is satisfied: proceed.
func ClassifyIntent(feedback string) workflow.Intent {
	f := strings.ToLower(feedback)
	toks := tokens(f)
	for _, kw := range reparseKeywords {
		if matches(f, toks, kw) {
			return workflow.IntentReparse
		}
	}
	for _, kw := range reanalyzeKeywords {
		if matches(f, toks, kw) {
			return workflow.IntentReanalyze
		}
	}
	return workflow.IntentProceed
}

// Approved maps free-text feedback to an approve/decline verdict. Decline
// keywords win over approve keywords so "no, don't send" never reads as
// approval. Unmatched text falls back to fallback: permissions pass false,
// artifact review passes true.
func Approved(feedback string, fallback bool) bool {
	f := strings.ToLower(feedback)
	toks := tokens(f)
	for _, kw := range declineKeywords {
		if matches(f, toks, kw) {
			return false
		}
	}
	for _, kw := range approveKeywords {
		if matches(f, toks, kw) {
			return true
		}
	}
	return fallback
}

// matches tests a keyword against the message. Single-word keywords match
// whole tokens only, so "no" never fires inside "now" or "notify"; phrases and
// hyphenated or contracted forms match as substrings.
func matches(f string, toks map[string]bool, kw string) bool {
	if strings.ContainsAny(kw, " -'") {
		return strings.Contains(f, kw)
	}
	return toks[kw]
}

func tokens(f string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.FieldsFunc(f, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		out[tok] = true
	}
	return out
}
