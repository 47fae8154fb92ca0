package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error by the recovery policy it implies rather than by
// where it occurred.
type Kind string

const (
	// KindTransient errors are expected to succeed on retry.
	KindTransient Kind = "transient"
	// KindValidation errors indicate bad input; retrying is pointless.
	KindValidation Kind = "validation"
	// KindNotFound errors indicate a missing record.
	KindNotFound Kind = "not_found"
	// KindInvalidTransition errors indicate a forbidden status change.
	KindInvalidTransition Kind = "invalid_transition"
	// KindTimeout errors indicate a deadline was exceeded.
	KindTimeout Kind = "timeout"
	// KindCancelled errors indicate the caller cancelled the operation.
	KindCancelled Kind = "cancelled"
	// KindConflict errors indicate a concurrency conflict such as a lost
	// idempotency lock or a duplicate-key insert.
	KindConflict Kind = "conflict"
	// KindInternal is the catch-all for unexpected failures.
	KindInternal Kind = "internal"
)

// Stable error codes surfaced in error events and logs.
const (
	CodeDatabaseConnection  = "DB_1001"
	CodeDatabaseQuery       = "DB_1002"
	CodeDatabaseTransaction = "DB_1003"
	CodeModelInvocation     = "LLM_2002"
	CodeModelTimeout        = "LLM_2003"
	CodeModelParse          = "LLM_2004"
	CodeStageExecution      = "AGENT_3001"
	CodeStageTimeout        = "AGENT_3002"
	CodeStreamPublish       = "SSE_4001"
	CodeWorkflowExecution   = "WORKFLOW_5001"
	CodeWorkflowTimeout     = "WORKFLOW_5002"
	CodeWorkflowTransition  = "WORKFLOW_5003"
	CodeStorageExport       = "S3_6001"
	CodeValidation          = "VAL_7001"
	CodeNotFound            = "VAL_7002"
	CodeConflict            = "VAL_7003"
	CodeUnknown             = "ERR_9001"
)

// Error is the structured error carried across component boundaries. It wraps
// an optional cause and carries enough context to populate an error event
// without consulting the call site.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	Recoverable bool
	Context     map[string]any
	Cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %s", e.Kind, e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// With attaches a context key/value pair and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// NewError builds a structured error with no cause. Recoverability defaults
// from the kind: transient and timeout errors are recoverable.
func NewError(kind Kind, code, message string) *Error {
	return &Error{
		Kind:        kind,
		Code:        code,
		Message:     message,
		Recoverable: kind == KindTransient || kind == KindTimeout,
	}
}

// WrapError wraps a cause with classification. A nil cause yields nil.
func WrapError(kind Kind, code, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	err := NewError(kind, code, message)
	err.Cause = cause
	return err
}

// KindOf classifies an arbitrary error. Structured errors report their own
// kind; context errors map to timeout and cancelled; anything else is
// classified by inspecting the message for known transient signatures, falling
// back to internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if transientMessage(err.Error()) {
		return KindTransient
	}
	return KindInternal
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindTimeout
}

// transient signatures observed from drivers and SDKs that do not return
// typed errors.
var transientMarkers = []string{
	"connection",
	"timeout",
	"timed out",
	"temporary",
	"unavailable",
	"throttl",
	"rate limit",
	"too many requests",
	"deadline exceeded",
	"broken pipe",
	"reset by peer",
}

func transientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// SuggestedActions is the operator guidance attached to unrecoverable error
// events.
var SuggestedActions = []string{
	"Review error details in logs",
	"Check system resources and connections",
	"Contact support if issue persists",
	"Retry workflow from last checkpoint",
}
