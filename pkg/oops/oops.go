// Package oops provides the classified error type shared across the platform.
// Every cross-component failure carries a Kind (which subsystem failed) and a
// short machine Code that is safe to put on the wire.
package oops

import (
	"errors"
	"fmt"
)

// Kind categorizes an error by the subsystem that produced it.
type Kind int8

const (
	// KindValidation covers agent-side policy rejections; the channel stays open.
	KindValidation Kind = iota
	// KindExecution covers subprocess failures surfaced verbatim.
	KindExecution
	// KindTransport covers channel and fallback delivery failures.
	KindTransport
	// KindProvider covers LLM provider selection and quota failures.
	KindProvider
	// KindOrchestrator covers plan synthesis and task driver failures.
	KindOrchestrator
	// KindFatal covers unrecoverable worker failures; the project moves to failed.
	KindFatal
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindExecution:
		return "execution"
	case KindTransport:
		return "transport"
	case KindProvider:
		return "provider"
	case KindOrchestrator:
		return "orchestrator"
	case KindFatal:
		return "fatal"
	default:
		return "invalid"
	}
}

// Machine codes. These are the exact strings callers and the wire see.
const (
	CodeUnknownAction        = "unknown_action"
	CodeBlocked              = "blocked"
	CodeEmergencyStop        = "emergency_stop"
	CodeRateLimited          = "rate_limited"
	CodePathOutsideJail      = "path_outside_jail"
	CodeParamMissing         = "param_missing"
	CodeParamInvalid         = "param_invalid"
	CodeRequiresConfirmation = "requires_confirmation"
	CodeDeniedByUser         = "denied_by_user"

	CodeAgentDisconnected = "agent_disconnected"
	CodeTimeout           = "timeout"
	CodeSuperseded        = "superseded"
	CodeNoExecutor        = "no_executor"

	CodeQuotaExhausted       = "quota_exhausted"
	CodeNoProvidersAvailable = "no_providers_available"
	CodeEmptyResponse        = "empty_response"
	CodeLoopDetected         = "loop_detected"
	CodeProviderAuth         = "provider_auth"
	CodeProviderTransient    = "provider_transient"
	CodeBadPrompt            = "bad_prompt"

	CodePlanSynthesisFailed = "plan_synthesis_failed"
	CodeTaskFailed          = "task_failed"
)

// Error is the classified platform error.
type Error struct {
	Err     error  // Wrapped underlying error
	Code    string // Machine code from the constants above
	Message string // Human-readable detail, short and actionable
	Kind    Kind   // Subsystem classification
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Code, e.Err)
	default:
		return fmt.Sprintf("%s (%s)", e.Kind, e.Code)
	}
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around an underlying cause.
func Wrap(kind Kind, code string, cause error, message string) *Error {
	return &Error{Kind: kind, Code: code, Err: cause, Message: message}
}

// Is reports whether err is a classified error with the given code.
func Is(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the machine code of err, or "" if err is not classified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf returns the kind of err, defaulting to KindFatal for unclassified
// errors so that unknown failures are treated as the most severe.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}
