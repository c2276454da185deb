// Package fault defines the error codes surfaced at the Halcyon boundary and
// the remediation taxonomy used to decide retries, backoff, and degraded-mode
// switching.
//
// Internal packages wrap errors with fmt.Errorf and %w as usual; fault.Error
// is constructed at the point where an error becomes user-visible (gateway
// events, tool results) so that every outbound error carries a stable code,
// a PHI-safe message, and the request trace id.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable, user-visible error code.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodePHIViolation      Code = "PHI_VIOLATION"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeKBUnavailable     Code = "KB_UNAVAILABLE"
	CodeLLMTimeout        Code = "LLM_TIMEOUT"
	CodeLLMUnavailable    Code = "LLM_UNAVAILABLE"
	CodeToolTimeout       Code = "TOOL_TIMEOUT"
	CodeToolInternal      Code = "TOOL_INTERNAL_ERROR"
	CodeDegradedMode      Code = "DEGRADED_MODE"
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"
	CodeUnknownMessage    Code = "UNKNOWN_MESSAGE_TYPE"
)

// Class groups codes by remediation strategy.
type Class int

const (
	// ClassTransient errors (timeouts, 5xx, connection errors) are eligible
	// for the single-attempt retry budget.
	ClassTransient Class = iota

	// ClassPermanent errors (validation, permission, PHI violation) are
	// never retried.
	ClassPermanent

	// ClassCapacity errors (rate limit, queue full) are retried after the
	// advertised backoff.
	ClassCapacity

	// ClassDegraded indicates multiple open circuits; the caller should
	// switch to the degraded pipeline rather than retry.
	ClassDegraded
)

// String returns the human-readable name of the class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCapacity:
		return "capacity"
	case ClassDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Class returns the remediation class for a code.
func (c Code) Class() Class {
	switch c {
	case CodeLLMTimeout, CodeLLMUnavailable, CodeToolTimeout,
		CodeToolInternal, CodeKBUnavailable:
		return ClassTransient
	case CodeRateLimitExceeded:
		return ClassCapacity
	case CodeDegradedMode, CodeCircuitOpen:
		return ClassDegraded
	default:
		return ClassPermanent
	}
}

// Error is a boundary error. Message must be user-safe: no PHI, no internal
// identifiers beyond the trace id.
type Error struct {
	// Code is the stable error code.
	Code Code

	// Message is a user-safe description.
	Message string

	// Component names the component that produced the error (e.g., "fanout").
	Component string

	// TraceID is the per-request trace identifier.
	TraceID string

	// RetryAfter, when non-zero, advises the client when to retry.
	// Only meaningful for capacity-class errors.
	RetryAfter time.Duration

	// cause is the wrapped internal error, if any. Not serialised.
	cause error
}

// New constructs a boundary error.
func New(code Code, component, message string) *Error {
	return &Error{Code: code, Component: component, Message: message}
}

// Wrap constructs a boundary error around an internal cause.
func Wrap(code Code, component string, cause error) *Error {
	msg := "internal error"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: code, Component: component, Message: msg, cause: cause}
}

// WithTrace returns a copy of e carrying the trace id.
func (e *Error) WithTrace(traceID string) *Error {
	cp := *e
	cp.TraceID = traceID
	return &cp
}

// WithRetryAfter returns a copy of e carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the internal cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the boundary code from err, walking the wrap chain.
// Returns ("", false) when err carries no fault.Error.
func CodeOf(err error) (Code, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code, true
	}
	return "", false
}

// IsTransient reports whether err is a transient failure eligible for the
// single-attempt retry budget. Plain context deadline errors and fault codes
// of transient class both qualify.
func IsTransient(err error) bool {
	if code, ok := CodeOf(err); ok {
		return code.Class() == ClassTransient
	}
	return false
}
