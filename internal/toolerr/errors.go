// Package toolerr defines the typed error taxonomy shared by the tool-call
// pipeline. Every failure that crosses the bridge back into the sandbox is
// one of these kinds, so user programs receive structured rejections instead
// of transport details.
package toolerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a tool-call failure.
type Kind string

const (
	// KindValidationFailed indicates the arguments did not match the tool schema.
	KindValidationFailed Kind = "validation-failed"

	// KindToolNotPermitted indicates the tool name did not match the
	// execution's allow-list.
	KindToolNotPermitted Kind = "tool-not-permitted"

	// KindSchemaUnavailable indicates no schema could be obtained, not even stale.
	KindSchemaUnavailable Kind = "schema-unavailable"

	// KindRateLimited indicates the client exhausted its token bucket.
	KindRateLimited Kind = "rate-limited"

	// KindQueueFull indicates admission was rejected because the wait queue is full.
	KindQueueFull Kind = "queue-full"

	// KindQueueTimeout indicates admission timed out while waiting in the queue.
	KindQueueTimeout Kind = "queue-timeout"

	// KindCircuitOpen indicates the downstream server is quarantined.
	KindCircuitOpen Kind = "circuit-open"

	// KindDownstreamFailure indicates the downstream returned an error or the
	// transport broke.
	KindDownstreamFailure Kind = "downstream-failure"

	// KindSandboxTimeout indicates the execution exceeded its wall clock.
	KindSandboxTimeout Kind = "sandbox-timeout"

	// KindSandboxCrash indicates the sandbox exited non-zero without a
	// structured error.
	KindSandboxCrash Kind = "sandbox-crash"

	// KindAuthFailure indicates a bridge token mismatch.
	KindAuthFailure Kind = "auth-failure"

	// KindShutdown indicates the operation was aborted because the server is
	// draining.
	KindShutdown Kind = "shutdown"

	// KindInternal indicates an unexpected server-side failure.
	KindInternal Kind = "internal-error"
)

// Rejected reports whether this kind represents an admission rejection
// (as opposed to a failure of work that was admitted). The distinction maps
// to the audit outcome.
func (k Kind) Rejected() bool {
	switch k {
	case KindToolNotPermitted, KindRateLimited, KindQueueFull:
		return true
	default:
		return false
	}
}

// Error is a typed pipeline failure. Message must never contain bearer
// tokens, raw argument payloads, or paths outside the permitted roots.
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]any
	cause   error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records err as its cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// With attaches a detail entry and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches errors of the same kind, so sentinel comparisons like
// errors.Is(err, toolerr.New(KindRateLimited, "")) work across wrapping.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// KindOf extracts the kind from an error chain. Untyped errors report
// KindInternal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// AsError returns the typed error in the chain, or wraps err as an internal
// error when no typed error is present.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return Wrap(KindInternal, "unexpected error", err)
}
