// Package ahmaerr defines the typed error kinds surfaced at the tool-service
// API boundary.
package ahmaerr

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of the error categories a caller may need to
// branch on. Never extend this by stringly-typed comparison elsewhere.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindDisabled
	KindInvalidArgument
	KindSandboxNotReady
	KindSandboxViolation
	KindTimeout
	KindCancelled
	KindExecutionFailed
	KindIOError
	KindHandshakeTimeout
	KindSessionTerminated
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindDisabled:
		return "disabled"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindSandboxNotReady:
		return "sandbox_not_ready"
	case KindSandboxViolation:
		return "sandbox_violation"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindExecutionFailed:
		return "execution_failed"
	case KindIOError:
		return "io_error"
	case KindHandshakeTimeout:
		return "handshake_timeout"
	case KindSessionTerminated:
		return "session_terminated"
	case KindInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried across the tool-service boundary.
type Error struct {
	Kind Kind
	Msg  string
	// ExitCode, Stderr and Stdout are populated for KindExecutionFailed.
	ExitCode int
	Stderr   string
	Stdout   string
	// Err wraps an underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf constructs an *Error of the given kind with formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or anything it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Kind == k
}
