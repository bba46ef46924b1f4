package gateway

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind differentiates gateway failures so retry policies and routing can
// react without parsing message text.
type ErrorKind string

const (
	// ErrNotFound indicates the named capability is unknown to the gateway.
	ErrNotFound ErrorKind = "not_found"
	// ErrInvalidArguments indicates the arguments did not match the
	// capability's input schema.
	ErrInvalidArguments ErrorKind = "invalid_arguments"
	// ErrExecution indicates the capability ran but failed.
	ErrExecution ErrorKind = "execution_error"
	// ErrTimeout indicates the call exceeded its deadline.
	ErrTimeout ErrorKind = "timeout"
)

// Error is the structured gateway failure. It carries a human-readable
// message and, where available, a machine-actionable hint used to construct
// the next retry's instruction.
type Error struct {
	// Kind categorizes the failure.
	Kind ErrorKind
	// Capability names the capability or resource involved.
	Capability string
	// Message is the human-readable summary.
	Message string
	// Hint optionally carries machine-actionable guidance for the next
	// attempt (e.g. "field 'query' is required").
	Hint string
	// Cause links to the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Capability != "" {
		return fmt.Sprintf("gateway: %s: %s: %s", e.Capability, e.Kind, e.Message)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// NewNotFound constructs a not-found Error for the given capability.
func NewNotFound(capability string) *Error {
	return &Error{
		Kind:       ErrNotFound,
		Capability: capability,
		Message:    fmt.Sprintf("unknown capability %q", capability),
	}
}

// NewInvalidArguments constructs an invalid-arguments Error. The hint should
// say which fields were missing or malformed.
func NewInvalidArguments(capability, message, hint string) *Error {
	return &Error{
		Kind:       ErrInvalidArguments,
		Capability: capability,
		Message:    message,
		Hint:       hint,
	}
}

// NewExecution constructs an execution Error wrapping the underlying failure.
func NewExecution(capability, message, hint string, cause error) *Error {
	return &Error{
		Kind:       ErrExecution,
		Capability: capability,
		Message:    message,
		Hint:       hint,
		Cause:      cause,
	}
}

// NewTimeout constructs a timeout Error for the given capability and deadline.
func NewTimeout(capability string, timeout time.Duration) *Error {
	return &Error{
		Kind:       ErrTimeout,
		Capability: capability,
		Message:    fmt.Sprintf("call exceeded %s", timeout),
	}
}

// AsError extracts an *Error from err's chain. The boolean reports whether
// one was found.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Retryable reports whether the failure is worth retrying at the node level.
// Not-found failures are configuration problems and never retried.
func Retryable(err error) bool {
	ge, ok := AsError(err)
	if !ok {
		return true
	}
	return ge.Kind != ErrNotFound
}
