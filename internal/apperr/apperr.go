// Package apperr defines the tagged error kinds surfaced from Tentackl's
// core, with errors.Is/As-compatible chaining.
package apperr

import (
	"errors"
	"fmt"
)

// Kind tags the category of a core error.
type Kind string

const (
	ValidationError      Kind = "validation_error"
	NotFound             Kind = "not_found"
	Forbidden            Kind = "forbidden"
	InvalidTransition    Kind = "invalid_transition"
	Cancelled            Kind = "cancelled"
	PlanningFailed       Kind = "planning_failed"
	CheckpointRequired   Kind = "checkpoint_required"
	UnrecoverableFailure Kind = "unrecoverable_failure"
	DependencyUnavailable Kind = "dependency_unavailable"
)

// Error is the structured error type returned by every use-case method.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// CurrentStatus carries the status that rejected an InvalidTransition,
	// so callers can report it without re-querying the task.
	CurrentStatus string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that chains an underlying cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// InvalidTransitionErr reports a rejected status transition, carrying the
// status that rejected it.
func InvalidTransitionErr(current, attempted string) *Error {
	return &Error{
		Kind:          InvalidTransition,
		Message:       fmt.Sprintf("cannot transition from %s to %s", current, attempted),
		CurrentStatus: current,
	}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
