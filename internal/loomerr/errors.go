// Package loomerr defines the boundary error taxonomy shared by every
// core subsystem: validation failures, missing preconditions, inner
// agent failures, timeouts/cancellation, scheduler faults, and fatal
// infrastructure errors.
package loomerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that need to branch on it
// (HTTP status mapping, retry policy, and so on).
type Kind string

const (
	KindValidation            Kind = "validation"
	KindPrecondition          Kind = "precondition"
	KindAgentFailed           Kind = "agent_failed"
	KindTimeout               Kind = "timeout"
	KindCancelled             Kind = "cancelled"
	KindScheduler             Kind = "scheduler"
	KindFatal                 Kind = "fatal"
	KindDesignCyclic          Kind = "design_cyclic"
	KindCredentialUnavailable Kind = "credential_unavailable"
	KindRoutingUndecided      Kind = "routing_undecided"
	KindWorkspaceProvision    Kind = "workspace_provision_failed"
	KindEndpointConflict      Kind = "endpoint_conflict"
	KindEndpointNotFound      Kind = "endpoint_not_found"
)

// Error is a kinded error carrying an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Common sentinel errors used across packages (spec.md §6 boundary codes).
var (
	ErrDesignCyclic          = New(KindDesignCyclic, "design contains a cycle")
	ErrCredentialUnavailable = New(KindCredentialUnavailable, "no credentials available for user")
	ErrRoutingUndecided      = New(KindRoutingUndecided, "router did not return parseable JSON after retry")
	ErrWorkspaceProvision    = New(KindWorkspaceProvision, "workspace provisioning failed")
	ErrSubprocessTimeout     = New(KindTimeout, "subprocess exceeded its wall-clock timeout")
	ErrEndpointConflict      = New(KindEndpointConflict, "deployment endpoint is inactive")
	ErrEndpointNotFound      = New(KindEndpointNotFound, "no deployment registered at endpoint")
	ErrCancelled             = New(KindCancelled, "execution was cancelled")
)
