// Package bridgeerr gives every adapter (rate feeds, Lightning, M-Pesa) a
// common vocabulary for the error taxonomy the orchestrator routes on:
// ClientError, ConflictError, UpstreamTransient, UpstreamPermanent and
// InvariantViolation. No library in the corpus models a bespoke
// multi-class error taxonomy like this one, so it is a thin wrapper over
// the standard errors package rather than an adopted dependency.
package bridgeerr

import "errors"

// Class is one of the six error categories named in the error handling
// design. RiskBlocked is represented as Permanent; the Risk Engine's own
// package carries the distinct reason the orchestrator needs for the
// REFUNDING/FAILED split.
type Class string

const (
	ClientErr  Class = "ClientError"
	Conflict   Class = "ConflictError"
	Transient  Class = "UpstreamTransient"
	Permanent  Class = "UpstreamPermanent"
	Invariant  Class = "InvariantViolation"
)

// Error tags an underlying error with its routing class.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// AsTransient wraps err as UpstreamTransient: retried with backoff, and on
// budget exhaustion routes the transaction to FAILED/REFUNDING.
func AsTransient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: Transient, Err: err}
}

// AsPermanent wraps err as UpstreamPermanent: no retry, routes directly to
// FAILED/REFUNDING.
func AsPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: Permanent, Err: err}
}

// AsClient wraps err as ClientError: surfaced immediately, no state change.
func AsClient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClientErr, Err: err}
}

// AsConflict wraps err as ConflictError.
func AsConflict(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: Conflict, Err: err}
}

// AsInvariant wraps err as InvariantViolation: logged critical, the
// triggering request fails but the process keeps serving other
// transactions.
func AsInvariant(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: Invariant, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given class.
func Is(err error, class Class) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// ClassOf returns the class attached to err, or "" if none.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}
