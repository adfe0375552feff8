package pool

import (
	"errors"
	"fmt"
)

// Kind classifies core errors so callers (the admin HTTP layer in
// particular) can translate them without string matching.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindPrecondition     Kind = "precondition"
	KindRefreshRejected  Kind = "refresh_rejected"
	KindRefreshTransient Kind = "refresh_transient"
	KindNoEligible       Kind = "no_eligible_credential"
	KindPersistence      Kind = "persistence_failed"
)

// Error is the typed error surfaced by the pool core.
type Error struct {
	Kind   Kind
	Reason string
	ID     int64
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two pool errors by kind, so errors.Is(err, ErrNoEligible)
// works regardless of the attached reason.
func (e *Error) Is(target error) bool {
	var pe *Error
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Kind == e.Kind && (pe.Reason == "" || pe.Reason == e.Reason)
}

// ErrNoEligible is returned by Pick when no credential is selectable.
var ErrNoEligible = &Error{Kind: KindNoEligible, Reason: "no eligible credential"}

// NotFound reports an unknown credential id.
func NotFound(id int64) error {
	return &Error{Kind: KindNotFound, ID: id, Reason: fmt.Sprintf("credential %d not found", id)}
}

// Conflict reports a uniqueness or constraint violation.
func Conflict(reason string) error {
	return &Error{Kind: KindConflict, Reason: reason}
}

// Precondition reports an operation attempted in a state that forbids it.
func Precondition(reason string) error {
	return &Error{Kind: KindPrecondition, Reason: reason}
}

// RefreshRejected reports a permanent upstream refusal; the credential has
// already been disabled as a side effect.
func RefreshRejected(reason string, err error) error {
	return &Error{Kind: KindRefreshRejected, Reason: reason, Err: err}
}

// RefreshTransient reports a retriable upstream or network failure.
func RefreshTransient(reason string, err error) error {
	return &Error{Kind: KindRefreshTransient, Reason: reason, Err: err}
}

// KindOf extracts the pool error kind, or "" for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
