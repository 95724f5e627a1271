package provider

import (
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies provider failures into the taxonomy the engine's
// retry and escalation policy is written against.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	// FailureAuthExpired: credentials rejected; recoverable via token
	// refresh, otherwise requires re-authorization.
	FailureAuthExpired
	// FailureRateLimited: provider throttled the call; retry after the
	// provider-specified delay.
	FailureRateLimited
	// FailureNotFound: the referenced event or calendar does not exist.
	FailureNotFound
	// FailureConflict: optimistic concurrency check failed.
	FailureConflict
	// FailureTransient: network-level failure, retry with backoff.
	FailureTransient
	// FailurePermanent: the provider rejected the request in a way no retry
	// will fix (e.g. the external calendar was deleted).
	FailurePermanent
	// FailureValidation: the mapped event is malformed for this provider;
	// logged and skipped per entity without failing the pass.
	FailureValidation
)

func (k FailureKind) String() string {
	switch k {
	case FailureAuthExpired:
		return "auth_expired"
	case FailureRateLimited:
		return "rate_limited"
	case FailureNotFound:
		return "not_found"
	case FailureConflict:
		return "conflict"
	case FailureTransient:
		return "transient_network"
	case FailurePermanent:
		return "permanent_rejected"
	case FailureValidation:
		return "validation"
	}
	return "unknown"
}

// Error is a classified provider failure. RetryAfter is set for rate
// limiting when the provider supplied a retry delay.
type Error struct {
	Kind       FailureKind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a failure kind.
func NewError(kind FailureKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewRateLimited wraps err as a rate limit failure with the delay the
// provider asked for.
func NewRateLimited(retryAfter time.Duration, err error) *Error {
	return &Error{Kind: FailureRateLimited, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the failure kind from err, or FailureUnknown.
func KindOf(err error) FailureKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return FailureConflict
	}
	return FailureUnknown
}

// Retryable reports whether the failure is worth retrying within a pass.
func Retryable(err error) bool {
	switch KindOf(err) {
	case FailureRateLimited, FailureTransient:
		return true
	}
	return false
}

// RetryAfterOf returns the provider-requested retry delay, if any.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ConflictError reports a failed optimistic concurrency check. Remote holds
// the current remote version when the adapter could retrieve it, so the
// conflict resolution engine can run without an extra round trip.
type ConflictError struct {
	Remote *RemoteEvent
}

func (e *ConflictError) Error() string {
	if e.Remote != nil {
		return fmt.Sprintf("provider conflict: stale etag, current %q", e.Remote.Etag)
	}
	return "provider conflict: stale etag"
}

// AsConflict extracts a ConflictError from err, if present.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
