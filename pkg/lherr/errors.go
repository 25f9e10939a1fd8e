// Package lherr defines the broker-wide error taxonomy. Every subsystem
// returns errors of this shape so callers (RPC transport, tests, other
// subsystems) can branch on Kind without string-matching messages.
package lherr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is one of the closed set of error categories from the broker's
// error-handling design. It is never extended at runtime.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindUnauthorized    Kind = "unauthorized"
	KindInvalidSession  Kind = "invalid_session"
	KindInvalidPayload  Kind = "invalid_payload"
	KindRateLimited     Kind = "rate_limited"
	KindNotFound        Kind = "not_found"
	KindConflictState   Kind = "conflict_state"
	KindTimeout         Kind = "timeout"
	KindTransient       Kind = "transient"
	KindIntegrityFault  Kind = "integrity_fault"
	KindClockFault      Kind = "clock_fault"
)

// Error is the concrete type returned by every broker subsystem.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is set for KindRateLimited; zero otherwise.
	RetryAfter time.Duration
	// cause is the underlying error, if any, for errors.Unwrap.
	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is supports errors.Is(err, lherr.New(KindX, "")) style comparisons by Kind
// only — messages and causes are ignored.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// RateLimited builds a KindRateLimited error carrying a retry-after hint.
func RateLimited(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Kind: KindRateLimited, Message: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// KindOf extracts the Kind of err, or "" if err is not (or does not wrap) an
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Fatal reports whether err should halt the broker process rather than be
// surfaced to a caller (spec.md §7: IntegrityFault / ClockFault).
func Fatal(err error) bool {
	k := KindOf(err)
	return k == KindIntegrityFault || k == KindClockFault
}
