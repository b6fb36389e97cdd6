// Package apierr defines the gateway's error taxonomy. Every rejection the
// gateway surfaces carries a machine-readable kind plus a human-readable
// message; HTTP handlers map kinds to status codes at the edge.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindBadRequest          Kind = "bad_request"
	KindKeyNotFound         Kind = "key_not_found"
	KindKeyExpired          Kind = "key_expired"
	KindKeyRevoked          Kind = "key_revoked"
	KindInvalidScope        Kind = "invalid_scope"
	KindRateLimited         Kind = "rate_limit_exceeded"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderTimeout     Kind = "provider_timeout"
	KindProviderError       Kind = "provider_error"
)

// Error is the gateway's error type. RetryAfter is only meaningful for
// KindRateLimited.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is match on kind, so sentinel-style checks work:
//
//	errors.Is(err, &apierr.Error{Kind: apierr.KindKeyExpired})
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// RateLimited creates a rate-limit rejection carrying the retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded, retry after %s", retryAfter.Round(time.Millisecond)),
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the kind from err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
