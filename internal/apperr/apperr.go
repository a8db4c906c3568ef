package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide retry policy without
// inspecting message text.
type Kind string

const (
	KindConfig             Kind = "config"
	KindUnauthorized       Kind = "unauthorized"
	KindAuthFailure        Kind = "auth_failure"
	KindNetwork            Kind = "network"
	KindRateLimited        Kind = "rate_limited"
	KindProtocol           Kind = "protocol"
	KindStoreUnavailable   Kind = "store_unavailable"
	KindIntegrityViolation Kind = "integrity_violation"
	KindCancelled          Kind = "cancelled"
)

// Error carries a Kind, an optional provider error code, and the wrapped cause.
type Error struct {
	Kind    Kind
	Code    string // provider-supplied error code, if any
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Code != "":
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithCode creates an Error preserving a provider error code.
func WithCode(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf extracts the Kind from err. Context cancellation maps to
// KindCancelled; anything unclassified maps to KindProtocol so it is
// surfaced rather than retried forever.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProtocol
}

// IsRetryable reports whether the failure class is transient and worth
// retrying with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited, KindStoreUnavailable:
		return true
	}
	return false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
