package domain

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorKind classifies a failure raised across the backend boundary.
// The supervisor's retry/escalate decision is a pure function of the kind.
type ErrorKind string

// Error kinds.
const (
	// KindConfiguration marks missing or invalid setup. Fatal, surfaced
	// immediately, never retried.
	KindConfiguration ErrorKind = "configuration"

	// KindNetwork marks a transport failure or 5xx response. Retryable.
	KindNetwork ErrorKind = "network"

	// KindDataValidation marks bad or missing input data. Escalated.
	KindDataValidation ErrorKind = "data_validation"

	// KindModule marks an internal invariant violation, e.g. a 4xx
	// response or an empty write payload. Escalated.
	KindModule ErrorKind = "module"
)

// Error is a classified failure. It preserves the original failure text for
// operator diagnosis and wraps the underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a classified error wrapping cause (which may be nil).
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// ConfigurationError builds a KindConfiguration error.
func ConfigurationError(message string) *Error {
	return NewError(KindConfiguration, message, nil)
}

// NetworkError builds a KindNetwork error wrapping cause.
func NetworkError(message string, cause error) *Error {
	return NewError(KindNetwork, message, cause)
}

// DataValidationError builds a KindDataValidation error.
func DataValidationError(message string) *Error {
	return NewError(KindDataValidation, message, nil)
}

// ModuleError builds a KindModule error wrapping cause.
func ModuleError(message string, cause error) *Error {
	return NewError(KindModule, message, cause)
}

// KindOf extracts the error kind from err or any error it wraps.
// Unclassified errors report ok=false.
func KindOf(err error) (ErrorKind, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind, true
	}
	return "", false
}

// IsTimeout reports whether err is rooted in a timeout: a deadline-exceeded
// context, a net.Error that timed out, or a failure whose preserved text
// mentions one. The message check matters for classified errors built from a
// backend response body, where the transport-level cause is gone.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}
