// Package apperr defines the provider-agnostic error kinds surfaced at
// component boundaries and their HTTP status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and caller branching.
type Kind string

// Error kinds.
const (
	Unauthenticated    Kind = "unauthenticated"
	InvalidArgument    Kind = "invalid_argument"
	ResourceExhausted  Kind = "resource_exhausted"
	PermissionDenied   Kind = "permission_denied"
	NotFound           Kind = "not_found"
	FailedPrecondition Kind = "failed_precondition"
	Internal           Kind = "internal"
)

// Error carries a kind, a caller-safe message, and an optional cause.
// The cause is logged, never returned to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds an Error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain; unknown errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return Internal
}

// MessageOf returns the caller-safe message for an error chain. Upstream
// failures fall back to a generic message so provider error bodies never
// leak to clients.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Kind != Internal {
		return typed.Message
	}
	return "internal error"
}

// HTTPStatus maps an error chain to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Unauthenticated:
		return http.StatusUnauthorized
	case InvalidArgument:
		return http.StatusBadRequest
	case ResourceExhausted:
		return http.StatusPaymentRequired
	case PermissionDenied:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case FailedPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
