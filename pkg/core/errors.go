// Package core defines the error taxonomy shared by the transports,
// the session registry, and the pipelines.
package core

import (
	"context"
	"errors"
	"fmt"
)

// Error is the canonical error returned by the orchestration core.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Backend   string    `json:"backend,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrAuth: missing or invalid identity. Fatal for session-scoped
	// events on an unauthenticated connection.
	ErrAuth ErrorType = "auth_error"
	// ErrValidation: malformed payload, oversized audio, empty text.
	// Rejects the single operation; the session is unaffected.
	ErrValidation ErrorType = "validation_error"
	// ErrBackendTimeout: a language or speech backend missed its deadline.
	ErrBackendTimeout ErrorType = "backend_timeout"
	// ErrBackendFailure: a language or speech backend returned an error.
	ErrBackendFailure ErrorType = "backend_failure"
	// ErrState: operation is illegal in the session's lifecycle state,
	// e.g. ending a session twice.
	ErrState ErrorType = "state_error"
	// ErrNotFound: unknown session id.
	ErrNotFound ErrorType = "not_found_error"
	// ErrPermission: session is owned by a different user.
	ErrPermission ErrorType = "permission_error"
	// ErrRateLimit: per-identity limits exceeded.
	ErrRateLimit ErrorType = "rate_limit_error"
	// ErrInternal: anything the taxonomy cannot name.
	ErrInternal ErrorType = "internal_error"
)

// NewAuthError creates an authentication error.
func NewAuthError(message string) *Error {
	return &Error{Type: ErrAuth, Message: message}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *Error {
	return &Error{Type: ErrValidation, Message: message}
}

// NewValidationErrorWithParam creates a validation error naming the offending field.
func NewValidationErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrValidation, Message: message, Param: param}
}

// NewBackendTimeout creates a backend timeout error.
func NewBackendTimeout(backend, message string) *Error {
	return &Error{Type: ErrBackendTimeout, Message: message, Backend: backend}
}

// NewBackendFailure creates a backend failure error.
func NewBackendFailure(backend string, underlying error) *Error {
	msg := "backend call failed"
	if underlying != nil {
		msg = underlying.Error()
	}
	return &Error{Type: ErrBackendFailure, Message: msg, Backend: backend}
}

// NewStateError creates a lifecycle state error.
func NewStateError(message, code string) *Error {
	return &Error{Type: ErrState, Message: message, Code: code}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// NewPermissionError creates a permission error.
func NewPermissionError(message string) *Error {
	return &Error{Type: ErrPermission, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *Error {
	return &Error{Type: ErrRateLimit, Message: message}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *Error {
	return &Error{Type: ErrInternal, Message: message}
}

// IsRetryable reports whether the core may retry the failed call
// internally. Only backend errors are; validation and state errors are
// bugs in the caller and retrying them cannot succeed.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrBackendTimeout, ErrBackendFailure:
		return true
	default:
		return false
	}
}

// FromBackendError maps an error returned by a backend call into the
// taxonomy, preserving an already-canonical *Error.
func FromBackendError(backend string, err error) *Error {
	if err == nil {
		return nil
	}
	var coreErr *Error
	if errors.As(err, &coreErr) && coreErr != nil {
		return coreErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewBackendTimeout(backend, "backend call timed out")
	}
	return NewBackendFailure(backend, err)
}
