package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an engine error for retry and surfacing decisions
type Kind string

const (
	// KindValidation marks a malformed or empty generation response; never retried
	KindValidation Kind = "validation"
	// KindNetwork marks a transport-level failure; retried once
	KindNetwork Kind = "network"
	// KindCapacity marks a provider capacity signal; trips the breaker instead of retrying
	KindCapacity Kind = "capacity"
	// KindServer marks a transient 5xx from the generation service; retried once
	KindServer Kind = "server"
	// KindClient marks a non-capacity 4xx; never retried
	KindClient Kind = "client"
	// KindInternal marks everything else
	KindInternal Kind = "internal"
)

// AppError represents an engine error with a machine-readable code and kind
type AppError struct {
	Kind       Kind          `json:"kind"`
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Details    any           `json:"details,omitempty"`
	RetryAfter time.Duration `json:"-"`
	cause      error
}

// Error implements the error interface
func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// WithCause records the underlying error
func (e *AppError) WithCause(cause error) *AppError {
	e.cause = cause
	return e
}

// New creates a new engine error
func New(kind Kind, code string, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates a validation error (bad generation response shape)
func NewValidationError(code string, message string) *AppError {
	return New(KindValidation, code, message)
}

// NewNetworkError creates a transport failure error
func NewNetworkError(code string, message string) *AppError {
	return New(KindNetwork, code, message)
}

// NewCapacityError creates a capacity-pressure error carrying the provider's
// retry-after hint (zero when the provider gave none)
func NewCapacityError(code string, message string, retryAfter time.Duration) *AppError {
	err := New(KindCapacity, code, message)
	err.RetryAfter = retryAfter
	return err
}

// NewServerError creates a transient upstream server error
func NewServerError(code string, message string) *AppError {
	return New(KindServer, code, message)
}

// NewClientError creates a non-retryable client error
func NewClientError(code string, message string) *AppError {
	return New(KindClient, code, message)
}

// NewInternalError creates an internal engine error
func NewInternalError(code string, message string) *AppError {
	return New(KindInternal, code, message)
}

// KindOf returns the kind of an error, or KindInternal for foreign errors
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// RetryAfterOf returns the capacity retry-after hint carried by an error
func RetryAfterOf(err error) time.Duration {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}

// IsRetryable reports whether the send path may attempt the request again
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServer:
		return true
	}
	return false
}
