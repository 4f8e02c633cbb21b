package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Workflow error codes.
const (
	ErrConfiguration = "CONFIGURATION_ERROR"
	ErrTransient     = "TRANSIENT"
)

// ErrorEnvelope is the error type returned by every statusflow component and
// the body of every error response. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	// Cause is the underlying infrastructure error, never serialized.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *ErrorEnvelope) Unwrap() error {
	return e.Cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error. The engine uses it when the
// authorizer rejects an actor.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error. It signals a lost optimistic
// concurrency race: the caller should refresh and retry.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error for a
// (type, from, to) triple the registry does not allow.
func NewInvalidTransitionError(entityType, from, to string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("%s cannot move from %q to %q", entityType, from, to),
	}
}

// NewConfigurationError returns a CONFIGURATION_ERROR. These are fatal at
// startup.
func NewConfigurationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConfiguration, Message: msg}
}

// NewTransientError returns a TRANSIENT error wrapping an infrastructure
// failure (timeout, lost connection).
func NewTransientError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTransient, Message: msg, Cause: cause}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// ErrorCode returns the code of the first ErrorEnvelope in err's chain, or
// the empty string.
func ErrorCode(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsRetryable reports whether the caller may retry the failed operation
// after refreshing its view of the entity.
func IsRetryable(err error) bool {
	switch ErrorCode(err) {
	case ErrConflict, ErrTransient:
		return true
	}
	return false
}
