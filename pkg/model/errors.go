package model

import "fmt"

// ErrorCode classifies every failure the platform can surface. Each error
// belongs to exactly one code.
type ErrorCode string

const (
	ErrAuthValidation ErrorCode = "AUTH_VALIDATION"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrDisabled       ErrorCode = "DISABLED"
	ErrExternal       ErrorCode = "EXTERNAL_FAILURE"
	ErrBadInput       ErrorCode = "BAD_INPUT"
	ErrTransient      ErrorCode = "INFRASTRUCTURE_TRANSIENT"
	ErrInternal       ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the LabFlow API.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewConflictError creates a CONFLICT APIError.
func NewConflictError(msg string) *APIError {
	return &APIError{Code: ErrConflict, Message: msg}
}

// NewBadInputError creates a BAD_INPUT APIError.
func NewBadInputError(msg string) *APIError {
	return &APIError{Code: ErrBadInput, Message: msg}
}

// NewAuthError creates an AUTH_VALIDATION APIError.
func NewAuthError(msg string) *APIError {
	return &APIError{Code: ErrAuthValidation, Message: msg}
}

// NewDisabledError marks an operation on an administratively-off workflow.
func NewDisabledError(wfid string) *APIError {
	return &APIError{
		Code:    ErrDisabled,
		Message: fmt.Sprintf("workflow '%s' is disabled", wfid),
	}
}

// NewTransientError wraps a queue/KV/DB outage that the client may retry.
func NewTransientError(msg string) *APIError {
	return &APIError{Code: ErrTransient, Message: msg}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}
