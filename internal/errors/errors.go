// Package errors provides code-carrying errors for the approval engine.
// Handlers map codes to transport status; services never inspect messages.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and for transport mapping.
type Code string

const (
	ErrCodeInternal     Code = "INTERNAL"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeInvalidInput Code = "INVALID_INPUT"

	// Engine-specific codes.
	ErrCodeNoApprovalPath     Code = "NO_APPROVAL_PATH"
	ErrCodeDuplicateWorkflow  Code = "DUPLICATE_WORKFLOW"
	ErrCodeWorkflowNotPending Code = "WORKFLOW_NOT_PENDING"
	ErrCodeDuplicateAction    Code = "DUPLICATE_ACTION"
	ErrCodeMissingReason      Code = "MISSING_REJECTION_REASON"
	ErrCodeEscalationTarget   Code = "ESCALATION_TARGET_MISSING"
)

// Error is a code-carrying error with an optional wrapped cause.
type Error struct {
	ErrCode Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrCode, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{ErrCode: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message, preserving the cause chain.
func Wrap(err error, code Code, message string) *Error {
	return &Error{ErrCode: code, Message: message, Cause: err}
}

// NotFound reports that a named resource does not exist.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s not found: %s", resource, id)
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

// Conflict reports a state conflict.
func Conflict(message string) *Error {
	return New(ErrCodeConflict, message)
}

// Unauthorized reports that the acting identity may not perform the operation.
func Unauthorized(message string) *Error {
	return New(ErrCodeUnauthorized, message)
}

// CodeOf extracts the code from err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrCode
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to an HTTP status for the handler layer.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeNotFound, ErrCodeNoApprovalPath:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeDuplicateWorkflow, ErrCodeWorkflowNotPending, ErrCodeDuplicateAction:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeInvalidInput, ErrCodeMissingReason:
		return http.StatusBadRequest
	case ErrCodeEscalationTarget:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
