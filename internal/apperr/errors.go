// ABOUTME: Application error taxonomy shared by services and the HTTP boundary
// ABOUTME: Error carries a Code, a safe message, optional field details and the cause

package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for the boundary that reports it.
type Code string

const (
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeInternal         Code = "INTERNAL"
)

// Error is the structured error returned by the conversation layer.
// Message is safe to show to callers; Cause is kept for logs only.
type Error struct {
	Code    Code
	Message string
	Fields  map[string]string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that keeps cause for observability.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Validation returns an INVALID_ARGUMENT error with per-field detail.
func Validation(message string, fields map[string]string) *Error {
	return &Error{Code: CodeInvalidArgument, Message: message, Fields: fields}
}

func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

func PermissionDenied(message string) *Error {
	return New(CodePermissionDenied, message)
}

func Unauthenticated(message string) *Error {
	return New(CodeUnauthenticated, message)
}

func Internal(message string, cause error) *Error {
	return Wrap(CodeInternal, message, cause)
}

// CodeOf returns the Code of the first *Error in err's chain,
// or CodeInternal when err carries none.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
