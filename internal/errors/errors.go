// Package errors provides coded application errors shared by the repositories,
// services and handlers. Codes let callers tell a missing row from a rejected
// transition from a failed authority check without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeNotFound      Code = "NOT_FOUND"
	ErrCodeInvalidInput  Code = "INVALID_INPUT"
	ErrCodeInvalidState  Code = "INVALID_STATE"
	ErrCodeUnauthorized  Code = "UNAUTHORIZED"
	ErrCodeConfiguration Code = "CONFIGURATION"
	ErrCodeConflict      Code = "CONFLICT"
	ErrCodeInternal      Code = "INTERNAL"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s '%s' not found", resource, id)}
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// InvalidState reports an operation that is not legal in the current state.
func InvalidState(message string) *Error {
	return &Error{Code: ErrCodeInvalidState, Message: message}
}

// Unauthorized reports a failed authority check.
func Unauthorized(message string) *Error {
	return &Error{Code: ErrCodeUnauthorized, Message: message}
}

// Configuration reports a template or step that cannot be executed.
func Configuration(message string) *Error {
	return &Error{Code: ErrCodeConfiguration, Message: message}
}

// Conflict reports a lost race, e.g. a second actor on an already acted step.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// CodeOf returns the code of the first coded error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
