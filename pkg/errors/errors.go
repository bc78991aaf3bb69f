package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, comparable error classification.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeForbidden       Code = "FORBIDDEN"
	CodeInternal        Code = "INTERNAL"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"

	// Virtual transport engine taxonomy (stable names per the routing/channel
	// contract): these map one-to-one onto the engine's declared error
	// conditions rather than onto generic CRUD outcomes above.
	CodeNotAllowed         Code = "NOT_ALLOWED"
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	CodeNoRoute            Code = "NO_ROUTE"
	CodeEmpty              Code = "EMPTY"
	CodeChannelError       Code = "CHANNEL_ERROR"
	CodeConnectionError    Code = "CONNECTION_ERROR"
	CodeVersionMismatch    Code = "VERSION_MISMATCH"
	CodeInconsistentState  Code = "INCONSISTENT_STATE"
)

// AppError is the standard error type used across the module. It carries a
// stable Code, a human-readable Message, and an optional wrapped cause.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, target) to match on Code when target is an
// *AppError, so callers can compare against a sentinel built with New and a
// nil cause.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an AppError with the given code, message, and optional cause.
func New(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Wrap annotates err with a message while preserving its code if err is
// already an *AppError, otherwise classifies it as internal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message, Cause: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Cause: err}
}

func NotFound(message string, cause error) *AppError {
	return New(CodeNotFound, message, cause)
}

func Conflict(message string, cause error) *AppError {
	return New(CodeConflict, message, cause)
}

func InvalidArgument(message string, cause error) *AppError {
	return New(CodeInvalidArgument, message, cause)
}

func Forbidden(message string, cause error) *AppError {
	return New(CodeForbidden, message, cause)
}

func Internal(message string, cause error) *AppError {
	return New(CodeInternal, message, cause)
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var ae *AppError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == code
}

// As is a thin re-export of the standard library's errors.As so callers only
// need to import this package when working with AppError chains.
func As(err error, target any) bool {
	return errors.As(err, target)
}
