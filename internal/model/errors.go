package model

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a pipeline error for callers and status surfaces.
type ErrorCode string

const (
	CodeParse            ErrorCode = "parse"
	CodeFetch            ErrorCode = "fetch"
	CodeConflict         ErrorCode = "conflict"
	CodeValidation       ErrorCode = "validation"
	CodeMissingEmail     ErrorCode = "missing_email"
	CodeAlreadyConverted ErrorCode = "already_converted"
	CodeNotFound         ErrorCode = "not_found"
	CodeTimeout          ErrorCode = "timeout"
)

// Error is a classified domain error. It may wrap an underlying cause.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error.
func NewError(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Err: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err's chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// NotFoundf returns a not_found error for the named entity.
func NotFoundf(entity, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s not found: %s", entity, id)}
}

// Validationf returns a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflictf returns a conflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}
