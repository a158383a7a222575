package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies application-level failures outside the agent loop's
// own turn-outcome taxonomy (config loading, session storage, lookups).
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError carries a code alongside the message and optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidInputError builds an INVALID_INPUT error.
func NewInvalidInputError(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// NewNotFoundError builds a NOT_FOUND error.
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: message,
	}
}

// NewInternalError builds an INTERNAL_ERROR without a cause.
func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
	}
}

// NewInternalErrorWithCause builds an INTERNAL_ERROR wrapping cause.
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     cause,
	}
}

// IsNotFound reports whether the first *AppError in err's chain carries
// CodeNotFound.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return false
}

// IsInvalidInput reports whether err carries CodeInvalidInput.
func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeInvalidInput
	}
	return false
}
