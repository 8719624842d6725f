// Package errors provides the error taxonomy for storage and delivery
// failures.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrConfig   ErrorCode = "CONFIG_INVALID"
	ErrShutdown ErrorCode = "SHUT_DOWN"

	// Storage errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Delivery errors
	ErrTransientTransport ErrorCode = "TRANSIENT_TRANSPORT"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrServer             ErrorCode = "SERVER_ERROR"
	ErrCredentialRejected ErrorCode = "CREDENTIAL_REJECTED"
	ErrUnauthenticated    ErrorCode = "UNAUTHENTICATED"
	ErrValidation         ErrorCode = "VALIDATION_ERROR"
	ErrUnclassified       ErrorCode = "UNCLASSIFIED"
	ErrTokenUnavailable   ErrorCode = "TOKEN_UNAVAILABLE"
)

// Retryable reports whether a delivery failure with this code may succeed
// on a later attempt without the event changing.
func Retryable(code ErrorCode) bool {
	switch code {
	case ErrUnauthenticated, ErrValidation:
		return false
	default:
		return true
	}
}

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether err, or any error it wraps, is an AppError with code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
