// Package errors tests for error codes and classification helpers.
package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "insert failed", Err: errors.New("disk I/O error")},
			want:     "[DATABASE_ERROR] insert failed: disk I/O error",
		},
		{
			name:     "validation error",
			appError: &AppError{Code: ErrValidation, Message: "endpoint rejected payload (HTTP 400)"},
			want:     "[VALIDATION_ERROR] endpoint rejected payload (HTTP 400)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")

	assert.Same(t, cause, Wrap(ErrInternal, "failed", cause).Unwrap())
	assert.Nil(t, New(ErrInternal, "failed").Unwrap())
}

func TestNewf(t *testing.T) {
	err := Newf(ErrServer, "endpoint returned HTTP %d", 503)
	assert.Equal(t, ErrServer, err.Code)
	assert.Equal(t, "endpoint returned HTTP 503", err.Message)
}

func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", New(ErrNotFound, "not found"), ErrNotFound, true},
		{"non-matching AppError", New(ErrNotFound, "not found"), ErrInternal, false},
		{"wrapped AppError", fmt.Errorf("list: %w", New(ErrDatabase, "query")), ErrDatabase, true},
		{"non-AppError", errors.New("standard error"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Is(tt.err, tt.code))
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrRateLimited, CodeOf(fmt.Errorf("send: %w", New(ErrRateLimited, "429"))))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
}

// TestRetryable checks that only missing identity and validation errors are
// terminal for an attempt.
func TestRetryable(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrTransientTransport, true},
		{ErrRateLimited, true},
		{ErrServer, true},
		{ErrCredentialRejected, true},
		{ErrUnclassified, true},
		{ErrTokenUnavailable, true},
		{ErrUnauthenticated, false},
		{ErrValidation, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.code))
		})
	}
}

func TestErrorCodes_areUnique(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrConfig, ErrShutdown,
		ErrDatabase, ErrMigration,
		ErrTransientTransport, ErrRateLimited, ErrServer, ErrCredentialRejected,
		ErrUnauthenticated, ErrValidation, ErrUnclassified, ErrTokenUnavailable,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code)
		assert.False(t, seen[code], "ErrorCode %q is duplicated", code)
		seen[code] = true
	}
}
