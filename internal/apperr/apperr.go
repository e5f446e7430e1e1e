// Package apperr provides coded application errors shared across the
// offline core. Codes are stable strings so they can cross the HTTP and
// WebSocket boundaries to the shell unchanged.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	// General errors
	ErrInternal   Code = "INTERNAL_ERROR"
	ErrInvalid    Code = "INVALID_INPUT"
	ErrNotFound   Code = "NOT_FOUND"
	ErrValidation Code = "VALIDATION_ERROR"

	// Storage errors
	ErrDatabase    Code = "DATABASE_ERROR"
	ErrMigration   Code = "MIGRATION_FAILED"
	ErrStorageFull Code = "STORAGE_FULL"

	// Sync errors
	ErrNetworkUnavailable Code = "NETWORK_UNAVAILABLE"
	ErrServerRejected     Code = "SERVER_REJECTED"
	ErrConflictStale      Code = "CONFLICT_STALE"
	ErrTimeout            Code = "TIMEOUT"
	ErrSyncInProgress     Code = "SYNC_IN_PROGRESS"
	ErrQueueFull          Code = "QUEUE_FULL"
)

// Error is an application error with a stable code and optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from an error chain.
// Returns ErrInternal for errors that carry no code.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Retryable reports whether an error class is worth retrying on a later
// sync pass. Timeouts count as network unavailability.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrNetworkUnavailable, ErrTimeout:
		return true
	default:
		return false
	}
}
