// Package errors classifies failures at the queue's boundaries so callers and the
// sync loop can tell a lost write from a retryable or a rejected delivery.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a failure class.
type ErrorCode string

const (
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// ErrPersistence means the durable store could not be read or written.
	ErrPersistence ErrorCode = "PERSISTENCE_ERROR"

	// Delivery errors
	ErrTransientDelivery ErrorCode = "TRANSIENT_DELIVERY"
	ErrPermanentDelivery ErrorCode = "PERMANENT_DELIVERY"
	ErrAttachment        ErrorCode = "ATTACHMENT_ERROR"
)

// AppError represents an error with a classification code.
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

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or "" when unclassified.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsPermanent reports whether a delivery failure must not be retried.
// Only an explicit PERMANENT_DELIVERY classification counts; anything else,
// including unclassified errors, stays retryable.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return Is(err, ErrPermanentDelivery)
}
