// Package monerr defines the error taxonomy shared by the deployment
// monitoring components.
package monerr

import (
	"fmt"
	"time"
)

// RetryableError wraps a transient error. Operations failing with it can be
// repeated, optionally not before After.
type RetryableError struct {
	// Err is the wrapped original error
	Err error
	// After is the earliest point in time that the operation can be retried
	After time.Time
}

func NewRetryableError(originalErr error, retryAfter time.Time) *RetryableError {
	return &RetryableError{
		Err:   originalErr,
		After: retryAfter,
	}
}

func NewRetryableAnytimeError(originalErr error) *RetryableError {
	return &RetryableError{
		Err: originalErr,
	}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("retryable error: %s", e.Err)
	}

	return fmt.Sprintf("retryable error (after %s): %s", e.After, e.Err)
}

// AuthError wraps a missing or rejected credential.
// It is fatal, callers must abort instead of retrying.
type AuthError struct {
	Err error
}

func NewAuthError(originalErr error) *AuthError {
	return &AuthError{Err: originalErr}
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Err)
}
