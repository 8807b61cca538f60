package service

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning means a job is already in flight for that (entity, stage).
	ErrAlreadyRunning = errors.New("stage already running")
	// ErrDependencyNotReady means a stage's prerequisite is not completed.
	ErrDependencyNotReady = errors.New("stage dependency not ready")
	// ErrNotFound means the entity id is unknown.
	ErrNotFound = errors.New("entity not found")
)

// ProviderError wraps a remote provider failure. Transient errors (timeouts,
// rate limits) are retried by the worker pool; permanent ones are not.
type ProviderError struct {
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient provider error: %v", e.Err)
	}
	return fmt.Sprintf("permanent provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// TransientError marks err as retryable.
func TransientError(err error) *ProviderError {
	return &ProviderError{Transient: true, Err: err}
}

// PermanentError marks err as not retryable.
func PermanentError(err error) *ProviderError {
	return &ProviderError{Transient: false, Err: err}
}

// IsTransient reports whether err should be retried. Unknown errors are
// treated as transient so a flaky network path gets the retry budget.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}
