package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrMissingJobID is returned when inserting a job without an id
	ErrMissingJobID = errors.New("job id is required")

	// ErrJobExists is returned when inserting a job whose id is taken
	ErrJobExists = errors.New("job already exists")

	// ErrLockLost is returned when a completion or reschedule is attempted
	// by an owner whose lease was taken over
	ErrLockLost = errors.New("job lock no longer held")

	// ErrStoreUnavailable wraps failures to reach the durable store
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrInvalidTransition is returned when a job is not in a state that
	// allows the requested operation
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrInvalidPayload is returned when an enqueue request is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("executor already started")

	// ErrNotStarted is returned when Shutdown is called before Start
	ErrNotStarted = errors.New("executor not started")

	// ErrShutdownTimeout is returned when in-flight executions outlive the drain timeout
	ErrShutdownTimeout = errors.New("executor shutdown timed out")
)

// FailureKind classifies an execution failure.
type FailureKind int

const (
	// FailureTransient failures are retried with backoff.
	FailureTransient FailureKind = iota
	// FailurePermanent failures go straight to the dead-letter state.
	FailurePermanent
)

func (k FailureKind) String() string {
	if k == FailurePermanent {
		return "permanent"
	}
	return "transient"
}

// PermanentError marks an execution failure as non-retryable
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the executor dead-letters the job without retrying
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// ClassifyFailure maps an execution error to its failure kind.
func ClassifyFailure(err error) FailureKind {
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return FailurePermanent
	}
	return FailureTransient
}

// ConfigurationError reports an invalid executor setting
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid executor configuration: %s %s", e.Field, e.Reason)
}

// NewConfigurationError creates a ConfigurationError for field
func NewConfigurationError(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// Unavailable wraps a store error as ErrStoreUnavailable
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
