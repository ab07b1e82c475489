package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownJobClass is returned when no performer is registered for a job class
	ErrUnknownJobClass = errors.New("unknown job class")

	// ErrInvalidPayload is returned when job args cannot be decoded by the performer
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrMaxRetriesExceeded is recorded when a job has exhausted its retry budget
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrPerformPanic wraps a panic recovered from a job's Perform
	ErrPerformPanic = errors.New("job panicked")

	// ErrJobAbandoned is recorded on jobs that were still running at forced shutdown
	ErrJobAbandoned = errors.New("job abandoned at forced shutdown")

	// ErrJobNotInFlight is returned by stores when settling a job they did not hand out
	ErrJobNotInFlight = errors.New("job not in flight")
)

// PermanentError wraps a job error that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError marks err as non-retryable; the job goes straight to the dead letter
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsRetryable reports whether a failed job may be attempted again.
// Unknown classes and undecodable payloads will never succeed, so they are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownJobClass) || errors.Is(err, ErrInvalidPayload) {
		return false
	}
	var permanent *PermanentError
	return !errors.As(err, &permanent)
}

// JobFailure describes a failed perform of a single job
type JobFailure struct {
	JobID   string
	Queue   string
	Class   string
	Attempt int
	Err     error
}

func (e *JobFailure) Error() string {
	return fmt.Sprintf("job %s (%s on %s) failed on attempt %d: %v", e.JobID, e.Class, e.Queue, e.Attempt, e.Err)
}

func (e *JobFailure) Unwrap() error {
	return e.Err
}

// WorkerCrash is reported when a failure escapes a worker's run loop
type WorkerCrash struct {
	WorkerID int
	Queue    string
	Cause    any
}

func (e *WorkerCrash) Error() string {
	return fmt.Sprintf("worker %d on queue %s crashed: %v", e.WorkerID, e.Queue, e.Cause)
}

// ShutdownTimeoutError is returned when workers did not stop within the graceful deadline
type ShutdownTimeoutError struct {
	Timeout   time.Duration
	Abandoned []string
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("shutdown timed out after %s, forced %d worker(s): %s",
		e.Timeout, len(e.Abandoned), strings.Join(e.Abandoned, ", "))
}
