// Package queue implements the durable work queue decoupling webhook
// receipt from pipeline execution. Jobs are named, carry small JSON
// payloads, and are retried with bounded exponential backoff before being
// parked as failed for manual intervention.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	// StatusFailed is terminal: retries are exhausted or the failure was
	// permanent. Failed jobs are surfaced, never silently dropped.
	StatusFailed Status = "failed"
)

// Job is one unit of work. ID is a natural idempotency key (convention:
// "<name>:<request-id>") so a stage enqueued twice for the same request
// runs once.
type Job struct {
	ID          string
	Name        string
	Queue       string
	Args        json.RawMessage
	Attempt     int
	MaxAttempts int
	Status      Status
	RunAt       time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Policy is the retry policy for one job class.
type Policy struct {
	Queue       string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
	// Timeout is the hard wall-clock ceiling per execution, enforced via
	// context, distinct from the backoff timing.
	Timeout time.Duration
}

// DefaultPolicy matches the design defaults: 15s base doubling to a 1h
// cap, 5 attempts, 25m execution ceiling.
func DefaultPolicy() Policy {
	return Policy{
		Queue:       "default",
		MaxAttempts: 5,
		BaseDelay:   15 * time.Second,
		MaxDelay:    time.Hour,
		MaxJitter:   5 * time.Second,
		Timeout:     25 * time.Minute,
	}
}

// PermanentError wraps a failure that can never succeed; the job is
// parked immediately without retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked as not retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
