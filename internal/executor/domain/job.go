package domain

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Job is a persisted unit of deferred work.
//
// LockOwner and LockExpiration are either both set or both zero.
type Job struct {
	ID             string
	Payload        []byte
	Status         JobStatus
	DueTime        time.Time
	LockOwner      string
	LockExpiration time.Time
	RetryCount     int
	ExceptionInfo  string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsLocked reports whether the job carries a lease.
func (j *Job) IsLocked() bool {
	return j.LockOwner != ""
}

// LeaseHeldBy reports whether owner holds a lease that has not expired at now.
func (j *Job) LeaseHeldBy(owner string, now time.Time) bool {
	return j.Status == JobStatusLocked && j.LockOwner == owner && now.Before(j.LockExpiration)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	return &c
}

// Failure is one recorded failed attempt.
type Failure struct {
	JobID         string
	Attempt       int
	ExceptionInfo string
	FailedAt      time.Time
}

// Event is reported to the interpreter after a job outcome has been committed.
type Event struct {
	Type          EventType `json:"type"`
	JobID         string    `json:"job_id"`
	RetryCount    int       `json:"retry_count"`
	DueTime       time.Time `json:"due_time,omitempty"`
	ExceptionInfo string    `json:"exception_info,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// EffectTx is the transactional view handed to effects while a job completes.
type EffectTx interface {
	// Enqueue inserts a follow-up job in the completion transaction.
	Enqueue(ctx context.Context, job *Job) error
	// ExecContext runs a statement against interpreter-owned tables.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Effect is a state change produced by a successful execution. Effects are
// applied in the same transaction that deletes the job.
type Effect func(ctx context.Context, tx EffectTx) error

// EnqueueEffect returns an effect that inserts job as a follow-up.
func EnqueueEffect(job *Job) Effect {
	return func(ctx context.Context, tx EffectTx) error {
		return tx.Enqueue(ctx, job)
	}
}

// IntakeMessage is an enqueue request received over the message bus or HTTP.
type IntakeMessage struct {
	Payload json.RawMessage `json:"payload"`
	DueTime *time.Time      `json:"due_time,omitempty"`
}

// Validate requires a non-null payload.
func (m *IntakeMessage) Validate() error {
	payload := bytes.TrimSpace(m.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	return nil
}
