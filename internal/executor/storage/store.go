// Package storage persists executor jobs.
//
// The store is the only synchronization point between executors: every claim
// is a single conditional update guarded by the job's version, so concurrent
// acquirers across processes resolve to exactly one winner.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
)

// Store is the durable job table.
type Store interface {
	// Insert persists a new job. The job must carry an id.
	Insert(ctx context.Context, job *domain.Job) error

	// FindDue returns up to maxResults jobs with DueTime <= now that are
	// PENDING, or LOCKED with an expired lease, ordered by (DueTime, ID).
	FindDue(ctx context.Context, now time.Time, maxResults int) ([]*domain.Job, error)

	// TryAcquireLock claims the job for owner if its version still equals
	// expectedVersion and it is acquirable at now. Losing the race returns
	// false with a nil error.
	TryAcquireLock(ctx context.Context, jobID string, expectedVersion int64, owner string, now time.Time, lease time.Duration) (bool, error)

	// Complete applies effects and deletes the job in one transaction.
	// Completing a job that no longer exists is a no-op.
	Complete(ctx context.Context, jobID, owner string, effects []domain.Effect) error

	// Reschedule clears the lease, increments the retry count, advances
	// DueTime and records the failure.
	Reschedule(ctx context.Context, jobID, owner string, dueTime time.Time, exceptionInfo string, failedAt time.Time) error

	// MoveToDeadLetter clears the lease, increments the retry count and
	// parks the job in DEADLETTER, recording the failure.
	MoveToDeadLetter(ctx context.Context, jobID, owner string, exceptionInfo string, failedAt time.Time) error

	// Release clears the lease without touching retry count or due time.
	Release(ctx context.Context, jobID, owner string, now time.Time) error

	// Get returns a job by id.
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// Cancel deletes a job that is not locked. It reports false when the
	// job was locked or already gone.
	Cancel(ctx context.Context, jobID string) (bool, error)

	// SetStatus moves a job from one unlocked status to another.
	SetStatus(ctx context.Context, jobID string, from, to domain.JobStatus, now time.Time) error

	// RequeueDeadLetter moves a DEADLETTER job back to PENDING with a fresh retry budget.
	RequeueDeadLetter(ctx context.Context, jobID string, now time.Time) error

	// Failures returns the recorded failed attempts for a job, oldest first.
	Failures(ctx context.Context, jobID string) ([]domain.Failure, error)

	// CountByStatus returns the number of jobs per status.
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)

	// List returns jobs matching the filter ordered by (DueTime, ID). With a
	// positive PageSize it returns at most PageSize+1 jobs so callers can
	// tell whether another page exists.
	List(ctx context.Context, filter JobFilter) ([]*domain.Job, error)
}

// JobFilter narrows List.
type JobFilter struct {
	Status   domain.JobStatus
	PageSize int
	Cursor   *JobCursor
}

// JobCursor points just past the last job of the previous page.
type JobCursor struct {
	DueTime time.Time
	JobID   string
}

// after reports whether j sorts strictly after the cursor.
func (c *JobCursor) after(j *domain.Job) bool {
	if c == nil {
		return true
	}
	if j.DueTime.Equal(c.DueTime) {
		return j.ID > c.JobID
	}
	return j.DueTime.After(c.DueTime)
}

// checkInsert rejects jobs that no store may persist.
func checkInsert(job *domain.Job) error {
	if job.ID == "" {
		return fmt.Errorf("insert job: %w", domain.ErrMissingJobID)
	}
	return nil
}

// acquirable reports whether j may be claimed at now.
func acquirable(j *domain.Job, now time.Time) bool {
	if j.DueTime.After(now) {
		return false
	}
	switch j.Status {
	case domain.JobStatusPending:
		return true
	case domain.JobStatusLocked:
		return j.LockExpiration.Before(now)
	}
	return false
}
