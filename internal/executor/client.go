package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
	"github.com/cuongbtq/async-executor/internal/executor/storage"
)

// Client is the interpreter-facing side of the executor: it enqueues,
// inspects and administers jobs without running any of them.
type Client struct {
	store  storage.Store
	logger *slog.Logger
	clock  Clock
}

// NewClient creates a new Client over store
func NewClient(store storage.Store, opts ...Option) *Client {
	o := buildOptions(opts)
	return &Client{
		store:  store,
		logger: o.logger,
		clock:  o.clock,
	}
}

// Enqueue stores a new PENDING job and returns its id. A zero dueTime means now.
func (c *Client) Enqueue(ctx context.Context, payload []byte, dueTime time.Time) (string, error) {
	now := c.clock.Now()
	if dueTime.IsZero() {
		dueTime = now
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		Payload:   payload,
		Status:    domain.JobStatusPending,
		DueTime:   dueTime,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := c.store.Insert(ctx, job); err != nil {
		c.logger.Error("Failed to enqueue job",
			slog.Any("error", err),
		)
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	c.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.Time("due_time", dueTime),
		slog.Int("payload_size", len(payload)),
	)

	return job.ID, nil
}

// Cancel deletes a job unless it is currently locked. It reports whether
// the job was removed.
func (c *Client) Cancel(ctx context.Context, jobID string) (bool, error) {
	removed, err := c.store.Cancel(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}

	c.logger.Info("Job cancel requested",
		slog.String("job_id", jobID),
		slog.Bool("removed", removed),
	)
	return removed, nil
}

// Suspend parks a PENDING job so it is not acquired until resumed
func (c *Client) Suspend(ctx context.Context, jobID string) error {
	return c.store.SetStatus(ctx, jobID, domain.JobStatusPending, domain.JobStatusSuspended, c.clock.Now())
}

// Resume makes a SUSPENDED job acquirable again
func (c *Client) Resume(ctx context.Context, jobID string) error {
	return c.store.SetStatus(ctx, jobID, domain.JobStatusSuspended, domain.JobStatusPending, c.clock.Now())
}

// RetryDeadLetter moves a DEADLETTER job back to PENDING, due now, with its
// retry count reset.
func (c *Client) RetryDeadLetter(ctx context.Context, jobID string) error {
	if err := c.store.RequeueDeadLetter(ctx, jobID, c.clock.Now()); err != nil {
		return err
	}
	c.logger.Info("Dead-lettered job requeued", slog.String("job_id", jobID))
	return nil
}

// Get returns a job by id
func (c *Client) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return c.store.Get(ctx, jobID)
}

// Failures returns the failure history of a job, oldest first
func (c *Client) Failures(ctx context.Context, jobID string) ([]domain.Failure, error) {
	return c.store.Failures(ctx, jobID)
}

// Counts returns the number of jobs in each status
func (c *Client) Counts(ctx context.Context) (map[domain.JobStatus]int, error) {
	return c.store.CountByStatus(ctx)
}

// List returns one page of jobs and the cursor of the next page, which is
// nil on the last page.
func (c *Client) List(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, *storage.JobCursor, error) {
	jobs, err := c.store.List(ctx, filter)
	if err != nil {
		return nil, nil, err
	}

	if filter.PageSize <= 0 || len(jobs) <= filter.PageSize {
		return jobs, nil, nil
	}

	jobs = jobs[:filter.PageSize]
	last := jobs[len(jobs)-1]
	return jobs, &storage.JobCursor{DueTime: last.DueTime, JobID: last.ID}, nil
}
