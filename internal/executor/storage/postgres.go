package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
)

const jobColumns = `id, payload, status, due_time, lock_owner, lock_expiration,
	retry_count, exception_info, version, created_at, updated_at`

// jobRow is the executor_jobs row shape
type jobRow struct {
	ID             string         `db:"id"`
	Payload        []byte         `db:"payload"`
	Status         string         `db:"status"`
	DueTime        time.Time      `db:"due_time"`
	LockOwner      sql.NullString `db:"lock_owner"`
	LockExpiration sql.NullTime   `db:"lock_expiration"`
	RetryCount     int            `db:"retry_count"`
	ExceptionInfo  string         `db:"exception_info"`
	Version        int64          `db:"version"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID:            r.ID,
		Payload:       r.Payload,
		Status:        domain.JobStatus(r.Status),
		DueTime:       r.DueTime,
		RetryCount:    r.RetryCount,
		ExceptionInfo: r.ExceptionInfo,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.LockOwner.Valid && r.LockExpiration.Valid {
		job.LockOwner = r.LockOwner.String
		job.LockExpiration = r.LockExpiration.Time
	}
	return job
}

// PostgresStore handles all database operations for the executor
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// Insert persists a new job in PENDING (or the job's unlocked status)
func (s *PostgresStore) Insert(ctx context.Context, job *domain.Job) error {
	return insertJob(ctx, s.db, job)
}

func insertJob(ctx context.Context, exec sqlx.ExecerContext, job *domain.Job) error {
	if err := checkInsert(job); err != nil {
		return err
	}

	query := `
		INSERT INTO executor_jobs (
			id, payload, status, due_time, retry_count,
			exception_info, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9
		)
		ON CONFLICT (id) DO NOTHING
	`

	status := job.Status
	if status == "" || status == domain.JobStatusLocked {
		status = domain.JobStatusPending
	}

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := exec.ExecContext(ctx, query,
		job.ID,
		job.Payload,
		string(status),
		job.DueTime,
		job.RetryCount,
		job.ExceptionInfo,
		job.Version,
		createdAt,
		createdAt,
	)
	if err != nil {
		return domain.Unavailable("insert job", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("insert job %s: %w", job.ID, domain.ErrJobExists)
	}

	return nil
}

// FindDue returns acquirable jobs ordered by due time, then id
func (s *PostgresStore) FindDue(ctx context.Context, now time.Time, maxResults int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM executor_jobs
		WHERE due_time <= $1
		  AND (status = $2 OR (status = $3 AND lock_expiration < $1))
		ORDER BY due_time ASC, id ASC
		LIMIT $4
	`

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, query,
		now,
		string(domain.JobStatusPending),
		string(domain.JobStatusLocked),
		maxResults,
	)
	if err != nil {
		return nil, domain.Unavailable("find due jobs", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

// TryAcquireLock claims a job using optimistic locking on its version
func (s *PostgresStore) TryAcquireLock(ctx context.Context, jobID string, expectedVersion int64, owner string, now time.Time, lease time.Duration) (bool, error) {
	query := `
		UPDATE executor_jobs
		SET status = $1,
		    lock_owner = $2,
		    lock_expiration = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $5
		  AND version = $6
		  AND due_time <= $4
		  AND (status = $7 OR (status = $1 AND lock_expiration < $4))
	`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.JobStatusLocked),
		owner,
		now.Add(lease),
		now,
		jobID,
		expectedVersion,
		string(domain.JobStatusPending),
	)
	if err != nil {
		return false, domain.Unavailable("acquire job lock", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Debug("Job lock not acquired - claimed by another owner or changed",
			slog.String("job_id", jobID),
			slog.String("owner", owner),
		)
		return false, nil
	}

	s.logger.Debug("Job lock acquired",
		slog.String("job_id", jobID),
		slog.String("owner", owner),
		slog.Time("lock_expiration", now.Add(lease)),
	)

	return true, nil
}

// Complete applies effects and deletes the job in one transaction
func (s *PostgresStore) Complete(ctx context.Context, jobID, owner string, effects []domain.Effect) error {
	return s.withTx(ctx, "complete job", func(tx *sqlx.Tx) error {
		var current struct {
			Status    string         `db:"status"`
			LockOwner sql.NullString `db:"lock_owner"`
		}
		err := tx.GetContext(ctx, &current,
			`SELECT status, lock_owner FROM executor_jobs WHERE id = $1 FOR UPDATE`, jobID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Already completed
				return nil
			}
			return domain.Unavailable("lock job row", err)
		}

		if current.Status != string(domain.JobStatusLocked) || current.LockOwner.String != owner {
			return fmt.Errorf("complete job %s: %w", jobID, domain.ErrLockLost)
		}

		etx := &postgresEffectTx{tx: tx}
		for _, effect := range effects {
			if err := effect(ctx, etx); err != nil {
				return fmt.Errorf("apply effects for job %s: %w", jobID, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM executor_jobs WHERE id = $1`, jobID); err != nil {
			return domain.Unavailable("delete job", err)
		}

		return nil
	})
}

// Reschedule re-arms a failed job and records the failure
func (s *PostgresStore) Reschedule(ctx context.Context, jobID, owner string, dueTime time.Time, exceptionInfo string, failedAt time.Time) error {
	query := `
		UPDATE executor_jobs
		SET status = $1,
		    due_time = GREATEST(due_time, $2),
		    lock_owner = NULL,
		    lock_expiration = NULL,
		    retry_count = retry_count + 1,
		    exception_info = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $5 AND status = $6 AND lock_owner = $7
		RETURNING retry_count
	`

	return s.withTx(ctx, "reschedule job", func(tx *sqlx.Tx) error {
		var attempt int
		err := tx.QueryRowxContext(ctx, query,
			string(domain.JobStatusPending),
			dueTime,
			exceptionInfo,
			failedAt,
			jobID,
			string(domain.JobStatusLocked),
			owner,
		).Scan(&attempt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return s.explainMiss(ctx, tx, "reschedule", jobID)
			}
			return domain.Unavailable("reschedule job", err)
		}
		return recordFailure(ctx, tx, jobID, attempt, exceptionInfo, failedAt)
	})
}

// MoveToDeadLetter parks a failed job and records the failure
func (s *PostgresStore) MoveToDeadLetter(ctx context.Context, jobID, owner string, exceptionInfo string, failedAt time.Time) error {
	query := `
		UPDATE executor_jobs
		SET status = $1,
		    lock_owner = NULL,
		    lock_expiration = NULL,
		    retry_count = retry_count + 1,
		    exception_info = $2,
		    version = version + 1,
		    updated_at = $3
		WHERE id = $4 AND status = $5 AND lock_owner = $6
		RETURNING retry_count
	`

	return s.withTx(ctx, "dead-letter job", func(tx *sqlx.Tx) error {
		var attempt int
		err := tx.QueryRowxContext(ctx, query,
			string(domain.JobStatusDeadLetter),
			exceptionInfo,
			failedAt,
			jobID,
			string(domain.JobStatusLocked),
			owner,
		).Scan(&attempt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return s.explainMiss(ctx, tx, "dead-letter", jobID)
			}
			return domain.Unavailable("dead-letter job", err)
		}

		s.logger.Warn("Job moved to dead letter",
			slog.String("job_id", jobID),
			slog.Int("retry_count", attempt),
		)

		return recordFailure(ctx, tx, jobID, attempt, exceptionInfo, failedAt)
	})
}

// Release clears the lease without rescheduling
func (s *PostgresStore) Release(ctx context.Context, jobID, owner string, now time.Time) error {
	query := `
		UPDATE executor_jobs
		SET status = $1,
		    lock_owner = NULL,
		    lock_expiration = NULL,
		    version = version + 1,
		    updated_at = $5
		WHERE id = $2 AND status = $3 AND lock_owner = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.JobStatusPending),
		jobID,
		string(domain.JobStatusLocked),
		owner,
		now,
	)
	if err != nil {
		return domain.Unavailable("release job", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.explainMiss(ctx, s.db, "release", jobID)
	}

	return nil
}

// Get retrieves a job from the database by its ID
func (s *PostgresStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM executor_jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.Unavailable("get job", err)
	}
	return row.toDomain(), nil
}

// Cancel deletes a job unless it is locked
func (s *PostgresStore) Cancel(ctx context.Context, jobID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM executor_jobs WHERE id = $1 AND status <> $2`,
		jobID, string(domain.JobStatusLocked))
	if err != nil {
		return false, domain.Unavailable("cancel job", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// SetStatus moves a job between unlocked statuses
func (s *PostgresStore) SetStatus(ctx context.Context, jobID string, from, to domain.JobStatus, now time.Time) error {
	if from == domain.JobStatusLocked || to == domain.JobStatusLocked {
		return domain.ErrInvalidTransition
	}

	query := `
		UPDATE executor_jobs
		SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, string(to), now, jobID, string(from))
	if err != nil {
		return domain.Unavailable("set job status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.explainTransition(ctx, jobID)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	return nil
}

// RequeueDeadLetter gives a dead-lettered job a fresh retry budget
func (s *PostgresStore) RequeueDeadLetter(ctx context.Context, jobID string, now time.Time) error {
	query := `
		UPDATE executor_jobs
		SET status = $1, retry_count = 0, due_time = $2,
		    version = version + 1, updated_at = $2
		WHERE id = $3 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.JobStatusPending), now, jobID, string(domain.JobStatusDeadLetter))
	if err != nil {
		return domain.Unavailable("requeue dead letter", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.explainTransition(ctx, jobID)
	}
	return nil
}

// Failures returns the failure history for a job
func (s *PostgresStore) Failures(ctx context.Context, jobID string) ([]domain.Failure, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}

	query := `
		SELECT job_id, attempt, exception_info, failed_at
		FROM executor_job_failures
		WHERE job_id = $1
		ORDER BY attempt ASC, id ASC
	`

	var rows []struct {
		JobID         string    `db:"job_id"`
		Attempt       int       `db:"attempt"`
		ExceptionInfo string    `db:"exception_info"`
		FailedAt      time.Time `db:"failed_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, domain.Unavailable("list job failures", err)
	}

	failures := make([]domain.Failure, len(rows))
	for i, r := range rows {
		failures[i] = domain.Failure{
			JobID:         r.JobID,
			Attempt:       r.Attempt,
			ExceptionInfo: r.ExceptionInfo,
			FailedAt:      r.FailedAt,
		}
	}
	return failures, nil
}

// CountByStatus returns job counts grouped by status
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM executor_jobs GROUP BY status`)
	if err != nil {
		return nil, domain.Unavailable("count jobs", err)
	}

	counts := make(map[domain.JobStatus]int, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[domain.JobStatus(r.Status)] = r.Count
	}
	return counts, nil
}

// List returns a page of jobs, fetching one extra row to signal a next page
func (s *PostgresStore) List(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM executor_jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (due_time, id) > ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.DueTime, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY due_time ASC, id ASC"

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, domain.Unavailable("list jobs", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Unavailable(op, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Failed to roll back transaction",
				slog.String("op", op),
				slog.Any("error", rbErr),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return domain.Unavailable(op, err)
	}
	return nil
}

// explainMiss resolves why an owner-guarded update matched no rows
func (s *PostgresStore) explainMiss(ctx context.Context, q sqlx.QueryerContext, op, jobID string) error {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists, `SELECT EXISTS(SELECT 1 FROM executor_jobs WHERE id = $1)`, jobID)
	if err != nil {
		return domain.Unavailable(op+" job", err)
	}
	if !exists {
		return fmt.Errorf("%s job %s: %w", op, jobID, domain.ErrJobNotFound)
	}
	return fmt.Errorf("%s job %s: %w", op, jobID, domain.ErrLockLost)
}

func (s *PostgresStore) explainTransition(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", jobID, job.Status, domain.ErrInvalidTransition)
}

func recordFailure(ctx context.Context, tx *sqlx.Tx, jobID string, attempt int, exceptionInfo string, failedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO executor_job_failures (job_id, attempt, exception_info, failed_at)
		VALUES ($1, $2, $3, $4)
	`, jobID, attempt, exceptionInfo, failedAt)
	if err != nil {
		return domain.Unavailable("record job failure", err)
	}
	return nil
}

// postgresEffectTx exposes the completion transaction to effects
type postgresEffectTx struct {
	tx *sqlx.Tx
}

func (t *postgresEffectTx) Enqueue(ctx context.Context, job *domain.Job) error {
	return insertJob(ctx, t.tx, job)
}

func (t *postgresEffectTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

var _ Store = (*PostgresStore)(nil)
