package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
)

var errSQLUnsupported = errors.New("memory store does not execute SQL effects")

// MemoryStore is a Store kept in process memory. It provides the same
// atomicity guarantees as the PostgreSQL store within one process and is
// meant for tests and single-node development.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	failures map[string][]domain.Failure
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*domain.Job),
		failures: make(map[string][]domain.Failure),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(job)
}

func (s *MemoryStore) insertLocked(job *domain.Job) error {
	if err := checkInsert(job); err != nil {
		return err
	}
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("insert job %s: %w", job.ID, domain.ErrJobExists)
	}
	stored := job.Clone()
	if stored.Status == "" || stored.Status == domain.JobStatusLocked {
		stored.Status = domain.JobStatusPending
	}
	stored.LockOwner = ""
	stored.LockExpiration = time.Time{}
	s.jobs[job.ID] = stored
	return nil
}

func (s *MemoryStore) FindDue(ctx context.Context, now time.Time, maxResults int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.Job
	for _, j := range s.jobs {
		if acquirable(j, now) {
			due = append(due, j.Clone())
		}
	}
	sortJobs(due)
	if maxResults > 0 && len(due) > maxResults {
		due = due[:maxResults]
	}
	return due, nil
}

func (s *MemoryStore) TryAcquireLock(ctx context.Context, jobID string, expectedVersion int64, owner string, now time.Time, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Version != expectedVersion || !acquirable(j, now) {
		return false, nil
	}
	j.Status = domain.JobStatusLocked
	j.LockOwner = owner
	j.LockExpiration = now.Add(lease)
	j.Version++
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, jobID, owner string, effects []domain.Effect) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	if j.Status != domain.JobStatusLocked || j.LockOwner != owner {
		return fmt.Errorf("complete job %s: %w", jobID, domain.ErrLockLost)
	}

	tx := &memoryTx{}
	for _, effect := range effects {
		if err := effect(ctx, tx); err != nil {
			return fmt.Errorf("apply effects for job %s: %w", jobID, err)
		}
	}
	for _, follow := range tx.inserts {
		if _, exists := s.jobs[follow.ID]; exists {
			return fmt.Errorf("apply effects for job %s: insert %s: %w", jobID, follow.ID, domain.ErrJobExists)
		}
	}
	for _, follow := range tx.inserts {
		if err := s.insertLocked(follow); err != nil {
			return err
		}
	}

	delete(s.jobs, jobID)
	delete(s.failures, jobID)
	return nil
}

func (s *MemoryStore) Reschedule(ctx context.Context, jobID, owner string, dueTime time.Time, exceptionInfo string, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.ownedLocked(jobID, owner)
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", jobID, err)
	}
	if dueTime.Before(j.DueTime) {
		dueTime = j.DueTime
	}
	s.recordFailureLocked(j, exceptionInfo, failedAt)
	j.Status = domain.JobStatusPending
	j.DueTime = dueTime
	j.LockOwner = ""
	j.LockExpiration = time.Time{}
	j.Version++
	j.UpdatedAt = failedAt
	return nil
}

func (s *MemoryStore) MoveToDeadLetter(ctx context.Context, jobID, owner string, exceptionInfo string, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.ownedLocked(jobID, owner)
	if err != nil {
		return fmt.Errorf("dead-letter job %s: %w", jobID, err)
	}
	s.recordFailureLocked(j, exceptionInfo, failedAt)
	j.Status = domain.JobStatusDeadLetter
	j.LockOwner = ""
	j.LockExpiration = time.Time{}
	j.Version++
	j.UpdatedAt = failedAt
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, jobID, owner string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.ownedLocked(jobID, owner)
	if err != nil {
		return fmt.Errorf("release job %s: %w", jobID, err)
	}
	j.Status = domain.JobStatusPending
	j.LockOwner = ""
	j.LockExpiration = time.Time{}
	j.Version++
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Cancel(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status == domain.JobStatusLocked {
		return false, nil
	}
	delete(s.jobs, jobID)
	delete(s.failures, jobID)
	return true, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, jobID string, from, to domain.JobStatus, now time.Time) error {
	if from == domain.JobStatusLocked || to == domain.JobStatusLocked {
		return domain.ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != from {
		return fmt.Errorf("job %s is %s, not %s: %w", jobID, j.Status, from, domain.ErrInvalidTransition)
	}
	j.Status = to
	j.Version++
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) RequeueDeadLetter(ctx context.Context, jobID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusDeadLetter {
		return fmt.Errorf("job %s is %s: %w", jobID, j.Status, domain.ErrInvalidTransition)
	}
	j.Status = domain.JobStatusPending
	j.RetryCount = 0
	j.DueTime = now
	j.Version++
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Failures(ctx context.Context, jobID string) ([]domain.Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, domain.ErrJobNotFound
	}
	return append([]domain.Failure(nil), s.failures[jobID]...), nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.JobStatus]int, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		counts[st] = 0
	}
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) List(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if !filter.Cursor.after(j) {
			continue
		}
		out = append(out, j.Clone())
	}
	sortJobs(out)
	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

// ownedLocked returns the job if owner holds its lock. Callers hold s.mu.
func (s *MemoryStore) ownedLocked(jobID, owner string) (*domain.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusLocked || j.LockOwner != owner {
		return nil, domain.ErrLockLost
	}
	return j, nil
}

func (s *MemoryStore) recordFailureLocked(j *domain.Job, exceptionInfo string, failedAt time.Time) {
	j.RetryCount++
	j.ExceptionInfo = exceptionInfo
	s.failures[j.ID] = append(s.failures[j.ID], domain.Failure{
		JobID:         j.ID,
		Attempt:       j.RetryCount,
		ExceptionInfo: exceptionInfo,
		FailedAt:      failedAt,
	})
}

func sortJobs(jobs []*domain.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].DueTime.Equal(jobs[b].DueTime) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].DueTime.Before(jobs[b].DueTime)
	})
}

// memoryTx stages effect output until every effect has succeeded.
type memoryTx struct {
	inserts []*domain.Job
}

func (t *memoryTx) Enqueue(ctx context.Context, job *domain.Job) error {
	t.inserts = append(t.inserts, job)
	return nil
}

func (t *memoryTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, errSQLUnsupported
}

var _ Store = (*MemoryStore)(nil)
