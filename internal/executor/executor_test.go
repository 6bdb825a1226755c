package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
	"github.com/cuongbtq/async-executor/internal/executor/storage"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// unavailableStore fails every outcome write as if the database were down
type unavailableStore struct {
	*storage.MemoryStore
}

func (s *unavailableStore) Reschedule(ctx context.Context, jobID, owner string, dueTime time.Time, exceptionInfo string, failedAt time.Time) error {
	return domain.Unavailable("reschedule job", errors.New("connection refused"))
}

func (s *unavailableStore) MoveToDeadLetter(ctx context.Context, jobID, owner string, exceptionInfo string, failedAt time.Time) error {
	return domain.Unavailable("dead-letter job", errors.New("connection refused"))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LockOwner = "test-owner"
	cfg.AcquireInterval = time.Hour
	cfg.PoolSize = 1
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func insertJob(t *testing.T, store storage.Store, id string, due time.Time) {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), &domain.Job{
		ID:      id,
		Payload: []byte(`{"job":"` + id + `"}`),
		DueTime: due,
	}))
}

func startExecutor(t *testing.T, cfg Config, store storage.Store, handler Handler, opts ...Option) *Executor {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	e, err := New(cfg, store, handler, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		_ = e.Shutdown(context.Background())
	})
	return e
}

func jobState(store storage.Store, id string) (*domain.Job, bool) {
	job, err := store.Get(context.Background(), id)
	if err != nil {
		return nil, false
	}
	return job, true
}

func failing(err error) HandlerFunc {
	return func(ctx context.Context, payload []byte) ([]domain.Effect, error) {
		return nil, err
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PoolSize = 0

	_, err := New(cfg, storage.NewMemoryStore(), failing(nil))
	require.Error(t, err)

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "PoolSize", cfgErr.Field)

	_, err = New(testConfig(), nil, failing(nil))
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New(testConfig(), storage.NewMemoryStore(), nil)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_GeneratesLockOwner(t *testing.T) {
	cfg := testConfig()
	cfg.LockOwner = ""

	a, err := New(cfg, storage.NewMemoryStore(), failing(nil))
	require.NoError(t, err)
	b, err := New(cfg, storage.NewMemoryStore(), failing(nil))
	require.NoError(t, err)

	assert.NotEmpty(t, a.LockOwner())
	assert.NotEqual(t, a.LockOwner(), b.LockOwner())
}

func TestExecutor_Lifecycle(t *testing.T) {
	e, err := New(testConfig(), storage.NewMemoryStore(), failing(nil), WithLogger(testLogger()))
	require.NoError(t, err)

	assert.ErrorIs(t, e.Shutdown(context.Background()), domain.ErrNotStarted)

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), domain.ErrAlreadyStarted)
	assert.True(t, e.Stats().Running)

	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))
	assert.False(t, e.Stats().Running)

	assert.ErrorIs(t, e.Start(context.Background()), domain.ErrAlreadyStarted)
}

func TestExecutor_TransientFailureReschedules(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := newFakeClock(baseTime)
	insertJob(t, store, "job-1", baseTime)

	startExecutor(t, testConfig(), store, failing(errors.New("interpreter busy")), WithClock(clock))

	assert.Eventually(t, func() bool {
		job, ok := jobState(store, "job-1")
		return ok && job.RetryCount == 1 && job.Status == domain.JobStatusPending
	}, 2*time.Second, 10*time.Millisecond)

	job, ok := jobState(store, "job-1")
	require.True(t, ok)
	assert.True(t, job.DueTime.After(baseTime))
	assert.Equal(t, "interpreter busy", job.ExceptionInfo)
	assert.False(t, job.IsLocked())

	failures, err := store.Failures(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Attempt)
}

func TestExecutor_DeadLettersAfterMaxRetries(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := newFakeClock(baseTime)
	insertJob(t, store, "job-1", baseTime)

	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, payload []byte) ([]domain.Effect, error) {
		calls.Add(1)
		return nil, errors.New("still failing")
	})

	cfg := testConfig()
	cfg.MaxRetries = 3
	e := startExecutor(t, cfg, store, handler, WithClock(clock))

	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			clock.Advance(2 * time.Hour)
			e.runCycle()
		}
		assert.Eventually(t, func() bool {
			job, ok := jobState(store, "job-1")
			return ok && job.RetryCount == attempt && !job.IsLocked()
		}, 2*time.Second, 10*time.Millisecond, "attempt %d", attempt)
	}

	job, ok := jobState(store, "job-1")
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusDeadLetter, job.Status)
	assert.Equal(t, int32(3), calls.Load())

	// Dead-lettered jobs are never acquired again.
	clock.Advance(24 * time.Hour)
	assert.Equal(t, 0, e.runCycle())
	assert.Equal(t, int64(1), e.Stats().DeadLettered)
}

func TestExecutor_PermanentFailureDeadLettersImmediately(t *testing.T) {
	store := storage.NewMemoryStore()
	insertJob(t, store, "job-1", time.Now().Add(-time.Second))

	startExecutor(t, testConfig(), store, failing(domain.Permanent(errors.New("unknown activity"))))

	assert.Eventually(t, func() bool {
		job, ok := jobState(store, "job-1")
		return ok && job.Status == domain.JobStatusDeadLetter
	}, 2*time.Second, 10*time.Millisecond)

	job, _ := jobState(store, "job-1")
	assert.Equal(t, 1, job.RetryCount)
	assert.Contains(t, job.ExceptionInfo, "unknown activity")
}

func TestExecutor_SuccessCompletesAndAppliesEffects(t *testing.T) {
	store := storage.NewMemoryStore()
	insertJob(t, store, "job-1", time.Now().Add(-time.Second))

	follow := &domain.Job{ID: "job-2", Payload: []byte(`{}`), DueTime: time.Now().Add(time.Hour)}
	handler := HandlerFunc(func(ctx context.Context, payload []byte) ([]domain.Effect, error) {
		return []domain.Effect{domain.EnqueueEffect(follow)}, nil
	})

	var events []domain.Event
	var mu sync.Mutex
	notifier := notifierFunc(func(ctx context.Context, event domain.Event) error {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
		return nil
	})

	e := startExecutor(t, testConfig(), store, handler, WithNotifier(notifier))

	assert.Eventually(t, func() bool {
		_, ok := jobState(store, "job-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	next, ok := jobState(store, "job-2")
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusPending, next.Status)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), e.Stats().Completed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCompleted, events[0].Type)
	assert.Equal(t, "job-1", events[0].JobID)
}

func TestExecutor_EffectFailureIsRetried(t *testing.T) {
	store := storage.NewMemoryStore()
	insertJob(t, store, "job-1", time.Now().Add(-time.Second))

	handler := HandlerFunc(func(ctx context.Context, payload []byte) ([]domain.Effect, error) {
		return []domain.Effect{
			domain.EnqueueEffect(&domain.Job{ID: "job-2", DueTime: time.Now()}),
			func(ctx context.Context, tx domain.EffectTx) error { return errors.New("history write failed") },
		}, nil
	})

	startExecutor(t, testConfig(), store, handler)

	assert.Eventually(t, func() bool {
		job, ok := jobState(store, "job-1")
		return ok && job.RetryCount == 1 && job.Status == domain.JobStatusPending
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := jobState(store, "job-2")
	assert.False(t, ok)
}

func TestExecutor_PanicIsTransientFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	insertJob(t, store, "job-1", time.Now().Add(-time.Second))

	handler := HandlerFunc(func(ctx context.Context, payload []byte) ([]domain.Effect, error) {
		panic("nil activity")
	})

	startExecutor(t, testConfig(), store, handler)

	assert.Eventually(t, func() bool {
		job, ok := jobState(store, "job-1")
		return ok && job.RetryCount == 1 && job.Status == domain.JobStatusPending
	}, 2*time.Second, 10*time.Millisecond)

	job, _ := jobState(store, "job-1")
	assert.Contains(t, job.ExceptionInfo, "nil activity")
}

func TestExecutor_JobTimeoutIsTransientFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	insertJob(t, store, "job-1", time.Now().Add(-time.Second))

	handler := HandlerFunc(func(ctx context.Context, payload []byte) ([]domain.Effect, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cfg := testConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	startExecutor(t, cfg, store, handler)

	assert.Eventually(t, func() bool {
		job, ok := jobState(store, "job-1")
		return ok && job.RetryCount == 1 && job.Status == domain.JobStatusPending
	}, 2*time.Second, 10*time.Millisecond)

	job, _ := jobState(store, "job-1")
	assert.Contains(t, job.ExceptionInfo, context.DeadlineExceeded.Error())
}

func TestExecutor_StoreUnavailableLeavesLease(t *testing.T) {
	store := &unavailableStore{MemoryStore: storage.NewMemoryStore()}
	insertJob(t, store, "job-1", time.Now().Add(-time.Second))

	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, payload []byte) ([]domain.Effect, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})

	startExecutor(t, testConfig(), store, handler)

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The outcome could not be recorded, so the lease stays until it expires.
	assert.Never(t, func() bool {
		job, ok := jobState(store, "job-1")
		return !ok || !job.IsLocked()
	}, 100*time.Millisecond, 10*time.Millisecond)

	job, _ := jobState(store, "job-1")
	assert.Equal(t, "test-owner", job.LockOwner)
	assert.Equal(t, 0, job.RetryCount)
}

func TestExecutor_SkipsJobWhoseLeaseWasLost(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := newFakeClock(baseTime)
	insertJob(t, store, "job-1", baseTime)

	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, payload []byte) ([]domain.Effect, error) {
		calls.Add(1)
		return nil, nil
	})

	e, err := New(testConfig(), store, handler, WithLogger(testLogger()), WithClock(clock))
	require.NoError(t, err)
	e.runCtx = context.Background()

	ok, err := store.TryAcquireLock(context.Background(), "job-1", 0, e.LockOwner(), baseTime, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	stale, _ := jobState(store, "job-1")

	// The lease expires and another executor takes the job over.
	clock.Advance(2 * time.Minute)
	ok, err = store.TryAcquireLock(context.Background(), "job-1", stale.Version, "other-owner", clock.Now(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	e.processJob(stale)

	assert.Equal(t, int32(0), calls.Load())
	job, _ := jobState(store, "job-1")
	assert.Equal(t, "other-owner", job.LockOwner)
	assert.Equal(t, int64(1), e.Stats().LockLost)
}

func TestExecutor_QueueFullReleasesRejectedJobs(t *testing.T) {
	store := storage.NewMemoryStore()
	for i := 1; i <= 3; i++ {
		insertJob(t, store, fmt.Sprintf("job-%d", i), baseTime.Add(time.Duration(i)*time.Second))
	}

	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.LowWaterMark = 0

	e, err := New(cfg, store, failing(nil), WithLogger(testLogger()), WithClock(newFakeClock(baseTime.Add(time.Minute))))
	require.NoError(t, err)
	e.runCtx = context.Background()

	// No workers are running, so only one job fits.
	assert.Equal(t, 1, e.runCycle())

	first, _ := jobState(store, "job-1")
	assert.Equal(t, domain.JobStatusLocked, first.Status)

	for _, id := range []string{"job-2", "job-3"} {
		job, _ := jobState(store, id)
		assert.Equal(t, domain.JobStatusPending, job.Status, id)
		assert.False(t, job.IsLocked(), id)
	}

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(2), stats.Acquired)
	assert.Equal(t, 1, stats.QueueDepth)
}

func TestExecutor_CustomRejectedJobsHandler(t *testing.T) {
	store := storage.NewMemoryStore()
	insertJob(t, store, "job-1", baseTime)
	insertJob(t, store, "job-2", baseTime.Add(time.Second))

	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.LowWaterMark = 0

	var rejected []string
	e, err := New(cfg, store, failing(nil),
		WithLogger(testLogger()),
		WithClock(newFakeClock(baseTime.Add(time.Minute))),
		WithRejectedJobsHandler(func(ctx context.Context, job *domain.Job) {
			rejected = append(rejected, job.ID)
		}),
	)
	require.NoError(t, err)
	e.runCtx = context.Background()

	e.runCycle()

	assert.Equal(t, []string{"job-2"}, rejected)
	job, _ := jobState(store, "job-2")
	assert.Equal(t, domain.JobStatusLocked, job.Status)
}

func TestExecutor_BackpressureSkipsCycle(t *testing.T) {
	store := storage.NewMemoryStore()
	insertJob(t, store, "job-1", baseTime)
	insertJob(t, store, "job-2", baseTime)

	cfg := testConfig()
	cfg.QueueSize = 4
	cfg.LowWaterMark = 0
	cfg.MaxJobsPerAcquisition = 1

	e, err := New(cfg, store, failing(nil), WithLogger(testLogger()), WithClock(newFakeClock(baseTime)))
	require.NoError(t, err)
	e.runCtx = context.Background()

	assert.Equal(t, 1, e.runCycle())
	assert.Equal(t, 0, e.runCycle())
	assert.Equal(t, int64(1), e.Stats().CyclesSkipped)

	job, _ := jobState(store, "job-2")
	assert.Equal(t, domain.JobStatusPending, job.Status)
}

func TestExecutor_InactiveDoesNotAcquire(t *testing.T) {
	store := storage.NewMemoryStore()
	insertJob(t, store, "job-1", time.Now().Add(-time.Second))

	cfg := testConfig()
	cfg.Activate = false
	e := startExecutor(t, cfg, store, failing(nil))

	assert.Never(t, func() bool {
		job, _ := jobState(store, "job-1")
		return job.IsLocked()
	}, 100*time.Millisecond, 10*time.Millisecond)

	stats := e.Stats()
	assert.True(t, stats.Running)
	assert.False(t, stats.Activated)
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestExecutor_ShutdownReleasesQueuedJobs(t *testing.T) {
	store := storage.NewMemoryStore()
	for i := 1; i <= 3; i++ {
		insertJob(t, store, fmt.Sprintf("job-%d", i), time.Now().Add(-time.Duration(10-i)*time.Second))
	}

	block := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, payload []byte) ([]domain.Effect, error) {
		<-block
		return nil, nil
	})

	cfg := testConfig()
	cfg.QueueSize = 4
	cfg.LowWaterMark = 3
	e := startExecutor(t, cfg, store, handler)

	assert.Eventually(t, func() bool {
		stats := e.Stats()
		return stats.InFlight == 1 && stats.QueueDepth == 2
	}, 2*time.Second, 10*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()
	require.NoError(t, e.Shutdown(context.Background()))

	_, ok := jobState(store, "job-1")
	assert.False(t, ok, "in-flight job drains to completion")

	for _, id := range []string{"job-2", "job-3"} {
		job, ok := jobState(store, id)
		require.True(t, ok, id)
		assert.Equal(t, domain.JobStatusPending, job.Status, id)
		assert.False(t, job.IsLocked(), id)
		assert.Equal(t, 0, job.RetryCount, id)
	}
}

func TestExecutor_ShutdownTimeoutLeavesLease(t *testing.T) {
	store := storage.NewMemoryStore()
	insertJob(t, store, "job-1", time.Now().Add(-time.Second))

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	handler := HandlerFunc(func(ctx context.Context, payload []byte) ([]domain.Effect, error) {
		<-block
		return nil, nil
	})

	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	e := startExecutor(t, cfg, store, handler)

	assert.Eventually(t, func() bool { return e.Stats().InFlight == 1 }, 2*time.Second, 10*time.Millisecond)

	err := e.Shutdown(context.Background())
	assert.ErrorIs(t, err, domain.ErrShutdownTimeout)

	job, ok := jobState(store, "job-1")
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusLocked, job.Status)
	assert.Equal(t, "test-owner", job.LockOwner)
}

// hangingStore blocks FindDue until the caller's context is done
type hangingStore struct {
	*storage.MemoryStore
	entered chan struct{}
	once    sync.Once
}

func (s *hangingStore) FindDue(ctx context.Context, now time.Time, maxResults int) ([]*domain.Job, error) {
	s.once.Do(func() { close(s.entered) })
	<-ctx.Done()
	return nil, domain.Unavailable("find due jobs", ctx.Err())
}

// stuckStore blocks FindDue until released, ignoring its context
type stuckStore struct {
	*storage.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stuckStore) FindDue(ctx context.Context, now time.Time, maxResults int) ([]*domain.Job, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil, nil
}

func TestExecutor_ShutdownCancelsBlockedAcquisition(t *testing.T) {
	store := &hangingStore{MemoryStore: storage.NewMemoryStore(), entered: make(chan struct{})}

	cfg := testConfig()
	cfg.ShutdownTimeout = 2 * time.Second
	e := startExecutor(t, cfg, store, failing(errors.New("unused")))

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("acquisition never reached the store")
	}

	done := make(chan error, 1)
	go func() { done <- e.Shutdown(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not cancel the acquisition store call")
	}
}

func TestExecutor_ShutdownBoundedWhenStoreIgnoresContext(t *testing.T) {
	store := &stuckStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	t.Cleanup(func() { close(store.release) })

	cfg := testConfig()
	cfg.ShutdownTimeout = 100 * time.Millisecond
	e := startExecutor(t, cfg, store, failing(errors.New("unused")))

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("acquisition never reached the store")
	}

	done := make(chan error, 1)
	go func() { done <- e.Shutdown(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrShutdownTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown exceeded its timeout")
	}
	assert.False(t, e.Stats().Running)
}

func TestExecutor_MultipleExecutorsNeverDoubleExecute(t *testing.T) {
	store := storage.NewMemoryStore()
	const jobs = 60
	for i := 0; i < jobs; i++ {
		insertJob(t, store, fmt.Sprintf("job-%02d", i), time.Now().Add(-time.Second))
	}

	var executions sync.Map
	var total atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, payload []byte) ([]domain.Effect, error) {
		counter, _ := executions.LoadOrStore(string(payload), new(atomic.Int32))
		counter.(*atomic.Int32).Add(1)
		total.Add(1)
		time.Sleep(time.Millisecond)
		return nil, nil
	})

	for i := 0; i < 3; i++ {
		cfg := testConfig()
		cfg.LockOwner = fmt.Sprintf("executor-%d", i)
		cfg.AcquireInterval = 5 * time.Millisecond
		cfg.PoolSize = 3
		cfg.MaxJobsPerAcquisition = 10
		startExecutor(t, cfg, store, handler)
	}

	assert.Eventually(t, func() bool {
		counts, err := store.CountByStatus(context.Background())
		if err != nil {
			return false
		}
		return counts[domain.JobStatusPending]+counts[domain.JobStatusLocked] == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(jobs), total.Load())
	executions.Range(func(key, value any) bool {
		assert.Equal(t, int32(1), value.(*atomic.Int32).Load(), key)
		return true
	})
}

type notifierFunc func(ctx context.Context, event domain.Event) error

func (f notifierFunc) Notify(ctx context.Context, event domain.Event) error {
	return f(ctx, event)
}
