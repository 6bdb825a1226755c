// Package executor runs durable jobs.
//
// An Executor periodically acquires due jobs from the store, locks each one
// with a time-bounded lease and hands it to a bounded worker pool. Any number
// of executors may share a store; the store's conditional lock update is the
// only coordination between them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
	"github.com/cuongbtq/async-executor/internal/executor/retry"
	"github.com/cuongbtq/async-executor/internal/executor/storage"
)

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Executor represents the background job executor
type Executor struct {
	cfg      Config
	store    storage.Store
	handler  Handler
	policy   retry.Policy
	owner    string
	logger   *slog.Logger
	clock    Clock
	notifier Notifier
	rejected RejectedJobsHandler

	mu       sync.Mutex
	state    state
	queue    chan *domain.Job
	stopChan chan struct{}
	acqWG    sync.WaitGroup
	wg       sync.WaitGroup
	stopping atomic.Bool

	// runCtx carries store calls and executions; it outlives the Start
	// context so in-flight work can drain, and is canceled when the drain
	// times out.
	runCtx    context.Context
	runCancel context.CancelFunc

	// acqCtx carries the acquisition loop's store calls and is canceled as
	// soon as Shutdown begins.
	acqCtx    context.Context
	acqCancel context.CancelFunc

	stats runtimeStats
}

// New creates a new executor instance. It fails with a
// *domain.ConfigurationError when cfg is invalid.
func New(cfg Config, store storage.Store, handler Handler, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, domain.NewConfigurationError("Store", "is required")
	}
	if handler == nil {
		return nil, domain.NewConfigurationError("Handler", "is required")
	}

	o := buildOptions(opts)

	owner := cfg.LockOwner
	if owner == "" {
		owner = generateLockOwner()
	}

	e := &Executor{
		cfg:      cfg,
		store:    store,
		handler:  handler,
		policy:   cfg.retryPolicy(),
		owner:    owner,
		logger:   o.logger.With(slog.String("lock_owner", owner)),
		clock:    o.clock,
		notifier: o.notifier,
		queue:    make(chan *domain.Job, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
	e.rejected = o.rejected
	if e.rejected == nil {
		e.rejected = e.releaseRejected
	}
	return e, nil
}

// generateLockOwner builds a process-unique lease owner id
func generateLockOwner() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "executor"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}

// LockOwner returns the id this executor writes into job leases
func (e *Executor) LockOwner() string {
	return e.owner
}

// Start begins acquiring and executing jobs. It returns immediately; the
// acquisition loop stops when ctx is canceled or Shutdown is called.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateIdle {
		return domain.ErrAlreadyStarted
	}
	e.state = stateRunning
	e.stats.running.Store(true)

	e.runCtx, e.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.acqCtx, e.acqCancel = context.WithCancel(e.runCtx)

	e.logger.Info("Starting executor",
		slog.Bool("activate", e.cfg.Activate),
		slog.Int("pool_size", e.cfg.PoolSize),
		slog.Int("queue_size", e.cfg.QueueSize),
		slog.Duration("acquire_interval", e.cfg.AcquireInterval),
		slog.Duration("lease_duration", e.cfg.LeaseDuration),
	)

	if !e.cfg.Activate {
		e.logger.Info("Executor not activated, acquisition disabled")
		return nil
	}

	e.spawnWorkerPool()

	e.acqWG.Add(1)
	go e.acquisitionLoop(ctx)

	return nil
}

// Shutdown stops acquisition, releases queued jobs that have not started and
// waits for in-flight executions up to ShutdownTimeout. Executions still
// running after that keep their leases, which expire on their own.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case stateIdle:
		e.mu.Unlock()
		return domain.ErrNotStarted
	case stateStopped:
		e.mu.Unlock()
		return nil
	}
	e.state = stateStopped
	e.mu.Unlock()

	e.logger.Info("Stopping executor...")
	defer e.stats.running.Store(false)

	if !e.cfg.Activate {
		e.acqCancel()
		e.runCancel()
		e.logger.Info("Executor stopped")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	defer cancel()

	e.stopping.Store(true)
	close(e.stopChan)
	e.acqCancel()

	if !waitGroup(ctx, &e.acqWG) {
		// The queue stays open; workers exit on runCtx.
		e.runCancel()
		e.logger.Warn("Executor shutdown timed out waiting for acquisition, leaving leases to expire")
		return fmt.Errorf("%w: %w", domain.ErrShutdownTimeout, ctx.Err())
	}

	// No more submissions after the acquisition loop exits.
	close(e.queue)
	released := 0
	for job := range e.queue {
		e.releaseQueued(job)
		released++
	}
	if released > 0 {
		e.logger.Info("Released queued jobs", slog.Int("count", released))
	}

	if !waitGroup(ctx, &e.wg) {
		e.runCancel()
		e.logger.Warn("Executor shutdown timed out, leaving remaining leases to expire",
			slog.Int64("in_flight", e.stats.inFlight.Load()),
		)
		return fmt.Errorf("%w: %w", domain.ErrShutdownTimeout, ctx.Err())
	}

	e.runCancel()
	e.logger.Info("Executor stopped")
	return nil
}

// waitGroup waits for wg until ctx is done. It reports whether wg finished.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// releaseQueued gives back the lease of a job that never started
func (e *Executor) releaseQueued(job *domain.Job) {
	if err := e.store.Release(e.runCtx, job.ID, e.owner, e.clock.Now()); err != nil && !errors.Is(err, domain.ErrLockLost) {
		e.logger.Warn("Failed to release queued job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

// releaseRejected is the default RejectedJobsHandler
func (e *Executor) releaseRejected(ctx context.Context, job *domain.Job) {
	if err := e.store.Release(ctx, job.ID, e.owner, e.clock.Now()); err != nil {
		e.logger.Warn("Failed to release rejected job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}
	e.logger.Debug("Released rejected job", slog.String("job_id", job.ID))
}
