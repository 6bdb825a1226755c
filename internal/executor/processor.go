package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
)

// processJob runs one locked job and records its outcome. Failures never
// escape this function, so one job cannot disturb its siblings.
func (e *Executor) processJob(job *domain.Job) {
	ctx := e.runCtx
	log := e.logger.With(slog.String("job_id", job.ID))

	// Step 1: Re-validate the lease before running anything
	current, err := e.store.Get(ctx, job.ID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			log.Info("Job vanished before execution, skipping")
			return
		}
		log.Error("Failed to re-validate job lease", slog.Any("error", err))
		return
	}
	if !current.LeaseHeldBy(e.owner, e.clock.Now()) {
		e.stats.lockLost.Add(1)
		log.Warn("Job lease no longer held, skipping",
			slog.String("status", string(current.Status)),
			slog.String("current_owner", current.LockOwner),
		)
		return
	}

	log.Debug("Processing job", slog.Int("retry_count", current.RetryCount))

	// Step 2: Execute under the job timeout
	started := time.Now()
	effects, execErr := e.execute(ctx, current)
	if execErr == nil {
		// Step 3: Commit effects together with the job's deletion
		execErr = e.store.Complete(ctx, current.ID, e.owner, effects)
		if execErr == nil {
			e.stats.completed.Add(1)
			log.Info("Job completed successfully",
				slog.Duration("duration", time.Since(started)),
			)
			e.notify(ctx, domain.Event{
				Type:       domain.EventCompleted,
				JobID:      current.ID,
				RetryCount: current.RetryCount,
				OccurredAt: e.clock.Now(),
			})
			return
		}
		if e.storeOutcomeLost(log, "complete", execErr) {
			return
		}
		log.Warn("Failed to apply job effects", slog.Any("error", execErr))
	}

	// Step 4: Failure goes through the retry policy
	e.handleFailure(ctx, log, current, execErr)
}

// execute invokes the handler, converting panics into transient failures
func (e *Executor) execute(ctx context.Context, job *domain.Job) (effects []domain.Effect, err error) {
	if e.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.JobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Job handler panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			effects = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	effects, err = e.handler.Execute(ctx, job.Payload)
	if err == nil && ctx.Err() != nil {
		// The handler ignored cancellation; its result is not trusted.
		return nil, fmt.Errorf("job execution exceeded timeout: %w", ctx.Err())
	}
	return effects, err
}

func (e *Executor) handleFailure(ctx context.Context, log *slog.Logger, job *domain.Job, execErr error) {
	kind := domain.ClassifyFailure(execErr)
	decision := e.policy.Next(job.ID, job.RetryCount, kind)
	now := e.clock.Now()
	info := execErr.Error()

	if decision.DeadLetter {
		if err := e.store.MoveToDeadLetter(ctx, job.ID, e.owner, info, now); err != nil {
			e.storeOutcomeLost(log, "dead-letter", err)
			return
		}
		e.stats.deadLettered.Add(1)
		log.Warn("Job moved to dead letter",
			slog.String("failure", kind.String()),
			slog.Int("retry_count", decision.RetryCount),
			slog.Int("max_retries", e.cfg.MaxRetries),
			slog.String("error", info),
		)
		e.notify(ctx, domain.Event{
			Type:          domain.EventDeadLettered,
			JobID:         job.ID,
			RetryCount:    decision.RetryCount,
			ExceptionInfo: info,
			OccurredAt:    now,
		})
		return
	}

	dueTime := now.Add(decision.Delay)
	if err := e.store.Reschedule(ctx, job.ID, e.owner, dueTime, info, now); err != nil {
		e.storeOutcomeLost(log, "reschedule", err)
		return
	}
	e.stats.rescheduled.Add(1)
	log.Info("Job will be retried",
		slog.Int("retry_count", decision.RetryCount),
		slog.Int("max_retries", e.cfg.MaxRetries),
		slog.Duration("retry_after", decision.Delay),
		slog.String("error", info),
	)
	e.notify(ctx, domain.Event{
		Type:          domain.EventRescheduled,
		JobID:         job.ID,
		RetryCount:    decision.RetryCount,
		DueTime:       dueTime,
		ExceptionInfo: info,
		OccurredAt:    now,
	})
}

// storeOutcomeLost logs store errors that end the attempt without a
// recorded outcome and reports whether err was one of them. A lost lock
// means another owner has the job; an unreachable store leaves the lease to
// expire so the job is picked up again.
func (e *Executor) storeOutcomeLost(log *slog.Logger, op string, err error) bool {
	switch {
	case errors.Is(err, domain.ErrLockLost):
		e.stats.lockLost.Add(1)
		log.Warn("Job lease lost before outcome was recorded, dropping result",
			slog.String("op", op),
		)
		return true
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, context.Canceled):
		log.Error("Job store unavailable, leaving lease to expire",
			slog.String("op", op),
			slog.Any("error", err),
		)
		return true
	case errors.Is(err, domain.ErrJobNotFound):
		log.Info("Job removed before outcome was recorded", slog.String("op", op))
		return true
	}
	if op != "complete" {
		log.Error("Failed to record job outcome",
			slog.String("op", op),
			slog.Any("error", err),
		)
		return true
	}
	return false
}

func (e *Executor) notify(ctx context.Context, event domain.Event) {
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.logger.Warn("Failed to publish job event",
			slog.String("job_id", event.JobID),
			slog.String("event", string(event.Type)),
			slog.Any("error", err),
		)
	}
}
