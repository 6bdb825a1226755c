package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
)

// acquisitionLoop runs one acquisition cycle per tick until stopped
func (e *Executor) acquisitionLoop(ctx context.Context) {
	defer e.acqWG.Done()

	ticker := time.NewTicker(e.cfg.AcquireInterval)
	defer ticker.Stop()

	e.runCycle()

	for {
		select {
		case <-e.stopChan:
			e.logger.Info("Acquisition loop stopped")
			return
		case <-ctx.Done():
			e.logger.Info("Acquisition loop stopped - context canceled")
			return
		case <-ticker.C:
			e.runCycle()
		}
	}
}

// runCycle finds due jobs, locks them and submits them to the pool. It never
// waits for executions. It returns the number of jobs submitted.
func (e *Executor) runCycle() int {
	if depth := len(e.queue); depth > e.cfg.LowWaterMark {
		e.stats.cyclesSkipped.Add(1)
		e.logger.Debug("Skipping acquisition, queue above low-water mark",
			slog.Int("queue_depth", depth),
			slog.Int("low_water_mark", e.cfg.LowWaterMark),
		)
		return 0
	}

	started := time.Now()
	submitted := e.acquire()
	e.stats.recordCycle(e.clock.Now(), time.Since(started))

	return submitted
}

func (e *Executor) acquire() int {
	ctx := e.acqCtx
	now := e.clock.Now()

	jobs, err := e.store.FindDue(ctx, now, e.cfg.MaxJobsPerAcquisition)
	if err != nil {
		e.logger.Error("Failed to find due jobs", slog.Any("error", err))
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	submitted := 0
	for _, job := range jobs {
		if e.stopping.Load() {
			break
		}

		ok, err := e.store.TryAcquireLock(ctx, job.ID, job.Version, e.owner, now, e.cfg.LeaseDuration)
		if err != nil {
			e.logger.Error("Failed to acquire job lock",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			return submitted
		}
		if !ok {
			e.stats.contention.Add(1)
			continue
		}

		locked := job.Clone()
		locked.Status = domain.JobStatusLocked
		locked.LockOwner = e.owner
		locked.LockExpiration = now.Add(e.cfg.LeaseDuration)
		locked.Version++
		e.stats.acquired.Add(1)

		select {
		case e.queue <- locked:
			submitted++
			e.logger.Debug("Job submitted to pool",
				slog.String("job_id", job.ID),
				slog.Time("due_time", job.DueTime),
			)
		default:
			// Queue full: hand this job back and leave the rest unlocked.
			e.stats.rejected.Add(1)
			e.logger.Warn("Execution queue full, rejecting job",
				slog.String("job_id", job.ID),
				slog.Int("queue_size", e.cfg.QueueSize),
			)
			e.rejected(ctx, locked)
			return submitted
		}
	}

	if submitted > 0 {
		e.logger.Debug("Acquisition cycle submitted jobs",
			slog.Int("found", len(jobs)),
			slog.Int("submitted", submitted),
		)
	}
	return submitted
}
