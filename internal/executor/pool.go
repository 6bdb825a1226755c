package executor

import (
	"fmt"
	"log/slog"

	"github.com/cuongbtq/async-executor/internal/executor/domain"
)

// spawnWorkerPool spawns PoolSize worker goroutines reading the execution queue
func (e *Executor) spawnWorkerPool() {
	e.logger.Info("Spawning worker pool",
		slog.Int("pool_size", e.cfg.PoolSize),
	)

	for i := 0; i < e.cfg.PoolSize; i++ {
		e.wg.Add(1)
		go e.workerLoop(i)
	}
}

// workerLoop is the main processing loop for each worker goroutine. It
// exits when the queue is closed by Shutdown or the drain times out.
func (e *Executor) workerLoop(workerNum int) {
	defer e.wg.Done()

	workerName := fmt.Sprintf("%s-%d", e.owner, workerNum)
	e.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		var job *domain.Job
		select {
		case j, ok := <-e.queue:
			if !ok {
				e.logger.Debug("Worker goroutine stopping - queue closed",
					slog.String("worker_name", workerName),
				)
				return
			}
			job = j
		case <-e.runCtx.Done():
			return
		}

		if e.stopping.Load() {
			// Shutting down: queued jobs are handed back instead of started.
			e.releaseQueued(job)
			continue
		}

		e.stats.inFlight.Add(1)
		e.processJob(job)
		e.stats.inFlight.Add(-1)
	}
}
