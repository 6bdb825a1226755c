package executor

import (
	"sync"
	"sync/atomic"
	"time"
)

type runtimeStats struct {
	running       atomic.Bool
	inFlight      atomic.Int64
	cyclesSkipped atomic.Int64
	acquired      atomic.Int64
	contention    atomic.Int64
	rejected      atomic.Int64
	completed     atomic.Int64
	rescheduled   atomic.Int64
	deadLettered  atomic.Int64
	lockLost      atomic.Int64

	mu                sync.Mutex
	lastCycleAt       time.Time
	lastCycleDuration time.Duration
}

func (s *runtimeStats) recordCycle(at time.Time, d time.Duration) {
	s.mu.Lock()
	s.lastCycleAt = at
	s.lastCycleDuration = d
	s.mu.Unlock()
}

// StatsSnapshot captures executor runtime stats.
type StatsSnapshot struct {
	LockOwner         string        `json:"lock_owner"`
	Running           bool          `json:"running"`
	Activated         bool          `json:"activated"`
	QueueDepth        int           `json:"queue_depth"`
	InFlight          int64         `json:"in_flight"`
	LastCycleAt       time.Time     `json:"last_cycle_at"`
	LastCycleDuration time.Duration `json:"last_cycle_duration_ns"`
	CyclesSkipped     int64         `json:"cycles_skipped"`
	Acquired          int64         `json:"acquired"`
	LockContention    int64         `json:"lock_contention"`
	Rejected          int64         `json:"rejected"`
	Completed         int64         `json:"completed"`
	Rescheduled       int64         `json:"rescheduled"`
	DeadLettered      int64         `json:"dead_lettered"`
	LockLost          int64         `json:"lock_lost"`
}

// Stats returns a snapshot of executor runtime stats. Job counts per status
// come from the store through Client.Counts.
func (e *Executor) Stats() StatsSnapshot {
	e.stats.mu.Lock()
	lastAt, lastDur := e.stats.lastCycleAt, e.stats.lastCycleDuration
	e.stats.mu.Unlock()

	return StatsSnapshot{
		LockOwner:         e.owner,
		Running:           e.stats.running.Load(),
		Activated:         e.cfg.Activate,
		QueueDepth:        len(e.queue),
		InFlight:          e.stats.inFlight.Load(),
		LastCycleAt:       lastAt,
		LastCycleDuration: lastDur,
		CyclesSkipped:     e.stats.cyclesSkipped.Load(),
		Acquired:          e.stats.acquired.Load(),
		LockContention:    e.stats.contention.Load(),
		Rejected:          e.stats.rejected.Load(),
		Completed:         e.stats.completed.Load(),
		Rescheduled:       e.stats.rescheduled.Load(),
		DeadLettered:      e.stats.deadLettered.Load(),
		LockLost:          e.stats.lockLost.Load(),
	}
}
