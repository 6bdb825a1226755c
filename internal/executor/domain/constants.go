package domain

// JobStatus is the persisted lifecycle state of a job.
type JobStatus string

// Job status constants
const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusLocked     JobStatus = "LOCKED"
	JobStatusSuspended  JobStatus = "SUSPENDED"
	JobStatusDeadLetter JobStatus = "DEADLETTER"
)

// AllStatuses lists every status in display order.
var AllStatuses = []JobStatus{
	JobStatusPending,
	JobStatusLocked,
	JobStatusSuspended,
	JobStatusDeadLetter,
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusLocked, JobStatusSuspended, JobStatusDeadLetter:
		return true
	}
	return false
}

// EventType identifies an outcome reported to the notifier.
type EventType string

// Event type constants
const (
	EventCompleted    EventType = "job.completed"
	EventRescheduled  EventType = "job.rescheduled"
	EventDeadLettered EventType = "job.deadlettered"
)
