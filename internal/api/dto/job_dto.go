package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/async-executor/internal/executor"
	"github.com/cuongbtq/async-executor/internal/executor/domain"
	"github.com/cuongbtq/async-executor/shared/postgresql"
)

type EnqueueJobRequest struct {
	Payload json.RawMessage `json:"payload" binding:"required"`
	DueTime *time.Time      `json:"due_time"`
}

type EnqueueJobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	DueTime string `json:"due_time"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string          `json:"job_id"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	DueTime        string          `json:"due_time"`
	LockOwner      string          `json:"lock_owner,omitempty"`
	LockExpiration string          `json:"lock_expiration,omitempty"`
	RetryCount     int             `json:"retry_count"`
	ExceptionInfo  string          `json:"exception_info,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

type FailureDTO struct {
	Attempt       int    `json:"attempt"`
	ExceptionInfo string `json:"exception_info"`
	FailedAt      string `json:"failed_at"`
}

type FailuresResponse struct {
	JobID    string       `json:"job_id"`
	Failures []FailureDTO `json:"failures"`
}

type StatsResponse struct {
	Jobs     map[string]int          `json:"jobs"`
	Executor *executor.StatsSnapshot `json:"executor,omitempty"`
	Database *postgresql.PoolStats   `json:"database,omitempty"`
}

// NewJobDTO converts a job for the wire. Payloads that are not valid JSON
// are sent base64 encoded as a JSON string.
func NewJobDTO(job *domain.Job) JobDTO {
	d := JobDTO{
		JobID:         job.ID,
		Payload:       encodePayload(job.Payload),
		Status:        string(job.Status),
		DueTime:       job.DueTime.UTC().Format(time.RFC3339Nano),
		LockOwner:     job.LockOwner,
		RetryCount:    job.RetryCount,
		ExceptionInfo: job.ExceptionInfo,
		Version:       job.Version,
		CreatedAt:     job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !job.LockExpiration.IsZero() {
		d.LockExpiration = job.LockExpiration.UTC().Format(time.RFC3339)
	}
	return d
}

func NewFailureDTO(f domain.Failure) FailureDTO {
	return FailureDTO{
		Attempt:       f.Attempt,
		ExceptionInfo: f.ExceptionInfo,
		FailedAt:      f.FailedAt.UTC().Format(time.RFC3339),
	}
}

func encodePayload(payload []byte) json.RawMessage {
	if len(payload) > 0 && json.Valid(payload) {
		return json.RawMessage(payload)
	}
	encoded, _ := json.Marshal(payload)
	return encoded
}
