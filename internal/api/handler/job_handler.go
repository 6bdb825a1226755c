package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/async-executor/internal/api/dto"
	"github.com/cuongbtq/async-executor/internal/executor/domain"
	"github.com/cuongbtq/async-executor/internal/executor/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Enqueues a new job, due now unless due_time is given
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	msg := domain.IntakeMessage{Payload: req.Payload, DueTime: req.DueTime}
	if err := msg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	var dueTime time.Time
	if msg.DueTime != nil {
		dueTime = *msg.DueTime
	}

	jobID, err := h.client.Enqueue(c.Request.Context(), msg.Payload, dueTime)
	if err != nil {
		writeStoreError(c, h.logger, "create job", err)
		return
	}

	job, err := h.client.Get(c.Request.Context(), jobID)
	if err != nil {
		writeStoreError(c, h.logger, "create job", err)
		return
	}

	c.JSON(http.StatusCreated, dto.EnqueueJobResponse{
		JobID:   job.ID,
		Status:  string(job.Status),
		DueTime: job.DueTime.UTC().Format(time.RFC3339Nano),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.client.Get(c.Request.Context(), jobID)
	if err != nil {
		writeStoreError(c, h.logger, "get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// GetJobFailures handles GET /api/v1/jobs/:job_id/failures
func (h *JobHandler) GetJobFailures(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	failures, err := h.client.Failures(c.Request.Context(), jobID)
	if err != nil {
		writeStoreError(c, h.logger, "get job failures", err)
		return
	}

	resp := dto.FailuresResponse{
		JobID:    jobID,
		Failures: make([]dto.FailureDTO, len(failures)),
	}
	for i, f := range failures {
		resp.Failures[i] = dto.NewFailureDTO(f)
	}

	c.JSON(http.StatusOK, resp)
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs by due time with optional status filter and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	status := domain.JobStatus(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, next, err := h.client.List(c.Request.Context(), storage.JobFilter{
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		writeStoreError(c, h.logger, "list jobs", err)
		return
	}

	resp := dto.ListJobsResponse{
		Jobs: make([]dto.JobDTO, len(jobs)),
	}
	for i, job := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(job)
	}
	if next != nil {
		resp.NextCursor = EncodeJobCursor(next)
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Deletes a job that is not currently locked by an executor
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	removed, err := h.client.Cancel(c.Request.Context(), jobID)
	if err != nil {
		writeStoreError(c, h.logger, "cancel job", err)
		return
	}

	if !removed {
		// Either gone already or held by an executor.
		if _, err := h.client.Get(c.Request.Context(), jobID); err != nil {
			writeStoreError(c, h.logger, "cancel job", err)
			return
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":  "job is locked by an executor",
			"job_id": jobID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":   jobID,
		"canceled": true,
	})
}

// SuspendJob handles POST /api/v1/jobs/:job_id/suspend
func (h *JobHandler) SuspendJob(c *gin.Context) {
	h.transition(c, "suspend job", h.client.Suspend)
}

// ResumeJob handles POST /api/v1/jobs/:job_id/resume
func (h *JobHandler) ResumeJob(c *gin.Context) {
	h.transition(c, "resume job", h.client.Resume)
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Requeues a dead-lettered job with a fresh retry budget
func (h *JobHandler) RetryJob(c *gin.Context) {
	h.transition(c, "retry job", h.client.RetryDeadLetter)
}

func (h *JobHandler) transition(c *gin.Context, action string, apply func(ctx context.Context, jobID string) error) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := apply(c.Request.Context(), jobID); err != nil {
		writeStoreError(c, h.logger, action, err)
		return
	}

	job, err := h.client.Get(c.Request.Context(), jobID)
	if err != nil {
		writeStoreError(c, h.logger, action, err)
		return
	}

	h.logger.Info("Job status changed",
		slog.String("action", action),
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)),
	)

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// jobID validates the job_id path parameter, writing a 400 when it is not a UUID
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}
