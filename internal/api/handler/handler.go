package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/async-executor/internal/executor"
	"github.com/cuongbtq/async-executor/internal/executor/domain"
	"github.com/cuongbtq/async-executor/shared/postgresql"
)

// DatabaseHealth is the database view used by health and stats endpoints
type DatabaseHealth interface {
	HealthCheck(ctx context.Context) error
	Stats() postgresql.PoolStats
}

// BrokerHealth reports message broker connectivity
type BrokerHealth interface {
	IsConnected() bool
}

// StatsProvider exposes executor runtime stats
type StatsProvider interface {
	Stats() executor.StatsSnapshot
}

// Dependencies holds all dependencies needed by handlers.
// Database, Brokers and Executor are optional.
type Dependencies struct {
	Service  string
	Logger   *slog.Logger
	Client   *executor.Client
	Database DatabaseHealth
	Brokers  map[string]BrokerHealth
	Executor StatsProvider
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	client *executor.Client
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		client: deps.Client,
	}
}

// writeStoreError maps executor errors onto HTTP statuses
func writeStoreError(c *gin.Context, logger *slog.Logger, action string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrStoreUnavailable):
		logger.Error("Job store unavailable",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job store unavailable"})
	default:
		logger.Error("Failed to "+action, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + action})
	}
}
