package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/async-executor/internal/api/dto"
	"github.com/cuongbtq/async-executor/internal/executor"
)

// SystemHandler serves health and stats endpoints
type SystemHandler struct {
	service  string
	logger   *slog.Logger
	client   *executor.Client
	database DatabaseHealth
	brokers  map[string]BrokerHealth
	executor StatsProvider
}

// NewSystemHandler creates a new SystemHandler instance
func NewSystemHandler(deps *Dependencies) *SystemHandler {
	return &SystemHandler{
		service:  deps.Service,
		logger:   deps.Logger,
		client:   deps.Client,
		database: deps.Database,
		brokers:  deps.Brokers,
		executor: deps.Executor,
	}
}

// Health handles GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	healthy := true
	checks := gin.H{}

	if h.database != nil {
		if err := h.database.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("Database health check failed", slog.String("error", err.Error()))
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	for name, broker := range h.brokers {
		if broker.IsConnected() {
			checks[name] = "ok"
		} else {
			checks[name] = "disconnected"
			healthy = false
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":  status,
		"service": h.service,
		"checks":  checks,
	})
}

// GetStats handles GET /api/v1/stats
// Reports job counts per status plus executor and pool stats when available
func (h *SystemHandler) GetStats(c *gin.Context) {
	counts, err := h.client.Counts(c.Request.Context())
	if err != nil {
		writeStoreError(c, h.logger, "get stats", err)
		return
	}

	resp := dto.StatsResponse{Jobs: make(map[string]int, len(counts))}
	for status, n := range counts {
		resp.Jobs[string(status)] = n
	}

	if h.executor != nil {
		snapshot := h.executor.Stats()
		resp.Executor = &snapshot
	}
	if h.database != nil {
		pool := h.database.Stats()
		resp.Database = &pool
	}

	c.JSON(http.StatusOK, resp)
}
