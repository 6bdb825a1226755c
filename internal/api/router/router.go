package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/async-executor/internal/api/handler"
)

// SetupRouter configures the admin API: job enqueue and administration,
// stats and health
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := newEngine(deps)

	jobHandler := handler.NewJobHandler(deps)
	systemHandler := handler.NewSystemHandler(deps)

	r.GET("/health", systemHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		v1.GET("/stats", systemHandler.GetStats)

		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs by due time
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/failures - Failed attempts, oldest first
			jobs.GET("/:job_id/failures", jobHandler.GetJobFailures)

			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
			jobs.POST("/:job_id/suspend", jobHandler.SuspendJob)
			jobs.POST("/:job_id/resume", jobHandler.ResumeJob)

			// POST /api/v1/jobs/:job_id/retry - Requeue a dead-lettered job
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
		}
	}

	return r
}

// SetupStatsRouter configures the read-only endpoints served next to a
// running executor
func SetupStatsRouter(deps *handler.Dependencies) *gin.Engine {
	r := newEngine(deps)

	systemHandler := handler.NewSystemHandler(deps)
	r.GET("/health", systemHandler.Health)
	r.GET("/api/v1/stats", systemHandler.GetStats)

	return r
}

func newEngine(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	return r
}
