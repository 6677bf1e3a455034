package router

import (
	"context"
	"net/http"
	"time"

	"github.com/clipflow/orchestrator/internal/api/handler"
	"github.com/clipflow/orchestrator/internal/webhook"
	"github.com/gin-gonic/gin"
)

// HealthChecker reports readiness of a backing dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, worker *webhook.Handler, db HealthChecker) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if db != nil {
			if err := db.HealthCheck(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "orchestrator-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	uploadHandler := handler.NewUploadHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a clip extraction job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// POST /api/v1/jobs/:job_id/upload - Open a chunked upload session
			jobs.POST("/:job_id/upload", uploadHandler.OpenSession)
		}

		uploads := v1.Group("/uploads")
		{
			uploads.POST("/:session_id/parts", uploadHandler.ReportPart)
			uploads.POST("/:session_id/complete", uploadHandler.CompleteSession)
			uploads.POST("/:session_id/abort", uploadHandler.AbortSession)
		}

		// POST /api/v1/posts - Create a social post job
		v1.POST("/posts", jobHandler.CreatePost)

		// Worker callback gateway: claim, progress, completion, failure.
		worker.Register(v1.Group("/worker"))
	}

	return r
}
