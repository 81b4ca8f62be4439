package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/harborview/inspection-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes.
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "inspection-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		inspections := v1.Group("/inspections")
		{
			// POST /api/v1/inspections/:inspection_id/analyze - enqueue photo analysis
			inspections.POST("/:inspection_id/analyze", jobHandler.AnalyzeInspection)

			// GET /api/v1/inspections/:inspection_id/events - live job events (SSE)
			inspections.GET("/:inspection_id/events", jobHandler.StreamEvents)
		}

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - list jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		// GET /api/v1/queue/stats - broker depth and connectivity
		v1.GET("/queue/stats", jobHandler.QueueStats)
	}

	return r
}
