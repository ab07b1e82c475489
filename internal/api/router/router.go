package router

import (
	"github.com/cuongbtq/resqued/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger, "/health", "/metrics"))
	r.Use(CORSMiddleware())

	admin := handler.NewAdminHandler(deps)

	r.GET("/health", admin.Health)
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// GET /api/v1/workers - Worker states of the live pool
		v1.GET("/workers", admin.ListWorkers)

		// GET /api/v1/queues - Configured queues with pending depth
		v1.GET("/queues", admin.ListQueues)

		// POST /api/v1/queues/:queue/jobs - Enqueue a job
		v1.POST("/queues/:queue/jobs", admin.EnqueueJob)

		// GET /api/v1/jobs - List jobs with filtering and pagination
		v1.GET("/jobs", admin.ListJobs)
	}

	return r
}
