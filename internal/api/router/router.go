package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/video-publisher/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "publish-admin",
		})
	})

	requestHandler := handler.NewRequestHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		requests := v1.Group("/requests")
		{
			// GET /api/v1/requests - List publish requests with filtering and pagination
			requests.GET("", requestHandler.ListRequests)

			// GET /api/v1/requests/:id - Get publish request details
			requests.GET("/:id", requestHandler.GetRequest)

			// POST /api/v1/requests/:id/retry - Re-run a failed publish request
			requests.POST("/:id/retry", requestHandler.RetryRequest)
		}
	}

	return r
}

// SetupOpsRouter configures the worker's operational endpoints: liveness,
// readiness and Prometheus metrics
func SetupOpsRouter(deps *OpsDependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "publish-worker",
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		if deps.Ready != nil {
			if err := deps.Ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unavailable",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return r
}
