// services/tracking/internal/api/routes.go
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, apiToken string, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(CORS())

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	// API v1
	v1 := router.Group("/api/v1")
	v1.Use(RateLimiter(100)) // 100 requests per minute per IP
	v1.Use(TokenAuthentication(apiToken))
	{
		fleet := v1.Group("/fleet")
		{
			fleet.GET("/devices", handlers.ListDevices)
			fleet.GET("/devices/:id", handlers.GetDevice)
			fleet.GET("/devices/:id/history", handlers.GetDeviceHistory)
			fleet.GET("/vehicles", handlers.GetVehicles)
			fleet.GET("/summary", handlers.GetSummary)
			fleet.GET("/buckets/:status", handlers.GetBucket)
			fleet.GET("/stream", handlers.StreamSnapshots)
		}

		admin := v1.Group("/admin")
		{
			admin.GET("/stats", handlers.GetSystemStats)
		}
	}
}
