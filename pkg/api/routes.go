package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRouter configures the Gin router with all status routes. metrics may
// be nil.
func SetupRouter(handler *APIHandler, metrics http.Handler) *gin.Engine {
	router := gin.Default()
	router.Use(CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/run", handler.GetRunHandler)
		apiGroup.GET("/steps", handler.ListStepsHandler)
		apiGroup.GET("/steps/:stepName", handler.GetStepHandler)
		apiGroup.GET("/events/stream", handler.EventsStreamHandler)

		apiGroup.GET("/releases", handler.ListReleasesHandler)
		apiGroup.GET("/releases/:releaseName/status", handler.GetReleaseStatusHandler)
	}
	return router
}

// CORSMiddleware allows read-only cross-origin access to the status API.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Accept")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
