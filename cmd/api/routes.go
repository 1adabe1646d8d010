package main

import (
	"context"
	"net/http"
	"time"

	"signaling-platform/internal/httpapi"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, rdb *redis.Client) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness requires a live store; without it every operation fails.
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Gateway-facing API. The socket gateway authenticates with a service
	// token, feeds inbound events in, and delivers the returned directives.
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.POST("/events", h.PostEvent)
		v1.POST("/connections", h.RegisterConnection)
		v1.POST("/connections/:connection_id/heartbeat", h.Heartbeat)
		v1.DELETE("/connections/:connection_id", h.Disconnect)
		v1.PUT("/tokens", h.PutTokens)
	}

	// Operational tooling, same service-token guard.
	ops := r.Group("/ops")
	ops.Use(authMW)
	{
		ops.GET("/calls/:call_id", h.GetCall)
		ops.POST("/cleanup", h.ForceCleanup)
		ops.GET("/presence/:user_id", h.GetPresence)
	}
}
