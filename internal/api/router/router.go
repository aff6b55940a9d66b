package router

import (
	"github.com/cuongbtq/campaign-worker/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures and returns the Gin router for the probe server
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger, "/health", "/live", "/metrics"))

	healthHandler := handler.NewHealthHandler(deps)

	// GET /health - broker (and database) readiness
	r.GET("/health", healthHandler.Health)

	// GET /live - process liveness
	r.GET("/live", healthHandler.Live)

	// GET /metrics - Prometheus exposition
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	return r
}
