package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health handles GET /health
// Reports 200 while the broker connection is up and 503 otherwise
func (h *HealthHandler) Health(c *gin.Context) {
	state := h.broker.State()
	healthy := h.broker.IsConnected()

	body := gin.H{
		"service":   h.serviceName,
		"worker_id": h.workerID,
		"state":     string(state),
	}

	if h.database != nil {
		if err := h.database.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("Dead-letter database unhealthy",
				slog.String("error", err.Error()),
			)
			body["database"] = "unhealthy"
			healthy = false
		} else {
			body["database"] = "healthy"
		}
	}

	if h.deadLetters != nil {
		if count, err := h.deadLetters.CountDeadLetters(c.Request.Context()); err == nil {
			body["dead_letters"] = count
		}
	}

	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}

	body["status"] = "healthy"
	c.JSON(http.StatusOK, body)
}

// Live handles GET /live
// The process is alive as long as it can answer
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "alive",
		"service": h.serviceName,
	})
}
