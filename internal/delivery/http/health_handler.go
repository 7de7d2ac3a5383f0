package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	sandbox Pinger
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(sandbox Pinger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{sandbox: sandbox, logger: logger}
}

// Health handles GET /api/v1/health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.sandbox.Ping(ctx); err != nil {
		h.logger.Warn("Sandbox health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"services": gin.H{
				"sandbox": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"services": gin.H{
			"sandbox": "ok",
		},
	})
}
