package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/response"
)

// HealthChecker is satisfied by *database.Health.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// HealthHandler reports dependency health for load balancers.
type HealthHandler struct {
	checker HealthChecker
	log     zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(checker HealthChecker, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{checker: checker, log: log.With().Str("component", "health_handler").Logger()}
}

// Health godoc
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.checker.Check(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Health check failed")
		response.FailWithDetails(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable, nil, gin.H{"status": "unavailable"})
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "ok"})
}
