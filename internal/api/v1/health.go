package v1

import (
	"net/http"

	"github.com/agendapos/agendapos/internal/logger"
	"github.com/agendapos/agendapos/internal/postgres"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	db     *postgres.DB
	logger *logger.Logger
}

func NewHealthHandler(db *postgres.DB, logger *logger.Logger) *HealthHandler {
	return &HealthHandler{db: db, logger: logger}
}

// Health reports process liveness and database reachability
func (h *HealthHandler) Health(c *gin.Context) {
	if err := h.db.PingContext(c.Request.Context()); err != nil {
		h.logger.Errorw("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
