package cron

import (
	"net/http"
	"strconv"

	"github.com/agendapos/agendapos/internal/api/dto"
	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/agendapos/agendapos/internal/service"
	"github.com/gin-gonic/gin"
)

// InvoiceHandler handles invoice related cron jobs
type InvoiceHandler struct {
	retryService service.RetryService
	logger       *logger.Logger
}

// NewInvoiceHandler creates a new invoice cron handler
func NewInvoiceHandler(retryService service.RetryService, logger *logger.Logger) *InvoiceHandler {
	return &InvoiceHandler{
		retryService: retryService,
		logger:       logger,
	}
}

// ProcessPendingInvoices sweeps due pending invoices across all tenants
func (h *InvoiceHandler) ProcessPendingInvoices(c *gin.Context) {
	h.logger.Infow("starting pending invoice retry sweep")

	req := &dto.RetryInvoicesRequest{}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.Error(ierr.WithError(err).WithHint("limit must be an integer").Mark(ierr.ErrValidation))
			return
		}
		req.Limit = limit
	}

	resp, err := h.retryService.ProcessDueInvoices(c.Request.Context(), req)
	if err != nil {
		h.logger.Errorw("pending invoice retry sweep failed", "error", err)
		c.Error(err)
		return
	}

	h.logger.Infow("completed pending invoice retry sweep",
		"processed", resp.Processed,
		"issued", resp.Issued,
		"failed", resp.Failed,
		"skipped", resp.Skipped)

	c.JSON(http.StatusOK, resp)
}

// GetQueueStatus reports the global pending invoice queue
func (h *InvoiceHandler) GetQueueStatus(c *gin.Context) {
	resp, err := h.retryService.QueueStatus(c.Request.Context(), "")
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
