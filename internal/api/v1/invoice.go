package v1

import (
	"fmt"
	"net/http"

	"github.com/agendapos/agendapos/internal/api/dto"
	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/agendapos/agendapos/internal/service"
	"github.com/agendapos/agendapos/internal/types"
	"github.com/gin-gonic/gin"
)

type InvoiceHandler struct {
	emissionService service.EmissionService
	retryService    service.RetryService
	logger          *logger.Logger
}

func NewInvoiceHandler(
	emissionService service.EmissionService,
	retryService service.RetryService,
	logger *logger.Logger,
) *InvoiceHandler {
	return &InvoiceHandler{
		emissionService: emissionService,
		retryService:    retryService,
		logger:          logger,
	}
}

// EmitInvoice turns a completed sale into a fiscal invoice. The response may
// carry a pending invoice when the authority could not be reached; the retry
// queue finishes the job later.
func (h *InvoiceHandler) EmitInvoice(c *gin.Context) {
	var req dto.EmitInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Errorw("failed to bind request", "error", err)
		c.Error(ierr.WithError(err).WithHint("invalid request").Mark(ierr.ErrValidation))
		return
	}

	resp, err := h.emissionService.EmitInvoice(c.Request.Context(), req)
	if err != nil {
		h.logger.Errorw("failed to emit invoice", "error", err)
		c.Error(err)
		return
	}

	status := http.StatusCreated
	if resp.InvoiceStatus == types.InvoiceStatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, resp)
}

// GetInvoice returns one invoice by id
func (h *InvoiceHandler) GetInvoice(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.Error(ierr.NewError("invalid invoice id").Mark(ierr.ErrValidation))
		return
	}

	resp, err := h.emissionService.GetInvoice(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ListInvoices lists the tenant's invoices with optional filtering
func (h *InvoiceHandler) ListInvoices(c *gin.Context) {
	var filter types.InvoiceFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.Error(ierr.WithError(err).WithHint("invalid filter parameters").Mark(ierr.ErrValidation))
		return
	}

	resp, err := h.emissionService.ListInvoices(c.Request.Context(), &filter)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetInvoiceDocument streams the printable PDF of an issued invoice
func (h *InvoiceHandler) GetInvoiceDocument(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.Error(ierr.NewError("invalid invoice id").Mark(ierr.ErrValidation))
		return
	}

	// Stored artifacts are served through a presigned link; inline bytes are
	// the fallback when no artifact exists.
	url, err := h.emissionService.GetInvoiceDocumentURL(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	if url != "" {
		c.Redirect(http.StatusTemporaryRedirect, url)
		return
	}

	doc, err := h.emissionService.GetInvoiceDocument(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=invoice-%s.pdf", id))
	c.Data(http.StatusOK, "application/pdf", doc)
}

// RetryInvoices processes the tenant's pending invoices, optionally targeting
// a single one.
func (h *InvoiceHandler) RetryInvoices(c *gin.Context) {
	var req dto.RetryInvoicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).WithHint("invalid request").Mark(ierr.ErrValidation))
		return
	}

	resp, err := h.retryService.RetryTenantInvoices(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorw("failed to retry invoices", "error", err)
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetRetryStatus reports the tenant's pending invoice queue
func (h *InvoiceHandler) GetRetryStatus(c *gin.Context) {
	ctx := c.Request.Context()

	resp, err := h.retryService.QueueStatus(ctx, types.GetTenantID(ctx))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
