package service

import (
	"context"
	"time"

	"github.com/agendapos/agendapos/internal/api/dto"
	"github.com/agendapos/agendapos/internal/domain/invoice"
	"github.com/agendapos/agendapos/internal/types"
)

// RetryService drains the pending invoice queue. Every attempt goes through a
// claim on the row first so a scheduled sweep and a manual retry can never
// both obtain an authorization for the same invoice.
type RetryService interface {
	// ProcessDueInvoices sweeps due pending invoices across all tenants
	ProcessDueInvoices(ctx context.Context, req *dto.RetryInvoicesRequest) (*dto.RetryInvoicesResponse, error)

	// RetryTenantInvoices processes the calling tenant's pending invoices,
	// optionally targeting a single one
	RetryTenantInvoices(ctx context.Context, req *dto.RetryInvoicesRequest) (*dto.RetryInvoicesResponse, error)

	// QueueStatus reports the size of the pending queue; an empty tenantID
	// reports across all tenants
	QueueStatus(ctx context.Context, tenantID string) (*dto.RetryQueueStatusResponse, error)
}

type retryService struct {
	ServiceParams
	emitter *emissionService
}

// NewRetryService creates a new retry service
func NewRetryService(params ServiceParams) RetryService {
	return &retryService{
		ServiceParams: params,
		emitter:       NewEmissionService(params).(*emissionService),
	}
}

func (s *retryService) ProcessDueInvoices(ctx context.Context, req *dto.RetryInvoicesRequest) (*dto.RetryInvoicesResponse, error) {
	if req == nil {
		req = &dto.RetryInvoicesRequest{}
	}
	return s.processBatch(ctx, &invoice.PendingQuery{
		Limit: normalizeLimit(req.Limit),
		AsOf:  time.Now().UTC(),
	})
}

func (s *retryService) RetryTenantInvoices(ctx context.Context, req *dto.RetryInvoicesRequest) (*dto.RetryInvoicesResponse, error) {
	if err := types.ValidateTenantContext(ctx); err != nil {
		return nil, err
	}
	if req == nil {
		req = &dto.RetryInvoicesRequest{}
	}

	return s.processBatch(ctx, &invoice.PendingQuery{
		TenantID:      types.GetTenantID(ctx),
		InvoiceID:     req.InvoiceID,
		IgnoreDueTime: req.Force,
		Limit:         normalizeLimit(req.Limit),
		AsOf:          time.Now().UTC(),
	})
}

// processBatch claims and processes each selected row sequentially. Rows are
// processed oldest first so numbering follows sale order as closely as the
// authority allows.
func (s *retryService) processBatch(ctx context.Context, pq *invoice.PendingQuery) (*dto.RetryInvoicesResponse, error) {
	rows, err := s.InvoiceRepo.ListDuePending(ctx, pq)
	if err != nil {
		return nil, err
	}

	resp := &dto.RetryInvoicesResponse{
		Results: make([]dto.RetryResultItem, 0, len(rows)),
	}

	for _, row := range rows {
		resp.Processed++
		resp.Results = append(resp.Results, s.processOne(ctx, row, resp))
	}

	resp.RetryIntervalMinutes = types.RetryIntervalMinutes
	if resp.Pending, err = s.InvoiceRepo.CountPending(ctx, pq.TenantID); err != nil {
		return nil, err
	}
	if resp.Overdue, err = s.InvoiceRepo.CountOverdue(ctx, pq.TenantID, time.Now().UTC()); err != nil {
		return nil, err
	}

	s.Logger.Infow("retry batch finished",
		"processed", resp.Processed,
		"issued", resp.Issued,
		"failed", resp.Failed,
		"invalid", resp.Invalid,
		"skipped", resp.Skipped,
		"still_pending", resp.Pending)

	return resp, nil
}

func (s *retryService) processOne(ctx context.Context, row *invoice.Invoice, resp *dto.RetryInvoicesResponse) dto.RetryResultItem {
	now := time.Now().UTC()

	claimed, err := s.InvoiceRepo.ClaimPending(ctx, row.ID, now, types.ClaimLeaseSeconds*time.Second)
	if err != nil {
		resp.Failed++
		return dto.RetryResultItem{InvoiceID: row.ID, Outcome: dto.RetryOutcomeFailed, Error: err.Error()}
	}
	if !claimed {
		// Already issued, voided, or another worker holds the row
		resp.Skipped++
		return dto.RetryResultItem{InvoiceID: row.ID, Outcome: dto.RetryOutcomeSkipped}
	}
	row.ClaimedAt = &now

	// The sweep runs without a tenant; attempts execute in the row's tenant
	rowCtx := types.SetTenantID(ctx, row.TenantID)

	payload, payloadErr := s.loadPayload(row)
	if payloadErr != nil {
		s.Logger.Errorw("pending invoice carries an unusable retry payload",
			"invoice_id", row.ID, "error", payloadErr)
		resp.Invalid++
		if err := s.emitter.recordFailure(rowCtx, row, payloadErr); err != nil {
			return dto.RetryResultItem{InvoiceID: row.ID, Outcome: dto.RetryOutcomeInvalid, Error: err.Error()}
		}
		return dto.RetryResultItem{InvoiceID: row.ID, Outcome: dto.RetryOutcomeInvalid, Error: payloadErr.Error()}
	}

	if attemptErr := s.emitter.attemptEmission(rowCtx, row, payload); attemptErr != nil {
		resp.Failed++
		if err := s.emitter.recordFailure(rowCtx, row, attemptErr); err != nil {
			s.Logger.Errorw("failed to record retry failure",
				"invoice_id", row.ID, "error", err)
		}
		return dto.RetryResultItem{InvoiceID: row.ID, Outcome: dto.RetryOutcomeFailed, Error: attemptErr.Error()}
	}

	resp.Issued++
	return dto.RetryResultItem{InvoiceID: row.ID, Outcome: dto.RetryOutcomeIssued}
}

// loadPayload decodes the stored retry payload, falling back to rebuilding it
// from the row's own snapshot columns when the stored one is missing or
// corrupt.
func (s *retryService) loadPayload(row *invoice.Invoice) (*invoice.Payload, error) {
	var stored string
	if row.RetryPayload != nil {
		stored = *row.RetryPayload
	}

	payload, err := invoice.DecodePayload(stored)
	if err == nil {
		return payload, nil
	}

	s.Logger.Warnw("stored retry payload unusable, rebuilding from invoice snapshot",
		"invoice_id", row.ID, "error", err)

	return invoice.ReconstructPayload(row)
}

func (s *retryService) QueueStatus(ctx context.Context, tenantID string) (*dto.RetryQueueStatusResponse, error) {
	now := time.Now().UTC()

	pending, err := s.InvoiceRepo.CountPending(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	overdue, err := s.InvoiceRepo.CountOverdue(ctx, tenantID, now)
	if err != nil {
		return nil, err
	}

	return &dto.RetryQueueStatusResponse{
		Pending: pending,
		Overdue: overdue,
		AsOf:    now,
	}, nil
}

// normalizeLimit applies the default batch size and the hard cap
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return types.RetrySweepDefaultLimit
	}
	if limit > types.RetrySweepMaxLimit {
		return types.RetrySweepMaxLimit
	}
	return limit
}
