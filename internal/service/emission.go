package service

import (
	"context"
	"time"

	"github.com/agendapos/agendapos/internal/api/dto"
	"github.com/agendapos/agendapos/internal/config"
	"github.com/agendapos/agendapos/internal/domain/invoice"
	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/fiscal"
	"github.com/agendapos/agendapos/internal/pdf"
	"github.com/agendapos/agendapos/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const lastErrorMaxLen = 500

// EmissionService turns completed sales into authorized fiscal invoices. A
// sale is never lost to authority trouble: when authorization cannot be
// obtained the invoice is persisted pending with a retry payload and picked up
// later by the retry queue.
type EmissionService interface {
	EmitInvoice(ctx context.Context, req dto.EmitInvoiceRequest) (*dto.InvoiceResponse, error)
	GetInvoice(ctx context.Context, id string) (*dto.InvoiceResponse, error)
	ListInvoices(ctx context.Context, filter *types.InvoiceFilter) (*dto.ListInvoicesResponse, error)
	GetInvoiceDocument(ctx context.Context, id string) ([]byte, error)

	// GetInvoiceDocumentURL returns a presigned download link for the stored
	// document artifact, or empty when none exists and the bytes must be
	// served inline.
	GetInvoiceDocumentURL(ctx context.Context, id string) (string, error)
}

type emissionService struct {
	ServiceParams
	resolver *fiscal.Resolver
}

// NewEmissionService creates a new emission service
func NewEmissionService(params ServiceParams) EmissionService {
	s := &emissionService{ServiceParams: params}
	if params.FiscalClient != nil {
		s.resolver = fiscal.NewResolver(params.FiscalClient, params.InvoiceRepo, params.Logger)
	}
	return s
}

func (s *emissionService) EmitInvoice(ctx context.Context, req dto.EmitInvoiceRequest) (*dto.InvoiceResponse, error) {
	if err := types.ValidateTenantContext(ctx); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.Config.Fiscal.Validate(); err != nil {
		return nil, err
	}

	// A sale flow may call emit more than once; hand back the invoice it
	// already produced instead of double-issuing.
	existing, err := s.InvoiceRepo.GetByOrigin(ctx, req.OriginKind, req.OriginID)
	if err != nil && !invoice.IsNotFoundError(err) {
		return nil, err
	}
	if existing != nil && existing.InvoiceKind == req.InvoiceKind &&
		existing.InvoiceStatus != types.InvoiceStatusVoided {
		s.Logger.Infow("origin already invoiced, returning existing invoice",
			"invoice_id", existing.ID,
			"origin_kind", req.OriginKind,
			"origin_id", req.OriginID)
		return dto.NewInvoiceResponse(existing), nil
	}

	payload := req.ToPayload()
	encoded, err := payload.Encode()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inv := &invoice.Invoice{
		ID:               types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE),
		InvoiceKind:      req.InvoiceKind,
		InvoiceStatus:    types.InvoiceStatusPending,
		CustomerName:     req.Customer.Name,
		CustomerSurname:  req.Customer.Surname,
		PaymentMethod:    req.PaymentMethod,
		Total:            req.Total,
		OriginKind:       req.OriginKind,
		OriginID:         req.OriginID,
		RelatedInvoiceID: req.RelatedInvoiceID,
		RetryPayload:     &encoded,
		ClaimedAt:        &now,
		Metadata:         req.Metadata,
		BaseModel:        types.GetDefaultBaseModel(ctx),
	}
	if req.DepositDiscount != nil {
		inv.DepositDiscount = *req.DepositDiscount
	}
	inv.LineItems = buildLineItems(ctx, inv, payload)

	if err := inv.Validate(); err != nil {
		return nil, err
	}
	if err := s.InvoiceRepo.Create(ctx, inv); err != nil {
		return nil, err
	}

	// The sale already completed; authorization failure leaves the invoice
	// pending for the retry queue rather than failing the request.
	if attemptErr := s.attemptEmission(ctx, inv, payload); attemptErr != nil {
		s.Logger.Warnw("invoice emission deferred to retry queue",
			"invoice_id", inv.ID,
			"error", attemptErr)
		if err := s.recordFailure(ctx, inv, attemptErr); err != nil {
			return nil, err
		}
	}

	return dto.NewInvoiceResponse(inv), nil
}

func buildLineItems(ctx context.Context, inv *invoice.Invoice, payload *invoice.Payload) []*invoice.LineItem {
	items := make([]*invoice.LineItem, 0, len(payload.Items)+len(payload.Adjustments))
	for _, item := range payload.Items {
		items = append(items, &invoice.LineItem{
			ID:          types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE_LINE_ITEM),
			InvoiceID:   inv.ID,
			Kind:        item.Kind,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Subtotal:    item.Subtotal,
			BaseModel:   types.GetDefaultBaseModel(ctx),
		})
	}
	// Adjustments become negative lines so line subtotals sum to the total
	for _, adj := range payload.Adjustments {
		items = append(items, &invoice.LineItem{
			ID:          types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE_LINE_ITEM),
			InvoiceID:   inv.ID,
			Kind:        types.LineKindAdjustment,
			Description: adj.Description,
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   adj.Amount.Neg(),
			Subtotal:    adj.Amount.Neg(),
			BaseModel:   types.GetDefaultBaseModel(ctx),
		})
	}
	return items
}

// attemptEmission drives one authorization attempt for a pending invoice. On
// success the row is updated to issued with its final numbering; the caller
// handles failure bookkeeping.
func (s *emissionService) attemptEmission(ctx context.Context, inv *invoice.Invoice, payload *invoice.Payload) error {
	cfg := s.Config.Fiscal
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.resolver == nil {
		return ierr.NewError("fiscal client is not configured").
			WithHint("The fiscal authority client failed to initialize").
			Mark(ierr.ErrConfiguration)
	}

	req, err := s.buildVoucherRequest(ctx, cfg, inv, payload)
	if err != nil {
		return err
	}

	result, err := s.resolver.Submit(ctx, req)
	if err != nil {
		return err
	}

	return s.markIssued(ctx, cfg, inv, req, result)
}

// buildVoucherRequest assembles the authority request from the payload
// snapshot and the tenant's fiscal configuration.
func (s *emissionService) buildVoucherRequest(ctx context.Context, cfg config.FiscalConfig, inv *invoice.Invoice, payload *invoice.Payload) (*fiscal.VoucherRequest, error) {
	voucherType := cfg.VoucherType
	if inv.InvoiceKind == types.InvoiceKindCreditNote {
		voucherType = cfg.CreditVoucherType
		if voucherType <= 0 {
			return nil, ierr.NewError("credit voucher type is not configured").
				WithHint("Configure the fiscal credit note voucher type code").
				Mark(ierr.ErrConfiguration)
		}
	}

	net, tax := taxBreakdown(payload.Total, cfg.TaxRate)

	req := &fiscal.VoucherRequest{
		PointOfSale:  cfg.PointOfSale,
		VoucherType:  voucherType,
		Concept:      int(classifyConcept(payload)),
		FiscalDate:   payload.GetFiscalDate(todayIn(cfg.GetTimezone())).Format(invoice.FiscalDateLayout),
		Total:        payload.Total,
		NetAmount:    net,
		TaxAmount:    tax,
		TaxRateID:    cfg.TaxRateID,
		CustomerName: customerDisplayName(payload),
	}

	if inv.InvoiceKind == types.InvoiceKindCreditNote && inv.RelatedInvoiceID != nil {
		related, err := s.InvoiceRepo.Get(ctx, *inv.RelatedInvoiceID)
		if err != nil {
			return nil, err
		}
		if related.InvoiceStatus != types.InvoiceStatusIssued {
			return nil, ierr.NewError("related invoice is not issued").
				WithHint("A credit note can only reverse an issued invoice").
				Mark(ierr.ErrInvalidOperation)
		}
		req.RelatedVouchers = []fiscal.RelatedVoucher{{
			PointOfSale:    *related.PointOfSale,
			VoucherType:    *related.VoucherType,
			SequenceNumber: *related.SequenceNumber,
		}}
	}

	return req, nil
}

// classifyConcept maps the sale's line kinds onto the authority's concept code
func classifyConcept(payload *invoice.Payload) types.FiscalConcept {
	hasProducts := lo.ContainsBy(payload.Items, func(i invoice.PayloadItem) bool {
		return i.Kind == types.LineKindProduct
	})
	hasServices := lo.ContainsBy(payload.Items, func(i invoice.PayloadItem) bool {
		return i.Kind == types.LineKindService || i.Kind == types.LineKindPenalty
	})

	switch {
	case hasProducts && hasServices:
		return types.FiscalConceptMixed
	case hasProducts:
		return types.FiscalConceptProducts
	default:
		return types.FiscalConceptServices
	}
}

// taxBreakdown splits a tax-inclusive total into net and tax at the given
// percentage rate, rounded to cents.
func taxBreakdown(total decimal.Decimal, rate decimal.Decimal) (net, tax decimal.Decimal) {
	if rate.IsZero() {
		return total, decimal.Zero
	}
	divisor := decimal.NewFromInt(1).Add(rate.Div(decimal.NewFromInt(100)))
	net = total.Div(divisor).Round(2)
	tax = total.Sub(net)
	return net, tax
}

func customerDisplayName(payload *invoice.Payload) string {
	if payload.Customer.Surname == "" {
		return payload.Customer.Name
	}
	return payload.Customer.Name + " " + payload.Customer.Surname
}

func todayIn(timezone string) time.Time {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	now := time.Now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// markIssued finalizes the invoice with its authority numbering and clears the
// retry bookkeeping. Document rendering failures never undo an issuance.
func (s *emissionService) markIssued(ctx context.Context, cfg config.FiscalConfig, inv *invoice.Invoice, req *fiscal.VoucherRequest, result *fiscal.Result) error {
	fiscalDate, err := time.Parse(invoice.FiscalDateLayout, result.FiscalDate)
	if err != nil {
		fiscalDate = todayIn(cfg.GetTimezone())
	}

	// Finalize on a copy so a failed write leaves the caller's row pending.
	// Failure bookkeeping must never land on an issued state.
	issued := *inv
	issued.InvoiceStatus = types.InvoiceStatusIssued
	issued.PointOfSale = lo.ToPtr(req.PointOfSale)
	issued.VoucherType = lo.ToPtr(req.VoucherType)
	issued.SequenceNumber = lo.ToPtr(result.SequenceNumber)
	issued.CAE = lo.ToPtr(result.CAE)
	issued.FiscalDate = lo.ToPtr(fiscalDate)
	if !result.CAEExpiry.IsZero() {
		issued.CAEExpiry = lo.ToPtr(result.CAEExpiry)
	}
	issued.RetryPayload = nil
	issued.NextRetryAt = nil
	issued.LastError = nil
	issued.ClaimedAt = nil

	s.renderDocument(ctx, cfg, &issued)

	if err := s.InvoiceRepo.Update(ctx, &issued); err != nil {
		// The authority granted the authorization but we could not record it.
		// This needs operator attention before the row is retried: a blind
		// retry would consume another voucher number.
		return ierr.WithError(err).
			WithHint("The voucher was authorized but could not be recorded").
			WithReportableDetails(map[string]any{
				"invoice_id": inv.ID,
				"number":     result.SequenceNumber,
				"cae":        result.CAE,
			}).
			Mark(ierr.ErrIssuedNotRecorded)
	}
	*inv = issued

	if inv.InvoiceKind == types.InvoiceKindCreditNote && inv.RelatedInvoiceID != nil {
		s.markRelatedCredited(ctx, *inv.RelatedInvoiceID)
	}

	s.Logger.Infow("invoice issued",
		"invoice_id", inv.ID,
		"point_of_sale", req.PointOfSale,
		"voucher_type", req.VoucherType,
		"number", result.SequenceNumber,
		"cae", result.CAE)

	return nil
}

func (s *emissionService) markRelatedCredited(ctx context.Context, relatedID string) {
	related, err := s.InvoiceRepo.Get(ctx, relatedID)
	if err != nil {
		s.Logger.Errorw("failed to load related invoice for crediting",
			"invoice_id", relatedID, "error", err)
		return
	}
	if related.InvoiceStatus != types.InvoiceStatusIssued {
		return
	}
	related.InvoiceStatus = types.InvoiceStatusCredited
	if err := s.InvoiceRepo.Update(ctx, related); err != nil {
		s.Logger.Errorw("failed to mark related invoice as credited",
			"invoice_id", relatedID, "error", err)
	}
}

// renderDocument renders and stores the printable invoice. Failures are
// logged and swallowed: the authorization is already final.
func (s *emissionService) renderDocument(ctx context.Context, cfg config.FiscalConfig, inv *invoice.Invoice) {
	if s.PDFGenerator == nil {
		return
	}

	data := s.buildDocumentData(cfg, inv)
	doc, err := s.PDFGenerator.RenderInvoice(ctx, data)
	if err != nil {
		s.Logger.Warnw("invoice document rendering failed",
			"invoice_id", inv.ID, "error", err)
		return
	}

	if s.S3 != nil {
		key, err := s.S3.UploadInvoiceDocument(ctx, inv.ID, doc)
		if err != nil {
			s.Logger.Warnw("invoice document upload failed",
				"invoice_id", inv.ID, "error", err)
			inv.Document = doc
			return
		}
		inv.DocumentRef = &key
		return
	}

	inv.Document = doc
}

func (s *emissionService) buildDocumentData(cfg config.FiscalConfig, inv *invoice.Invoice) *pdf.InvoiceData {
	net, tax := taxBreakdown(inv.Total, cfg.TaxRate)

	data := &pdf.InvoiceData{
		ID:            inv.ID,
		BusinessName:  cfg.BusinessName,
		BusinessTaxID: cfg.TaxID,
		BusinessAddr:  cfg.BusinessAddress,
		FooterText:    cfg.BusinessFooter,
		CustomerName:  inv.CustomerName + " " + inv.CustomerSurname,
		PaymentMethod: inv.PaymentMethod,
		IsCreditNote:  inv.InvoiceKind == types.InvoiceKindCreditNote,
		NetAmount:     net,
		TaxAmount:     tax,
		TaxRate:       cfg.TaxRate,
		Total:         inv.Total,
	}
	if inv.PointOfSale != nil {
		data.PointOfSale = *inv.PointOfSale
	}
	if inv.VoucherType != nil {
		data.VoucherType = *inv.VoucherType
	}
	if inv.SequenceNumber != nil {
		data.SequenceNumber = *inv.SequenceNumber
	}
	if inv.CAE != nil {
		data.CAE = *inv.CAE
	}
	if inv.CAEExpiry != nil {
		data.CAEExpiry = inv.CAEExpiry.Format(invoice.FiscalDateLayout)
	}
	if inv.FiscalDate != nil {
		data.FiscalDate = inv.FiscalDate.Format(invoice.FiscalDateLayout)
	}
	for _, item := range inv.LineItems {
		data.Lines = append(data.Lines, pdf.InvoiceLine{
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Subtotal:    item.Subtotal,
		})
	}
	return data
}

// recordFailure pushes a pending invoice forward on the retry schedule and
// releases its claim.
func (s *emissionService) recordFailure(ctx context.Context, inv *invoice.Invoice, attemptErr error) error {
	now := time.Now().UTC()
	msg := attemptErr.Error()
	if len(msg) > lastErrorMaxLen {
		msg = msg[:lastErrorMaxLen]
	}

	inv.AttemptCount++
	inv.LastError = &msg
	inv.LastAttemptAt = &now
	inv.NextRetryAt = lo.ToPtr(now.Add(types.RetryIntervalMinutes * time.Minute))
	inv.ClaimedAt = nil

	if ierr.Is(attemptErr, ierr.ErrIssuedNotRecorded) {
		// The voucher exists at the authority but our record write failed. A
		// blind resubmission would consume a second number, so the row is
		// parked out of the normal retry window until an operator intervenes.
		inv.NextRetryAt = lo.ToPtr(now.Add(24 * time.Hour))
		s.Logger.Errorw("invoice authorized but not recorded, parked for operator review",
			"invoice_id", inv.ID,
			"error", attemptErr)
	}

	return s.InvoiceRepo.Update(ctx, inv)
}

func (s *emissionService) GetInvoice(ctx context.Context, id string) (*dto.InvoiceResponse, error) {
	if err := types.ValidateTenantContext(ctx); err != nil {
		return nil, err
	}

	inv, err := s.InvoiceRepo.Get(ctx, id)
	if err != nil {
		if invoice.IsNotFoundError(err) {
			return nil, ierr.NewError("invoice not found").
				WithHint("The requested invoice does not exist").
				Mark(ierr.ErrNotFound)
		}
		return nil, err
	}
	return dto.NewInvoiceResponse(inv), nil
}

func (s *emissionService) ListInvoices(ctx context.Context, filter *types.InvoiceFilter) (*dto.ListInvoicesResponse, error) {
	if err := types.ValidateTenantContext(ctx); err != nil {
		return nil, err
	}
	if filter == nil {
		filter = types.NewInvoiceFilter()
	}

	invoices, err := s.InvoiceRepo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.InvoiceRepo.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	resp := &dto.ListInvoicesResponse{
		Items:  make([]*dto.InvoiceResponse, 0, len(invoices)),
		Total:  total,
		Limit:  filter.GetLimit(),
		Offset: filter.GetOffset(),
	}
	for _, inv := range invoices {
		resp.Items = append(resp.Items, dto.NewInvoiceResponse(inv))
	}
	return resp, nil
}

func (s *emissionService) GetInvoiceDocument(ctx context.Context, id string) ([]byte, error) {
	if err := types.ValidateTenantContext(ctx); err != nil {
		return nil, err
	}

	inv, err := s.InvoiceRepo.Get(ctx, id)
	if err != nil {
		if invoice.IsNotFoundError(err) {
			return nil, ierr.NewError("invoice not found").
				WithHint("The requested invoice does not exist").
				Mark(ierr.ErrNotFound)
		}
		return nil, err
	}
	if inv.InvoiceStatus == types.InvoiceStatusPending || inv.InvoiceStatus == types.InvoiceStatusVoided {
		return nil, ierr.NewError("invoice has no document").
			WithHint("Only issued invoices have a printable document").
			Mark(ierr.ErrInvalidOperation)
	}

	if len(inv.Document) > 0 {
		return inv.Document, nil
	}
	if inv.DocumentRef != nil && s.S3 != nil {
		return s.S3.GetInvoiceDocument(ctx, inv.ID)
	}

	// No stored artifact; render on demand
	if s.PDFGenerator == nil {
		return nil, ierr.NewError("document rendering is not available").
			WithHint("No stored document exists and the renderer is disabled").
			Mark(ierr.ErrSystem)
	}
	return s.PDFGenerator.RenderInvoice(ctx, s.buildDocumentData(s.Config.Fiscal, inv))
}

func (s *emissionService) GetInvoiceDocumentURL(ctx context.Context, id string) (string, error) {
	if err := types.ValidateTenantContext(ctx); err != nil {
		return "", err
	}

	inv, err := s.InvoiceRepo.Get(ctx, id)
	if err != nil {
		if invoice.IsNotFoundError(err) {
			return "", ierr.NewError("invoice not found").
				WithHint("The requested invoice does not exist").
				Mark(ierr.ErrNotFound)
		}
		return "", err
	}
	if inv.InvoiceStatus == types.InvoiceStatusPending || inv.InvoiceStatus == types.InvoiceStatusVoided {
		return "", ierr.NewError("invoice has no document").
			WithHint("Only issued invoices have a printable document").
			Mark(ierr.ErrInvalidOperation)
	}

	if inv.DocumentRef == nil || s.S3 == nil {
		return "", nil
	}

	exists, err := s.S3.Exists(ctx, inv.ID)
	if err != nil || !exists {
		if err != nil {
			s.Logger.Warnw("artifact store lookup failed, serving document inline",
				"invoice_id", inv.ID, "error", err)
		}
		return "", nil
	}
	return s.S3.GetPresignedURL(ctx, inv.ID)
}
