package service

import (
	"context"
	"testing"
	"time"

	"github.com/agendapos/agendapos/internal/api/dto"
	"github.com/agendapos/agendapos/internal/config"
	"github.com/agendapos/agendapos/internal/domain/invoice"
	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/fiscal"
	"github.com/agendapos/agendapos/internal/testutil"
	"github.com/agendapos/agendapos/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type EmissionServiceSuite struct {
	testutil.BaseServiceTestSuite
	service   EmissionService
	authority *testutil.FakeAuthorityClient
	pdfGen    *testutil.MockPDFGenerator
	artifacts *testutil.InMemoryArtifactStore
}

func TestEmissionService(t *testing.T) {
	suite.Run(t, new(EmissionServiceSuite))
}

func (s *EmissionServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()

	s.authority = testutil.NewFakeAuthorityClient()
	s.pdfGen = testutil.NewMockPDFGenerator()
	s.artifacts = testutil.NewInMemoryArtifactStore()
	s.service = NewEmissionService(s.params(s.GetConfig()))
}

func (s *EmissionServiceSuite) params(cfg *config.Configuration) ServiceParams {
	return ServiceParams{
		Logger:       s.GetLogger(),
		Config:       cfg,
		PDFGenerator: s.pdfGen,
		S3:           s.artifacts,
		FiscalClient: s.authority,
		InvoiceRepo:  s.GetStores().InvoiceRepo,
	}
}

func emitRequest() dto.EmitInvoiceRequest {
	return dto.EmitInvoiceRequest{
		Customer: dto.EmitCustomer{Name: "Ana", Surname: "García"},
		Items: []dto.EmitLineItem{
			{
				Kind:        types.LineKindService,
				Description: "Consultation",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   decimal.NewFromFloat(1210),
				Subtotal:    decimal.NewFromFloat(1210),
			},
		},
		PaymentMethod: "card",
		Total:         decimal.NewFromFloat(1210),
		OriginKind:    types.OriginKindAppointmentPayment,
		OriginID:      "apt_001",
	}
}

func (s *EmissionServiceSuite) TestEmitInvoiceIssued() {
	s.authority.SetLastNumber(3, 6, 41)

	resp, err := s.service.EmitInvoice(s.GetContext(), emitRequest())
	s.NoError(err)
	s.Require().NotNil(resp)

	s.Equal(types.InvoiceStatusIssued, resp.InvoiceStatus)
	s.Require().NotNil(resp.SequenceNumber)
	s.Equal(int64(42), *resp.SequenceNumber)
	s.Equal(3, *resp.PointOfSale)
	s.Equal(6, *resp.VoucherType)
	s.NotNil(resp.CAE)
	s.Nil(resp.RetryPayload)
	s.Nil(resp.NextRetryAt)
	s.Nil(resp.ClaimedAt)

	// The printable document was rendered and stored
	s.Equal(1, s.pdfGen.RenderCalls)
	s.Require().NotNil(resp.DocumentRef)

	stored, err := s.GetStores().InvoiceRepo.Get(s.GetContext(), resp.ID)
	s.NoError(err)
	s.Equal(types.InvoiceStatusIssued, stored.InvoiceStatus)
}

func (s *EmissionServiceSuite) TestEmitInvoiceIdempotentByOrigin() {
	first, err := s.service.EmitInvoice(s.GetContext(), emitRequest())
	s.NoError(err)

	second, err := s.service.EmitInvoice(s.GetContext(), emitRequest())
	s.NoError(err)

	s.Equal(first.ID, second.ID)
	s.Equal(1, s.authority.CreateVoucherCalls)

	count, err := s.GetStores().InvoiceRepo.Count(s.GetContext(), types.NewNoLimitInvoiceFilter())
	s.NoError(err)
	s.Equal(1, count)
}

func (s *EmissionServiceSuite) TestEmitInvoiceAuthorityDownLeavesPending() {
	s.authority.CreateVoucherFn = func(_ context.Context, _ *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		authorityErr := &fiscal.AuthorityError{
			Message:  "connection timed out",
			Category: fiscal.CategoryUnavailable,
		}
		return nil, authorityErr.AsError()
	}

	before := time.Now().UTC()
	resp, err := s.service.EmitInvoice(s.GetContext(), emitRequest())

	// The sale already happened; the caller gets a pending invoice, not an error
	s.NoError(err)
	s.Require().NotNil(resp)
	s.Equal(types.InvoiceStatusPending, resp.InvoiceStatus)
	s.Nil(resp.SequenceNumber)
	s.Nil(resp.CAE)
	s.Equal(1, resp.AttemptCount)
	s.NotNil(resp.LastError)
	s.Nil(resp.ClaimedAt)

	s.Require().NotNil(resp.NextRetryAt)
	expected := before.Add(types.RetryIntervalMinutes * time.Minute)
	s.WithinDuration(expected, *resp.NextRetryAt, 5*time.Second)

	stored, err := s.GetStores().InvoiceRepo.Get(s.GetContext(), resp.ID)
	s.NoError(err)
	s.Equal(types.InvoiceStatusPending, stored.InvoiceStatus)
	s.NotNil(stored.RetryPayload)
}

func (s *EmissionServiceSuite) TestEmitInvoiceRejectsInvalidRequest() {
	req := emitRequest()
	req.Items = nil

	_, err := s.service.EmitInvoice(s.GetContext(), req)
	s.Error(err)
	s.True(ierr.IsValidation(err))

	count, err := s.GetStores().InvoiceRepo.Count(s.GetContext(), types.NewNoLimitInvoiceFilter())
	s.NoError(err)
	s.Equal(0, count)
}

func (s *EmissionServiceSuite) TestEmitInvoiceFiscalDisabled() {
	cfg := *s.GetConfig()
	cfg.Fiscal.Enabled = false
	svc := NewEmissionService(s.params(&cfg))

	_, err := svc.EmitInvoice(s.GetContext(), emitRequest())
	s.Error(err)
	s.True(ierr.IsConfiguration(err))
}

func (s *EmissionServiceSuite) TestEmitInvoiceRequiresTenantContext() {
	_, err := s.service.EmitInvoice(context.Background(), emitRequest())
	s.Error(err)
}

func (s *EmissionServiceSuite) TestEmitCreditNoteMarksRelatedCredited() {
	original, err := s.service.EmitInvoice(s.GetContext(), emitRequest())
	s.NoError(err)
	s.Equal(types.InvoiceStatusIssued, original.InvoiceStatus)

	req := emitRequest()
	req.InvoiceKind = types.InvoiceKindCreditNote
	req.OriginKind = types.OriginKindManual
	req.OriginID = "refund_001"
	req.RelatedInvoiceID = lo.ToPtr(original.ID)

	var related []fiscal.RelatedVoucher
	s.authority.CreateVoucherFn = func(_ context.Context, r *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		related = r.RelatedVouchers
		return s.authority.Authorize(r)
	}

	note, err := s.service.EmitInvoice(s.GetContext(), req)
	s.NoError(err)
	s.Equal(types.InvoiceStatusIssued, note.InvoiceStatus)
	s.Equal(8, *note.VoucherType)

	s.Require().Len(related, 1)
	s.Equal(*original.SequenceNumber, related[0].SequenceNumber)
	s.Equal(6, related[0].VoucherType)

	stored, err := s.GetStores().InvoiceRepo.Get(s.GetContext(), original.ID)
	s.NoError(err)
	s.Equal(types.InvoiceStatusCredited, stored.InvoiceStatus)
}

func (s *EmissionServiceSuite) TestEmitCreditNoteForUnissuedInvoiceStaysPending() {
	s.authority.CreateVoucherFn = func(_ context.Context, _ *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		authorityErr := &fiscal.AuthorityError{Message: "down", Category: fiscal.CategoryUnavailable}
		return nil, authorityErr.AsError()
	}
	original, err := s.service.EmitInvoice(s.GetContext(), emitRequest())
	s.NoError(err)
	s.Equal(types.InvoiceStatusPending, original.InvoiceStatus)
	s.authority.CreateVoucherFn = nil

	req := emitRequest()
	req.InvoiceKind = types.InvoiceKindCreditNote
	req.OriginKind = types.OriginKindManual
	req.OriginID = "refund_002"
	req.RelatedInvoiceID = lo.ToPtr(original.ID)

	note, err := s.service.EmitInvoice(s.GetContext(), req)
	s.NoError(err)
	s.Equal(types.InvoiceStatusPending, note.InvoiceStatus)
	s.Require().NotNil(note.LastError)
	s.Contains(*note.LastError, "related invoice is not issued")
}

// updateFailingRepo makes a fixed number of Update calls fail before
// delegating, the way a dropped database connection would.
type updateFailingRepo struct {
	invoice.Repository
	failures int
}

func (r *updateFailingRepo) Update(ctx context.Context, inv *invoice.Invoice) error {
	if r.failures > 0 {
		r.failures--
		return ierr.NewError("connection reset").Mark(ierr.ErrDatabase)
	}
	return r.Repository.Update(ctx, inv)
}

func (s *EmissionServiceSuite) TestAuthorizedButUnrecordedStaysPendingAndParked() {
	s.authority.SetLastNumber(3, 6, 41)

	repo := &updateFailingRepo{Repository: s.GetStores().InvoiceRepo, failures: 1}
	params := s.params(s.GetConfig())
	params.InvoiceRepo = repo
	svc := NewEmissionService(params)

	before := time.Now().UTC()
	resp, err := svc.EmitInvoice(s.GetContext(), emitRequest())
	s.NoError(err)
	s.Require().NotNil(resp)

	// The CAE was granted but never written; the row must stay pending with
	// no fiscal numbering so a blind retry cannot double-spend the number.
	s.Equal(types.InvoiceStatusPending, resp.InvoiceStatus)
	s.Nil(resp.SequenceNumber)
	s.Nil(resp.CAE)
	s.Equal(1, s.authority.CreateVoucherCalls)

	stored, err := s.GetStores().InvoiceRepo.Get(s.GetContext(), resp.ID)
	s.NoError(err)
	s.NoError(stored.Validate())
	s.Equal(types.InvoiceStatusPending, stored.InvoiceStatus)
	s.Nil(stored.SequenceNumber)
	s.Nil(stored.CAE)
	s.NotNil(stored.RetryPayload)
	s.NotNil(stored.LastError)
	s.Nil(stored.ClaimedAt)
	s.Equal(1, stored.AttemptCount)

	// Parked outside the normal retry window for operator review
	s.Require().NotNil(stored.NextRetryAt)
	s.WithinDuration(before.Add(24*time.Hour), *stored.NextRetryAt, 5*time.Second)
}

func (s *EmissionServiceSuite) TestDocumentUploadFailureFallsBackToInline() {
	s.artifacts.UploadErr = ierr.NewError("bucket unavailable").Mark(ierr.ErrSystem)

	resp, err := s.service.EmitInvoice(s.GetContext(), emitRequest())
	s.NoError(err)
	s.Equal(types.InvoiceStatusIssued, resp.InvoiceStatus)
	s.Nil(resp.DocumentRef)
	s.NotEmpty(resp.Document)
}

func (s *EmissionServiceSuite) TestRenderFailureNeverUndoesIssuance() {
	s.pdfGen.RenderErr = ierr.NewError("renderer crashed").Mark(ierr.ErrSystem)

	resp, err := s.service.EmitInvoice(s.GetContext(), emitRequest())
	s.NoError(err)
	s.Equal(types.InvoiceStatusIssued, resp.InvoiceStatus)
	s.Nil(resp.DocumentRef)
	s.Empty(resp.Document)
}

func (s *EmissionServiceSuite) TestEmitWithAdjustmentsBalancesLines() {
	req := emitRequest()
	req.Items = []dto.EmitLineItem{
		{
			Kind:        types.LineKindService,
			Description: "Consultation",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.NewFromFloat(1500),
			Subtotal:    decimal.NewFromFloat(1500),
		},
	}
	req.Adjustments = []dto.EmitAdjustment{
		{Description: "Deposit applied", Amount: decimal.NewFromFloat(200)},
	}
	req.Total = decimal.NewFromFloat(1300)

	resp, err := s.service.EmitInvoice(s.GetContext(), req)
	s.NoError(err)
	s.Equal(types.InvoiceStatusIssued, resp.InvoiceStatus)

	s.Require().Len(resp.LineItems, 2)
	s.Equal(types.LineKindAdjustment, resp.LineItems[1].Kind)
	s.True(resp.LineItems[1].Subtotal.Equal(decimal.NewFromFloat(-200)))
	s.True(resp.LineSum().Equal(req.Total))
}

func (s *EmissionServiceSuite) TestGetInvoiceDocument() {
	resp, err := s.service.EmitInvoice(s.GetContext(), emitRequest())
	s.NoError(err)
	s.Require().NotNil(resp.DocumentRef)

	doc, err := s.service.GetInvoiceDocument(s.GetContext(), resp.ID)
	s.NoError(err)
	s.NotEmpty(doc)
}

func (s *EmissionServiceSuite) TestGetInvoiceDocumentURL() {
	resp, err := s.service.EmitInvoice(s.GetContext(), emitRequest())
	s.NoError(err)
	s.Require().NotNil(resp.DocumentRef)

	url, err := s.service.GetInvoiceDocumentURL(s.GetContext(), resp.ID)
	s.NoError(err)
	s.NotEmpty(url)
}

func (s *EmissionServiceSuite) TestGetInvoiceDocumentURLInlineFallback() {
	s.artifacts.UploadErr = ierr.NewError("bucket unavailable").Mark(ierr.ErrSystem)

	resp, err := s.service.EmitInvoice(s.GetContext(), emitRequest())
	s.NoError(err)
	s.Nil(resp.DocumentRef)

	url, err := s.service.GetInvoiceDocumentURL(s.GetContext(), resp.ID)
	s.NoError(err)
	s.Empty(url)
}

func (s *EmissionServiceSuite) TestGetInvoiceDocumentPendingRejected() {
	s.authority.CreateVoucherFn = func(_ context.Context, _ *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		authorityErr := &fiscal.AuthorityError{Message: "down", Category: fiscal.CategoryUnavailable}
		return nil, authorityErr.AsError()
	}

	resp, err := s.service.EmitInvoice(s.GetContext(), emitRequest())
	s.NoError(err)
	s.Equal(types.InvoiceStatusPending, resp.InvoiceStatus)

	_, err = s.service.GetInvoiceDocument(s.GetContext(), resp.ID)
	s.Error(err)
	s.True(ierr.IsInvalidOperation(err))
}

func (s *EmissionServiceSuite) TestTaxBreakdown() {
	net, tax := taxBreakdown(decimal.NewFromFloat(121), decimal.NewFromInt(21))
	s.True(net.Equal(decimal.NewFromFloat(100)))
	s.True(tax.Equal(decimal.NewFromFloat(21)))

	net, tax = taxBreakdown(decimal.NewFromFloat(100), decimal.NewFromInt(21))
	s.True(net.Equal(decimal.NewFromFloat(82.64)))
	s.True(tax.Equal(decimal.NewFromFloat(17.36)))

	net, tax = taxBreakdown(decimal.NewFromFloat(100), decimal.Zero)
	s.True(net.Equal(decimal.NewFromFloat(100)))
	s.True(tax.IsZero())
}

func (s *EmissionServiceSuite) TestClassifyConcept() {
	services := emitRequest()
	s.Equal(types.FiscalConceptServices, classifyConcept(services.ToPayload()))

	products := emitRequest()
	products.Items[0].Kind = types.LineKindProduct
	s.Equal(types.FiscalConceptProducts, classifyConcept(products.ToPayload()))

	mixed := emitRequest()
	mixed.Items = append(mixed.Items, dto.EmitLineItem{
		Kind:        types.LineKindProduct,
		Description: "Shampoo",
		Quantity:    decimal.NewFromInt(1),
		UnitPrice:   decimal.NewFromFloat(250),
		Subtotal:    decimal.NewFromFloat(250),
	})
	s.Equal(types.FiscalConceptMixed, classifyConcept(mixed.ToPayload()))
}
