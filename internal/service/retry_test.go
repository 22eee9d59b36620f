package service

import (
	"context"
	"testing"
	"time"

	"github.com/agendapos/agendapos/internal/api/dto"
	"github.com/agendapos/agendapos/internal/domain/invoice"
	"github.com/agendapos/agendapos/internal/fiscal"
	"github.com/agendapos/agendapos/internal/testutil"
	"github.com/agendapos/agendapos/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type RetryServiceSuite struct {
	testutil.BaseServiceTestSuite
	service   RetryService
	authority *testutil.FakeAuthorityClient
}

func TestRetryService(t *testing.T) {
	suite.Run(t, new(RetryServiceSuite))
}

func (s *RetryServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()

	s.authority = testutil.NewFakeAuthorityClient()
	s.service = NewRetryService(ServiceParams{
		Logger:       s.GetLogger(),
		Config:       s.GetConfig(),
		PDFGenerator: testutil.NewMockPDFGenerator(),
		S3:           testutil.NewInMemoryArtifactStore(),
		FiscalClient: s.authority,
		InvoiceRepo:  s.GetStores().InvoiceRepo,
	})
}

type pendingOpts struct {
	createdAgo  time.Duration
	nextRetryIn time.Duration
	rawPayload  *string
	noLineItems bool
	claimedAgo  *time.Duration
}

// seedPending inserts a pending invoice row the way a failed emission attempt
// would have left it.
func (s *RetryServiceSuite) seedPending(originID string, opts pendingOpts) *invoice.Invoice {
	ctx := s.GetContext()
	now := time.Now().UTC()

	payload := &invoice.Payload{
		Customer: invoice.PayloadCustomer{Name: "Ana", Surname: "García"},
		Items: []invoice.PayloadItem{
			{
				Kind:        types.LineKindService,
				Description: "Consultation",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   decimal.NewFromFloat(1210),
				Subtotal:    decimal.NewFromFloat(1210),
			},
		},
		Total:         decimal.NewFromFloat(1210),
		PaymentMethod: "card",
	}
	encoded, err := payload.Encode()
	s.Require().NoError(err)
	if opts.rawPayload != nil {
		encoded = *opts.rawPayload
	}

	inv := &invoice.Invoice{
		ID:              types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE),
		InvoiceKind:     types.InvoiceKindInvoice,
		InvoiceStatus:   types.InvoiceStatusPending,
		CustomerName:    "Ana",
		CustomerSurname: "García",
		PaymentMethod:   "card",
		Total:           decimal.NewFromFloat(1210),
		AttemptCount:    1,
		NextRetryAt:     lo.ToPtr(now.Add(opts.nextRetryIn)),
		RetryPayload:    &encoded,
		OriginKind:      types.OriginKindAppointmentPayment,
		OriginID:        originID,
		BaseModel:       types.GetDefaultBaseModel(ctx),
	}
	inv.CreatedAt = now.Add(-opts.createdAgo)
	if !opts.noLineItems {
		inv.LineItems = []*invoice.LineItem{
			{
				ID:          types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE_LINE_ITEM),
				InvoiceID:   inv.ID,
				Kind:        types.LineKindService,
				Description: "Consultation",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   decimal.NewFromFloat(1210),
				Subtotal:    decimal.NewFromFloat(1210),
				BaseModel:   types.GetDefaultBaseModel(ctx),
			},
		}
	}
	if opts.claimedAgo != nil {
		inv.ClaimedAt = lo.ToPtr(now.Add(-*opts.claimedAgo))
	}

	s.Require().NoError(s.GetStores().InvoiceRepo.Create(ctx, inv))
	return inv
}

func (s *RetryServiceSuite) TestSweepIssuesDueInvoices() {
	oldest := s.seedPending("apt_001", pendingOpts{createdAgo: 30 * time.Minute, nextRetryIn: -time.Minute})
	middle := s.seedPending("apt_002", pendingOpts{createdAgo: 20 * time.Minute, nextRetryIn: -time.Minute})
	newest := s.seedPending("apt_003", pendingOpts{createdAgo: 10 * time.Minute, nextRetryIn: -time.Minute})

	resp, err := s.service.ProcessDueInvoices(context.Background(), nil)
	s.NoError(err)
	s.Equal(3, resp.Processed)
	s.Equal(3, resp.Issued)
	s.Equal(0, resp.Failed)
	s.Equal(0, resp.Invalid)
	s.Equal(0, resp.Skipped)
	s.Equal(0, resp.Pending)
	s.Equal(0, resp.Overdue)
	s.Equal(types.RetryIntervalMinutes, resp.RetryIntervalMinutes)

	// Oldest first, so numbering follows sale order
	repo := s.GetStores().InvoiceRepo
	for i, id := range []string{oldest.ID, middle.ID, newest.ID} {
		stored, err := repo.Get(s.GetContext(), id)
		s.NoError(err)
		s.Equal(types.InvoiceStatusIssued, stored.InvoiceStatus)
		s.Require().NotNil(stored.SequenceNumber)
		s.Equal(int64(i+1), *stored.SequenceNumber)
		s.Nil(stored.RetryPayload)
		s.Nil(stored.ClaimedAt)
	}
}

func (s *RetryServiceSuite) TestSweepSkipsRowsNotYetDue() {
	due := s.seedPending("apt_001", pendingOpts{createdAgo: 20 * time.Minute, nextRetryIn: -time.Minute})
	s.seedPending("apt_002", pendingOpts{createdAgo: 10 * time.Minute, nextRetryIn: 10 * time.Minute})

	resp, err := s.service.ProcessDueInvoices(context.Background(), nil)
	s.NoError(err)
	s.Equal(1, resp.Processed)
	s.Equal(1, resp.Issued)
	s.Equal(due.ID, resp.Results[0].InvoiceID)

	// The not-yet-due row still shows up in the queue counters
	s.Equal(1, resp.Pending)
	s.Equal(0, resp.Overdue)
}

func (s *RetryServiceSuite) TestSweepRespectsLimit() {
	s.seedPending("apt_001", pendingOpts{createdAgo: 30 * time.Minute, nextRetryIn: -time.Minute})
	s.seedPending("apt_002", pendingOpts{createdAgo: 20 * time.Minute, nextRetryIn: -time.Minute})
	s.seedPending("apt_003", pendingOpts{createdAgo: 10 * time.Minute, nextRetryIn: -time.Minute})

	resp, err := s.service.ProcessDueInvoices(context.Background(), &dto.RetryInvoicesRequest{Limit: 2})
	s.NoError(err)
	s.Equal(2, resp.Processed)
	s.Equal(2, resp.Issued)
}

func (s *RetryServiceSuite) TestLimitNormalization() {
	s.Equal(types.RetrySweepDefaultLimit, normalizeLimit(0))
	s.Equal(types.RetrySweepDefaultLimit, normalizeLimit(-5))
	s.Equal(types.RetrySweepMaxLimit, normalizeLimit(1000))
	s.Equal(50, normalizeLimit(50))
}

func (s *RetryServiceSuite) TestClaimedRowIsSkipped() {
	// Another worker holds a live lease on the row
	claimedAgo := 30 * time.Second
	s.seedPending("apt_001", pendingOpts{nextRetryIn: -time.Minute, claimedAgo: &claimedAgo})

	resp, err := s.service.ProcessDueInvoices(context.Background(), nil)
	s.NoError(err)
	s.Equal(1, resp.Processed)
	s.Equal(0, resp.Issued)
	s.Equal(1, resp.Skipped)
	s.Equal(dto.RetryOutcomeSkipped, resp.Results[0].Outcome)
	s.Equal(0, s.authority.CreateVoucherCalls)
}

func (s *RetryServiceSuite) TestExpiredClaimIsTakenOver() {
	// The previous worker died mid-attempt; its lease has expired
	claimedAgo := types.ClaimLeaseSeconds*time.Second + time.Minute
	s.seedPending("apt_001", pendingOpts{nextRetryIn: -time.Minute, claimedAgo: &claimedAgo})

	resp, err := s.service.ProcessDueInvoices(context.Background(), nil)
	s.NoError(err)
	s.Equal(1, resp.Issued)
}

func (s *RetryServiceSuite) TestDoubleRetryRace() {
	row := s.seedPending("apt_001", pendingOpts{nextRetryIn: -time.Minute})

	// A concurrent worker wins the claim between listing and claiming
	claimed, err := s.GetStores().InvoiceRepo.ClaimPending(
		s.GetContext(), row.ID, time.Now().UTC(), types.ClaimLeaseSeconds*time.Second)
	s.Require().NoError(err)
	s.Require().True(claimed)

	resp, err := s.service.ProcessDueInvoices(context.Background(), nil)
	s.NoError(err)
	s.Equal(1, resp.Skipped)
	s.Equal(0, resp.Issued)
	s.Equal(0, s.authority.CreateVoucherCalls)
}

func (s *RetryServiceSuite) TestCorruptPayloadRebuiltFromSnapshot() {
	garbage := `{"customer":`
	row := s.seedPending("apt_001", pendingOpts{nextRetryIn: -time.Minute, rawPayload: &garbage})

	resp, err := s.service.ProcessDueInvoices(context.Background(), nil)
	s.NoError(err)
	s.Equal(1, resp.Issued)

	stored, err := s.GetStores().InvoiceRepo.Get(s.GetContext(), row.ID)
	s.NoError(err)
	s.Equal(types.InvoiceStatusIssued, stored.InvoiceStatus)
}

func (s *RetryServiceSuite) TestUnusablePayloadMarkedInvalid() {
	garbage := `{"customer":`
	row := s.seedPending("apt_001", pendingOpts{
		nextRetryIn: -time.Minute,
		rawPayload:  &garbage,
		noLineItems: true,
	})

	resp, err := s.service.ProcessDueInvoices(context.Background(), nil)
	s.NoError(err)
	s.Equal(1, resp.Processed)
	s.Equal(0, resp.Failed)
	s.Equal(1, resp.Invalid)
	s.Equal(dto.RetryOutcomeInvalid, resp.Results[0].Outcome)
	s.Equal(0, s.authority.CreateVoucherCalls)

	// The row stays pending and keeps moving through the retry schedule
	stored, err := s.GetStores().InvoiceRepo.Get(s.GetContext(), row.ID)
	s.NoError(err)
	s.Equal(types.InvoiceStatusPending, stored.InvoiceStatus)
	s.Equal(2, stored.AttemptCount)
	s.Nil(stored.ClaimedAt)
	s.NotNil(stored.NextRetryAt)
}

func (s *RetryServiceSuite) TestFailedAttemptReschedules() {
	row := s.seedPending("apt_001", pendingOpts{nextRetryIn: -time.Minute})
	s.authority.CreateVoucherFn = func(_ context.Context, _ *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		authorityErr := &fiscal.AuthorityError{Message: "down", Category: fiscal.CategoryUnavailable}
		return nil, authorityErr.AsError()
	}

	before := time.Now().UTC()
	resp, err := s.service.ProcessDueInvoices(context.Background(), nil)
	s.NoError(err)
	s.Equal(1, resp.Failed)
	s.Equal(dto.RetryOutcomeFailed, resp.Results[0].Outcome)

	stored, err := s.GetStores().InvoiceRepo.Get(s.GetContext(), row.ID)
	s.NoError(err)
	s.Equal(types.InvoiceStatusPending, stored.InvoiceStatus)
	s.Equal(2, stored.AttemptCount)
	s.NotNil(stored.LastError)
	s.Nil(stored.ClaimedAt)
	s.Require().NotNil(stored.NextRetryAt)
	s.WithinDuration(before.Add(types.RetryIntervalMinutes*time.Minute), *stored.NextRetryAt, 5*time.Second)
}

func (s *RetryServiceSuite) TestForceProcessesWholeQueueIgnoringDueTime() {
	s.seedPending("apt_001", pendingOpts{createdAgo: 20 * time.Minute, nextRetryIn: 10 * time.Minute})
	s.seedPending("apt_002", pendingOpts{createdAgo: 10 * time.Minute, nextRetryIn: 10 * time.Minute})

	resp, err := s.service.RetryTenantInvoices(s.GetContext(), &dto.RetryInvoicesRequest{Force: true})
	s.NoError(err)
	s.Equal(2, resp.Processed)
	s.Equal(2, resp.Issued)
	s.Equal(0, resp.Pending)
}

func (s *RetryServiceSuite) TestForcedRetryBypassesDueGate() {
	row := s.seedPending("apt_001", pendingOpts{nextRetryIn: 10 * time.Minute})

	resp, err := s.service.RetryTenantInvoices(s.GetContext(), &dto.RetryInvoicesRequest{
		InvoiceID: row.ID,
		Force:     true,
	})
	s.NoError(err)
	s.Equal(1, resp.Processed)
	s.Equal(1, resp.Issued)
}

func (s *RetryServiceSuite) TestTenantRetryRequiresTenantContext() {
	_, err := s.service.RetryTenantInvoices(context.Background(), nil)
	s.Error(err)
}

func (s *RetryServiceSuite) TestQueueStatus() {
	s.seedPending("apt_001", pendingOpts{nextRetryIn: -time.Minute})
	s.seedPending("apt_002", pendingOpts{nextRetryIn: 10 * time.Minute})

	status, err := s.service.QueueStatus(s.GetContext(), "")
	s.NoError(err)
	s.Equal(2, status.Pending)
	s.Equal(1, status.Overdue)
	s.False(status.AsOf.IsZero())
}
