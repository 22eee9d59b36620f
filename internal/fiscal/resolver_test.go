package fiscal_test

import (
	"context"
	"testing"

	"github.com/agendapos/agendapos/internal/config"
	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/fiscal"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/agendapos/agendapos/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type staticSequenceSource struct {
	max int64
	err error
}

func (s *staticSequenceSource) MaxIssuedSequence(_ context.Context, _, _ int) (int64, error) {
	return s.max, s.err
}

type ResolverTestSuite struct {
	suite.Suite
	ctx       context.Context
	authority *testutil.FakeAuthorityClient
	seq       *staticSequenceSource
	logger    *logger.Logger
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverTestSuite))
}

func (s *ResolverTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.authority = testutil.NewFakeAuthorityClient()
	s.seq = &staticSequenceSource{}

	log, err := logger.NewLogger(config.GetDefaultConfig())
	s.Require().NoError(err)
	s.logger = log
}

func (s *ResolverTestSuite) newResolver() *fiscal.Resolver {
	return fiscal.NewResolver(s.authority, s.seq, s.logger)
}

func (s *ResolverTestSuite) newRequest() *fiscal.VoucherRequest {
	return &fiscal.VoucherRequest{
		PointOfSale: 3,
		VoucherType: 6,
		Concept:     1,
		FiscalDate:  "2026-08-31",
		Total:       decimal.NewFromFloat(1210),
		NetAmount:   decimal.NewFromFloat(1000),
		TaxAmount:   decimal.NewFromFloat(210),
		TaxRateID:   5,
	}
}

func (s *ResolverTestSuite) TestAssignsNextNumberAfterAuthorityLast() {
	s.authority.SetLastNumber(3, 6, 41)
	s.seq.max = 41

	result, err := s.newResolver().Submit(s.ctx, s.newRequest())
	s.NoError(err)
	s.Equal(int64(42), result.SequenceNumber)
	s.NotEmpty(result.CAE)
	s.Equal(1, s.authority.CreateVoucherCalls)
}

func (s *ResolverTestSuite) TestDesyncRejectionTriggersRequery() {
	// The authority is actually at 55 but first reports 54, so the initial
	// submission under 55 is rejected as out of sync.
	s.authority.SetLastNumber(3, 6, 54)
	s.seq.max = 54

	s.authority.CreateVoucherFn = func(_ context.Context, req *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		if s.authority.CreateVoucherCalls == 1 {
			s.authority.SetLastNumber(3, 6, 55)
			authorityErr := &fiscal.AuthorityError{
				Code:     10016,
				Message:  "voucher number does not match the next expected",
				Category: fiscal.CategoryDesync,
			}
			return nil, authorityErr.AsError()
		}
		return s.authority.Authorize(req)
	}

	result, err := s.newResolver().Submit(s.ctx, s.newRequest())
	s.NoError(err)
	s.Equal(int64(56), result.SequenceNumber)
	s.Equal(2, s.authority.CreateVoucherCalls)
}

func (s *ResolverTestSuite) TestUnreachableAuthorityFallsBackToLocalSequence() {
	s.seq.max = 10
	s.authority.GetLastVoucherFn = func(_ context.Context, _, _ int) (int64, error) {
		authorityErr := &fiscal.AuthorityError{
			Message:  "connection timed out",
			Category: fiscal.CategoryUnavailable,
		}
		return 0, authorityErr.AsError()
	}

	var submitted int64
	s.authority.CreateVoucherFn = func(_ context.Context, req *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		submitted = req.SequenceNumber
		return s.authority.Authorize(req)
	}

	result, err := s.newResolver().Submit(s.ctx, s.newRequest())
	s.NoError(err)
	s.Equal(int64(11), submitted)
	s.Equal(int64(11), result.SequenceNumber)
}

func (s *ResolverTestSuite) TestUnreachableAuthorityWithNoLocalHistoryFails() {
	// No local history and no authority answer leaves nothing to anchor the
	// numbering on, so the emission must not proceed with a guess.
	s.seq.max = 0
	s.authority.GetLastVoucherFn = func(_ context.Context, _, _ int) (int64, error) {
		authorityErr := &fiscal.AuthorityError{
			Message:  "connection timed out",
			Category: fiscal.CategoryUnavailable,
		}
		return 0, authorityErr.AsError()
	}

	result, err := s.newResolver().Submit(s.ctx, s.newRequest())
	s.Error(err)
	s.Nil(result)
	s.True(ierr.IsAuthorityUnavailable(err))
	s.Equal(0, s.authority.CreateVoucherCalls)
}

func (s *ResolverTestSuite) TestStaleAuthorityReadbackConvergesByProbing() {
	// The authority keeps reporting 54 as its last voucher (a crashed prior
	// attempt it recorded but does not report), while it actually expects 57.
	s.authority.SetLastNumber(3, 6, 54)
	s.seq.max = 54

	s.authority.CreateVoucherFn = func(_ context.Context, r *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		if r.SequenceNumber != 57 {
			authorityErr := &fiscal.AuthorityError{
				Code:     10016,
				Message:  "voucher number does not match the next expected",
				Category: fiscal.CategoryDesync,
			}
			return nil, authorityErr.AsError()
		}
		return s.authority.Authorize(r)
	}

	result, err := s.newResolver().Submit(s.ctx, s.newRequest())
	s.NoError(err)
	s.Equal(int64(57), result.SequenceNumber)
	// 55 rejected, re-queried 55 rejected again, then 56 and 57 by increment
	s.Equal(4, s.authority.CreateVoucherCalls)
}

func (s *ResolverTestSuite) TestLocalSequenceAheadOfAuthorityIsNeverReused() {
	s.authority.SetLastNumber(3, 6, 40)
	s.seq.max = 45

	result, err := s.newResolver().Submit(s.ctx, s.newRequest())
	s.NoError(err)
	s.Equal(int64(46), result.SequenceNumber)
}

func (s *ResolverTestSuite) TestGivesUpAfterRepeatedDesyncRejections() {
	s.authority.SetLastNumber(3, 6, 41)
	s.authority.CreateVoucherFn = func(_ context.Context, _ *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		authorityErr := &fiscal.AuthorityError{
			Code:     1005,
			Message:  "sequence out of order",
			Category: fiscal.CategoryDesync,
		}
		return nil, authorityErr.AsError()
	}

	result, err := s.newResolver().Submit(s.ctx, s.newRequest())
	s.Error(err)
	s.Nil(result)
	s.True(ierr.IsSequenceDesync(err))
	s.Equal(4, s.authority.CreateVoucherCalls)
}

func (s *ResolverTestSuite) TestValidationRejectionStopsImmediately() {
	s.authority.SetLastNumber(3, 6, 41)
	s.authority.CreateVoucherFn = func(_ context.Context, _ *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		authorityErr := &fiscal.AuthorityError{
			Code:     10015,
			Message:  "invalid tax breakdown",
			Category: fiscal.CategoryValidation,
		}
		return nil, authorityErr.AsError()
	}

	_, err := s.newResolver().Submit(s.ctx, s.newRequest())
	s.Error(err)
	s.True(ierr.Is(err, ierr.ErrAuthorityRejected))
	s.Equal(1, s.authority.CreateVoucherCalls)
}

func (s *ResolverTestSuite) TestAmbiguousOutcomeResolvedAsIssued() {
	s.authority.SetLastNumber(3, 6, 41)

	req := s.newRequest()
	s.authority.CreateVoucherFn = func(_ context.Context, r *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		// The authority recorded the voucher but the response was lost.
		s.authority.RecordVoucher(3, 6, &fiscal.VoucherInfo{
			SequenceNumber: r.SequenceNumber,
			CAE:            "CAE00000000000042",
			Total:          r.Total,
			FiscalDate:     r.FiscalDate,
		})
		return nil, ierr.NewError("request timed out").Mark(ierr.ErrAmbiguousOutcome)
	}

	result, err := s.newResolver().Submit(s.ctx, req)
	s.NoError(err)
	s.Equal(int64(42), result.SequenceNumber)
	s.Equal("CAE00000000000042", result.CAE)
	s.Equal(1, s.authority.CreateVoucherCalls)
}

func (s *ResolverTestSuite) TestAmbiguousOutcomeResolvedAsFreeIsResubmitted() {
	s.authority.SetLastNumber(3, 6, 41)

	s.authority.CreateVoucherFn = func(_ context.Context, r *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		if s.authority.CreateVoucherCalls == 1 {
			return nil, ierr.NewError("request timed out").Mark(ierr.ErrAmbiguousOutcome)
		}
		return s.authority.Authorize(r)
	}

	result, err := s.newResolver().Submit(s.ctx, s.newRequest())
	s.NoError(err)
	s.Equal(int64(42), result.SequenceNumber)
	s.Equal(2, s.authority.CreateVoucherCalls)
}

func (s *ResolverTestSuite) TestAmbiguousNumberConsumedByAnotherVoucher() {
	s.authority.SetLastNumber(3, 6, 41)

	s.authority.CreateVoucherFn = func(_ context.Context, r *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		if s.authority.CreateVoucherCalls == 1 {
			// Another point of sale terminal took 42 with a different total.
			s.authority.RecordVoucher(3, 6, &fiscal.VoucherInfo{
				SequenceNumber: r.SequenceNumber,
				CAE:            "CAE00000000000099",
				Total:          decimal.NewFromFloat(999),
				FiscalDate:     r.FiscalDate,
			})
			return nil, ierr.NewError("request timed out").Mark(ierr.ErrAmbiguousOutcome)
		}
		return s.authority.Authorize(r)
	}

	result, err := s.newResolver().Submit(s.ctx, s.newRequest())
	s.NoError(err)
	s.Equal(int64(43), result.SequenceNumber)
	s.Equal(2, s.authority.CreateVoucherCalls)
}

func (s *ResolverTestSuite) TestUnresolvableAmbiguityStaysAmbiguous() {
	s.authority.SetLastNumber(3, 6, 41)

	s.authority.CreateVoucherFn = func(_ context.Context, _ *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		return nil, ierr.NewError("request timed out").Mark(ierr.ErrAmbiguousOutcome)
	}
	s.authority.GetVoucherInfoFn = func(_ context.Context, _, _ int, _ int64) (*fiscal.VoucherInfo, error) {
		authorityErr := &fiscal.AuthorityError{
			Message:  "connection refused",
			Category: fiscal.CategoryUnavailable,
		}
		return nil, authorityErr.AsError()
	}

	result, err := s.newResolver().Submit(s.ctx, s.newRequest())
	s.Error(err)
	s.Nil(result)
	s.True(ierr.IsAmbiguousOutcome(err))
	s.Equal(1, s.authority.CreateVoucherCalls)
}

func (s *ResolverTestSuite) TestFiscalDateNeverDecreasesOnTheStream() {
	s.authority.RecordVoucher(3, 6, &fiscal.VoucherInfo{
		SequenceNumber: 41,
		CAE:            "CAE00000000000041",
		Total:          decimal.NewFromFloat(500),
		FiscalDate:     "2026-09-02",
	})

	req := s.newRequest()
	req.FiscalDate = "2026-09-01"

	var submittedDate string
	s.authority.CreateVoucherFn = func(_ context.Context, r *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
		submittedDate = r.FiscalDate
		return s.authority.Authorize(r)
	}

	result, err := s.newResolver().Submit(s.ctx, req)
	s.NoError(err)
	s.Equal("2026-09-02", submittedDate)
	s.Equal("2026-09-02", result.FiscalDate)
}
