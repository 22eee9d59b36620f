package fiscal

import (
	"context"
	"time"

	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/logger"
)

// maxProbeAttempts bounds how many times a submission is re-numbered after a
// desync or ambiguity before giving up.
const maxProbeAttempts = 4

// SequenceSource exposes the highest locally recorded sequence number for a
// numbering stream. The invoice repository satisfies it.
type SequenceSource interface {
	MaxIssuedSequence(ctx context.Context, pointOfSale, voucherType int) (int64, error)
}

// Result is a settled authorization: the number that was actually consumed on
// the stream together with the authority's proof.
type Result struct {
	SequenceNumber int64
	CAE            string
	CAEExpiry      time.Time
	FiscalDate     string
}

// Resolver assigns voucher numbers and drives a request through authorization,
// recovering from sequence desynchronization and ambiguous outcomes. The
// authority is the source of truth for numbering; local records only guard
// against handing out a number that is already recorded as issued.
type Resolver struct {
	client Client
	seq    SequenceSource
	logger *logger.Logger
}

func NewResolver(client Client, seq SequenceSource, log *logger.Logger) *Resolver {
	return &Resolver{
		client: client,
		seq:    seq,
		logger: log,
	}
}

// Submit numbers the request and submits it until the authority accepts it or
// a non-recoverable error occurs. The caller fills every field of req except
// SequenceNumber.
func (r *Resolver) Submit(ctx context.Context, req *VoucherRequest) (*Result, error) {
	number, err := r.nextNumber(ctx, req)
	if err != nil {
		return nil, err
	}

	requeried := false
	for attempt := 1; attempt <= maxProbeAttempts; attempt++ {
		req.SequenceNumber = number

		auth, err := r.client.CreateVoucher(ctx, req)
		if err == nil {
			return &Result{
				SequenceNumber: number,
				CAE:            auth.CAE,
				CAEExpiry:      auth.CAEExpiry,
				FiscalDate:     req.FiscalDate,
			}, nil
		}

		switch {
		case ierr.IsAmbiguousOutcome(err):
			result, resolved, probeErr := r.disambiguate(ctx, req, number)
			if probeErr != nil {
				// Could not find out whether the voucher exists. Surface the
				// ambiguity so the row stays pending and is retried later.
				return nil, err
			}
			if resolved {
				return result, nil
			}
			// The authority has no voucher at that number; the request never
			// landed and resubmission under a fresh number is safe.
			r.logger.Infow("ambiguous submission confirmed as not issued, resubmitting",
				"number", number,
				"attempt", attempt)
			if number, err = r.nextNumber(ctx, req); err != nil {
				return nil, err
			}

		case ierr.IsSequenceDesync(err):
			if !requeried {
				requeried = true
				r.logger.Warnw("sequence number rejected as out of sync, re-querying authority",
					"point_of_sale", req.PointOfSale,
					"voucher_type", req.VoucherType,
					"rejected_number", number,
					"attempt", attempt)
				if number, err = r.nextNumber(ctx, req); err != nil {
					return nil, err
				}
			} else {
				// The re-queried number was rejected too, so the authority's
				// readback is stale. Walk the candidate forward until it lands.
				number++
				r.logger.Warnw("re-queried number rejected as out of sync, probing next number",
					"point_of_sale", req.PointOfSale,
					"voucher_type", req.VoucherType,
					"candidate", number,
					"attempt", attempt)
			}

		default:
			return nil, err
		}
	}

	return nil, ierr.NewError("voucher numbering did not converge").
		WithHint("The authority kept rejecting assigned sequence numbers").
		WithReportableDetails(map[string]any{
			"point_of_sale": req.PointOfSale,
			"voucher_type":  req.VoucherType,
			"attempts":      maxProbeAttempts,
		}).
		Mark(ierr.ErrSequenceDesync)
}

// nextNumber picks the next sequence number for the request's stream and bumps
// the request's fiscal date forward if the stream's latest voucher is dated
// after it.
func (r *Resolver) nextNumber(ctx context.Context, req *VoucherRequest) (int64, error) {
	local, err := r.seq.MaxIssuedSequence(ctx, req.PointOfSale, req.VoucherType)
	if err != nil {
		return 0, err
	}

	remote, err := r.client.GetLastVoucher(ctx, req.PointOfSale, req.VoucherType)
	if err != nil {
		if !ierr.IsAuthorityUnavailable(err) {
			return 0, err
		}
		if local == 0 {
			// Nothing issued locally either; with no anchor at all a guess
			// could collide with history we cannot see.
			return 0, err
		}
		// The authority cannot tell us; trust local records and let the
		// authority correct us with a desync rejection if they are stale.
		r.logger.Warnw("authority unreachable for last voucher query, using local sequence",
			"point_of_sale", req.PointOfSale,
			"voucher_type", req.VoucherType,
			"local_max", local)
		return local + 1, nil
	}

	next := remote + 1
	if local >= next {
		// Local records are ahead of the authority. Never reuse a number we
		// already recorded as issued.
		r.logger.Warnw("local sequence ahead of authority",
			"point_of_sale", req.PointOfSale,
			"voucher_type", req.VoucherType,
			"local_max", local,
			"authority_last", remote)
		next = local + 1
	}

	r.adjustFiscalDate(ctx, req, remote)
	return next, nil
}

// adjustFiscalDate enforces non-decreasing fiscal dates on the stream. Lookup
// failures leave the date untouched; the authority will reject a date it
// cannot accept.
func (r *Resolver) adjustFiscalDate(ctx context.Context, req *VoucherRequest, lastNumber int64) {
	if lastNumber <= 0 || req.FiscalDate == "" {
		return
	}

	info, err := r.client.GetVoucherInfo(ctx, req.PointOfSale, req.VoucherType, lastNumber)
	if err != nil || info == nil || info.FiscalDate == "" {
		return
	}

	if info.FiscalDate > req.FiscalDate {
		r.logger.Infow("advancing fiscal date to keep the stream monotonic",
			"requested_date", req.FiscalDate,
			"stream_date", info.FiscalDate)
		req.FiscalDate = info.FiscalDate
	}
}

// disambiguate checks whether an ambiguous submission actually landed. It
// returns (result, true, nil) when the voucher exists and matches the request,
// (nil, false, nil) when the number is free, and an error when the authority
// could not be consulted.
func (r *Resolver) disambiguate(ctx context.Context, req *VoucherRequest, number int64) (*Result, bool, error) {
	info, err := r.client.GetVoucherInfo(ctx, req.PointOfSale, req.VoucherType, number)
	if err != nil {
		return nil, false, err
	}
	if info == nil {
		return nil, false, nil
	}

	if !info.Total.Equal(req.Total) {
		// The number was consumed by a different voucher; resubmission under a
		// fresh number is safe.
		r.logger.Warnw("voucher number consumed by another submission",
			"number", number,
			"expected_total", req.Total,
			"found_total", info.Total)
		return nil, false, nil
	}

	r.logger.Infow("ambiguous submission confirmed as authorized",
		"number", number,
		"cae", info.CAE)

	return &Result{
		SequenceNumber: number,
		CAE:            info.CAE,
		CAEExpiry:      info.CAEExpiry,
		FiscalDate:     info.FiscalDate,
	}, true, nil
}
