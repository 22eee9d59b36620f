package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agendapos/agendapos/internal/domain/invoice"
	"github.com/agendapos/agendapos/internal/types"
	"github.com/samber/lo"
)

// InMemoryInvoiceStore implements invoice.Repository with the same claim
// semantics as the postgres implementation.
type InMemoryInvoiceStore struct {
	*InMemoryStore[*invoice.Invoice]

	// claimMu serializes claim attempts the way the database's conditional
	// update does
	claimMu sync.Mutex
}

// NewInMemoryInvoiceStore creates a new in-memory invoice store
func NewInMemoryInvoiceStore() *InMemoryInvoiceStore {
	return &InMemoryInvoiceStore{
		InMemoryStore: NewInMemoryStore[*invoice.Invoice](),
	}
}

func copyInvoice(inv *invoice.Invoice) *invoice.Invoice {
	if inv == nil {
		return nil
	}

	out := *inv
	out.PointOfSale = copyPtr(inv.PointOfSale)
	out.VoucherType = copyPtr(inv.VoucherType)
	out.SequenceNumber = copyPtr(inv.SequenceNumber)
	out.CAE = copyPtr(inv.CAE)
	out.CAEExpiry = copyPtr(inv.CAEExpiry)
	out.FiscalDate = copyPtr(inv.FiscalDate)
	out.LastError = copyPtr(inv.LastError)
	out.LastAttemptAt = copyPtr(inv.LastAttemptAt)
	out.NextRetryAt = copyPtr(inv.NextRetryAt)
	out.RetryPayload = copyPtr(inv.RetryPayload)
	out.ClaimedAt = copyPtr(inv.ClaimedAt)
	out.RelatedInvoiceID = copyPtr(inv.RelatedInvoiceID)
	out.DocumentRef = copyPtr(inv.DocumentRef)

	if len(inv.LineItems) > 0 {
		out.LineItems = make([]*invoice.LineItem, len(inv.LineItems))
		for i, item := range inv.LineItems {
			itemCopy := *item
			out.LineItems[i] = &itemCopy
		}
	}

	return &out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (s *InMemoryInvoiceStore) Create(ctx context.Context, inv *invoice.Invoice) error {
	if inv == nil {
		return fmt.Errorf("invoice cannot be nil")
	}
	return s.InMemoryStore.Create(ctx, inv.ID, copyInvoice(inv))
}

func (s *InMemoryInvoiceStore) Get(ctx context.Context, id string) (*invoice.Invoice, error) {
	inv, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return nil, invoice.ErrInvoiceNotFound
	}
	if inv.TenantID != types.GetTenantID(ctx) || inv.Status != types.StatusPublished {
		return nil, invoice.ErrInvoiceNotFound
	}
	return copyInvoice(inv), nil
}

func (s *InMemoryInvoiceStore) Update(ctx context.Context, inv *invoice.Invoice) error {
	if inv == nil {
		return fmt.Errorf("invoice cannot be nil")
	}
	if _, err := s.InMemoryStore.Get(ctx, inv.ID); err != nil {
		return invoice.ErrInvoiceNotFound
	}
	return s.InMemoryStore.Update(ctx, inv.ID, copyInvoice(inv))
}

func invoiceFilterFn(ctx context.Context, inv *invoice.Invoice, f interface{}) bool {
	if inv == nil || inv.Status != types.StatusPublished {
		return false
	}
	if tenantID := types.GetTenantID(ctx); tenantID != "" && inv.TenantID != tenantID {
		return false
	}

	filter, ok := f.(*types.InvoiceFilter)
	if !ok || filter == nil {
		return true
	}

	if len(filter.InvoiceIDs) > 0 && !lo.Contains(filter.InvoiceIDs, inv.ID) {
		return false
	}
	if filter.InvoiceKind != "" && inv.InvoiceKind != filter.InvoiceKind {
		return false
	}
	if len(filter.InvoiceStatus) > 0 && !lo.Contains(filter.InvoiceStatus, inv.InvoiceStatus) {
		return false
	}
	if filter.OriginKind != "" && inv.OriginKind != filter.OriginKind {
		return false
	}
	if filter.OriginID != "" && inv.OriginID != filter.OriginID {
		return false
	}
	if filter.PointOfSale != nil && (inv.PointOfSale == nil || *inv.PointOfSale != *filter.PointOfSale) {
		return false
	}
	if filter.VoucherType != nil && (inv.VoucherType == nil || *inv.VoucherType != *filter.VoucherType) {
		return false
	}
	return true
}

func (s *InMemoryInvoiceStore) List(ctx context.Context, filter *types.InvoiceFilter) ([]*invoice.Invoice, error) {
	items, err := s.InMemoryStore.List(ctx, filter, invoiceFilterFn,
		func(i, j *invoice.Invoice) bool {
			return i.CreatedAt.After(j.CreatedAt)
		})
	if err != nil {
		return nil, err
	}

	if filter != nil && !filter.IsUnlimited() {
		offset, limit := filter.GetOffset(), filter.GetLimit()
		if offset >= len(items) {
			return []*invoice.Invoice{}, nil
		}
		end := offset + limit
		if end > len(items) {
			end = len(items)
		}
		items = items[offset:end]
	}

	result := make([]*invoice.Invoice, len(items))
	for i, inv := range items {
		result[i] = copyInvoice(inv)
	}
	return result, nil
}

func (s *InMemoryInvoiceStore) Count(ctx context.Context, filter *types.InvoiceFilter) (int, error) {
	return s.InMemoryStore.Count(ctx, filter, invoiceFilterFn)
}

func (s *InMemoryInvoiceStore) GetByOrigin(ctx context.Context, originKind types.OriginKind, originID string) (*invoice.Invoice, error) {
	filter := types.NewNoLimitInvoiceFilter()
	filter.OriginKind = originKind
	filter.OriginID = originID

	items, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, invoice.ErrInvoiceNotFound
	}
	return items[0], nil
}

func (s *InMemoryInvoiceStore) ListDuePending(ctx context.Context, pq *invoice.PendingQuery) ([]*invoice.Invoice, error) {
	items, err := s.InMemoryStore.List(ctx, pq,
		func(_ context.Context, inv *invoice.Invoice, _ interface{}) bool {
			if inv.Status != types.StatusPublished || inv.InvoiceStatus != types.InvoiceStatusPending {
				return false
			}
			if pq.TenantID != "" && inv.TenantID != pq.TenantID {
				return false
			}
			if pq.InvoiceID != "" && inv.ID != pq.InvoiceID {
				return false
			}
			if !pq.IgnoreDueTime && !inv.IsDue(pq.AsOf) {
				return false
			}
			return true
		},
		func(i, j *invoice.Invoice) bool {
			return i.CreatedAt.Before(j.CreatedAt)
		})
	if err != nil {
		return nil, err
	}

	if pq.Limit > 0 && len(items) > pq.Limit {
		items = items[:pq.Limit]
	}

	result := make([]*invoice.Invoice, len(items))
	for i, inv := range items {
		result[i] = copyInvoice(inv)
	}
	return result, nil
}

func (s *InMemoryInvoiceStore) CountPending(ctx context.Context, tenantID string) (int, error) {
	return s.InMemoryStore.Count(ctx, nil,
		func(_ context.Context, inv *invoice.Invoice, _ interface{}) bool {
			if inv.Status != types.StatusPublished || inv.InvoiceStatus != types.InvoiceStatusPending {
				return false
			}
			return tenantID == "" || inv.TenantID == tenantID
		})
}

func (s *InMemoryInvoiceStore) CountOverdue(ctx context.Context, tenantID string, asOf time.Time) (int, error) {
	return s.InMemoryStore.Count(ctx, nil,
		func(_ context.Context, inv *invoice.Invoice, _ interface{}) bool {
			if inv.Status != types.StatusPublished || !inv.IsDue(asOf) {
				return false
			}
			return tenantID == "" || inv.TenantID == tenantID
		})
}

func (s *InMemoryInvoiceStore) MaxIssuedSequence(ctx context.Context, pointOfSale, voucherType int) (int64, error) {
	items, err := s.InMemoryStore.List(ctx, nil,
		func(ctx context.Context, inv *invoice.Invoice, _ interface{}) bool {
			if inv.Status != types.StatusPublished || inv.TenantID != types.GetTenantID(ctx) {
				return false
			}
			return inv.SequenceNumber != nil &&
				inv.PointOfSale != nil && *inv.PointOfSale == pointOfSale &&
				inv.VoucherType != nil && *inv.VoucherType == voucherType
		}, nil)
	if err != nil {
		return 0, err
	}

	var max int64
	for _, inv := range items {
		if *inv.SequenceNumber > max {
			max = *inv.SequenceNumber
		}
	}
	return max, nil
}

func (s *InMemoryInvoiceStore) ClaimPending(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	inv, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return false, nil
	}
	if inv.Status != types.StatusPublished || inv.InvoiceStatus != types.InvoiceStatusPending {
		return false, nil
	}
	if inv.IsClaimed(now, lease) {
		return false, nil
	}

	updated := copyInvoice(inv)
	updated.ClaimedAt = &now
	return true, s.InMemoryStore.Update(ctx, id, updated)
}

func (s *InMemoryInvoiceStore) ReleaseClaim(ctx context.Context, id string) error {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	inv, err := s.InMemoryStore.Get(ctx, id)
	if err != nil {
		return invoice.ErrInvoiceNotFound
	}
	updated := copyInvoice(inv)
	updated.ClaimedAt = nil
	return s.InMemoryStore.Update(ctx, id, updated)
}
