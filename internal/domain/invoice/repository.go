package invoice

import (
	"context"
	"time"

	"github.com/agendapos/agendapos/internal/types"
)

// PendingQuery selects pending invoices for retry processing.
// A zero TenantID selects rows across all tenants (scheduled sweep);
// InvoiceID targets one row and, together with IgnoreDueTime, bypasses the
// due-time gate (manual retry / force).
type PendingQuery struct {
	TenantID      string
	InvoiceID     string
	IgnoreDueTime bool
	Limit         int
	AsOf          time.Time
}

// Repository defines the interface for invoice persistence operations
type Repository interface {
	// Create creates a new invoice with its line items
	Create(ctx context.Context, invoice *Invoice) error

	// Get retrieves an invoice by ID scoped to the tenant in context
	Get(ctx context.Context, id string) (*Invoice, error)

	// Update updates an existing invoice and replaces its line items
	Update(ctx context.Context, invoice *Invoice) error

	// List retrieves invoices based on filter criteria
	List(ctx context.Context, filter *types.InvoiceFilter) ([]*Invoice, error)

	// Count returns the total count of invoices based on filter criteria
	Count(ctx context.Context, filter *types.InvoiceFilter) (int, error)

	// GetByOrigin retrieves the invoice produced by a given sale flow, if any
	GetByOrigin(ctx context.Context, originKind types.OriginKind, originID string) (*Invoice, error)

	// ListDuePending retrieves pending invoices eligible for a retry attempt,
	// oldest first
	ListDuePending(ctx context.Context, q *PendingQuery) ([]*Invoice, error)

	// CountPending returns the number of pending invoices; tenantID may be
	// empty for a global count
	CountPending(ctx context.Context, tenantID string) (int, error)

	// CountOverdue returns the number of pending invoices whose next retry
	// time has already passed
	CountOverdue(ctx context.Context, tenantID string, asOf time.Time) (int, error)

	// MaxIssuedSequence returns the highest sequence number the tenant in
	// context has issued for the given numbering stream, or 0 if none
	MaxIssuedSequence(ctx context.Context, pointOfSale, voucherType int) (int64, error)

	// ClaimPending atomically transitions a pending, not-in-flight row to
	// in-flight with a lease timestamp. Returns false when the row is not
	// pending or another worker holds a live lease.
	ClaimPending(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error)

	// ReleaseClaim clears the in-flight marker without changing anything else
	ReleaseClaim(ctx context.Context, id string) error
}
