package invoice

import (
	"time"

	"github.com/agendapos/agendapos/internal/types"
	"github.com/shopspring/decimal"
)

// Invoice represents the fiscal invoice domain model. Fiscal numbering and the
// CAE are only populated once the authority has authorized the voucher; until
// then the row stays pending and carries retry bookkeeping plus a serialized
// retry payload.
type Invoice struct {
	ID            string              `db:"id" json:"id"`
	InvoiceKind   types.InvoiceKind   `db:"invoice_kind" json:"invoice_kind"`
	InvoiceStatus types.InvoiceStatus `db:"invoice_status" json:"invoice_status"`

	// Fiscal numbering, populated once issued
	PointOfSale    *int   `db:"point_of_sale" json:"point_of_sale,omitempty"`
	VoucherType    *int   `db:"voucher_type" json:"voucher_type,omitempty"`
	SequenceNumber *int64 `db:"sequence_number" json:"sequence_number,omitempty"`

	// Authorization
	CAE        *string    `db:"cae" json:"cae,omitempty"`
	CAEExpiry  *time.Time `db:"cae_expiry" json:"cae_expiry,omitempty"`
	FiscalDate *time.Time `db:"fiscal_date" json:"fiscal_date,omitempty"`

	// Commercial content
	CustomerName    string          `db:"customer_name" json:"customer_name"`
	CustomerSurname string          `db:"customer_surname" json:"customer_surname"`
	PaymentMethod   string          `db:"payment_method" json:"payment_method"`
	Total           decimal.Decimal `db:"total" json:"total"`
	DepositDiscount decimal.Decimal `db:"deposit_discount" json:"deposit_discount"`

	// Retry bookkeeping, only meaningful while pending
	AttemptCount  int        `db:"attempt_count" json:"attempt_count"`
	LastError     *string    `db:"last_error" json:"last_error,omitempty"`
	LastAttemptAt *time.Time `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	RetryPayload  *string    `db:"retry_payload" json:"retry_payload,omitempty"`

	// ClaimedAt marks the row as in-flight so concurrent sweeps and manual
	// retries cannot both obtain an authorization for the same invoice
	ClaimedAt *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`

	// Provenance
	OriginKind       types.OriginKind `db:"origin_kind" json:"origin_kind"`
	OriginID         string           `db:"origin_id" json:"origin_id"`
	RelatedInvoiceID *string          `db:"related_invoice_id" json:"related_invoice_id,omitempty"`

	// Artifact reference, owned by the document renderer collaborator
	DocumentRef *string `db:"document_ref" json:"document_ref,omitempty"`
	Document    []byte  `db:"document" json:"-"`

	Metadata  types.Metadata `db:"metadata" json:"metadata,omitempty"`
	LineItems []*LineItem    `json:"line_items,omitempty"`

	types.BaseModel
}

// LineItem represents a single invoice line. Adjustment lines (applied
// deposits, gift cards) carry a negative subtotal so that line subtotals
// always sum to the authorized total.
type LineItem struct {
	ID          string          `db:"id" json:"id"`
	InvoiceID   string          `db:"invoice_id" json:"invoice_id"`
	Kind        types.LineKind  `db:"kind" json:"kind"`
	Description string          `db:"description" json:"description"`
	Quantity    decimal.Decimal `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	Subtotal    decimal.Decimal `db:"subtotal" json:"subtotal"`

	types.BaseModel
}

// LineSum returns the sum of all line subtotals, positive and negative
func (i *Invoice) LineSum() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range i.LineItems {
		sum = sum.Add(item.Subtotal)
	}
	return sum
}

// IsDue reports whether a pending invoice is eligible for a retry attempt
func (i *Invoice) IsDue(now time.Time) bool {
	if i.InvoiceStatus != types.InvoiceStatusPending {
		return false
	}
	if i.NextRetryAt == nil {
		return true
	}
	return !i.NextRetryAt.After(now)
}

// IsClaimed reports whether the row holds a live in-flight lease
func (i *Invoice) IsClaimed(now time.Time, lease time.Duration) bool {
	if i.ClaimedAt == nil {
		return false
	}
	return now.Sub(*i.ClaimedAt) < lease
}

func (i *Invoice) Validate() error {
	if err := i.InvoiceKind.Validate(); err != nil {
		return err
	}
	if err := i.InvoiceStatus.Validate(); err != nil {
		return err
	}

	if i.Total.IsNegative() {
		return NewValidationError("total", "must be non negative")
	}

	switch i.InvoiceStatus {
	case types.InvoiceStatusIssued, types.InvoiceStatusCredited:
		if i.PointOfSale == nil || i.VoucherType == nil || i.SequenceNumber == nil {
			return NewValidationError("sequence_number", "issued invoices must carry full fiscal numbering")
		}
		if i.CAE == nil || *i.CAE == "" {
			return NewValidationError("cae", "issued invoices must carry an authorization code")
		}
		if i.RetryPayload != nil || i.NextRetryAt != nil {
			return NewValidationError("retry_payload", "issued invoices must not carry retry bookkeeping")
		}
	case types.InvoiceStatusPending:
		if i.SequenceNumber != nil || i.CAE != nil {
			return NewValidationError("cae", "pending invoices must not carry fiscal numbering")
		}
		if i.RetryPayload == nil || *i.RetryPayload == "" {
			return NewValidationError("retry_payload", "pending invoices must carry a retry payload")
		}
	}

	if len(i.LineItems) > 0 {
		if !i.LineSum().Equal(i.Total) {
			return NewValidationError("total", "must equal the sum of line subtotals")
		}
		for _, item := range i.LineItems {
			if err := item.Validate(); err != nil {
				return err
			}
		}
	}

	return nil
}

func (li *LineItem) Validate() error {
	if err := li.Kind.Validate(); err != nil {
		return err
	}
	if li.Description == "" {
		return NewValidationError("description", "must not be empty")
	}
	if li.Quantity.IsNegative() {
		return NewValidationError("quantity", "must be non negative")
	}
	// Only adjustment lines may be negative
	if li.Subtotal.IsNegative() && li.Kind != types.LineKindAdjustment {
		return NewValidationError("subtotal", "only adjustment lines may carry a negative subtotal")
	}
	return nil
}
