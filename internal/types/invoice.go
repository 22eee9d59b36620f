package types

import (
	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/samber/lo"
)

// InvoiceKind distinguishes ordinary invoices from credit notes
type InvoiceKind string

const (
	InvoiceKindInvoice    InvoiceKind = "invoice"
	InvoiceKindCreditNote InvoiceKind = "credit_note"
)

func (k InvoiceKind) String() string {
	return string(k)
}

func (k InvoiceKind) Validate() error {
	allowed := []InvoiceKind{
		InvoiceKindInvoice,
		InvoiceKindCreditNote,
	}
	if !lo.Contains(allowed, k) {
		return ierr.NewError("invalid invoice kind").
			WithHint("Please provide a valid invoice kind").
			WithReportableDetails(map[string]any{
				"allowed": allowed,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// InvoiceStatus represents the fiscal lifecycle state of an invoice
type InvoiceStatus string

const (
	// InvoiceStatusPending indicates the sale completed but the authority has not
	// authorized the voucher yet; the row carries a retry payload
	InvoiceStatusPending InvoiceStatus = "pending"
	// InvoiceStatusIssued indicates the authority granted a CAE and the voucher
	// numbering is final
	InvoiceStatusIssued InvoiceStatus = "issued"
	// InvoiceStatusCredited indicates a later credit note reversed this invoice
	InvoiceStatusCredited InvoiceStatus = "credited"
	// InvoiceStatusVoided indicates the invoice was cancelled before issuance
	InvoiceStatusVoided InvoiceStatus = "voided"
)

func (s InvoiceStatus) String() string {
	return string(s)
}

func (s InvoiceStatus) Validate() error {
	allowed := []InvoiceStatus{
		InvoiceStatusPending,
		InvoiceStatusIssued,
		InvoiceStatusCredited,
		InvoiceStatusVoided,
	}
	if !lo.Contains(allowed, s) {
		return ierr.NewError("invalid invoice status").
			WithHint("Please provide a valid invoice status").
			WithReportableDetails(map[string]any{
				"allowed": allowed,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// IsTerminal reports whether the status can never re-enter the retry queue
func (s InvoiceStatus) IsTerminal() bool {
	return s == InvoiceStatusIssued || s == InvoiceStatusCredited || s == InvoiceStatusVoided
}

// LineKind categorizes an invoice line item
type LineKind string

const (
	LineKindService    LineKind = "service"
	LineKindProduct    LineKind = "product"
	LineKindPenalty    LineKind = "penalty"
	LineKindAdjustment LineKind = "adjustment"
)

func (k LineKind) String() string {
	return string(k)
}

func (k LineKind) Validate() error {
	allowed := []LineKind{
		LineKindService,
		LineKindProduct,
		LineKindPenalty,
		LineKindAdjustment,
	}
	if !lo.Contains(allowed, k) {
		return ierr.NewError("invalid line kind").
			WithHint("Please provide a valid line kind").
			WithReportableDetails(map[string]any{
				"allowed": allowed,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// FiscalConcept is the authority's classification of a voucher. It drives which
// date fields are mandatory on the authorization request.
type FiscalConcept int

const (
	FiscalConceptProducts FiscalConcept = 1
	FiscalConceptServices FiscalConcept = 2
	FiscalConceptMixed    FiscalConcept = 3
)

// OriginKind identifies which sale flow produced an invoice. It keeps unrelated
// sale flows decoupled from the emission engine internals.
type OriginKind string

const (
	OriginKindAppointmentPayment OriginKind = "appointment_payment"
	OriginKindGiftCardSale       OriginKind = "gift_card_sale"
	OriginKindProductSale        OriginKind = "product_sale"
	OriginKindGroupedPayment     OriginKind = "grouped_payment"
	OriginKindManual             OriginKind = "manual"
)

func (k OriginKind) String() string {
	return string(k)
}

func (k OriginKind) Validate() error {
	allowed := []OriginKind{
		OriginKindAppointmentPayment,
		OriginKindGiftCardSale,
		OriginKindProductSale,
		OriginKindGroupedPayment,
		OriginKindManual,
	}
	if !lo.Contains(allowed, k) {
		return ierr.NewError("invalid origin kind").
			WithHint("Please provide a valid origin kind").
			WithReportableDetails(map[string]any{
				"allowed": allowed,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

const (
	// RetryIntervalMinutes is the fixed interval pending invoices are pushed
	// forward by after a failed emission attempt
	RetryIntervalMinutes = 5

	// RetrySweepDefaultLimit is the default batch size for a scheduled sweep
	RetrySweepDefaultLimit = 30
	// RetrySweepMaxLimit is the hard cap on a sweep batch
	RetrySweepMaxLimit = 100

	// ClaimLeaseSeconds is how long an in-flight claim on a pending invoice is
	// honored before other workers may reclaim the row
	ClaimLeaseSeconds = 120
)
