package dto

import (
	"time"

	"github.com/agendapos/agendapos/internal/domain/invoice"
	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/types"
	"github.com/shopspring/decimal"
)

// EmitInvoiceRequest asks the engine to turn a completed sale into an
// authorized fiscal invoice.
type EmitInvoiceRequest struct {
	InvoiceKind types.InvoiceKind `json:"invoice_kind"`

	Customer      EmitCustomer     `json:"customer" binding:"required"`
	Items         []EmitLineItem   `json:"items" binding:"required"`
	PaymentMethod string           `json:"payment_method"`
	Total         decimal.Decimal  `json:"total" binding:"required"`
	DepositDiscount *decimal.Decimal `json:"deposit_discount,omitempty"`
	Adjustments   []EmitAdjustment `json:"adjustments,omitempty"`

	// FiscalDate is optional; when empty the engine uses today's date in the
	// tenant's fiscal timezone
	FiscalDate string `json:"fiscal_date,omitempty"`

	OriginKind types.OriginKind `json:"origin_kind" binding:"required"`
	OriginID   string           `json:"origin_id" binding:"required"`

	// RelatedInvoiceID references the original invoice on credit notes
	RelatedInvoiceID *string `json:"related_invoice_id,omitempty"`

	Metadata types.Metadata `json:"metadata,omitempty"`
}

type EmitCustomer struct {
	Name    string `json:"name" binding:"required"`
	Surname string `json:"surname"`
}

type EmitLineItem struct {
	Kind        types.LineKind  `json:"kind" binding:"required"`
	Description string          `json:"description" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type EmitAdjustment struct {
	Description string          `json:"description" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
}

func (r *EmitInvoiceRequest) Validate() error {
	if r.InvoiceKind == "" {
		r.InvoiceKind = types.InvoiceKindInvoice
	}
	if err := r.InvoiceKind.Validate(); err != nil {
		return err
	}
	if err := r.OriginKind.Validate(); err != nil {
		return err
	}
	if r.OriginID == "" {
		return ierr.NewError("origin_id is required").
			WithHint("Identify the sale that produced this invoice").
			Mark(ierr.ErrValidation)
	}
	if !r.Total.IsPositive() {
		return ierr.NewError("total must be positive").
			WithHint("The invoice total must be greater than zero").
			Mark(ierr.ErrValidation)
	}
	if len(r.Items) == 0 {
		return ierr.NewError("at least one line item is required").
			WithHint("Provide the sale's line items").
			Mark(ierr.ErrValidation)
	}
	for _, item := range r.Items {
		if err := item.Kind.Validate(); err != nil {
			return err
		}
		if item.Subtotal.IsNegative() {
			return ierr.NewError("line subtotals must be non negative").
				WithHint("Use adjustments for applied deposits or gift cards").
				Mark(ierr.ErrValidation)
		}
	}
	for _, adj := range r.Adjustments {
		if !adj.Amount.IsPositive() {
			return ierr.NewError("adjustment amounts must be positive").
				WithHint("Adjustment amounts are expressed as positive values to subtract").
				Mark(ierr.ErrValidation)
		}
	}
	if r.InvoiceKind == types.InvoiceKindCreditNote && r.RelatedInvoiceID == nil {
		return ierr.NewError("related_invoice_id is required for credit notes").
			WithHint("A credit note must reference the invoice it reverses").
			Mark(ierr.ErrValidation)
	}
	if r.FiscalDate != "" {
		if _, err := time.Parse(invoice.FiscalDateLayout, r.FiscalDate); err != nil {
			return ierr.WithError(err).
				WithHint("Provide the fiscal date as YYYY-MM-DD").
				Mark(ierr.ErrValidation)
		}
	}
	return nil
}

// ToPayload converts the request into the retry payload snapshot persisted
// with the pending invoice.
func (r *EmitInvoiceRequest) ToPayload() *invoice.Payload {
	p := &invoice.Payload{
		Customer: invoice.PayloadCustomer{
			Name:    r.Customer.Name,
			Surname: r.Customer.Surname,
		},
		Total:           r.Total,
		PaymentMethod:   r.PaymentMethod,
		DepositDiscount: r.DepositDiscount,
		FiscalDate:      r.FiscalDate,
	}
	for _, item := range r.Items {
		p.Items = append(p.Items, invoice.PayloadItem{
			Kind:        item.Kind,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Subtotal:    item.Subtotal,
		})
	}
	for _, adj := range r.Adjustments {
		p.Adjustments = append(p.Adjustments, invoice.PayloadAdjustment{
			Description: adj.Description,
			Amount:      adj.Amount,
		})
	}
	return p
}

// InvoiceResponse is the API representation of an invoice
type InvoiceResponse struct {
	*invoice.Invoice
}

func NewInvoiceResponse(inv *invoice.Invoice) *InvoiceResponse {
	return &InvoiceResponse{Invoice: inv}
}

// ListInvoicesResponse represents a paginated list of invoices
type ListInvoicesResponse struct {
	Items []*InvoiceResponse `json:"items"`
	Total int                `json:"total"`
	Limit int                `json:"limit"`
	Offset int               `json:"offset"`
}

// RetryInvoicesRequest triggers retry processing for pending invoices
type RetryInvoicesRequest struct {
	// InvoiceID targets a single pending invoice; empty means process the
	// tenant's due queue
	InvoiceID string `json:"invoice_id,omitempty"`
	// Limit bounds the batch; defaults and caps are applied server side
	Limit int `json:"limit,omitempty"`
	// Force bypasses the due-time gate, for the whole tenant queue or for a
	// targeted invoice
	Force bool `json:"force,omitempty"`
}

// RetryResultItem reports the outcome of one invoice's retry attempt
type RetryResultItem struct {
	InvoiceID string `json:"invoice_id"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

const (
	RetryOutcomeIssued  = "issued"
	RetryOutcomeFailed  = "failed"
	RetryOutcomeSkipped = "skipped"
	RetryOutcomeInvalid = "invalid"
)

// RetryInvoicesResponse summarizes a retry batch. Invalid rows are those whose
// payload could not be decoded or reconstructed; they are counted apart from
// ordinary failures. Pending and Overdue report the queue as it stands after
// the batch.
type RetryInvoicesResponse struct {
	Processed int               `json:"processed"`
	Issued    int               `json:"issued"`
	Failed    int               `json:"failed"`
	Invalid   int               `json:"invalid"`
	Skipped   int               `json:"skipped"`
	Results   []RetryResultItem `json:"results"`

	Pending              int `json:"pending"`
	Overdue              int `json:"overdue"`
	RetryIntervalMinutes int `json:"retry_interval_minutes"`
}

// RetryQueueStatusResponse describes the pending queue
type RetryQueueStatusResponse struct {
	Pending int       `json:"pending"`
	Overdue int       `json:"overdue"`
	AsOf    time.Time `json:"as_of"`
}
