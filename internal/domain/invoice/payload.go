package invoice

import (
	"encoding/json"
	"time"

	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/types"
	"github.com/shopspring/decimal"
)

// FiscalDateLayout is the wire format for fiscal dates in retry payloads
const FiscalDateLayout = "2006-01-02"

// Payload is the denormalized snapshot persisted with a pending invoice. It is
// self-sufficient: a retry can run from it long after the originating
// transaction's in-memory context is gone. The field names are a serialization
// contract and must survive across process restarts.
type Payload struct {
	Customer        PayloadCustomer     `json:"customer"`
	Items           []PayloadItem       `json:"items"`
	Total           decimal.Decimal     `json:"total"`
	PaymentMethod   string              `json:"paymentMethod"`
	DepositDiscount *decimal.Decimal    `json:"depositDiscount,omitempty"`
	Adjustments     []PayloadAdjustment `json:"adjustments,omitempty"`
	FiscalDate      string              `json:"fiscalDate"`
}

type PayloadCustomer struct {
	Name    string `json:"name"`
	Surname string `json:"surname"`
}

type PayloadItem struct {
	Kind        types.LineKind  `json:"kind"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type PayloadAdjustment struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Encode serializes the payload for storage on the invoice row
func (p *Payload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", ierr.WithError(err).
			WithHint("The retry payload could not be serialized").
			Mark(ierr.ErrSystem)
	}
	return string(data), nil
}

// DecodePayload deserializes a stored retry payload
func DecodePayload(raw string) (*Payload, error) {
	if raw == "" {
		return nil, ierr.NewError("retry payload is empty").
			WithHint("The pending invoice carries no retry payload").
			Mark(ierr.ErrValidation)
	}

	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, ierr.WithError(err).
			WithHint("The retry payload is malformed").
			Mark(ierr.ErrValidation)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that the payload is sufficient to drive an emission attempt
func (p *Payload) Validate() error {
	if !p.Total.IsPositive() {
		return ierr.NewError("retry payload total must be positive").
			WithHint("The retry payload carries a non-positive total").
			Mark(ierr.ErrValidation)
	}
	if len(p.Items) == 0 {
		return ierr.NewError("retry payload has no items").
			WithHint("The retry payload carries no line items").
			Mark(ierr.ErrValidation)
	}
	if p.FiscalDate != "" {
		if _, err := time.Parse(FiscalDateLayout, p.FiscalDate); err != nil {
			return ierr.WithError(err).
				WithHint("The retry payload fiscal date is malformed").
				Mark(ierr.ErrValidation)
		}
	}
	return nil
}

// GetFiscalDate parses the payload's fiscal date, falling back to the given default
func (p *Payload) GetFiscalDate(fallback time.Time) time.Time {
	if p.FiscalDate == "" {
		return fallback
	}
	t, err := time.Parse(FiscalDateLayout, p.FiscalDate)
	if err != nil {
		return fallback
	}
	return t
}

// ReconstructPayload rebuilds a retry payload from an invoice row's own
// persisted snapshot fields, for rows whose stored payload is missing or
// corrupt. No external lookups are performed.
func ReconstructPayload(inv *Invoice) (*Payload, error) {
	if inv == nil {
		return nil, ierr.NewError("invoice is nil").
			Mark(ierr.ErrValidation)
	}

	p := &Payload{
		Customer: PayloadCustomer{
			Name:    inv.CustomerName,
			Surname: inv.CustomerSurname,
		},
		Total:         inv.Total,
		PaymentMethod: inv.PaymentMethod,
	}

	if inv.DepositDiscount.IsPositive() {
		dd := inv.DepositDiscount
		p.DepositDiscount = &dd
	}

	for _, item := range inv.LineItems {
		if item.Kind == types.LineKindAdjustment && item.Subtotal.IsNegative() {
			p.Adjustments = append(p.Adjustments, PayloadAdjustment{
				Description: item.Description,
				Amount:      item.Subtotal.Neg(),
			})
			continue
		}
		p.Items = append(p.Items, PayloadItem{
			Kind:        item.Kind,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Subtotal:    item.Subtotal,
		})
	}

	if inv.FiscalDate != nil {
		p.FiscalDate = inv.FiscalDate.Format(FiscalDateLayout)
	}

	if err := p.Validate(); err != nil {
		return nil, ierr.WithError(err).
			WithHint("The invoice snapshot is insufficient to rebuild a retry payload").
			Mark(ierr.ErrInvalidOperation)
	}

	return p, nil
}
