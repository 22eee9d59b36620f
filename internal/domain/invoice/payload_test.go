package invoice

import (
	"testing"
	"time"

	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload() *Payload {
	return &Payload{
		Customer: PayloadCustomer{Name: "Ana", Surname: "García"},
		Items: []PayloadItem{
			{
				Kind:        types.LineKindService,
				Description: "Consultation",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   decimal.NewFromFloat(1500),
				Subtotal:    decimal.NewFromFloat(1500),
			},
			{
				Kind:        types.LineKindProduct,
				Description: "Shampoo",
				Quantity:    decimal.NewFromInt(2),
				UnitPrice:   decimal.NewFromFloat(250),
				Subtotal:    decimal.NewFromFloat(500),
			},
		},
		Total:         decimal.NewFromFloat(1800),
		PaymentMethod: "card",
		Adjustments: []PayloadAdjustment{
			{Description: "Deposit applied", Amount: decimal.NewFromFloat(200)},
		},
		FiscalDate: "2026-08-31",
	}
}

func TestPayloadEncodeDecodeRoundTrip(t *testing.T) {
	original := testPayload()

	raw, err := original.Encode()
	require.NoError(t, err)

	// Field names are a persistence contract shared with rows written by
	// earlier releases.
	assert.Contains(t, raw, `"paymentMethod"`)
	assert.Contains(t, raw, `"unitPrice"`)
	assert.Contains(t, raw, `"fiscalDate"`)

	decoded, err := DecodePayload(raw)
	require.NoError(t, err)

	assert.Equal(t, original.Customer, decoded.Customer)
	assert.Equal(t, original.PaymentMethod, decoded.PaymentMethod)
	assert.True(t, decoded.Total.Equal(original.Total))
	require.Len(t, decoded.Items, 2)
	assert.Equal(t, "Consultation", decoded.Items[0].Description)
	assert.True(t, decoded.Items[1].Subtotal.Equal(decimal.NewFromFloat(500)))
	require.Len(t, decoded.Adjustments, 1)
	assert.True(t, decoded.Adjustments[0].Amount.Equal(decimal.NewFromFloat(200)))
	assert.Equal(t, "2026-08-31", decoded.FiscalDate)
}

func TestDecodePayloadRejectsBadInput(t *testing.T) {
	_, err := DecodePayload("")
	assert.True(t, ierr.IsValidation(err))

	_, err = DecodePayload("{not json")
	assert.True(t, ierr.IsValidation(err))

	// Structurally valid JSON that fails semantic validation
	_, err = DecodePayload(`{"customer":{"name":"Ana"},"items":[],"total":"100"}`)
	assert.True(t, ierr.IsValidation(err))
}

func TestPayloadValidate(t *testing.T) {
	p := testPayload()
	require.NoError(t, p.Validate())

	zeroTotal := testPayload()
	zeroTotal.Total = decimal.Zero
	assert.True(t, ierr.IsValidation(zeroTotal.Validate()))

	noItems := testPayload()
	noItems.Items = nil
	assert.True(t, ierr.IsValidation(noItems.Validate()))

	badDate := testPayload()
	badDate.FiscalDate = "31/08/2026"
	assert.True(t, ierr.IsValidation(badDate.Validate()))

	noDate := testPayload()
	noDate.FiscalDate = ""
	assert.NoError(t, noDate.Validate())
}

func TestPayloadGetFiscalDate(t *testing.T) {
	fallback := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)

	p := testPayload()
	assert.Equal(t, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), p.GetFiscalDate(fallback))

	p.FiscalDate = ""
	assert.Equal(t, fallback, p.GetFiscalDate(fallback))

	p.FiscalDate = "not-a-date"
	assert.Equal(t, fallback, p.GetFiscalDate(fallback))
}

func TestReconstructPayloadFromSnapshot(t *testing.T) {
	fiscalDate := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	inv := &Invoice{
		ID:              "inv_01",
		InvoiceKind:     types.InvoiceKindInvoice,
		InvoiceStatus:   types.InvoiceStatusPending,
		CustomerName:    "Ana",
		CustomerSurname: "García",
		PaymentMethod:   "cash",
		Total:           decimal.NewFromFloat(1300),
		DepositDiscount: decimal.NewFromFloat(200),
		FiscalDate:      &fiscalDate,
		LineItems: []*LineItem{
			{
				Kind:        types.LineKindService,
				Description: "Consultation",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   decimal.NewFromFloat(1500),
				Subtotal:    decimal.NewFromFloat(1500),
			},
			{
				Kind:        types.LineKindAdjustment,
				Description: "Deposit applied",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   decimal.NewFromFloat(-200),
				Subtotal:    decimal.NewFromFloat(-200),
			},
		},
	}

	p, err := ReconstructPayload(inv)
	require.NoError(t, err)

	assert.Equal(t, "Ana", p.Customer.Name)
	assert.True(t, p.Total.Equal(decimal.NewFromFloat(1300)))
	require.NotNil(t, p.DepositDiscount)
	assert.True(t, p.DepositDiscount.Equal(decimal.NewFromFloat(200)))
	assert.Equal(t, "2026-08-31", p.FiscalDate)

	// Negative adjustment lines become adjustments, not items
	require.Len(t, p.Items, 1)
	assert.Equal(t, types.LineKindService, p.Items[0].Kind)
	require.Len(t, p.Adjustments, 1)
	assert.Equal(t, "Deposit applied", p.Adjustments[0].Description)
	assert.True(t, p.Adjustments[0].Amount.Equal(decimal.NewFromFloat(200)))
}

func TestReconstructPayloadInsufficientSnapshot(t *testing.T) {
	_, err := ReconstructPayload(nil)
	assert.Error(t, err)

	// No line items at all cannot drive an emission attempt
	inv := &Invoice{
		ID:            "inv_02",
		InvoiceKind:   types.InvoiceKindInvoice,
		InvoiceStatus: types.InvoiceStatusPending,
		CustomerName:  "Ana",
		Total:         decimal.NewFromFloat(100),
	}
	_, err = ReconstructPayload(inv)
	require.Error(t, err)
	assert.True(t, ierr.IsInvalidOperation(err))
}

func TestInvoiceIsDue(t *testing.T) {
	now := time.Now().UTC()

	pending := &Invoice{InvoiceStatus: types.InvoiceStatusPending}
	assert.True(t, pending.IsDue(now))

	pending.NextRetryAt = lo.ToPtr(now.Add(time.Minute))
	assert.False(t, pending.IsDue(now))

	pending.NextRetryAt = lo.ToPtr(now.Add(-time.Minute))
	assert.True(t, pending.IsDue(now))

	issued := &Invoice{InvoiceStatus: types.InvoiceStatusIssued}
	assert.False(t, issued.IsDue(now))
}

func TestInvoiceIsClaimed(t *testing.T) {
	now := time.Now().UTC()
	lease := 2 * time.Minute

	inv := &Invoice{}
	assert.False(t, inv.IsClaimed(now, lease))

	inv.ClaimedAt = lo.ToPtr(now.Add(-time.Minute))
	assert.True(t, inv.IsClaimed(now, lease))

	inv.ClaimedAt = lo.ToPtr(now.Add(-3 * time.Minute))
	assert.False(t, inv.IsClaimed(now, lease))
}
