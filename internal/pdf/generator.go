package pdf

import (
	"context"
	"encoding/json"
	"fmt"

	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/shopspring/decimal"
)

// InvoiceData is everything the fiscal invoice template needs. It is passed to
// typst as a JSON dictionary.
type InvoiceData struct {
	ID             string `json:"id"`
	BusinessName   string `json:"business_name"`
	BusinessTaxID  string `json:"business_tax_id"`
	BusinessAddr   string `json:"business_address"`
	FooterText     string `json:"footer_text,omitempty"`
	PointOfSale    int    `json:"point_of_sale"`
	VoucherType    int    `json:"voucher_type"`
	SequenceNumber int64  `json:"number"`
	CAE            string `json:"cae"`
	CAEExpiry      string `json:"cae_expiry,omitempty"`
	FiscalDate     string `json:"fiscal_date"`
	CustomerName   string `json:"customer_name"`
	PaymentMethod  string `json:"payment_method,omitempty"`
	IsCreditNote   bool   `json:"is_credit_note"`

	Lines []InvoiceLine `json:"lines"`

	NetAmount decimal.Decimal `json:"net_amount"`
	TaxAmount decimal.Decimal `json:"tax_amount"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	Total     decimal.Decimal `json:"total"`
}

type InvoiceLine struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// Generator renders the printable document for an authorized invoice
type Generator interface {
	RenderInvoice(ctx context.Context, data *InvoiceData) ([]byte, error)
}

type generator struct {
	compiler *compiler
	logger   *logger.Logger
}

// NewGenerator creates a typst-backed invoice renderer
func NewGenerator(log *logger.Logger) Generator {
	return &generator{
		compiler: defaultCompiler(log),
		logger:   log,
	}
}

func (g *generator) RenderInvoice(ctx context.Context, data *InvoiceData) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("The invoice data could not be serialized for rendering").
			Mark(ierr.ErrSystem)
	}

	doc, err := g.compiler.compileTemplate(ctx,
		"fiscal_invoice.typ",
		jsonData,
		fmt.Sprintf("invoice-%s.pdf", data.ID),
	)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("The invoice document could not be rendered").
			Mark(ierr.ErrSystem)
	}

	return doc, nil
}
