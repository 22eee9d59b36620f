package testutil

import (
	"context"

	"github.com/agendapos/agendapos/internal/pdf"
)

var _ pdf.Generator = (*MockPDFGenerator)(nil)

// MockPDFGenerator returns a fixed document without invoking typst
type MockPDFGenerator struct {
	RenderErr   error
	RenderCalls int
	LastData    *pdf.InvoiceData
}

func NewMockPDFGenerator() *MockPDFGenerator {
	return &MockPDFGenerator{}
}

func (m *MockPDFGenerator) RenderInvoice(ctx context.Context, data *pdf.InvoiceData) ([]byte, error) {
	m.RenderCalls++
	m.LastData = data
	if m.RenderErr != nil {
		return nil, m.RenderErr
	}
	return []byte("%PDF-1.7 test document"), nil
}
