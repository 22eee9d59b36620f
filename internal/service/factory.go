package service

import (
	"github.com/agendapos/agendapos/internal/config"
	"github.com/agendapos/agendapos/internal/domain/invoice"
	"github.com/agendapos/agendapos/internal/fiscal"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/agendapos/agendapos/internal/pdf"
	"github.com/agendapos/agendapos/internal/postgres"
	"github.com/agendapos/agendapos/internal/s3"
)

// ServiceParams holds common dependencies for services
type ServiceParams struct {
	Logger       *logger.Logger
	Config       *config.Configuration
	DB           *postgres.DB
	PDFGenerator pdf.Generator
	S3           s3.Service

	// FiscalClient is nil when the fiscal feature is disabled
	FiscalClient fiscal.Client

	// Repositories
	InvoiceRepo invoice.Repository
}
