package repository

import (
	"github.com/agendapos/agendapos/internal/domain/invoice"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/agendapos/agendapos/internal/postgres"
	postgresRepo "github.com/agendapos/agendapos/internal/repository/postgres"
)

func NewInvoiceRepository(db *postgres.DB, logger *logger.Logger) invoice.Repository {
	return postgresRepo.NewInvoiceRepository(db, logger)
}
