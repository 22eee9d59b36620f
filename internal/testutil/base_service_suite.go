package testutil

import (
	"context"
	"time"

	"github.com/agendapos/agendapos/internal/config"
	"github.com/agendapos/agendapos/internal/domain/invoice"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/agendapos/agendapos/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

// Stores is a copy of the repositories used by the services, for inspection
// and seeding from tests.
type Stores struct {
	InvoiceRepo *InMemoryInvoiceStore
}

// BaseServiceTestSuite provides common setup and helpers for service tests
type BaseServiceTestSuite struct {
	suite.Suite
	ctx    context.Context
	stores Stores
	logger *logger.Logger
	config *config.Configuration
	now    time.Time
}

// SetupSuite initializes shared resources
func (s *BaseServiceTestSuite) SetupSuite() {
	s.config = &config.Configuration{
		Deployment: config.DeploymentConfig{Mode: types.ModeLocal},
		Logging:    config.LoggingConfig{Level: types.LogLevelDebug},
		Fiscal: config.FiscalConfig{
			Enabled:           true,
			TaxID:             "20123456789",
			PointOfSale:       3,
			VoucherType:       6,
			CreditVoucherType: 8,
			AccessToken:       "test-token",
			TaxRate:           decimal.NewFromInt(21),
			TaxRateID:         5,
			BusinessName:      "Test Business",
		},
	}

	var err error
	s.logger, err = logger.NewLogger(s.config)
	if err != nil {
		s.T().Fatalf("failed to create logger: %v", err)
	}
}

// SetupTest prepares fresh state for each test
func (s *BaseServiceTestSuite) SetupTest() {
	s.setupContext()
	s.setupStores()
	s.now = time.Now().UTC()
}

// TearDownTest cleans up after each test
func (s *BaseServiceTestSuite) TearDownTest() {
	s.clearStores()
}

func (s *BaseServiceTestSuite) setupContext() {
	s.ctx = SetupContext()
}

func (s *BaseServiceTestSuite) setupStores() {
	s.stores = Stores{
		InvoiceRepo: NewInMemoryInvoiceStore(),
	}
}

func (s *BaseServiceTestSuite) clearStores() {
	s.stores.InvoiceRepo.Clear()
}

// GetContext returns the test context
func (s *BaseServiceTestSuite) GetContext() context.Context {
	return s.ctx
}

// GetConfig returns the test configuration
func (s *BaseServiceTestSuite) GetConfig() *config.Configuration {
	return s.config
}

// GetLogger returns the test logger
func (s *BaseServiceTestSuite) GetLogger() *logger.Logger {
	return s.logger
}

// GetStores returns the test stores
func (s *BaseServiceTestSuite) GetStores() Stores {
	return s.stores
}

// GetNow returns the current test time
func (s *BaseServiceTestSuite) GetNow() time.Time {
	return s.now
}

// GetInvoiceRepo returns the invoice repository typed as the domain interface
func (s *BaseServiceTestSuite) GetInvoiceRepo() invoice.Repository {
	return s.stores.InvoiceRepo
}
