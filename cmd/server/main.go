package main

import (
	"context"
	"time"

	"github.com/agendapos/agendapos/internal/api"
	"github.com/agendapos/agendapos/internal/api/cron"
	v1 "github.com/agendapos/agendapos/internal/api/v1"
	"github.com/agendapos/agendapos/internal/config"
	"github.com/agendapos/agendapos/internal/domain/invoice"
	"github.com/agendapos/agendapos/internal/fiscal"
	"github.com/agendapos/agendapos/internal/httpclient"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/agendapos/agendapos/internal/pdf"
	"github.com/agendapos/agendapos/internal/postgres"
	"github.com/agendapos/agendapos/internal/repository"
	"github.com/agendapos/agendapos/internal/s3"
	"github.com/agendapos/agendapos/internal/service"
	"github.com/agendapos/agendapos/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

func init() {
	// Set UTC timezone for the entire application
	time.Local = time.UTC

	// Local development convenience; missing .env is fine
	_ = godotenv.Load()
}

func main() {
	app := fx.New(
		fx.Provide(
			config.NewConfig,
			logger.NewLogger,
			postgres.NewDB,
			httpclient.NewDefaultClient,

			repository.NewInvoiceRepository,

			pdf.NewGenerator,
			s3.NewService,
			provideFiscalClient,

			provideServiceParams,
			service.NewEmissionService,
			service.NewRetryService,

			provideHandlers,
			provideRouter,
		),
		fx.Invoke(startServer),
	)
	app.Run()
}

// provideFiscalClient builds the authority client when the fiscal feature is
// enabled. Services treat a nil client as "fiscal disabled".
func provideFiscalClient(cfg *config.Configuration, httpClient httpclient.Client, log *logger.Logger) (fiscal.Client, error) {
	if !cfg.Fiscal.Enabled {
		log.Warnw("fiscal emission is disabled")
		return nil, nil
	}
	return fiscal.NewClient(cfg.Fiscal, httpClient, log)
}

func provideServiceParams(
	cfg *config.Configuration,
	log *logger.Logger,
	db *postgres.DB,
	pdfGenerator pdf.Generator,
	s3Service s3.Service,
	fiscalClient fiscal.Client,
	invoiceRepo invoice.Repository,
) service.ServiceParams {
	return service.ServiceParams{
		Logger:       log,
		Config:       cfg,
		DB:           db,
		PDFGenerator: pdfGenerator,
		S3:           s3Service,
		FiscalClient: fiscalClient,
		InvoiceRepo:  invoiceRepo,
	}
}

func provideHandlers(
	cfg *config.Configuration,
	log *logger.Logger,
	db *postgres.DB,
	emissionService service.EmissionService,
	retryService service.RetryService,
) api.Handlers {
	return api.Handlers{
		Health:      v1.NewHealthHandler(db, log),
		Invoice:     v1.NewInvoiceHandler(emissionService, retryService, log),
		CronInvoice: cron.NewInvoiceHandler(retryService, log),
	}
}

func provideRouter(handlers api.Handlers, cfg *config.Configuration, log *logger.Logger) *gin.Engine {
	if cfg.Deployment.Mode != types.ModeLocal {
		gin.SetMode(gin.ReleaseMode)
	}
	return api.NewRouter(handlers, cfg, log)
}

func startServer(
	lc fx.Lifecycle,
	cfg *config.Configuration,
	r *gin.Engine,
	db *postgres.DB,
	log *logger.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting API server", "address", cfg.Server.Address)
			go func() {
				if err := r.Run(cfg.Server.Address); err != nil {
					log.Fatalf("failed to start server: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down server")
			db.Close()
			return nil
		},
	})
}
