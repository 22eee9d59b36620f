package api

import (
	"github.com/agendapos/agendapos/internal/api/cron"
	v1 "github.com/agendapos/agendapos/internal/api/v1"
	"github.com/agendapos/agendapos/internal/config"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/agendapos/agendapos/internal/rest/middleware"
	"github.com/gin-gonic/gin"
)

type Handlers struct {
	Health      *v1.HealthHandler
	Invoice     *v1.InvoiceHandler
	CronInvoice *cron.InvoiceHandler
}

func NewRouter(handlers Handlers, cfg *config.Configuration, logger *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware,
		middleware.CORSMiddleware,
		middleware.ErrorHandler(),
	)

	router.GET("/v1/health", handlers.Health.Health)

	v1Group := router.Group("/v1", middleware.AuthenticateMiddleware(cfg, logger))
	registerV1Routes(v1Group, handlers)

	cronGroup := router.Group("/cron", middleware.CronAuthMiddleware(cfg, logger))
	registerCronRoutes(cronGroup, handlers)

	return router
}

func registerV1Routes(router *gin.RouterGroup, handlers Handlers) {
	invoices := router.Group("/invoices")
	{
		invoices.POST("/emit", handlers.Invoice.EmitInvoice)
		invoices.GET("", handlers.Invoice.ListInvoices)
		invoices.POST("/retry", handlers.Invoice.RetryInvoices)
		invoices.GET("/retry/status", handlers.Invoice.GetRetryStatus)
		invoices.GET("/:id", handlers.Invoice.GetInvoice)
		invoices.GET("/:id/pdf", handlers.Invoice.GetInvoiceDocument)
	}
}

func registerCronRoutes(router *gin.RouterGroup, handlers Handlers) {
	invoices := router.Group("/invoices")
	{
		invoices.POST("/retry", handlers.CronInvoice.ProcessPendingInvoices)
		invoices.GET("/retry/status", handlers.CronInvoice.GetQueueStatus)
	}
}
