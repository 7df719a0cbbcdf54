package main

import (
	"context"
	"strings"
	"time"

	"suiftly/api_billing/internal/credits"
	"suiftly/api_billing/internal/handlers"
	"suiftly/api_billing/internal/invoices"
	"suiftly/api_billing/internal/jobs"
	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/notifications"
	"suiftly/api_billing/internal/payment"
	"suiftly/api_billing/internal/sui"
	"suiftly/api_billing/internal/tiers"
	"suiftly/api_billing/internal/usage"
	"suiftly/api_billing/pkg/auth"
	"suiftly/api_billing/pkg/clock"
	"suiftly/api_billing/pkg/config"
	"suiftly/api_billing/pkg/database"
	"suiftly/api_billing/pkg/logging"
	"suiftly/api_billing/pkg/middleware"
	"suiftly/api_billing/pkg/monitoring"
	"suiftly/api_billing/pkg/server"
	"suiftly/api_billing/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Billing API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	escrowGatewayURL := config.RequireEnv("SUI_ESCROW_GATEWAY_URL")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":           dbURL,
		"JWT_SECRET":             jwtSecret,
		"SUI_ESCROW_GATEWAY_URL": escrowGatewayURL,
	}))

	// Custom billing metrics
	metrics := &handlers.BursarMetrics{
		BillingRuns:        metricsCollector.NewCounter("billing_runs_total", "Billing operations by outcome", []string{"operation", "status"}),
		SettlementAttempts: metricsCollector.NewCounter("settlement_attempts_total", "Provider charge attempts", []string{"provider", "outcome"}),
		LockAcquisitions:   metricsCollector.NewCounter("customer_lock_acquisitions_total", "Customer lock acquisitions", []string{"operation", "outcome"}),
		LockWaitSeconds:    metricsCollector.NewHistogram("customer_lock_wait_seconds", "Customer lock wait time", []string{"operation"}, []float64{0.01, 0.05, 0.25, 1, 2, 5, 10}),
	}

	// Ops notification channel
	var brokers []string
	if raw := config.GetEnv("KAFKA_BROKERS", ""); raw != "" {
		brokers = strings.Split(raw, ",")
	}
	ops, err := notifications.NewOpsProducer(brokers, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create ops producer")
	}
	defer ops.Close()
	healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(ops.Client()))

	// Customer lock
	lockCfg := locks.Config{
		WaitTimeout:   time.Duration(config.GetEnvInt("CUSTOMER_LOCK_TIMEOUT_MS", 10000)) * time.Millisecond,
		WarnThreshold: time.Duration(config.GetEnvInt("CUSTOMER_LOCK_WARN_MS", 2000)) * time.Millisecond,
	}
	locker := locks.NewLocker(db, logger, lockCfg, ops)
	locker.SetMetrics(metrics.LockAcquisitions, metrics.LockWaitSeconds)

	// Escrow gateway and payment providers
	escrowGateway := sui.NewClient(sui.Config{
		BaseURL:      escrowGatewayURL,
		ServiceToken: config.GetEnv("SUI_ESCROW_SERVICE_TOKEN", ""),
		Logger:       logger,
	})

	stripeProvider := payment.NewStripeProvider(payment.StripeConfig{
		SecretKey:   config.GetEnv("STRIPE_SECRET_KEY", ""),
		FrontendURL: config.GetEnv("FRONTEND_URL", ""),
		Logger:      logger,
	})
	mollieProvider, err := payment.NewMollieProvider(payment.MollieConfig{
		APIKey: config.GetEnv("MOLLIE_API_KEY", ""),
		Logger: logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Mollie provider")
	}

	creditLedger := credits.NewLedger(logger)
	chain := payment.NewChain(creditLedger, logger,
		payment.NewEscrowProvider(escrowGateway, logger),
		stripeProvider,
		mollieProvider,
		payment.NewPayPalProvider(),
	)
	chain.SetMetrics(metrics.SettlementAttempts)

	// Engines
	clk := clock.System()
	statsQuerier := usage.NewPostgresStats(db)
	usageCalc := usage.NewCalculator(statsQuerier, logger)
	invoiceEngine := invoices.NewEngine(chain, usageCalc, logger)
	tierEngine := tiers.NewEngine(invoiceEngine, logger)

	// Background billing jobs
	emailService := notifications.NewEmailService(logger)
	jobManager := jobs.NewJobManager(db, locker, invoiceEngine, usageCalc, ops, emailService, clk, logger)
	if err := jobManager.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start job manager")
	}
	defer jobManager.Stop()

	// Initialize handlers
	handlers.Init(handlers.Deps{
		DB:            db,
		Logger:        logger,
		Locker:        locker,
		InvoiceEngine: invoiceEngine,
		TierEngine:    tierEngine,
		Chain:         chain,
		EscrowGateway: escrowGateway,
		Clock:         clk,
		Metrics:       metrics,
	})
	handlers.InitPayments(creditLedger)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/billing/ prefix)
	{
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/billing/tiers", handlers.GetTiers)
			protected.GET("/billing/services", handlers.ListServices)
			protected.POST("/billing/services/:service/subscribe", handlers.Subscribe)
			protected.POST("/billing/services/:service/upgrade", handlers.UpgradeTier)
			protected.POST("/billing/services/:service/downgrade", handlers.DowngradeTier)
			protected.POST("/billing/services/:service/cancel", handlers.CancelService)
			protected.POST("/billing/services/:service/cancel/undo", handlers.UndoCancellation)
			protected.DELETE("/billing/services/:service/scheduled-change", handlers.CancelScheduledChange)

			protected.GET("/billing/invoices", handlers.ListInvoices)
			protected.GET("/billing/invoices/:id", handlers.GetInvoice)
			protected.POST("/billing/invoices/:id/pay", handlers.PayInvoice)

			protected.GET("/billing/payment-methods", handlers.ListPaymentMethods)
			protected.POST("/billing/payment-methods", handlers.AddPaymentMethod)
			protected.DELETE("/billing/payment-methods/:provider", handlers.RemovePaymentMethod)

			protected.GET("/billing/credits", handlers.ListCredits)

			protected.POST("/billing/escrow/deposit", handlers.EscrowDeposit)
			protected.POST("/billing/escrow/withdraw", handlers.EscrowWithdraw)
			protected.GET("/billing/escrow/transactions", handlers.ListEscrowTransactions)
		}

		// Webhook endpoints (signature-verified, no JWT)
		router.POST("/webhooks/stripe", handlers.StripeWebhook)

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/admin/credits", handlers.GrantCredit)
			serviceAPI.POST("/admin/customers/:id/billing-run", handlers.TriggerBillingRun(func(c middleware.Context, id string) error {
				return jobManager.RunCustomerBilling(context.Background(), id)
			}))
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
