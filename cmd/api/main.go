package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/wolfman30/clinic-slot-engine/cmd/mainconfig"
	"github.com/wolfman30/clinic-slot-engine/internal/api/router"
	"github.com/wolfman30/clinic-slot-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-slot-engine/internal/config"
	"github.com/wolfman30/clinic-slot-engine/internal/events"
	"github.com/wolfman30/clinic-slot-engine/internal/http/handlers"
	"github.com/wolfman30/clinic-slot-engine/internal/http/middleware"
	"github.com/wolfman30/clinic-slot-engine/internal/reconcile"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

func main() {
	// .env is optional outside local development
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic slot engine API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"memory_mode", cfg.MemoryMode(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	}

	rdb := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	deps := bootstrap.Deps{Pool: pool, Redis: rdb}
	if pool == nil {
		deps.SeedSlots = bootstrap.DemoSlots(time.Now())
	}

	var publisher handlers.OutcomePublisher
	if mainconfig.NeedsAWS(cfg) {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		if strings.TrimSpace(cfg.SESFromEmail) != "" {
			deps.SES = sesv2.NewFromConfig(awsCfg)
		}
		if table := strings.TrimSpace(cfg.IdempotencyTable); table != "" {
			deps.Processed = events.NewDynamoProcessedStore(dynamodb.NewFromConfig(awsCfg), table)
		}
		if queueURL := strings.TrimSpace(cfg.PaymentResultQueueURL); queueURL != "" {
			publisher = reconcile.NewPublisher(reconcile.NewSQSQueue(sqs.NewFromConfig(awsCfg), queueURL))
			logger.Info("payment webhooks will be queued", "queue_url", queueURL)
		}
	}

	engine, err := bootstrap.BuildEngine(cfg, deps, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	defer func() { _ = engine.Close() }()

	workersDone := engine.Start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           buildRouter(ctx, cfg, engine, publisher, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()

	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.Warn("background workers did not stop before shutdown deadline")
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// buildRouter mounts the HTTP surface over an assembled engine. A non-nil
// publisher queues payment webhooks for the reconcile worker instead of
// applying them inline.
func buildRouter(ctx context.Context, cfg *appconfig.Config, engine *bootstrap.Engine, publisher handlers.OutcomePublisher, logger *logging.Logger) http.Handler {
	checks := make(map[string]handlers.HealthCheck, len(engine.Checks))
	for name, check := range engine.Checks {
		checks[name] = check
	}

	webhook := handlers.NewPaymentWebhookHandler(cfg.PaymentWebhookSecret, engine.Reconcile, logger)
	if publisher != nil {
		webhook = webhook.WithPublisher(publisher)
	}

	var admin *handlers.AdminHandler
	if strings.TrimSpace(cfg.AdminJWTSecret) != "" {
		admin = handlers.NewAdminHandler(engine.Sweeper, engine.Holds, logger).WithAudit(engine.Audit)
	} else {
		logger.Warn("ADMIN_JWT_SECRET not set; admin routes disabled")
	}

	return router.New(ctx, &router.Config{
		Logger:             logger,
		Health:             handlers.NewHealthHandler(checks),
		Slots:              handlers.NewSlotsHandler(engine.Catalog, logger),
		Holds:              handlers.NewHoldsHandler(engine.Holds, logger),
		Bookings:           handlers.NewBookingsHandler(engine.Bookings, logger).WithOriginCheck(middleware.OriginChecker(cfg.CORSAllowedOrigins)),
		PaymentWebhook:     webhook,
		Admin:              admin,
		MetricsHandler:     engine.MetricsHandler(),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		HoldRateLimit:      cfg.HoldRateLimit,
		HoldRateBurst:      cfg.HoldRateBurst,
	})
}
