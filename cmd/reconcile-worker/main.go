package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/wolfman30/clinic-slot-engine/cmd/mainconfig"
	"github.com/wolfman30/clinic-slot-engine/internal/app/bootstrap"
	"github.com/wolfman30/clinic-slot-engine/internal/config"
	"github.com/wolfman30/clinic-slot-engine/internal/events"
	"github.com/wolfman30/clinic-slot-engine/internal/reconcile"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// The reconcile worker applies queued payment outcomes. The API process owns
// the sweeper and outbox deliverer; this process only consumes the queue.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queueURL := strings.TrimSpace(cfg.PaymentResultQueueURL)
	if cfg.MemoryMode() || queueURL == "" {
		logger.Error("reconcile worker requires DATABASE_URL and PAYMENT_RESULT_QUEUE_URL")
		os.Exit(1)
	}

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	deps := bootstrap.Deps{Pool: pool, Redis: rdb}
	if table := strings.TrimSpace(cfg.IdempotencyTable); table != "" {
		deps.Processed = events.NewDynamoProcessedStore(dynamodb.NewFromConfig(awsCfg), table)
	}
	engine, err := bootstrap.BuildEngine(cfg, deps, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	defer func() { _ = engine.Close() }()

	consumer := reconcile.NewConsumer(reconcile.NewSQSQueue(sqs.NewFromConfig(awsCfg), queueURL), engine.Reconcile, logger).
		WithReceiveWaitSeconds(20).
		WithBatchSize(10)
	consumer.Start(ctx)
	logger.Info("reconcile worker started", "queue_url", queueURL)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("reconcile worker shutting down")
	cancel()

	done := make(chan struct{})
	go func() {
		consumer.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("consumers did not stop before shutdown deadline")
	}
}
