package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-slot-engine/internal/audit"
	"github.com/wolfman30/clinic-slot-engine/internal/bookings"
	"github.com/wolfman30/clinic-slot-engine/internal/clock"
	appconfig "github.com/wolfman30/clinic-slot-engine/internal/config"
	"github.com/wolfman30/clinic-slot-engine/internal/events"
	"github.com/wolfman30/clinic-slot-engine/internal/holds"
	"github.com/wolfman30/clinic-slot-engine/internal/notify"
	"github.com/wolfman30/clinic-slot-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-slot-engine/internal/payments"
	"github.com/wolfman30/clinic-slot-engine/internal/reconcile"
	"github.com/wolfman30/clinic-slot-engine/internal/slots"
	"github.com/wolfman30/clinic-slot-engine/internal/sweeper"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// Deps carries infrastructure built by the caller. A nil Pool selects the
// in-memory stores; other nil fields disable the feature they back.
type Deps struct {
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	SES       *sesv2.Client
	Gateway   payments.Gateway
	Processed events.ProcessedEvents
	Registry  *prometheus.Registry
	Clock     clock.Clock
	SeedSlots []slots.Slot
}

type outboxStore interface {
	events.Outbox
	FetchPending(ctx context.Context, limit int32) ([]events.OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, lastErr string, maxAttempts int) error
}

// Engine is the assembled reservation engine shared by the binaries.
type Engine struct {
	Catalog   slots.Catalog
	Holds     *holds.Manager
	Bookings  *bookings.Service
	Reconcile *reconcile.Handler
	Sweeper   *sweeper.Sweeper
	Deliverer *events.Deliverer
	Outbox    events.Outbox
	Gateway   payments.Gateway
	Metrics   *metrics.EngineMetrics
	Registry  *prometheus.Registry
	Audit     audit.Trail
	Checks    map[string]func(context.Context) error

	closers []func() error
}

// BuildEngine wires every component for cfg.
func BuildEngine(cfg *appconfig.Config, deps Deps, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	e := &Engine{Checks: map[string]func(context.Context) error{}}

	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	e.Registry = reg
	e.Metrics = metrics.NewEngineMetrics(reg)

	clk := deps.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}

	gateway := deps.Gateway
	if gateway == nil {
		var err error
		if gateway, err = BuildGateway(cfg, logger); err != nil {
			return nil, err
		}
	}
	e.Gateway = gateway

	var (
		holdStore    holds.Store
		bookingStore bookings.Store
		outbox       outboxStore
		recorder     audit.Trail
		processed    = deps.Processed
	)
	if deps.Pool != nil {
		pool := deps.Pool
		e.Catalog = slots.NewPostgresCatalog(pool)
		holdStore = holds.NewPostgresStore(pool)
		bookingStore = bookings.NewPostgresStore(pool)
		outbox = events.NewOutboxStore(pool)
		if processed == nil {
			processed = events.NewProcessedStore(pool)
		}
		sqlDB := stdlib.OpenDBFromPool(pool)
		e.closers = append(e.closers, sqlDB.Close)
		recorder = audit.NewRecorder(sqlDB)
		e.Checks["postgres"] = pool.Ping
		logger.Info("engine storage: postgres")
	} else {
		e.Catalog = slots.NewMemoryCatalog(deps.SeedSlots...)
		holdStore = holds.NewMemoryStore()
		bookingStore = bookings.NewMemoryStore()
		outbox = events.NewMemoryOutbox()
		if processed == nil {
			processed = events.NewMemoryProcessedStore()
		}
		recorder = audit.NewMemoryRecorder()
		logger.Warn("engine storage: in-memory; state is lost on restart", "seed_slots", len(deps.SeedSlots))
	}
	e.Outbox = outbox
	e.Audit = recorder

	var locker holds.Locker = holds.NewKeyedMutex()
	if deps.Redis != nil {
		rdb := deps.Redis
		e.Catalog = slots.NewCachedCatalog(e.Catalog, rdb, cfg.SlotCacheTTL, logger)
		if cfg.UseRedisLocker {
			locker = holds.NewRedisLocker(rdb, cfg.SlotLockTTL, logger)
		}
		e.Checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	e.Holds = holds.NewManager(holdStore, e.Catalog,
		holds.WithTTL(cfg.HoldTTL),
		holds.WithLocker(locker),
		holds.WithClock(clk),
		holds.WithLogger(logger),
		holds.WithMetrics(e.Metrics),
		holds.WithAudit(recorder),
		holds.WithRetry(cfg.StoreRetryAttempts, cfg.StoreRetryDelay),
	)

	e.Bookings = bookings.NewService(bookingStore, e.Holds, e.Catalog, bookings.Options{
		Gateway:           gateway,
		Refunds:           payments.NewOutboxRefundQueue(outbox),
		Velocity:          payments.NewVelocityChecker(deps.Redis, payments.DefaultVelocityConfig(), logger),
		Notifier:          notify.NewOutboxNotifier(outbox),
		Audit:             recorder,
		Hub:               bookings.NewHub(),
		Clock:             clk,
		Logger:            logger,
		Metrics:           e.Metrics,
		PaymentTimeout:    cfg.PaymentTimeout,
		PendingPaymentTTL: cfg.PendingPaymentTTL,
		IdleBookingTTL:    cfg.IdleBookingTTL,
		DefaultCurrency:   cfg.DefaultCurrency,
	})
	e.Holds.OnRelease(e.Bookings.OnHoldReleased)

	e.Reconcile = reconcile.NewHandler(e.Bookings, processed, logger).
		WithMetrics(e.Metrics).
		WithRetry(cfg.ReconcileMaxAttempts, cfg.ReconcileBaseDelay)
	e.Bookings.SetOutcomeApplier(e.Reconcile)

	e.Sweeper = sweeper.New(e.Holds, e.Bookings, logger).
		WithInterval(cfg.SweepInterval).
		WithBatchSize(cfg.SweepBatchSize).
		WithClock(clk).
		WithMetrics(e.Metrics)

	notifications := notify.NewService(BuildEmailSender(cfg, deps.SES, logger), notify.NewStaticDirectory(), logger)
	delivery := events.NewRouter(logger).
		Route(events.TypeRefundRequested, payments.NewRefundHandler(gateway, e.Reconcile, logger)).
		Route(events.TypeNotification, notifications)
	e.Deliverer = events.NewDeliverer(outbox, delivery, logger).
		WithInterval(cfg.OutboxInterval).
		WithMaxAttempts(cfg.OutboxMaxAttempts)

	return e, nil
}

// MetricsHandler serves the engine registry.
func (e *Engine) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(e.Registry, promhttp.HandlerOpts{})
}

// Start runs the sweeper and outbox deliverer until ctx is cancelled. The
// returned channel closes once both have stopped.
func (e *Engine) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		e.Sweeper.Run(ctx)
	}()
	go func() {
		e.Deliverer.Start(ctx)
		<-sweeperDone
		close(done)
	}()
	return done
}

// Close releases resources opened by BuildEngine. The pool and Redis client
// belong to the caller.
func (e *Engine) Close() error {
	var firstErr error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.closers = nil
	return firstErr
}

// DemoSlots publishes a day of 30 minute slots for two specialists, used to
// seed memory mode.
func DemoSlots(from time.Time) []slots.Slot {
	day := from.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	specialists := []struct {
		id, specialty string
		modality      slots.Modality
	}{
		{"dr-okafor", "dermatology", slots.ModalityVideo},
		{"dr-lindqvist", "cardiology", slots.ModalityInPerson},
	}
	var out []slots.Slot
	for _, sp := range specialists {
		for hour := 9; hour < 17; hour++ {
			for _, minute := range []int{0, 30} {
				start := day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
				out = append(out, slots.Slot{
					ID:           fmt.Sprintf("%s-%s", sp.id, start.Format("20060102T1504")),
					SpecialistID: sp.id,
					Specialty:    sp.specialty,
					StartsAt:     start,
					Duration:     30 * time.Minute,
					Modality:     sp.modality,
					Capacity:     1,
				})
			}
		}
	}
	return out
}
