// Package reconcile applies asynchronous payment and refund outcomes to
// bookings exactly once per idempotency key.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-slot-engine/internal/apperr"
	"github.com/wolfman30/clinic-slot-engine/internal/bookings"
	"github.com/wolfman30/clinic-slot-engine/internal/events"
	"github.com/wolfman30/clinic-slot-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-slot-engine/internal/payments"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

var reconcileTracer = otel.Tracer("clinic.internal.reconcile")

// ErrInvalidOutcome rejects outcomes missing a booking, key or known kind.
var ErrInvalidOutcome = apperr.New(apperr.KindInvalid, "invalid_outcome", "invalid payment outcome")

const (
	// claimProvider namespaces reconciliation keys in the processed-event store.
	claimProvider = "reconcile"

	defaultAttempts  = 4
	defaultBaseDelay = 100 * time.Millisecond
)

// BookingService is what reconciliation needs from the state machine.
type BookingService interface {
	ApplyOutcome(ctx context.Context, bookingID string, o payments.Outcome) error
	FailPayment(ctx context.Context, bookingID, reason string) (bookings.Booking, error)
}

// Handler implements payments.OutcomeApplier.
type Handler struct {
	bookings  BookingService
	processed events.ProcessedEvents
	logger    *logging.Logger
	metrics   *metrics.EngineMetrics
	attempts  int
	baseDelay time.Duration
}

func NewHandler(svc BookingService, processed events.ProcessedEvents, logger *logging.Logger) *Handler {
	if svc == nil {
		panic("reconcile: booking service required")
	}
	if processed == nil {
		panic("reconcile: processed event store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		bookings:  svc,
		processed: processed,
		logger:    logger,
		attempts:  defaultAttempts,
		baseDelay: defaultBaseDelay,
	}
}

func (h *Handler) WithMetrics(m *metrics.EngineMetrics) *Handler {
	h.metrics = m
	return h
}

// WithRetry sets the bounded retry used for conflicts and transient errors.
func (h *Handler) WithRetry(attempts int, baseDelay time.Duration) *Handler {
	if attempts > 0 {
		h.attempts = attempts
	}
	if baseDelay >= 0 {
		h.baseDelay = baseDelay
	}
	return h
}

// ApplyPaymentResult applies outcome to bookingID once per idempotencyKey.
// The key is recorded only after the outcome has been applied or settled,
// so a crash or failure mid-apply leaves it open for the replay. Concurrent
// deliveries of one key may both apply; every ApplyOutcome branch is safe to
// repeat. Replays of a recorded key and outcomes for unknown bookings are
// dropped with a nil error.
func (h *Handler) ApplyPaymentResult(ctx context.Context, bookingID string, outcome payments.Outcome, idempotencyKey string) error {
	ctx, span := reconcileTracer.Start(ctx, "reconcile.apply")
	defer span.End()
	bookingID, idempotencyKey = strings.TrimSpace(bookingID), strings.TrimSpace(idempotencyKey)
	span.SetAttributes(
		attribute.String("clinic.booking_id", bookingID),
		attribute.String("clinic.outcome", string(outcome.Kind)),
		attribute.String("clinic.idempotency_key", idempotencyKey),
	)

	if bookingID == "" || idempotencyKey == "" || !outcome.Kind.Valid() {
		return ErrInvalidOutcome
	}

	done, err := h.processed.AlreadyProcessed(ctx, claimProvider, idempotencyKey)
	if err != nil {
		return fmt.Errorf("reconcile: check %s: %w", idempotencyKey, err)
	}
	if done {
		h.metrics.ObserveReconcile(string(outcome.Kind), "duplicate")
		h.logger.Debug("outcome already applied", "booking_id", bookingID, "idempotency_key", idempotencyKey)
		return nil
	}

	err = h.applyWithRetry(ctx, bookingID, outcome)
	switch {
	case err == nil:
		h.metrics.ObserveReconcile(string(outcome.Kind), "applied")
		h.logger.Info("payment outcome applied", "booking_id", bookingID, "kind", outcome.Kind, "transaction_ref", outcome.TransactionRef)
		h.markProcessed(ctx, idempotencyKey)
		return nil
	case errors.Is(err, bookings.ErrBookingNotFound):
		h.metrics.ObserveReconcile(string(outcome.Kind), "unknown_booking")
		h.logger.Warn("outcome for unknown booking dropped", "booking_id", bookingID, "kind", outcome.Kind, "idempotency_key", idempotencyKey)
		h.markProcessed(ctx, idempotencyKey)
		return nil
	case ctx.Err() != nil:
		// Shutting down or the caller gave up; the replay finishes the job.
		h.metrics.ObserveReconcile(string(outcome.Kind), "error")
		return fmt.Errorf("reconcile: apply %s to %s: %w", outcome.Kind, bookingID, err)
	case !retryable(err):
		h.metrics.ObserveReconcile(string(outcome.Kind), "rejected")
		h.logger.Warn("outcome not applicable, dropped", "booking_id", bookingID, "kind", outcome.Kind, "error", err)
		h.markProcessed(ctx, idempotencyKey)
		return nil
	}

	span.RecordError(err)
	h.logger.Error("reconciliation retries exhausted", "booking_id", bookingID, "kind", outcome.Kind, "error", err)
	if settleErr := h.settleExhausted(ctx, bookingID, outcome); settleErr == nil {
		h.metrics.ObserveReconcile(string(outcome.Kind), "exhausted")
		h.markProcessed(ctx, idempotencyKey)
		return nil
	}
	h.metrics.ObserveReconcile(string(outcome.Kind), "error")
	return fmt.Errorf("reconcile: apply %s to %s: %w", outcome.Kind, bookingID, err)
}

// markProcessed records a finished key. A lost write only costs a
// harmless re-apply on replay.
func (h *Handler) markProcessed(ctx context.Context, idempotencyKey string) {
	if _, err := h.processed.MarkProcessed(context.WithoutCancel(ctx), claimProvider, idempotencyKey); err != nil {
		h.logger.Warn("record idempotency key failed", "idempotency_key", idempotencyKey, "error", err)
	}
}

// settleExhausted fails a booking that could not take its payment outcome.
// A captured payment on that booking is then routed to the refund path.
func (h *Handler) settleExhausted(ctx context.Context, bookingID string, outcome payments.Outcome) error {
	switch outcome.Kind {
	case payments.OutcomePaymentSucceeded, payments.OutcomePaymentFailed:
	default:
		return errors.New("reconcile: refund outcomes are not settled locally")
	}
	if _, err := h.bookings.FailPayment(ctx, bookingID, bookings.FailureReconciliationExhausted); err != nil {
		return err
	}
	if outcome.Kind == payments.OutcomePaymentSucceeded {
		return h.bookings.ApplyOutcome(ctx, bookingID, outcome)
	}
	return nil
}

func (h *Handler) applyWithRetry(ctx context.Context, bookingID string, outcome payments.Outcome) error {
	delay := h.baseDelay
	var err error
	for attempt := 1; attempt <= h.attempts; attempt++ {
		err = h.bookings.ApplyOutcome(ctx, bookingID, outcome)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == h.attempts {
			break
		}
		h.logger.Warn("apply outcome failed, retrying", "booking_id", bookingID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// retryable reports whether another attempt may succeed: version conflicts,
// external failures and unclassified storage errors.
func retryable(err error) bool {
	if errors.Is(err, bookings.ErrConcurrentModification) {
		return true
	}
	switch apperr.KindOf(err) {
	case apperr.KindExternalFailure, apperr.KindUnknown:
		return true
	}
	return false
}
