package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-slot-engine/internal/events"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

var errMissingTransactionRef = errors.New("payments: refund requires a transaction ref")

// RefundQueue accepts refunds to be performed asynchronously. QueueRefund is
// idempotent per transaction ref and reports whether a new refund was queued.
type RefundQueue interface {
	QueueRefund(ctx context.Context, req RefundRequest) (bool, error)
}

// OutcomeApplier applies a payment or refund outcome to a booking exactly
// once per idempotency key.
type OutcomeApplier interface {
	ApplyPaymentResult(ctx context.Context, bookingID string, outcome Outcome, idempotencyKey string) error
}

// OutboxRefundQueue writes refund_requested.v1 events to the outbox, deduped
// on the transaction ref.
type OutboxRefundQueue struct {
	outbox events.Outbox
	now    func() time.Time
}

func NewOutboxRefundQueue(outbox events.Outbox) *OutboxRefundQueue {
	if outbox == nil {
		panic("payments: outbox required")
	}
	return &OutboxRefundQueue{outbox: outbox, now: time.Now}
}

func (q *OutboxRefundQueue) QueueRefund(ctx context.Context, req RefundRequest) (bool, error) {
	ref := strings.TrimSpace(req.TransactionRef)
	if ref == "" {
		return false, errMissingTransactionRef
	}
	queued, err := q.outbox.Enqueue(ctx, events.RefundRequestedV1{
		BookingID:      req.BookingID,
		TransactionRef: ref,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Reason:         req.Reason,
		RequestedAt:    q.now().UTC(),
	}, RefundDedupKey(ref))
	if err != nil {
		return false, fmt.Errorf("payments: queue refund: %w", err)
	}
	return queued, nil
}

// RefundDedupKey is the outbox dedup key for a refund of ref.
func RefundDedupKey(ref string) string {
	return "refund:" + ref
}

// RefundHandler performs queued refunds. It is the outbox route for
// refund_requested.v1; the result is applied back to the booking as a
// refund outcome.
type RefundHandler struct {
	gateway Gateway
	applier OutcomeApplier
	logger  *logging.Logger
}

func NewRefundHandler(gateway Gateway, applier OutcomeApplier, logger *logging.Logger) *RefundHandler {
	if gateway == nil {
		panic("payments: gateway required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RefundHandler{gateway: gateway, applier: applier, logger: logger}
}

func (h *RefundHandler) Handle(ctx context.Context, entry events.OutboxEntry) error {
	ctx, span := paymentsTracer.Start(ctx, "payments.refund_delivery")
	defer span.End()

	var evt events.RefundRequestedV1
	if err := entry.Decode(&evt); err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("clinic.booking_id", evt.BookingID),
		attribute.String("clinic.transaction_ref", evt.TransactionRef),
	)

	res, err := h.gateway.Refund(ctx, RefundRequest{
		TransactionRef: evt.TransactionRef,
		BookingID:      evt.BookingID,
		AmountCents:    evt.AmountCents,
		Currency:       evt.Currency,
		Reason:         evt.Reason,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("payments: refund %s: %w", evt.TransactionRef, err)
	}

	outcome := Outcome{Kind: OutcomeRefundSucceeded, TransactionRef: evt.TransactionRef}
	if !res.Succeeded {
		outcome = Outcome{Kind: OutcomeRefundFailed, TransactionRef: evt.TransactionRef, Reason: res.Reason}
		h.logger.Error("refund rejected by provider", "alert", "oncall", "booking_id", evt.BookingID, "transaction_ref", evt.TransactionRef, "reason", res.Reason)
	}
	if h.applier == nil || evt.BookingID == "" {
		return nil
	}
	return h.applier.ApplyPaymentResult(ctx, evt.BookingID, outcome, RefundDedupKey(evt.TransactionRef))
}
