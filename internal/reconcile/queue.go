package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-slot-engine/internal/events"
	"github.com/wolfman30/clinic-slot-engine/internal/payments"
)

type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Publisher puts payment outcomes on the reconciliation queue.
type Publisher struct {
	queue queueClient
	now   func() time.Time
}

func NewPublisher(queue queueClient) *Publisher {
	if queue == nil {
		panic("reconcile: queue cannot be nil")
	}
	return &Publisher{queue: queue, now: time.Now}
}

// Publish enqueues evt. An empty EventID is filled with a fresh id, which
// makes the message its own idempotency key.
func (p *Publisher) Publish(ctx context.Context, evt events.PaymentOutcomeV1) error {
	if strings.TrimSpace(evt.EventID) == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = p.now().UTC()
	}
	body, err := encodeOutcome(evt)
	if err != nil {
		return err
	}
	return p.queue.Send(ctx, body)
}

func encodeOutcome(evt events.PaymentOutcomeV1) (string, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("reconcile: failed to encode outcome: %w", err)
	}
	return string(body), nil
}

// DecodeOutcome parses and validates a payment_outcome.v1 body.
func DecodeOutcome(body []byte) (events.PaymentOutcomeV1, error) {
	var evt events.PaymentOutcomeV1
	if err := json.Unmarshal(body, &evt); err != nil {
		return events.PaymentOutcomeV1{}, fmt.Errorf("%w: %v", ErrInvalidOutcome, err)
	}
	evt.EventID = strings.TrimSpace(evt.EventID)
	evt.BookingID = strings.TrimSpace(evt.BookingID)
	if evt.EventID == "" || evt.BookingID == "" || !payments.OutcomeKind(evt.Kind).Valid() {
		return events.PaymentOutcomeV1{}, ErrInvalidOutcome
	}
	return evt, nil
}

// OutcomeOf converts the wire event to a payments.Outcome.
func OutcomeOf(evt events.PaymentOutcomeV1) payments.Outcome {
	return payments.Outcome{
		Kind:           payments.OutcomeKind(evt.Kind),
		TransactionRef: evt.TransactionRef,
		Reason:         evt.Reason,
	}
}

// EventKey is the idempotency key of a provider event.
func EventKey(evt events.PaymentOutcomeV1) string {
	return "event:" + evt.EventID
}
