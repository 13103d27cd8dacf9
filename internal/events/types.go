package events

import "time"

// CanonicalEvent is a versioned event written to the outbox or a queue.
type CanonicalEvent interface {
	EventType() string
}

const (
	TypeRefundRequested = "refund_requested.v1"
	TypeNotification    = "notification.v1"
	TypePaymentOutcome  = "payment_outcome.v1"
)

// RefundRequestedV1 asks the payment provider to return a captured charge.
type RefundRequestedV1 struct {
	BookingID      string    `json:"booking_id"`
	TransactionRef string    `json:"transaction_ref"`
	AmountCents    int64     `json:"amount_cents"`
	Currency       string    `json:"currency"`
	Reason         string    `json:"reason"`
	RequestedAt    time.Time `json:"requested_at"`
}

func (RefundRequestedV1) EventType() string { return TypeRefundRequested }

// NotificationV1 is a booking lifecycle notification for a recipient.
type NotificationV1 struct {
	RecipientID string         `json:"recipient_id"`
	Event       string         `json:"event"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

func (NotificationV1) EventType() string { return TypeNotification }

// PaymentOutcomeV1 is an asynchronous payment provider result as delivered
// on the payment outcome queue.
type PaymentOutcomeV1 struct {
	EventID        string    `json:"event_id"`
	BookingID      string    `json:"booking_id"`
	Kind           string    `json:"kind"`
	TransactionRef string    `json:"transaction_ref,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (PaymentOutcomeV1) EventType() string { return TypePaymentOutcome }
