// Package payments is the engine's side of the payment capability: charging
// and refunding through a provider, and queueing refunds for late payments.
package payments

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/wolfman30/clinic-slot-engine/internal/apperr"
)

var paymentsTracer = otel.Tracer("clinic.internal.payments")

var (
	ErrGatewayUnavailable = apperr.New(apperr.KindExternalFailure, "payment_gateway_unavailable", "payment provider unavailable")
	ErrInvalidCharge      = apperr.New(apperr.KindInvalid, "invalid_charge", "invalid charge request")
	ErrVelocityExceeded   = apperr.New(apperr.KindConflict, "payment_velocity_exceeded", "too many payment attempts")
)

// ChargeStatus is the provider's verdict on a charge.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeFailed    ChargeStatus = "failed"
	// ChargePending means the result will arrive asynchronously.
	ChargePending ChargeStatus = "pending"
)

type ChargeRequest struct {
	BookingID      string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

// Validate checks the request is chargeable.
func (r ChargeRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.BookingID) == "":
		return ErrInvalidCharge
	case r.AmountCents < 0:
		return ErrInvalidCharge
	case len(strings.TrimSpace(r.Currency)) != 3:
		return ErrInvalidCharge
	}
	return nil
}

type ChargeResult struct {
	Status         ChargeStatus
	TransactionRef string
	Reason         string
}

type RefundRequest struct {
	TransactionRef string
	BookingID      string
	AmountCents    int64
	Currency       string
	Reason         string
}

type RefundResult struct {
	Succeeded bool
	RefundRef string
	Reason    string
}

// Gateway is the payment capability. Errors mean the outcome is unknown;
// a declined charge is a ChargeResult with ChargeFailed.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// OutcomeKind classifies a payment result applied by reconciliation.
type OutcomeKind string

const (
	OutcomePaymentSucceeded OutcomeKind = "payment_succeeded"
	OutcomePaymentFailed    OutcomeKind = "payment_failed"
	OutcomeRefundSucceeded  OutcomeKind = "refund_succeeded"
	OutcomeRefundFailed     OutcomeKind = "refund_failed"
)

// Valid reports whether k is a known outcome kind.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomePaymentSucceeded, OutcomePaymentFailed, OutcomeRefundSucceeded, OutcomeRefundFailed:
		return true
	}
	return false
}

// Outcome is one payment or refund result for a booking.
type Outcome struct {
	Kind           OutcomeKind `json:"kind"`
	TransactionRef string      `json:"transaction_ref,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}
