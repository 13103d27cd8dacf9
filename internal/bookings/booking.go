// Package bookings drives a single patient reservation from draft to a
// terminal state. Bookings are server-owned and versioned; every transition
// is a read-modify-write conditional on the stored version.
package bookings

import (
	"strings"
	"time"

	"github.com/wolfman30/clinic-slot-engine/internal/apperr"
	"github.com/wolfman30/clinic-slot-engine/internal/slots"
)

var (
	ErrBookingNotFound        = apperr.New(apperr.KindNotFound, "booking_not_found", "booking not found")
	ErrConcurrentModification = apperr.New(apperr.KindConflict, "concurrent_modification", "booking changed concurrently")
	ErrInvalidTransition      = apperr.New(apperr.KindConflict, "invalid_transition", "transition not allowed from current state")
	ErrHoldInvalid            = apperr.New(apperr.KindConflict, "hold_invalid", "hold is not valid for this booking")
	ErrInvalidInput           = apperr.New(apperr.KindInvalid, "invalid_booking", "invalid booking request")
	ErrStoreUnavailable       = apperr.New(apperr.KindExternalFailure, "booking_store_unavailable", "booking store unavailable")
)

// Status is the booking lifecycle state.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusHeld           Status = "held"
	StatusPendingPayment Status = "pending_payment"
	StatusConfirmed      Status = "confirmed"
	StatusExpired        Status = "expired"
	StatusCancelled      Status = "cancelled"
	StatusFailed         Status = "failed"
)

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusExpired, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// claimsHold reports whether a booking in this status keeps exclusive use of
// the hold it references.
func (s Status) claimsHold() bool {
	switch s {
	case StatusDraft, StatusHeld, StatusPendingPayment, StatusConfirmed:
		return true
	}
	return false
}

// Failure reasons stamped on failed bookings.
const (
	FailureHoldExpiredDuringPayment = "HoldExpiredDuringPayment"
	FailurePaymentTimeout           = "PaymentTimeout"
	FailurePaymentError             = "PaymentError"
	FailureReconciliationExhausted  = "ReconciliationExhausted"
)

// RefundState tracks a refund owed on the booking's captured payment.
type RefundState string

const (
	RefundNone     RefundState = ""
	RefundQueued   RefundState = "queued"
	RefundDone     RefundState = "refunded"
	RefundRejected RefundState = "refund_failed"
)

// Urgency levels accepted in consultation metadata.
const (
	UrgencyRoutine = "routine"
	UrgencyUrgent  = "urgent"
)

type Consultation struct {
	Type           string `json:"type"`
	ChiefComplaint string `json:"chief_complaint,omitempty"`
	Urgency        string `json:"urgency,omitempty"`
}

// Booking is the patient-facing reservation. Slot is a snapshot taken when
// the booking started and never follows later catalog edits.
type Booking struct {
	ID            string       `json:"id"`
	HoldID        string       `json:"hold_id,omitempty"`
	PatientID     string       `json:"patient_id"`
	SpecialistID  string       `json:"specialist_id"`
	Slot          slots.Slot   `json:"slot"`
	Consultation  Consultation `json:"consultation"`
	AmountCents   int64        `json:"amount_cents"`
	Currency      string       `json:"currency"`
	Status        Status       `json:"status"`
	PaymentRef    string       `json:"payment_ref,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	FailureDetail string       `json:"failure_detail,omitempty"`
	RefundState   RefundState  `json:"refund_state,omitempty"`
	Version       int64        `json:"version"`

	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	HeldAt             *time.Time `json:"held_at,omitempty"`
	PaymentSubmittedAt *time.Time `json:"payment_submitted_at,omitempty"`
	ConfirmedAt        *time.Time `json:"confirmed_at,omitempty"`
	ExpiredAt          *time.Time `json:"expired_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	FailedAt           *time.Time `json:"failed_at,omitempty"`
}

// transitions lists the allowed status changes. Terminal states have none.
var transitions = map[Status][]Status{
	StatusDraft:          {StatusHeld, StatusExpired, StatusCancelled},
	StatusHeld:           {StatusPendingPayment, StatusExpired, StatusCancelled, StatusFailed},
	StatusPendingPayment: {StatusConfirmed, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal booking transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// moveTo changes the status and stamps the transition time.
func (b *Booking) moveTo(to Status, now time.Time) error {
	if !CanTransition(b.Status, to) {
		return ErrInvalidTransition
	}
	b.Status = to
	ts := now
	switch to {
	case StatusHeld:
		b.HeldAt = &ts
	case StatusPendingPayment:
		b.PaymentSubmittedAt = &ts
	case StatusConfirmed:
		b.ConfirmedAt = &ts
	case StatusExpired:
		b.ExpiredAt = &ts
	case StatusCancelled:
		b.CancelledAt = &ts
	case StatusFailed:
		b.FailedAt = &ts
	}
	return nil
}

// StartInput is what a patient submits to begin a booking.
type StartInput struct {
	PatientID    string       `json:"patient_id"`
	SlotID       string       `json:"slot_id"`
	HoldID       string       `json:"hold_id,omitempty"`
	Consultation Consultation `json:"consultation"`
	AmountCents  int64        `json:"amount_cents"`
	Currency     string       `json:"currency,omitempty"`
}

func (in *StartInput) normalize(defaultCurrency string) error {
	in.PatientID = strings.TrimSpace(in.PatientID)
	in.SlotID = strings.TrimSpace(in.SlotID)
	in.HoldID = strings.TrimSpace(in.HoldID)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = defaultCurrency
	}
	in.Consultation.Urgency = strings.ToLower(strings.TrimSpace(in.Consultation.Urgency))
	if in.Consultation.Urgency == "" {
		in.Consultation.Urgency = UrgencyRoutine
	}
	switch {
	case in.PatientID == "" || in.SlotID == "":
		return ErrInvalidInput
	case in.AmountCents < 0:
		return ErrInvalidInput
	case len(in.Currency) != 3:
		return ErrInvalidInput
	case in.Consultation.Urgency != UrgencyRoutine && in.Consultation.Urgency != UrgencyUrgent:
		return ErrInvalidInput
	}
	return nil
}
