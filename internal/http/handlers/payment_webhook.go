package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/wolfman30/clinic-slot-engine/internal/events"
	"github.com/wolfman30/clinic-slot-engine/internal/payments"
	"github.com/wolfman30/clinic-slot-engine/internal/reconcile"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// OutcomePublisher hands a provider event to the reconciliation queue.
type OutcomePublisher interface {
	Publish(ctx context.Context, evt events.PaymentOutcomeV1) error
}

// PaymentWebhookHandler accepts signed payment provider callbacks. With a
// publisher configured the event is queued for the reconcile worker;
// otherwise it is applied inline.
type PaymentWebhookHandler struct {
	secret    string
	applier   payments.OutcomeApplier
	publisher OutcomePublisher
	logger    *logging.Logger
}

func NewPaymentWebhookHandler(secret string, applier payments.OutcomeApplier, logger *logging.Logger) *PaymentWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &PaymentWebhookHandler{secret: strings.TrimSpace(secret), applier: applier, logger: logger}
}

func (h *PaymentWebhookHandler) WithPublisher(p OutcomePublisher) *PaymentWebhookHandler {
	h.publisher = p
	return h
}

// Handle serves POST /webhooks/payments.
func (h *PaymentWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		h.logger.Error("payment webhook secret not configured")
		http.Error(w, "webhook secret not configured", http.StatusInternalServerError)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !reconcile.VerifySignature(h.secret, payload, r.Header.Get(reconcile.SignatureHeader)) {
		h.logger.Warn("invalid payment webhook signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	evt, err := reconcile.DecodeOutcome(payload)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(r.Context(), evt); err != nil {
			h.logger.Error("failed to queue payment outcome", "error", err, "event_id", evt.EventID, "booking_id", evt.BookingID)
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if h.applier == nil {
		http.Error(w, "reconciliation not configured", http.StatusServiceUnavailable)
		return
	}
	err = h.applier.ApplyPaymentResult(r.Context(), evt.BookingID, reconcile.OutcomeOf(evt), reconcile.EventKey(evt))
	if err != nil {
		if errors.Is(err, reconcile.ErrInvalidOutcome) {
			writeError(w, h.logger, err)
			return
		}
		// The provider redelivers on 5xx.
		h.logger.Error("payment outcome not applied", "error", err, "event_id", evt.EventID, "booking_id", evt.BookingID)
		http.Error(w, "outcome not applied", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
