package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wolfman30/clinic-slot-engine/internal/bookings"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// BookingService is the booking state machine as used over HTTP.
type BookingService interface {
	Start(ctx context.Context, in bookings.StartInput) (bookings.Booking, error)
	AttachHold(ctx context.Context, bookingID, holdID string) (bookings.Booking, error)
	SubmitPayment(ctx context.Context, bookingID string) (bookings.Booking, error)
	Cancel(ctx context.Context, bookingID, actorID string) (bookings.Booking, error)
	Get(ctx context.Context, bookingID string) (bookings.Booking, error)
	Watch(bookingID string) (<-chan bookings.Booking, func())
}

const (
	watchWriteTimeout = 5 * time.Second
	watchPingInterval = 30 * time.Second
)

type BookingsHandler struct {
	bookings BookingService
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

func NewBookingsHandler(svc BookingService, logger *logging.Logger) *BookingsHandler {
	if svc == nil {
		panic("handlers: booking service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &BookingsHandler{
		bookings: svc,
		logger:   logger,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// WithOriginCheck restricts websocket upgrades to origins accepted by fn.
func (h *BookingsHandler) WithOriginCheck(fn func(r *http.Request) bool) *BookingsHandler {
	h.upgrader.CheckOrigin = fn
	return h
}

// Create handles POST /bookings.
func (h *BookingsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in bookings.StartInput
	if err := decodeJSON(r, &in); err != nil {
		badRequest(w, err.Error())
		return
	}
	b, err := h.bookings.Start(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// AttachHold handles POST /bookings/{bookingID}/hold.
func (h *BookingsHandler) AttachHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HoldID string `json:"hold_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	b, err := h.bookings.AttachHold(r.Context(), chi.URLParam(r, "bookingID"), req.HoldID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// SubmitPayment handles POST /bookings/{bookingID}/payment. A booking that
// is still pending_payment afterwards answers 202.
func (h *BookingsHandler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookings.SubmitPayment(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if b.Status == bookings.StatusPendingPayment {
		status = http.StatusAccepted
	}
	writeJSON(w, status, b)
}

// Cancel handles POST /bookings/{bookingID}/cancel.
func (h *BookingsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	b, err := h.bookings.Cancel(r.Context(), chi.URLParam(r, "bookingID"), req.ActorID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Get handles GET /bookings/{bookingID}.
func (h *BookingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookings.Get(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Watch handles GET /bookings/{bookingID}/watch. It upgrades to a websocket,
// sends the current booking, then every change until the booking is terminal
// or the client goes away.
func (h *BookingsHandler) Watch(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	current, err := h.bookings.Get(r.Context(), bookingID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	// Subscribe before upgrading so no change between Get and the first
	// write is lost.
	updates, cancel := h.bookings.Watch(bookingID)
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "booking_id", bookingID, "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(b bookings.Booking) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := conn.WriteJSON(b); err != nil {
			h.logger.Debug("watch write failed", "booking_id", bookingID, "error", err)
			return false
		}
		return true
	}

	if !send(current) || current.Status.Terminal() {
		h.closeWatch(conn)
		return
	}

	ping := time.NewTicker(watchPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteTimeout)); err != nil {
				return
			}
		case b, ok := <-updates:
			if !ok {
				h.closeWatch(conn)
				return
			}
			if b.Version <= current.Version {
				continue
			}
			current = b
			if !send(b) || b.Status.Terminal() {
				h.closeWatch(conn)
				return
			}
		}
	}
}

func (h *BookingsHandler) closeWatch(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteTimeout))
}
