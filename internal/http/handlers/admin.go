package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-slot-engine/internal/apperr"
	"github.com/wolfman30/clinic-slot-engine/internal/audit"
	"github.com/wolfman30/clinic-slot-engine/internal/holds"
	"github.com/wolfman30/clinic-slot-engine/internal/http/middleware"
	"github.com/wolfman30/clinic-slot-engine/internal/sweeper"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

type Sweeper interface {
	SweepOnce(ctx context.Context) (sweeper.Result, error)
}

type SlotVerifier interface {
	VerifySlot(ctx context.Context, slotID string) (int, error)
}

type AuditTrail interface {
	ForTarget(ctx context.Context, targetType, targetID string, limit int) ([]audit.Entry, error)
}

const defaultAuditLimit = 100

// AdminHandler exposes operator actions behind admin auth.
type AdminHandler struct {
	sweeper  Sweeper
	verifier SlotVerifier
	trail    AuditTrail
	logger   *logging.Logger
}

func NewAdminHandler(sw Sweeper, verifier SlotVerifier, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{sweeper: sw, verifier: verifier, logger: logger}
}

// WithAudit enables GET /admin/audit/{targetType}/{targetID}.
func (h *AdminHandler) WithAudit(trail AuditTrail) *AdminHandler {
	h.trail = trail
	return h
}

// Sweep handles POST /admin/sweep.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		http.Error(w, "sweeper not configured", http.StatusServiceUnavailable)
		return
	}
	actor := "admin"
	if claims, ok := middleware.AdminClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		actor = claims.Subject
	}
	res, err := h.sweeper.SweepOnce(r.Context())
	if err != nil {
		h.logger.Error("manual sweep failed", "actor", actor, "error", err, "released", res.Released)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"result": res,
			"error":  err.Error(),
		})
		return
	}
	h.logger.Info("manual sweep", "actor", actor, "released", res.Released, "stale_payments", res.StalePayments, "abandoned", res.Abandoned)
	writeJSON(w, http.StatusOK, res)
}

type verifyResponse struct {
	SlotID      string `json:"slot_id"`
	ActiveHolds int    `json:"active_holds"`
	OK          bool   `json:"ok"`
}

// VerifySlot handles GET /admin/slots/{slotID}/verify. A violation answers
// 409 with the offending count.
func (h *AdminHandler) VerifySlot(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		http.Error(w, "verifier not configured", http.StatusServiceUnavailable)
		return
	}
	slotID := chi.URLParam(r, "slotID")
	n, err := h.verifier.VerifySlot(r.Context(), slotID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, verifyResponse{SlotID: slotID, ActiveHolds: n, OK: true})
	case errors.Is(err, holds.ErrInvariantViolation):
		writeJSON(w, http.StatusConflict, map[string]any{
			"slot_id":      slotID,
			"active_holds": n,
			"ok":           false,
			"code":         apperr.CodeOf(err),
		})
	default:
		writeError(w, h.logger, err)
	}
}

// AuditTrail handles GET /admin/audit/{targetType}/{targetID}?limit=.
func (h *AdminHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	if h.trail == nil {
		http.Error(w, "audit trail not configured", http.StatusServiceUnavailable)
		return
	}
	targetType := chi.URLParam(r, "targetType")
	if targetType != "hold" && targetType != "booking" {
		badRequest(w, "target type must be hold or booking")
		return
	}
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	targetID := chi.URLParam(r, "targetID")
	entries, err := h.trail.ForTarget(r.Context(), targetType, targetID, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target_type": targetType,
		"target_id":   targetID,
		"entries":     entries,
	})
}
