package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-slot-engine/internal/holds"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// HoldService is the subset of the hold manager exposed over HTTP.
type HoldService interface {
	Acquire(ctx context.Context, slotID, holderID string) (holds.Hold, error)
	Renew(ctx context.Context, holdID, holderID string) (holds.Hold, error)
	Release(ctx context.Context, holdID, reason string) error
	Get(ctx context.Context, holdID string) (holds.Hold, error)
}

type HoldsHandler struct {
	holds  HoldService
	logger *logging.Logger
}

func NewHoldsHandler(svc HoldService, logger *logging.Logger) *HoldsHandler {
	if svc == nil {
		panic("handlers: hold service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HoldsHandler{holds: svc, logger: logger}
}

type holdRequest struct {
	SlotID   string `json:"slot_id"`
	HolderID string `json:"holder_id"`
}

// Create handles POST /holds.
func (h *HoldsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	hold, err := h.holds.Acquire(r.Context(), req.SlotID, req.HolderID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, hold)
}

// Renew handles POST /holds/{holdID}/renew.
func (h *HoldsHandler) Renew(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	hold, err := h.holds.Renew(r.Context(), chi.URLParam(r, "holdID"), req.HolderID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

// Release handles DELETE /holds/{holdID}?holder_id=. Only the holder may
// release; releasing an already terminal hold succeeds.
func (h *HoldsHandler) Release(w http.ResponseWriter, r *http.Request) {
	holdID := chi.URLParam(r, "holdID")
	holderID := strings.TrimSpace(r.URL.Query().Get("holder_id"))
	if holderID == "" {
		badRequest(w, "holder_id is required")
		return
	}
	hold, err := h.holds.Get(r.Context(), holdID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if hold.HolderID != holderID {
		writeError(w, h.logger, holds.ErrNotHolder)
		return
	}
	if err := h.holds.Release(r.Context(), holdID, holds.ReasonHolder); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
