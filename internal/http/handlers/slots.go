package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-slot-engine/internal/slots"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// SlotsHandler serves read-only availability.
type SlotsHandler struct {
	catalog slots.Catalog
	logger  *logging.Logger
}

func NewSlotsHandler(catalog slots.Catalog, logger *logging.Logger) *SlotsHandler {
	if catalog == nil {
		panic("handlers: slot catalog required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SlotsHandler{catalog: catalog, logger: logger}
}

// List handles GET /slots. from and to are RFC 3339; to defaults to one
// week after from, from defaults to now.
func (h *SlotsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := slots.Query{
		SpecialistID: strings.TrimSpace(q.Get("specialist_id")),
		Specialty:    strings.TrimSpace(q.Get("specialty")),
		Modality:     slots.Modality(strings.TrimSpace(q.Get("modality"))),
		Cursor:       strings.TrimSpace(q.Get("cursor")),
	}

	from := time.Now().UTC()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "from must be RFC 3339")
			return
		}
		from = t
	}
	to := from.Add(7 * 24 * time.Hour)
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "to must be RFC 3339")
			return
		}
		to = t
	}
	query.From, query.To = from, to

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		query.Limit = n
	}

	page, err := h.catalog.FindSlots(r.Context(), query)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if page.Slots == nil {
		page.Slots = []slots.Slot{}
	}
	writeJSON(w, http.StatusOK, page)
}

// Get handles GET /slots/{slotID}.
func (h *SlotsHandler) Get(w http.ResponseWriter, r *http.Request) {
	slot, err := h.catalog.GetSlot(r.Context(), chi.URLParam(r, "slotID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}
