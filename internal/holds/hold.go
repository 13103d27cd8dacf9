// Package holds grants time-boxed exclusive claims on catalog slots. At most
// one active hold exists per slot; every state change is a version-checked
// conditional update so concurrent expiry and consumption resolve to a single
// winner.
package holds

import (
	"time"

	"github.com/wolfman30/clinic-slot-engine/internal/apperr"
)

var (
	ErrSlotUnavailable    = apperr.New(apperr.KindConflict, "slot_unavailable", "slot already has an active hold")
	ErrHoldNotFound       = apperr.New(apperr.KindNotFound, "hold_not_found", "hold not found")
	ErrHoldExpired        = apperr.New(apperr.KindExpired, "hold_expired", "hold expired")
	ErrHoldNotActive      = apperr.New(apperr.KindConflict, "hold_not_active", "hold is no longer active")
	ErrNotHolder          = apperr.New(apperr.KindInvalid, "not_holder", "hold belongs to another holder")
	ErrStaleHold          = apperr.New(apperr.KindConflict, "stale_hold", "hold changed concurrently")
	ErrInvalidRequest     = apperr.New(apperr.KindInvalid, "invalid_hold_request", "hold request is missing a required id")
	ErrExternalFailure    = apperr.New(apperr.KindExternalFailure, "hold_store_unavailable", "hold store unavailable")
	ErrInvariantViolation = apperr.New(apperr.KindInvariantViolation, "multiple_active_holds", "more than one active hold for slot")
)

// Status is the lifecycle state of a hold.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusConsumed Status = "consumed"
)

// Release reasons recorded on released holds.
const (
	ReasonExpired   = "expired"
	ReasonCancelled = "cancelled"
	ReasonRollback  = "booking_rollback"
	ReasonHolder    = "holder_released"
)

// Hold is a temporary exclusive claim on a slot.
type Hold struct {
	ID            string     `json:"id"`
	SlotID        string     `json:"slot_id"`
	HolderID      string     `json:"holder_id"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`
	ReleaseReason string     `json:"release_reason,omitempty"`
	ConsumedBy    string     `json:"consumed_by,omitempty"`
	Version       int64      `json:"version"`
}

// LiveAt reports whether the hold still grants exclusivity at now. An active
// hold past its expiry is treated as lapsed even before the sweeper runs.
func (h Hold) LiveAt(now time.Time) bool {
	return h.Status == StatusActive && now.Before(h.ExpiresAt)
}

// Terminal reports whether the hold can no longer change.
func (h Hold) Terminal() bool {
	return h.Status == StatusReleased || h.Status == StatusConsumed
}
