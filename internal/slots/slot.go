// Package slots exposes specialist availability as discrete bookable slots.
// The booking engine only reads the catalog; availability management
// publishes slots elsewhere.
package slots

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/clinic-slot-engine/internal/apperr"
)

var (
	ErrSlotNotFound = apperr.New(apperr.KindNotFound, "slot_not_found", "slot not found")
	ErrInvalidQuery = apperr.New(apperr.KindInvalid, "invalid_query", "invalid slot query")
)

// Modality is how the consultation takes place.
type Modality string

const (
	ModalityVideo    Modality = "video"
	ModalityInPerson Modality = "in_person"
)

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	return m == ModalityVideo || m == ModalityInPerson
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Slot is an immutable specialist/time/modality unit.
type Slot struct {
	ID           string        `json:"id"`
	SpecialistID string        `json:"specialist_id"`
	Specialty    string        `json:"specialty"`
	ClinicID     string        `json:"clinic_id,omitempty"`
	StartsAt     time.Time     `json:"starts_at"`
	Duration     time.Duration `json:"duration"`
	Modality     Modality      `json:"modality"`
	Capacity     int           `json:"capacity"`
}

// EndsAt returns the end of the slot.
func (s Slot) EndsAt() time.Time {
	return s.StartsAt.Add(s.Duration)
}

// Query selects slots for one specialist or one specialty inside [From, To).
type Query struct {
	SpecialistID string
	Specialty    string
	From         time.Time
	To           time.Time
	Modality     Modality
	Limit        int
	Cursor       string
}

// Validate checks the query and normalizes the page size.
func (q *Query) Validate() error {
	if strings.TrimSpace(q.SpecialistID) == "" && strings.TrimSpace(q.Specialty) == "" {
		return fmt.Errorf("%w: specialist_id or specialty required", ErrInvalidQuery)
	}
	if q.From.IsZero() || q.To.IsZero() || !q.To.After(q.From) {
		return fmt.Errorf("%w: time window is empty or inverted", ErrInvalidQuery)
	}
	if q.Modality != "" && !q.Modality.Valid() {
		return fmt.Errorf("%w: unknown modality %q", ErrInvalidQuery, q.Modality)
	}
	if q.Limit <= 0 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}
	return nil
}

func (q Query) matches(s Slot) bool {
	if q.SpecialistID != "" && s.SpecialistID != q.SpecialistID {
		return false
	}
	if q.Specialty != "" && !strings.EqualFold(s.Specialty, q.Specialty) {
		return false
	}
	if q.Modality != "" && s.Modality != q.Modality {
		return false
	}
	return !s.StartsAt.Before(q.From) && s.StartsAt.Before(q.To)
}

// Page is one page of slots in ascending start order. Next is empty on the
// last page.
type Page struct {
	Slots []Slot `json:"slots"`
	Next  string `json:"next,omitempty"`
}

// Catalog is the read-only availability contract.
type Catalog interface {
	FindSlots(ctx context.Context, q Query) (Page, error)
	GetSlot(ctx context.Context, id string) (Slot, error)
}

// Iterate walks every page of q lazily, stopping at the first error from fn.
func Iterate(ctx context.Context, c Catalog, q Query, fn func(Slot) error) error {
	for {
		page, err := c.FindSlots(ctx, q)
		if err != nil {
			return err
		}
		for _, s := range page.Slots {
			if err := fn(s); err != nil {
				return err
			}
		}
		if page.Next == "" {
			return nil
		}
		q.Cursor = page.Next
	}
}

// cursor marks the last slot of a page: results continue strictly after
// (startsAt, id).
type cursor struct {
	startsAt time.Time
	id       string
}

func encodeCursor(s Slot) string {
	raw := strconv.FormatInt(s.StartsAt.UnixNano(), 10) + "|" + s.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(token string) (cursor, error) {
	if token == "" {
		return cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidQuery)
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidQuery)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidQuery)
	}
	return cursor{startsAt: time.Unix(0, n).UTC(), id: id}, nil
}

func (c cursor) after(s Slot) bool {
	if c.id == "" {
		return true
	}
	if s.StartsAt.Equal(c.startsAt) {
		return s.ID > c.id
	}
	return s.StartsAt.After(c.startsAt)
}
