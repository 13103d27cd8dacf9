package bookings

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists bookings. Update writes b only when the stored version
// equals expectVersion and returns ErrConcurrentModification otherwise.
// Insert and Update return ErrHoldInvalid when the write would leave two
// draft, held, pending or confirmed bookings on the same hold.
type Store interface {
	Insert(ctx context.Context, b Booking) error
	Get(ctx context.Context, id string) (Booking, error)
	Update(ctx context.Context, b Booking, expectVersion int64) error
	ListByHold(ctx context.Context, holdID string) ([]Booking, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Booking, error)
	ListIdle(ctx context.Context, status Status, before time.Time, after IdleCursor, limit int) ([]Booking, error)
}

// IdleCursor pages ListIdle, which orders by (UpdatedAt, ID). The zero value
// starts from the beginning.
type IdleCursor struct {
	UpdatedAt time.Time
	ID        string
}

func (c IdleCursor) before(b Booking) bool {
	if !b.UpdatedAt.Equal(c.UpdatedAt) {
		return c.UpdatedAt.Before(b.UpdatedAt)
	}
	return c.ID < b.ID
}

// MemoryStore keeps bookings in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]Booking)}
}

func (s *MemoryStore) Insert(_ context.Context, b Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bookings[b.ID]; exists {
		return ErrConcurrentModification
	}
	if s.holdClaimedLocked(b) {
		return ErrHoldInvalid
	}
	s.bookings[b.ID] = b
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return Booking{}, ErrBookingNotFound
	}
	return b, nil
}

func (s *MemoryStore) Update(_ context.Context, b Booking, expectVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bookings[b.ID]
	if !ok {
		return ErrBookingNotFound
	}
	if cur.Version != expectVersion {
		return ErrConcurrentModification
	}
	if s.holdClaimedLocked(b) {
		return ErrHoldInvalid
	}
	s.bookings[b.ID] = b
	return nil
}

func (s *MemoryStore) ListByHold(_ context.Context, holdID string) ([]Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Booking
	for _, b := range s.bookings {
		if b.HoldID == holdID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Booking
	for _, b := range s.bookings {
		if b.Status == StatusPendingPayment && b.PaymentSubmittedAt != nil && !b.PaymentSubmittedAt.After(before) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentSubmittedAt.Before(*out[j].PaymentSubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListIdle(_ context.Context, status Status, before time.Time, after IdleCursor, limit int) ([]Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Booking
	for _, b := range s.bookings {
		if b.Status == status && !b.UpdatedAt.After(before) && after.before(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// holdClaimedLocked mirrors the bookings_one_open_per_hold index.
func (s *MemoryStore) holdClaimedLocked(b Booking) bool {
	if b.HoldID == "" || !b.Status.claimsHold() {
		return false
	}
	for _, other := range s.bookings {
		if other.ID != b.ID && other.HoldID == b.HoldID && other.Status.claimsHold() {
			return true
		}
	}
	return false
}
