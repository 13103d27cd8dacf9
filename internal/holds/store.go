package holds

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists holds. Update is conditional on the stored version matching
// expectVersion and the stored status still being active; otherwise it
// returns ErrStaleHold. UpdateConsumed is the same check against a consumed
// hold and is only used to give back a hold whose booking never confirmed.
// Insert returns ErrSlotUnavailable when the slot
// already has an active or consumed hold; a consumed hold backs a confirmed
// booking and keeps the slot taken for good.
type Store interface {
	Insert(ctx context.Context, h Hold) error
	Get(ctx context.Context, id string) (Hold, error)
	ActiveForSlot(ctx context.Context, slotID string) (*Hold, error)
	CountActiveForSlot(ctx context.Context, slotID string) (int, error)
	Update(ctx context.Context, next Hold, expectVersion int64) error
	UpdateConsumed(ctx context.Context, next Hold, expectVersion int64) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Hold, error)
	DuplicateActiveSlots(ctx context.Context) ([]string, error)
}

// MemoryStore keeps holds in process memory. It enforces the same per-slot
// rule as the Postgres partial unique index.
type MemoryStore struct {
	mu    sync.Mutex
	holds map[string]Hold
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{holds: make(map[string]Hold)}
}

func (s *MemoryStore) Insert(_ context.Context, h Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.Status == StatusActive {
		for _, existing := range s.holds {
			if existing.SlotID == h.SlotID && (existing.Status == StatusActive || existing.Status == StatusConsumed) {
				return ErrSlotUnavailable
			}
		}
	}
	s.holds[h.ID] = h
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[id]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return h, nil
}

func (s *MemoryStore) ActiveForSlot(_ context.Context, slotID string) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.holds {
		if h.SlotID == slotID && h.Status == StatusActive {
			found := h
			return &found, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CountActiveForSlot(_ context.Context, slotID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.holds {
		if h.SlotID == slotID && h.Status == StatusActive {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Update(_ context.Context, next Hold, expectVersion int64) error {
	return s.update(next, expectVersion, StatusActive)
}

func (s *MemoryStore) UpdateConsumed(_ context.Context, next Hold, expectVersion int64) error {
	return s.update(next, expectVersion, StatusConsumed)
}

func (s *MemoryStore) update(next Hold, expectVersion int64, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.holds[next.ID]
	if !ok {
		return ErrHoldNotFound
	}
	if cur.Version != expectVersion || cur.Status != from {
		return ErrStaleHold
	}
	s.holds[next.ID] = next
	return nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Hold
	for _, h := range s.holds {
		if h.Status == StatusActive && !now.Before(h.ExpiresAt) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DuplicateActiveSlots(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, h := range s.holds {
		if h.Status == StatusActive {
			counts[h.SlotID]++
		}
	}
	var out []string
	for slotID, n := range counts {
		if n > 1 {
			out = append(out, slotID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// put overwrites a hold without any checks. Tests use it to simulate a
// corrupted store.
func (s *MemoryStore) put(h Hold) {
	s.mu.Lock()
	s.holds[h.ID] = h
	s.mu.Unlock()
}
