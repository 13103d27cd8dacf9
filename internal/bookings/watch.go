package bookings

import "sync"

// Hub fans booking snapshots out to status watchers. Slow watchers miss
// intermediate snapshots rather than blocking transitions.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[chan Booking]struct{}
}

func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[chan Booking]struct{})}
}

// Subscribe returns a channel of snapshots for bookingID and a cancel func
// that closes it.
func (h *Hub) Subscribe(bookingID string) (<-chan Booking, func()) {
	ch := make(chan Booking, 8)
	h.mu.Lock()
	set, ok := h.watchers[bookingID]
	if !ok {
		set = make(map[chan Booking]struct{})
		h.watchers[bookingID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(set, ch)
			if len(set) == 0 {
				delete(h.watchers, bookingID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers b to every current watcher of b.ID.
func (h *Hub) Publish(b Booking) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers[b.ID] {
		select {
		case ch <- b:
		default:
		}
	}
}

// Watchers returns the number of open subscriptions for bookingID.
func (h *Hub) Watchers(bookingID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[bookingID])
}
