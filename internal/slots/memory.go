package slots

import (
	"context"
	"sort"
	"sync"
)

// MemoryCatalog is an in-process catalog for local runs and tests.
type MemoryCatalog struct {
	mu    sync.RWMutex
	byID  map[string]Slot
	order []Slot
}

// NewMemoryCatalog returns a catalog seeded with the given slots.
func NewMemoryCatalog(seed ...Slot) *MemoryCatalog {
	c := &MemoryCatalog{byID: make(map[string]Slot)}
	c.Publish(seed...)
	return c
}

// Publish adds slots to the catalog. Re-publishing an id replaces it.
func (c *MemoryCatalog) Publish(slots ...Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range slots {
		if s.Capacity == 0 {
			s.Capacity = 1
		}
		s.StartsAt = s.StartsAt.UTC()
		c.byID[s.ID] = s
	}
	c.order = c.order[:0]
	for _, s := range c.byID {
		c.order = append(c.order, s)
	}
	sort.Slice(c.order, func(i, j int) bool {
		if c.order[i].StartsAt.Equal(c.order[j].StartsAt) {
			return c.order[i].ID < c.order[j].ID
		}
		return c.order[i].StartsAt.Before(c.order[j].StartsAt)
	})
}

func (c *MemoryCatalog) GetSlot(_ context.Context, id string) (Slot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	if !ok {
		return Slot{}, ErrSlotNotFound
	}
	return s, nil
}

func (c *MemoryCatalog) FindSlots(_ context.Context, q Query) (Page, error) {
	if err := q.Validate(); err != nil {
		return Page{}, err
	}
	cur, err := decodeCursor(q.Cursor)
	if err != nil {
		return Page{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	page := Page{Slots: make([]Slot, 0, q.Limit)}
	for _, s := range c.order {
		if !q.matches(s) || !cur.after(s) {
			continue
		}
		if len(page.Slots) == q.Limit {
			page.Next = encodeCursor(page.Slots[len(page.Slots)-1])
			break
		}
		page.Slots = append(page.Slots, s)
	}
	return page, nil
}
