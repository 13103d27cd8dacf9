package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryOutbox is an in-process outbox for local runs and tests.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries []*memoryEntry
	byDedup map[string]struct{}
}

type memoryEntry struct {
	OutboxEntry
	delivered bool
	dead      bool
	lastError string
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{byDedup: make(map[string]struct{})}
}

func (o *MemoryOutbox) Enqueue(_ context.Context, evt CanonicalEvent, dedupKey string) (bool, error) {
	eventType, data, err := marshalEvent(evt)
	if err != nil {
		return false, err
	}
	dedupKey = strings.TrimSpace(dedupKey)

	o.mu.Lock()
	defer o.mu.Unlock()
	if dedupKey != "" {
		if _, dup := o.byDedup[dedupKey]; dup {
			return false, nil
		}
		o.byDedup[dedupKey] = struct{}{}
	}
	o.entries = append(o.entries, &memoryEntry{OutboxEntry: OutboxEntry{
		ID:        uuid.New(),
		Type:      eventType,
		DedupKey:  dedupKey,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}})
	return true, nil
}

func (o *MemoryOutbox) FetchPending(_ context.Context, limit int32) ([]OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboxEntry
	for _, e := range o.entries {
		if e.delivered || e.dead {
			continue
		}
		out = append(out, e.OutboxEntry)
		if limit > 0 && int32(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (o *MemoryOutbox) MarkDelivered(_ context.Context, id uuid.UUID) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.ID == id && !e.delivered {
			e.delivered = true
			return true, nil
		}
	}
	return false, nil
}

func (o *MemoryOutbox) MarkFailed(_ context.Context, id uuid.UUID, lastErr string, maxAttempts int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.ID == id && !e.delivered {
			e.Attempts++
			e.lastError = lastErr
			e.dead = maxAttempts > 0 && e.Attempts >= maxAttempts
		}
	}
	return nil
}

// Entries returns every entry of the given type, delivered or not.
func (o *MemoryOutbox) Entries(eventType string) []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboxEntry
	for _, e := range o.entries {
		if eventType == "" || e.Type == eventType {
			out = append(out, e.OutboxEntry)
		}
	}
	return out
}

// Dead returns entries parked after exhausting their attempts.
func (o *MemoryOutbox) Dead() []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboxEntry
	for _, e := range o.entries {
		if e.dead {
			out = append(out, e.OutboxEntry)
		}
	}
	return out
}
