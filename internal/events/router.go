package events

import (
	"context"
	"sync"

	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// HandlerFunc adapts a function to DeliveryHandler.
type HandlerFunc func(ctx context.Context, entry OutboxEntry) error

func (f HandlerFunc) Handle(ctx context.Context, entry OutboxEntry) error {
	return f(ctx, entry)
}

// Router dispatches outbox entries by event type. Entries with no route are
// logged and treated as delivered.
type Router struct {
	mu     sync.RWMutex
	routes map[string]DeliveryHandler
	logger *logging.Logger
}

func NewRouter(logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.Default()
	}
	return &Router{routes: make(map[string]DeliveryHandler), logger: logger}
}

// Route registers h for eventType, replacing any previous handler.
func (r *Router) Route(eventType string, h DeliveryHandler) *Router {
	r.mu.Lock()
	r.routes[eventType] = h
	r.mu.Unlock()
	return r
}

func (r *Router) Handle(ctx context.Context, entry OutboxEntry) error {
	r.mu.RLock()
	h, ok := r.routes[entry.Type]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("no outbox route for event type", "type", entry.Type, "event_id", entry.ID)
		return nil
	}
	return h.Handle(ctx, entry)
}
