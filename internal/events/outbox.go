package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errNilEvent = errors.New("events: canonical event required")

// OutboxEntry represents a pending event.
type OutboxEntry struct {
	ID        uuid.UUID
	Type      string
	DedupKey  string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Decode unmarshals the entry payload into v.
func (e OutboxEntry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("events: decode %s: %w", e.Type, err)
	}
	return nil
}

// DeliveryHandler emits events to downstream transports.
type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

// Outbox accepts events for reliable asynchronous delivery. A non-empty
// dedupKey makes Enqueue idempotent: a second event with the same key is
// dropped and Enqueue reports false.
type Outbox interface {
	Enqueue(ctx context.Context, evt CanonicalEvent, dedupKey string) (bool, error)
}

type outboxExec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// OutboxStore persists events for reliable delivery.
type OutboxStore struct {
	pool outboxExec
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{pool: pool}
}

func newOutboxStoreWithExec(exec outboxExec) *OutboxStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &OutboxStore{pool: exec}
}

func (s *OutboxStore) Enqueue(ctx context.Context, evt CanonicalEvent, dedupKey string) (bool, error) {
	eventType, data, err := marshalEvent(evt)
	if err != nil {
		return false, err
	}
	query := `
		INSERT INTO outbox (id, type, dedup_key, payload)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (dedup_key) DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, uuid.New(), eventType, strings.TrimSpace(dedupKey), data)
	if err != nil {
		return false, fmt.Errorf("events: insert outbox: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	query := `
		SELECT id, type, COALESCE(dedup_key, ''), payload, attempts, created_at
		FROM outbox
		WHERE delivered_at IS NULL AND dead_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.Type, &entry.DedupKey, &payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed records a failed delivery. Once attempts reach maxAttempts the
// entry is parked as dead and no longer fetched.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, lastErr string, maxAttempts int) error {
	query := `
		UPDATE outbox
		SET attempts = attempts + 1,
		    last_error = $2,
		    dead_at = CASE WHEN attempts + 1 >= $3 THEN now() ELSE NULL END
		WHERE id = $1 AND delivered_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, query, id, lastErr, maxAttempts); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}

func marshalEvent(evt CanonicalEvent) (string, []byte, error) {
	if evt == nil {
		return "", nil, errNilEvent
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		return "", nil, fmt.Errorf("events: event type missing")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return "", nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	return eventType, data, nil
}
