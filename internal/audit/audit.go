// Package audit keeps an append-only activity trail of hold and booking
// changes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action names recorded by the engine.
const (
	ActionHoldAcquired    = "hold.acquired"
	ActionHoldRenewed     = "hold.renewed"
	ActionHoldReleased    = "hold.released"
	ActionHoldConsumed    = "hold.consumed"
	ActionBookingPrefix   = "booking."
	ActionRefundQueued    = "booking.refund_queued"
	ActionRefundCompleted = "booking.refund_recorded"
)

// Entry is one immutable audit record.
type Entry struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Trail records entries and reads them back per target.
type Trail interface {
	Record(ctx context.Context, e Entry) error
	ForTarget(ctx context.Context, targetType, targetID string, limit int) ([]Entry, error)
}

// Recorder persists audit entries into audit_events.
type Recorder struct {
	db *sql.DB
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Record inserts the entry, filling in id and timestamp when empty.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("audit: marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (id, actor_id, action, target_type, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		nullString(e.ActorID),
		e.Action,
		e.TargetType,
		e.TargetID,
		metadata,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record event: %w", err)
	}
	return nil
}

// ForTarget returns the trail of one target, oldest first.
func (r *Recorder) ForTarget(ctx context.Context, targetType, targetID string, limit int) ([]Entry, error) {
	query := `
		SELECT id, actor_id, action, target_type, target_id, metadata, created_at
		FROM audit_events
		WHERE target_type = $1 AND target_id = $2
		ORDER BY created_at
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.db.QueryContext(ctx, query, targetType, targetID)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			actor    sql.NullString
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &actor, &e.Action, &e.TargetType, &e.TargetID, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: failed to scan event: %w", err)
		}
		e.ActorID = actor.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MemoryRecorder keeps entries in process memory.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRecorder) ForTarget(_ context.Context, targetType, targetID string, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.TargetType == targetType && e.TargetID == targetID {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
