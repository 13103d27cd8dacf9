package holds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists holds in the holds table. The partial unique index
// holds_one_active_per_slot allows one active or consumed hold per slot.
type PostgresStore struct {
	pool pgQuerier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("holds: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

func newPostgresStoreWithExec(q pgQuerier) *PostgresStore {
	if q == nil {
		panic("holds: exec required")
	}
	return &PostgresStore{pool: q}
}

const holdColumns = `id, slot_id, holder_id, status, created_at, expires_at, released_at, consumed_at, COALESCE(release_reason, ''), COALESCE(consumed_by, ''), version`

func (s *PostgresStore) Insert(ctx context.Context, h Hold) error {
	query := `
		INSERT INTO holds (id, slot_id, holder_id, status, created_at, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.pool.Exec(ctx, query, h.ID, h.SlotID, h.HolderID, string(h.Status), h.CreatedAt, h.ExpiresAt, h.Version); err != nil {
		if isUniqueViolation(err) {
			return ErrSlotUnavailable
		}
		return fmt.Errorf("holds: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM holds WHERE id = $1`
	h, err := scanHold(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrHoldNotFound
		}
		return Hold{}, fmt.Errorf("holds: get: %w", err)
	}
	return h, nil
}

func (s *PostgresStore) ActiveForSlot(ctx context.Context, slotID string) (*Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM holds WHERE slot_id = $1 AND status = 'active' LIMIT 1`
	h, err := scanHold(s.pool.QueryRow(ctx, query, slotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("holds: active for slot: %w", err)
	}
	return &h, nil
}

func (s *PostgresStore) CountActiveForSlot(ctx context.Context, slotID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM holds WHERE slot_id = $1 AND status = 'active'`
	if err := s.pool.QueryRow(ctx, query, slotID).Scan(&n); err != nil {
		return 0, fmt.Errorf("holds: count active: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Update(ctx context.Context, next Hold, expectVersion int64) error {
	return s.update(ctx, next, expectVersion, StatusActive)
}

func (s *PostgresStore) UpdateConsumed(ctx context.Context, next Hold, expectVersion int64) error {
	return s.update(ctx, next, expectVersion, StatusConsumed)
}

func (s *PostgresStore) update(ctx context.Context, next Hold, expectVersion int64, from Status) error {
	query := `
		UPDATE holds
		SET status = $3, expires_at = $4, released_at = $5, consumed_at = $6,
		    release_reason = NULLIF($7, ''), consumed_by = NULLIF($8, ''), version = $9
		WHERE id = $1 AND version = $2 AND status = $10
	`
	ct, err := s.pool.Exec(ctx, query,
		next.ID, expectVersion, string(next.Status), next.ExpiresAt,
		next.ReleasedAt, next.ConsumedAt, next.ReleaseReason, next.ConsumedBy, next.Version, string(from))
	if err != nil {
		return fmt.Errorf("holds: update: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrStaleHold
	}
	return nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Hold, error) {
	query := `
		SELECT ` + holdColumns + `
		FROM holds
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("holds: list expired: %w", err)
	}
	defer rows.Close()

	var out []Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("holds: scan expired: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("holds: iterate expired: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DuplicateActiveSlots(ctx context.Context) ([]string, error) {
	query := `
		SELECT slot_id FROM holds
		WHERE status = 'active'
		GROUP BY slot_id
		HAVING COUNT(*) > 1
		ORDER BY slot_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("holds: duplicate active: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var slotID string
		if err := rows.Scan(&slotID); err != nil {
			return nil, fmt.Errorf("holds: scan duplicate: %w", err)
		}
		out = append(out, slotID)
	}
	return out, rows.Err()
}

func scanHold(row pgx.Row) (Hold, error) {
	var (
		h      Hold
		status string
	)
	if err := row.Scan(&h.ID, &h.SlotID, &h.HolderID, &status, &h.CreatedAt, &h.ExpiresAt,
		&h.ReleasedAt, &h.ConsumedAt, &h.ReleaseReason, &h.ConsumedBy, &h.Version); err != nil {
		return Hold{}, err
	}
	h.Status = Status(status)
	return h, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
