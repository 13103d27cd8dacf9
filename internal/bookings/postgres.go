package bookings

import (
	"context"
	"encoding/json"
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

// PostgresStore persists bookings in the bookings table. The slot snapshot
// and consultation metadata are stored as JSONB.
type PostgresStore struct {
	pool pgQuerier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("bookings: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

func newPostgresStoreWithExec(q pgQuerier) *PostgresStore {
	if q == nil {
		panic("bookings: exec required")
	}
	return &PostgresStore{pool: q}
}

// holdConstraint allows one draft, held, pending or confirmed booking per hold.
const holdConstraint = "bookings_one_open_per_hold"

const bookingColumns = `id, COALESCE(hold_id, ''), patient_id, specialist_id, slot, consultation,
	amount_cents, currency, status, COALESCE(payment_ref, ''), COALESCE(failure_reason, ''),
	COALESCE(failure_detail, ''), COALESCE(refund_state, ''), version, created_at, updated_at,
	held_at, payment_submitted_at, confirmed_at, expired_at, cancelled_at, failed_at`

func (s *PostgresStore) Insert(ctx context.Context, b Booking) error {
	slotJSON, consultJSON, err := encodeSnapshots(b)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO bookings (id, hold_id, patient_id, specialist_id, slot, consultation,
			amount_cents, currency, status, version, created_at, updated_at, held_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.pool.Exec(ctx, query,
		b.ID, b.HoldID, b.PatientID, b.SpecialistID, slotJSON, consultJSON,
		b.AmountCents, b.Currency, string(b.Status), b.Version, b.CreatedAt, b.UpdatedAt, b.HeldAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == holdConstraint {
				return ErrHoldInvalid
			}
			return ErrConcurrentModification
		}
		return fmt.Errorf("bookings: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	b, err := scanBooking(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, ErrBookingNotFound
		}
		return Booking{}, fmt.Errorf("bookings: get: %w", err)
	}
	return b, nil
}

// Update is a version-checked write of every mutable column.
func (s *PostgresStore) Update(ctx context.Context, b Booking, expectVersion int64) error {
	query := `
		UPDATE bookings SET
			hold_id = NULLIF($3, ''), status = $4, payment_ref = NULLIF($5, ''),
			failure_reason = NULLIF($6, ''), failure_detail = NULLIF($7, ''), refund_state = NULLIF($8, ''),
			version = $9, updated_at = $10, held_at = $11, payment_submitted_at = $12,
			confirmed_at = $13, expired_at = $14, cancelled_at = $15, failed_at = $16
		WHERE id = $1 AND version = $2
	`
	tag, err := s.pool.Exec(ctx, query,
		b.ID, expectVersion, b.HoldID, string(b.Status), b.PaymentRef,
		b.FailureReason, b.FailureDetail, string(b.RefundState),
		b.Version, b.UpdatedAt, b.HeldAt, b.PaymentSubmittedAt,
		b.ConfirmedAt, b.ExpiredAt, b.CancelledAt, b.FailedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == holdConstraint {
			return ErrHoldInvalid
		}
		return fmt.Errorf("bookings: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, b.ID); errors.Is(err, ErrBookingNotFound) {
			return ErrBookingNotFound
		}
		return ErrConcurrentModification
	}
	return nil
}

func (s *PostgresStore) ListByHold(ctx context.Context, holdID string) ([]Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE hold_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, holdID)
	if err != nil {
		return nil, fmt.Errorf("bookings: list by hold: %w", err)
	}
	return collectBookings(rows)
}

func (s *PostgresStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]Booking, error) {
	query := `SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = 'pending_payment' AND payment_submitted_at <= $1
		ORDER BY payment_submitted_at
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("bookings: list stale pending: %w", err)
	}
	return collectBookings(rows)
}

// ListIdle pages bookings in status last touched at or before before, keyed
// on (updated_at, id).
func (s *PostgresStore) ListIdle(ctx context.Context, status Status, before time.Time, after IdleCursor, limit int) ([]Booking, error) {
	query := `SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = $1 AND updated_at <= $2 AND (updated_at, id) > ($3, $4)
		ORDER BY updated_at, id
		LIMIT $5`
	rows, err := s.pool.Query(ctx, query, string(status), before, after.UpdatedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("bookings: list idle: %w", err)
	}
	return collectBookings(rows)
}

func collectBookings(rows pgx.Rows) ([]Booking, error) {
	defer rows.Close()
	var out []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("bookings: scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bookings: rows: %w", err)
	}
	return out, nil
}

func scanBooking(row pgx.Row) (Booking, error) {
	var (
		b                     Booking
		status, refund        string
		slotJSON, consultJSON []byte
	)
	err := row.Scan(
		&b.ID, &b.HoldID, &b.PatientID, &b.SpecialistID, &slotJSON, &consultJSON,
		&b.AmountCents, &b.Currency, &status, &b.PaymentRef, &b.FailureReason,
		&b.FailureDetail, &refund, &b.Version, &b.CreatedAt, &b.UpdatedAt,
		&b.HeldAt, &b.PaymentSubmittedAt, &b.ConfirmedAt, &b.ExpiredAt, &b.CancelledAt, &b.FailedAt,
	)
	if err != nil {
		return Booking{}, err
	}
	b.Status = Status(status)
	b.RefundState = RefundState(refund)
	if len(slotJSON) > 0 {
		if err := json.Unmarshal(slotJSON, &b.Slot); err != nil {
			return Booking{}, fmt.Errorf("decode slot snapshot: %w", err)
		}
	}
	if len(consultJSON) > 0 {
		if err := json.Unmarshal(consultJSON, &b.Consultation); err != nil {
			return Booking{}, fmt.Errorf("decode consultation: %w", err)
		}
	}
	return b, nil
}

func encodeSnapshots(b Booking) ([]byte, []byte, error) {
	slotJSON, err := json.Marshal(b.Slot)
	if err != nil {
		return nil, nil, fmt.Errorf("bookings: encode slot: %w", err)
	}
	consultJSON, err := json.Marshal(b.Consultation)
	if err != nil {
		return nil, nil, fmt.Errorf("bookings: encode consultation: %w", err)
	}
	return slotJSON, consultJSON, nil
}
