package slots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresCatalog reads published slots from the slots table.
type PostgresCatalog struct {
	pool rowQuerier
}

func NewPostgresCatalog(pool *pgxpool.Pool) *PostgresCatalog {
	if pool == nil {
		panic("slots: pgx pool required")
	}
	return &PostgresCatalog{pool: pool}
}

func newPostgresCatalogWithQuerier(q rowQuerier) *PostgresCatalog {
	if q == nil {
		panic("slots: querier required")
	}
	return &PostgresCatalog{pool: q}
}

const slotColumns = `id, specialist_id, specialty, COALESCE(clinic_id, ''), starts_at, duration_minutes, modality, capacity`

func (c *PostgresCatalog) GetSlot(ctx context.Context, id string) (Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots WHERE id = $1`
	s, err := scanSlot(c.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Slot{}, ErrSlotNotFound
		}
		return Slot{}, fmt.Errorf("slots: get slot: %w", err)
	}
	return s, nil
}

func (c *PostgresCatalog) FindSlots(ctx context.Context, q Query) (Page, error) {
	if err := q.Validate(); err != nil {
		return Page{}, err
	}
	cur, err := decodeCursor(q.Cursor)
	if err != nil {
		return Page{}, err
	}
	afterTime := q.From.Add(-time.Nanosecond)
	afterID := ""
	if cur.id != "" {
		afterTime, afterID = cur.startsAt, cur.id
	}

	query := `
		SELECT ` + slotColumns + `
		FROM slots
		WHERE starts_at >= $1 AND starts_at < $2
		  AND ($3 = '' OR specialist_id = $3)
		  AND ($4 = '' OR lower(specialty) = lower($4))
		  AND ($5 = '' OR modality = $5)
		  AND (starts_at, id) > ($6, $7)
		ORDER BY starts_at, id
		LIMIT $8
	`
	rows, err := c.pool.Query(ctx, query,
		q.From, q.To, q.SpecialistID, q.Specialty, string(q.Modality), afterTime, afterID, q.Limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("slots: find slots: %w", err)
	}
	defer rows.Close()

	page := Page{Slots: make([]Slot, 0, q.Limit)}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return Page{}, fmt.Errorf("slots: scan slot: %w", err)
		}
		if len(page.Slots) == q.Limit {
			page.Next = encodeCursor(page.Slots[len(page.Slots)-1])
			break
		}
		page.Slots = append(page.Slots, s)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("slots: iterate slots: %w", err)
	}
	return page, nil
}

func scanSlot(row pgx.Row) (Slot, error) {
	var (
		s        Slot
		minutes  int
		modality string
	)
	if err := row.Scan(&s.ID, &s.SpecialistID, &s.Specialty, &s.ClinicID, &s.StartsAt, &minutes, &modality, &s.Capacity); err != nil {
		return Slot{}, err
	}
	s.StartsAt = s.StartsAt.UTC()
	s.Duration = time.Duration(minutes) * time.Minute
	s.Modality = Modality(modality)
	return s, nil
}
