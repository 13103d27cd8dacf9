package holds

import (
	"context"
	"errors"
	"testing"
	"time"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestPostgresStoreInsertMapsUniqueViolation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newPostgresStoreWithExec(mock)
	h := Hold{ID: "h1", SlotID: "slot-x", HolderID: "p1", Status: StatusActive, CreatedAt: t0, ExpiresAt: t0.Add(time.Minute), Version: 1}

	mock.ExpectExec("INSERT INTO holds").
		WithArgs("h1", "slot-x", "p1", "active", pgxmock.AnyArg(), pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if err := store.Insert(context.Background(), h); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}

	mock.ExpectExec("INSERT INTO holds").
		WithArgs("h1", "slot-x", "p1", "active", pgxmock.AnyArg(), pgxmock.AnyArg(), int64(1)).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "holds_one_active_per_slot"})
	if err := store.Insert(context.Background(), h); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreUpdateIsConditional(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newPostgresStoreWithExec(mock)
	now := t0.Add(time.Minute)
	next := Hold{ID: "h1", SlotID: "slot-x", Status: StatusReleased, ExpiresAt: t0.Add(time.Minute), ReleasedAt: &now, ReleaseReason: ReasonExpired, Version: 2}

	mock.ExpectExec("UPDATE holds").
		WithArgs("h1", int64(1), "released", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), ReasonExpired, "", int64(2), "active").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.Update(context.Background(), next, 1); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	mock.ExpectExec("UPDATE holds").
		WithArgs("h1", int64(1), "released", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), ReasonExpired, "", int64(2), "active").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	if err := store.Update(context.Background(), next, 1); !errors.Is(err, ErrStaleHold) {
		t.Fatalf("expected ErrStaleHold, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreActiveForSlotAndCount(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newPostgresStoreWithExec(mock)

	mock.ExpectQuery("FROM holds WHERE slot_id").WithArgs("slot-x").WillReturnError(pgx.ErrNoRows)
	h, err := store.ActiveForSlot(context.Background(), "slot-x")
	if err != nil || h != nil {
		t.Fatalf("expected no active hold, got %v err=%v", h, err)
	}

	mock.ExpectQuery("SELECT COUNT").WithArgs("slot-x").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	n, err := store.CountActiveForSlot(context.Background(), "slot-x")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 active holds, got %d err=%v", n, err)
	}

	mock.ExpectQuery("GROUP BY slot_id").
		WillReturnRows(pgxmock.NewRows([]string{"slot_id"}).AddRow("slot-x"))
	dupes, err := store.DuplicateActiveSlots(context.Background())
	if err != nil || len(dupes) != 1 || dupes[0] != "slot-x" {
		t.Fatalf("unexpected duplicates %v err=%v", dupes, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreUpdateConsumedChecksConsumedStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newPostgresStoreWithExec(mock)
	now := t0.Add(time.Minute)
	next := Hold{ID: "h1", SlotID: "slot-x", Status: StatusReleased, ExpiresAt: t0.Add(time.Minute),
		ReleasedAt: &now, ConsumedAt: &now, ReleaseReason: ReasonRollback, ConsumedBy: "b1", Version: 3}

	mock.ExpectExec("UPDATE holds").
		WithArgs("h1", int64(2), "released", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), ReasonRollback, "b1", int64(3), "consumed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	if err := store.UpdateConsumed(context.Background(), next, 2); !errors.Is(err, ErrStaleHold) {
		t.Fatalf("expected ErrStaleHold, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
