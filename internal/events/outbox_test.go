package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

func TestOutboxStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newOutboxStoreWithExec(mock)
	evt := RefundRequestedV1{BookingID: "bk-1", TransactionRef: "txn-1", AmountCents: 5000, Currency: "USD"}

	mock.ExpectExec("INSERT INTO outbox").WithArgs(pgxmock.AnyArg(), TypeRefundRequested, "refund:txn-1", pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	inserted, err := store.Enqueue(context.Background(), evt, "refund:txn-1")
	if err != nil || !inserted {
		t.Fatalf("enqueue failed: inserted=%v err=%v", inserted, err)
	}

	mock.ExpectExec("INSERT INTO outbox").WithArgs(pgxmock.AnyArg(), TypeRefundRequested, "refund:txn-1", pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	inserted, err = store.Enqueue(context.Background(), evt, "refund:txn-1")
	if err != nil || inserted {
		t.Fatalf("expected duplicate enqueue to be dropped: inserted=%v err=%v", inserted, err)
	}

	now := time.Now().UTC()
	id := uuid.New()
	rows := pgxmock.NewRows([]string{"id", "type", "dedup_key", "payload", "attempts", "created_at"}).
		AddRow(id, TypeRefundRequested, "refund:txn-1", []byte(`{"booking_id":"bk-1","transaction_ref":"txn-1"}`), 0, now)
	mock.ExpectQuery("SELECT id").WithArgs(int32(10)).WillReturnRows(rows)

	entries, err := store.FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("fetch pending failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("unexpected entries: %#v", entries)
	}
	var decoded RefundRequestedV1
	if err := entries[0].Decode(&decoded); err != nil || decoded.TransactionRef != "txn-1" {
		t.Fatalf("decode failed: %+v %v", decoded, err)
	}

	mock.ExpectExec("UPDATE outbox").WithArgs(id, "gateway down", 8).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.MarkFailed(context.Background(), id, "gateway down", 8); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	mock.ExpectExec("UPDATE outbox").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkDelivered(context.Background(), id)
	if err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	if !ok {
		t.Fatal("expected mark delivered to report success")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMemoryOutboxDedup(t *testing.T) {
	outbox := NewMemoryOutbox()
	ctx := context.Background()

	first, _ := outbox.Enqueue(ctx, RefundRequestedV1{TransactionRef: "txn-1"}, "refund:txn-1")
	second, _ := outbox.Enqueue(ctx, RefundRequestedV1{TransactionRef: "txn-1"}, "refund:txn-1")
	_, _ = outbox.Enqueue(ctx, NotificationV1{RecipientID: "p1", Event: "booking.confirmed"}, "")
	_, _ = outbox.Enqueue(ctx, NotificationV1{RecipientID: "p1", Event: "booking.confirmed"}, "")

	if !first || second {
		t.Fatalf("expected only first refund enqueue to insert, got %v %v", first, second)
	}
	if got := len(outbox.Entries(TypeRefundRequested)); got != 1 {
		t.Fatalf("expected 1 refund entry, got %d", got)
	}
	if got := len(outbox.Entries(TypeNotification)); got != 2 {
		t.Fatalf("expected undeduplicated notifications, got %d", got)
	}
	if _, err := outbox.Enqueue(ctx, nil, ""); err == nil {
		t.Fatal("expected nil event to be rejected")
	}
}

func TestDelivererRoutesAndParksFailures(t *testing.T) {
	outbox := NewMemoryOutbox()
	ctx := context.Background()
	_, _ = outbox.Enqueue(ctx, RefundRequestedV1{TransactionRef: "txn-1"}, "refund:txn-1")
	_, _ = outbox.Enqueue(ctx, NotificationV1{RecipientID: "p1"}, "")

	var refunds int
	router := NewRouter(logging.Discard()).
		Route(TypeRefundRequested, HandlerFunc(func(context.Context, OutboxEntry) error {
			refunds++
			return errors.New("provider unavailable")
		}))

	d := NewDeliverer(outbox, router, logging.Discard()).WithMaxAttempts(2)

	if got := d.Drain(ctx); got != 1 {
		t.Fatalf("expected unrouted notification to be delivered, got %d", got)
	}
	if got := d.Drain(ctx); got != 0 {
		t.Fatalf("expected no deliveries, got %d", got)
	}
	if refunds != 2 {
		t.Fatalf("expected 2 refund attempts, got %d", refunds)
	}
	if dead := outbox.Dead(); len(dead) != 1 || dead[0].Type != TypeRefundRequested {
		t.Fatalf("expected refund entry parked, got %#v", dead)
	}
	if got := d.Drain(ctx); got != 0 || refunds != 2 {
		t.Fatalf("parked entry must not be retried, refunds=%d", refunds)
	}
}
