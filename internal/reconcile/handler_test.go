package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-slot-engine/internal/bookings"
	"github.com/wolfman30/clinic-slot-engine/internal/clock"
	"github.com/wolfman30/clinic-slot-engine/internal/events"
	"github.com/wolfman30/clinic-slot-engine/internal/holds"
	"github.com/wolfman30/clinic-slot-engine/internal/payments"
	"github.com/wolfman30/clinic-slot-engine/internal/slots"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

type fakeBookings struct {
	mu        sync.Mutex
	applyErrs []error
	calls     int
	applied   []payments.Outcome
	failed    []string
	failErr   error
}

func (f *fakeBookings) ApplyOutcome(_ context.Context, _ string, o payments.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.applyErrs) > 0 {
		err := f.applyErrs[0]
		f.applyErrs = f.applyErrs[1:]
		return err
	}
	f.applied = append(f.applied, o)
	return nil
}

func (f *fakeBookings) FailPayment(_ context.Context, id, reason string) (bookings.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return bookings.Booking{}, f.failErr
	}
	f.failed = append(f.failed, reason)
	return bookings.Booking{ID: id, Status: bookings.StatusFailed}, nil
}

func newTestHandler(svc BookingService) (*Handler, *events.MemoryProcessedStore) {
	processed := events.NewMemoryProcessedStore()
	return NewHandler(svc, processed, logging.Discard()).WithRetry(4, 0), processed
}

var succeeded = payments.Outcome{Kind: payments.OutcomePaymentSucceeded, TransactionRef: "txn-1"}

func TestApplyIsIdempotentPerKey(t *testing.T) {
	svc := &fakeBookings{}
	h, _ := newTestHandler(svc)
	ctx := context.Background()

	require.NoError(t, h.ApplyPaymentResult(ctx, "bk-1", succeeded, "evt-1"))
	require.NoError(t, h.ApplyPaymentResult(ctx, "bk-1", succeeded, "evt-1"))
	assert.Equal(t, 1, svc.calls)

	require.NoError(t, h.ApplyPaymentResult(ctx, "bk-1", succeeded, "evt-2"))
	assert.Equal(t, 2, svc.calls)
}

func TestApplyRejectsInvalidOutcome(t *testing.T) {
	h, _ := newTestHandler(&fakeBookings{})
	ctx := context.Background()

	assert.ErrorIs(t, h.ApplyPaymentResult(ctx, "", succeeded, "k"), ErrInvalidOutcome)
	assert.ErrorIs(t, h.ApplyPaymentResult(ctx, "bk-1", succeeded, " "), ErrInvalidOutcome)
	assert.ErrorIs(t, h.ApplyPaymentResult(ctx, "bk-1", payments.Outcome{Kind: "chargeback"}, "k"), ErrInvalidOutcome)
}

func TestUnknownBookingIsDropped(t *testing.T) {
	svc := &fakeBookings{applyErrs: []error{bookings.ErrBookingNotFound}}
	h, processed := newTestHandler(svc)
	ctx := context.Background()

	require.NoError(t, h.ApplyPaymentResult(ctx, "ghost", succeeded, "evt-9"))
	done, err := processed.AlreadyProcessed(ctx, claimProvider, "evt-9")
	require.NoError(t, err)
	assert.True(t, done, "claim kept so the late webhook is not replayed")
}

func TestConflictsAreRetried(t *testing.T) {
	svc := &fakeBookings{applyErrs: []error{bookings.ErrConcurrentModification, errors.New("conn reset")}}
	h, _ := newTestHandler(svc)

	require.NoError(t, h.ApplyPaymentResult(context.Background(), "bk-1", succeeded, "evt-1"))
	assert.Equal(t, 3, svc.calls)
	assert.Len(t, svc.applied, 1)
	assert.Empty(t, svc.failed)
}

func TestExhaustedRetriesFailTheBooking(t *testing.T) {
	conflict := bookings.ErrConcurrentModification
	svc := &fakeBookings{applyErrs: []error{conflict, conflict, conflict, conflict}}
	h, _ := newTestHandler(svc)

	require.NoError(t, h.ApplyPaymentResult(context.Background(), "bk-1", succeeded, "evt-1"))
	assert.Equal(t, []string{bookings.FailureReconciliationExhausted}, svc.failed)
	// The captured payment is re-applied to the failed booking, which refunds it.
	assert.Len(t, svc.applied, 1)
}

func TestFailedApplyLeavesKeyOpen(t *testing.T) {
	down := errors.New("db down")
	svc := &fakeBookings{applyErrs: []error{down, down, down, down}, failErr: down}
	h, processed := newTestHandler(svc)
	ctx := context.Background()

	err := h.ApplyPaymentResult(ctx, "bk-1", succeeded, "evt-1")
	require.Error(t, err)
	done, _ := processed.AlreadyProcessed(ctx, claimProvider, "evt-1")
	assert.False(t, done)

	svc.failErr = nil
	require.NoError(t, h.ApplyPaymentResult(ctx, "bk-1", succeeded, "evt-1"))
	assert.Len(t, svc.applied, 1)
	done, _ = processed.AlreadyProcessed(ctx, claimProvider, "evt-1")
	assert.True(t, done)
}

// blockingBookings parks ApplyOutcome until its context ends, standing in
// for a worker that dies mid-apply.
type blockingBookings struct {
	fakeBookings
	entered chan struct{}
	block   bool
}

func (b *blockingBookings) ApplyOutcome(ctx context.Context, id string, o payments.Outcome) error {
	if b.block {
		close(b.entered)
		<-ctx.Done()
		return ctx.Err()
	}
	return b.fakeBookings.ApplyOutcome(ctx, id, o)
}

func TestKeyIsRecordedOnlyAfterApply(t *testing.T) {
	svc := &blockingBookings{entered: make(chan struct{}), block: true}
	h, processed := newTestHandler(svc)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- h.ApplyPaymentResult(ctx, "bk-1", succeeded, "evt-1") }()

	<-svc.entered
	done, err := processed.AlreadyProcessed(context.Background(), claimProvider, "evt-1")
	require.NoError(t, err)
	assert.False(t, done, "nothing recorded while the apply is in flight")

	cancel()
	require.Error(t, <-errc)
	done, _ = processed.AlreadyProcessed(context.Background(), claimProvider, "evt-1")
	assert.False(t, done, "an interrupted apply leaves the key for the replay")
	assert.Empty(t, svc.failed, "an interrupted apply does not fail the booking")

	svc.block = false
	require.NoError(t, h.ApplyPaymentResult(context.Background(), "bk-1", succeeded, "evt-1"))
	assert.Len(t, svc.applied, 1)

	require.NoError(t, h.ApplyPaymentResult(context.Background(), "bk-1", succeeded, "evt-1"))
	assert.Len(t, svc.applied, 1, "duplicate after success is dropped")
}

func TestNonApplicableOutcomeIsDropped(t *testing.T) {
	svc := &fakeBookings{applyErrs: []error{bookings.ErrInvalidTransition}}
	h, _ := newTestHandler(svc)

	require.NoError(t, h.ApplyPaymentResult(context.Background(), "bk-1", succeeded, "evt-1"))
	assert.Equal(t, 1, svc.calls)
	assert.Empty(t, svc.failed)
}

// End to end against the real state machine.
func TestReplayedLatePaymentRefundsOnce(t *testing.T) {
	t0 := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	catalog := slots.NewMemoryCatalog(slots.Slot{ID: "slot-x", SpecialistID: "dr-okafor", StartsAt: t0.Add(time.Hour), Duration: 15 * time.Minute, Modality: slots.ModalityVideo, Capacity: 1})
	clk := clock.NewManual(t0)
	mgr := holds.NewManager(holds.NewMemoryStore(), catalog, holds.WithTTL(5*time.Second), holds.WithClock(clk), holds.WithLogger(logging.Discard()))
	outbox := events.NewMemoryOutbox()
	svc := bookings.NewService(bookings.NewMemoryStore(), mgr, catalog, bookings.Options{
		Gateway: payments.NewFakeGateway(logging.Discard()),
		Refunds: payments.NewOutboxRefundQueue(outbox),
		Clock:   clk,
		Logger:  logging.Discard(),
	})
	mgr.OnRelease(svc.OnHoldReleased)
	handler, _ := newTestHandler(svc)
	svc.SetOutcomeApplier(handler)
	ctx := context.Background()

	hold, err := mgr.Acquire(ctx, "slot-x", "patient-1")
	require.NoError(t, err)
	b, err := svc.Start(ctx, bookings.StartInput{PatientID: "patient-1", SlotID: "slot-x", HoldID: hold.ID, AmountCents: 4000})
	require.NoError(t, err)
	_, err = svc.BeginPayment(ctx, b.ID)
	require.NoError(t, err)

	clk.Advance(6 * time.Second)
	_, _, err = mgr.ExpireDue(ctx, clk.Now(), 100)
	require.NoError(t, err)

	late := payments.Outcome{Kind: payments.OutcomePaymentSucceeded, TransactionRef: "txn-late"}
	for i := 0; i < 3; i++ {
		require.NoError(t, handler.ApplyPaymentResult(ctx, b.ID, late, "evt-late"))
	}
	require.NoError(t, handler.ApplyPaymentResult(ctx, b.ID, late, "evt-late-dup-from-provider"))

	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, bookings.StatusFailed, got.Status)
	assert.Equal(t, bookings.FailureHoldExpiredDuringPayment, got.FailureReason)
	assert.Len(t, outbox.Entries(events.TypeRefundRequested), 1)

	require.NoError(t, handler.ApplyPaymentResult(ctx, "no-such-booking", late, "evt-ghost"))
}
