package holds

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-slot-engine/internal/apperr"
	"github.com/wolfman30/clinic-slot-engine/internal/clock"
	"github.com/wolfman30/clinic-slot-engine/internal/slots"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

var t0 = time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, ttl time.Duration, opts ...Option) (*Manager, *MemoryStore, *clock.Manual) {
	t.Helper()
	catalog := slots.NewMemoryCatalog(
		slots.Slot{ID: "slot-x", SpecialistID: "dr-ortiz", Specialty: "Cardiology", StartsAt: t0.Add(24 * time.Hour), Duration: 30 * time.Minute, Modality: slots.ModalityVideo, Capacity: 1},
		slots.Slot{ID: "slot-y", SpecialistID: "dr-ortiz", Specialty: "Cardiology", StartsAt: t0.Add(25 * time.Hour), Duration: 30 * time.Minute, Modality: slots.ModalityInPerson, Capacity: 1},
	)
	store := NewMemoryStore()
	clk := clock.NewManual(t0)
	base := []Option{WithTTL(ttl), WithClock(clk), WithLogger(logging.Discard()), WithRetry(3, 0)}
	return NewManager(store, catalog, append(base, opts...)...), store, clk
}

func TestAcquireIsExclusiveUnderConcurrency(t *testing.T) {
	m, store, _ := newTestManager(t, 10*time.Minute)

	const callers = 100
	var (
		wg          sync.WaitGroup
		successes   atomic.Int32
		unavailable atomic.Int32
		start       = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := m.Acquire(context.Background(), "slot-x", "patient-"+string(rune('a'+i%26)))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrSlotUnavailable):
				unavailable.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	assert.EqualValues(t, callers-1, unavailable.Load())
	n, err := store.CountActiveForSlot(context.Background(), "slot-x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTwoConcurrentAcquiresOneWins(t *testing.T) {
	m, _, _ := newTestManager(t, 10*time.Minute)

	results := make(chan error, 2)
	holds := make(chan Hold, 2)
	for _, holder := range []string{"patient-1", "patient-2"} {
		go func(holder string) {
			h, err := m.Acquire(context.Background(), "slot-x", holder)
			if err == nil {
				holds <- h
			}
			results <- err
		}(holder)
	}
	var errs []error
	for i := 0; i < 2; i++ {
		errs = append(errs, <-results)
	}
	close(holds)

	var won []Hold
	for h := range holds {
		won = append(won, h)
	}
	require.Len(t, won, 1)
	assert.Equal(t, StatusActive, won[0].Status)
	assert.True(t, errors.Is(errs[0], ErrSlotUnavailable) || errors.Is(errs[1], ErrSlotUnavailable))
}

func TestAcquireRejectsSameHolderAndUnknownSlot(t *testing.T) {
	m, _, _ := newTestManager(t, 10*time.Minute)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "slot-x", "patient-1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Minute), h.ExpiresAt)
	assert.EqualValues(t, 1, h.Version)

	_, err = m.Acquire(ctx, "slot-x", "patient-1")
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = m.Acquire(ctx, "slot-missing", "patient-1")
	assert.ErrorIs(t, err, slots.ErrSlotNotFound)

	_, err = m.Acquire(ctx, "", "patient-1")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestConsumeRespectsExpiry(t *testing.T) {
	t.Run("before expiry", func(t *testing.T) {
		m, store, clk := newTestManager(t, 5*time.Second)
		h, err := m.Acquire(context.Background(), "slot-x", "patient-1")
		require.NoError(t, err)

		clk.Advance(4 * time.Second)
		require.NoError(t, m.Consume(context.Background(), h.ID, "booking-1"))

		got, err := store.Get(context.Background(), h.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusConsumed, got.Status)
		assert.Equal(t, "booking-1", got.ConsumedBy)
	})

	t.Run("at and after expiry", func(t *testing.T) {
		m, store, clk := newTestManager(t, 5*time.Second)
		h, err := m.Acquire(context.Background(), "slot-x", "patient-1")
		require.NoError(t, err)

		clk.Advance(5 * time.Second)
		err = m.Consume(context.Background(), h.ID, "booking-1")
		assert.ErrorIs(t, err, ErrHoldExpired)
		assert.Equal(t, apperr.KindExpired, apperr.KindOf(err))

		got, err := store.Get(context.Background(), h.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusReleased, got.Status)
		assert.Equal(t, ReasonExpired, got.ReleaseReason)

		clk.Advance(time.Second)
		assert.ErrorIs(t, m.Consume(context.Background(), h.ID, "booking-1"), ErrHoldExpired)
	})
}

func TestAcquireReleasesLapsedHoldInline(t *testing.T) {
	m, store, clk := newTestManager(t, 5*time.Second)
	var released []Hold
	m.OnRelease(func(_ context.Context, h Hold) error {
		released = append(released, h)
		return nil
	})

	first, err := m.Acquire(context.Background(), "slot-x", "patient-1")
	require.NoError(t, err)
	clk.Advance(6 * time.Second)

	second, err := m.Acquire(context.Background(), "slot-x", "patient-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	require.Len(t, released, 1)
	assert.Equal(t, first.ID, released[0].ID)
	assert.Equal(t, ReasonExpired, released[0].ReleaseReason)

	n, err := store.CountActiveForSlot(context.Background(), "slot-x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRenew(t *testing.T) {
	m, _, clk := newTestManager(t, 5*time.Second)
	ctx := context.Background()
	h, err := m.Acquire(ctx, "slot-x", "patient-1")
	require.NoError(t, err)

	_, err = m.Renew(ctx, h.ID, "patient-2")
	assert.ErrorIs(t, err, ErrNotHolder)

	clk.Advance(3 * time.Second)
	renewed, err := m.Renew(ctx, h.ID, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(8*time.Second), renewed.ExpiresAt)
	assert.EqualValues(t, 2, renewed.Version)

	clk.Advance(5 * time.Second)
	_, err = m.Renew(ctx, h.ID, "patient-1")
	assert.ErrorIs(t, err, ErrHoldExpired)

	_, err = m.Renew(ctx, "missing", "patient-1")
	assert.ErrorIs(t, err, ErrHoldNotFound)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, store, _ := newTestManager(t, time.Minute)
	ctx := context.Background()
	var fired int
	m.OnRelease(func(context.Context, Hold) error {
		fired++
		return nil
	})

	h, err := m.Acquire(ctx, "slot-x", "patient-1")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, h.ID, ReasonCancelled))
	require.NoError(t, m.Release(ctx, h.ID, ReasonCancelled))
	assert.Equal(t, 1, fired)

	got, err := store.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, ReasonCancelled, got.ReleaseReason)

	_, err = m.Acquire(ctx, "slot-x", "patient-2")
	assert.NoError(t, err)
}

func TestAcquireRefusesConsumedSlot(t *testing.T) {
	m, _, clk := newTestManager(t, 5*time.Second)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "slot-x", "patient-1")
	require.NoError(t, err)
	require.NoError(t, m.Consume(ctx, h.ID, "booking-1"))

	clk.Advance(time.Hour)
	_, err = m.Acquire(ctx, "slot-x", "patient-2")
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestExpireDueSkipsConsumedHolds(t *testing.T) {
	m, store, clk := newTestManager(t, 5*time.Second)
	ctx := context.Background()

	lapsing, err := m.Acquire(ctx, "slot-x", "patient-1")
	require.NoError(t, err)
	kept, err := m.Acquire(ctx, "slot-y", "patient-2")
	require.NoError(t, err)
	require.NoError(t, m.Consume(ctx, kept.ID, "booking-2"))

	clk.Advance(10 * time.Second)
	released, scanned, err := m.ExpireDue(ctx, clk.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, scanned)
	require.Len(t, released, 1)
	assert.Equal(t, lapsing.ID, released[0].ID)

	got, err := store.Get(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, got.Status)

	again, scanned, err := m.ExpireDue(ctx, clk.Now(), 100)
	require.NoError(t, err)
	assert.Zero(t, scanned)
	assert.Empty(t, again)
}

func TestConsumeBindsHoldToOneBooking(t *testing.T) {
	m, store, _ := newTestManager(t, time.Minute)
	ctx := context.Background()
	h, err := m.Acquire(ctx, "slot-x", "patient-1")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Consume(ctx, h.ID, ""), ErrInvalidRequest)
	require.NoError(t, m.Consume(ctx, h.ID, "booking-1"))
	require.NoError(t, m.Consume(ctx, h.ID, "booking-1"), "replay by the same booking")
	assert.ErrorIs(t, m.Consume(ctx, h.ID, "booking-2"), ErrHoldNotActive)

	got, err := store.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "booking-1", got.ConsumedBy)
	assert.EqualValues(t, 2, got.Version)
}

func TestConcurrentConsumeHasOneOwner(t *testing.T) {
	m, store, _ := newTestManager(t, time.Minute)
	ctx := context.Background()
	h, err := m.Acquire(ctx, "slot-x", "patient-1")
	require.NoError(t, err)

	const bookings = 20
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < bookings; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if m.Consume(ctx, h.ID, "booking-"+string(rune('a'+i))) == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	got, err := store.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, got.Status)
	assert.NotEmpty(t, got.ConsumedBy)
}

func TestReleaseConsumedFreesSlotForOwnerOnly(t *testing.T) {
	m, store, _ := newTestManager(t, time.Minute)
	ctx := context.Background()
	var fired []Hold
	m.OnRelease(func(_ context.Context, h Hold) error {
		fired = append(fired, h)
		return nil
	})

	h, err := m.Acquire(ctx, "slot-x", "patient-1")
	require.NoError(t, err)
	require.NoError(t, m.Consume(ctx, h.ID, "booking-1"))

	require.NoError(t, m.ReleaseConsumed(ctx, h.ID, "booking-2", ReasonCancelled))
	got, err := store.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, got.Status, "other bookings cannot give the hold back")

	require.NoError(t, m.ReleaseConsumed(ctx, h.ID, "booking-1", ReasonCancelled))
	require.NoError(t, m.ReleaseConsumed(ctx, h.ID, "booking-1", ReasonCancelled))
	got, err = store.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, ReasonCancelled, got.ReleaseReason)
	require.Len(t, fired, 1)

	_, err = m.Acquire(ctx, "slot-x", "patient-2")
	assert.NoError(t, err)
}

func TestExpireDueReportsScannedForPaging(t *testing.T) {
	m, _, clk := newTestManager(t, 5*time.Second)
	ctx := context.Background()

	a, err := m.Acquire(ctx, "slot-x", "patient-1")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "slot-y", "patient-2")
	require.NoError(t, err)
	require.NoError(t, m.Consume(ctx, a.ID, "booking-1"))
	clk.Advance(10 * time.Second)

	released, scanned, err := m.ExpireDue(ctx, clk.Now(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, scanned)
	assert.Len(t, released, 1)
}

type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
}

func (f *flakyStore) ActiveForSlot(ctx context.Context, slotID string) (*Hold, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return f.MemoryStore.ActiveForSlot(ctx, slotID)
}

func TestAcquireRetriesTransientStoreErrors(t *testing.T) {
	catalog := slots.NewMemoryCatalog(slots.Slot{ID: "slot-x", SpecialistID: "dr-ortiz", StartsAt: t0, Duration: time.Hour, Modality: slots.ModalityVideo})

	recovering := &flakyStore{MemoryStore: NewMemoryStore()}
	recovering.failures.Store(2)
	m := NewManager(recovering, catalog, WithLogger(logging.Discard()), WithRetry(3, 0))
	_, err := m.Acquire(context.Background(), "slot-x", "patient-1")
	require.NoError(t, err)

	down := &flakyStore{MemoryStore: NewMemoryStore()}
	down.failures.Store(10)
	m = NewManager(down, catalog, WithLogger(logging.Discard()), WithRetry(3, 0))
	_, err = m.Acquire(context.Background(), "slot-x", "patient-1")
	assert.ErrorIs(t, err, ErrExternalFailure)
	assert.Equal(t, apperr.KindExternalFailure, apperr.KindOf(err))
	assert.EqualValues(t, 7, down.failures.Load())
}

func TestVerifySlotReportsButNeverCorrects(t *testing.T) {
	m, store, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	n, err := m.VerifySlot(ctx, "slot-x")
	require.NoError(t, err)
	assert.Zero(t, n)

	store.put(Hold{ID: "h1", SlotID: "slot-x", HolderID: "p1", Status: StatusActive, ExpiresAt: t0.Add(time.Minute), Version: 1})
	store.put(Hold{ID: "h2", SlotID: "slot-x", HolderID: "p2", Status: StatusActive, ExpiresAt: t0.Add(time.Minute), Version: 1})

	n, err = m.VerifySlot(ctx, "slot-x")
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, 2, n)

	dupes, err := m.CheckInvariants(ctx)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, []string{"slot-x"}, dupes)

	n, err = store.CountActiveForSlot(ctx, "slot-x")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
