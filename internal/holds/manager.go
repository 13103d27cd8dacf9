package holds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-slot-engine/internal/apperr"
	"github.com/wolfman30/clinic-slot-engine/internal/audit"
	"github.com/wolfman30/clinic-slot-engine/internal/clock"
	"github.com/wolfman30/clinic-slot-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-slot-engine/internal/slots"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

var holdsTracer = otel.Tracer("clinic.internal.holds")

const (
	DefaultTTL           = 10 * time.Minute
	defaultRetryAttempts = 3
	defaultRetryDelay    = 50 * time.Millisecond
)

// ReleaseListener is called after a hold has been released, whatever the
// path: explicit release, inline expiry at point of use, or the sweeper.
type ReleaseListener func(ctx context.Context, h Hold) error

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets how long a fresh or renewed hold stays live.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLocker replaces the in-process per-slot lock.
func WithLocker(l Locker) Option {
	return func(m *Manager) {
		if l != nil {
			m.locker = l
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(em *metrics.EngineMetrics) Option {
	return func(m *Manager) { m.metrics = em }
}

// AuditRecorder stores activity entries for hold changes.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

func WithAudit(r AuditRecorder) Option {
	return func(m *Manager) { m.audit = r }
}

// WithRetry bounds local retries of transient store errors.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.retryAttempts = attempts
		}
		if baseDelay >= 0 {
			m.retryDelay = baseDelay
		}
	}
}

// Manager creates, renews, consumes and releases holds.
type Manager struct {
	store   Store
	catalog slots.Catalog
	locker  Locker
	clock   clock.Clock
	ttl     time.Duration
	logger  *logging.Logger
	metrics *metrics.EngineMetrics
	audit   AuditRecorder

	retryAttempts int
	retryDelay    time.Duration

	listenersMu sync.RWMutex
	listeners   []ReleaseListener
}

func NewManager(store Store, catalog slots.Catalog, opts ...Option) *Manager {
	if store == nil {
		panic("holds: store required")
	}
	if catalog == nil {
		panic("holds: slot catalog required")
	}
	m := &Manager{
		store:         store,
		catalog:       catalog,
		locker:        NewKeyedMutex(),
		clock:         clock.NewSystem(),
		ttl:           DefaultTTL,
		logger:        logging.Default(),
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured hold lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// OnRelease registers a listener fired after every successful release.
func (m *Manager) OnRelease(fn ReleaseListener) {
	if fn == nil {
		return
	}
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// Acquire grants holderID an exclusive hold on slotID. Exactly one of any
// number of concurrent callers for the same slot succeeds; the rest get
// ErrSlotUnavailable, as does the current holder (renewal goes through
// Renew).
func (m *Manager) Acquire(ctx context.Context, slotID, holderID string) (Hold, error) {
	ctx, span := holdsTracer.Start(ctx, "holds.acquire")
	defer span.End()
	slotID, holderID = strings.TrimSpace(slotID), strings.TrimSpace(holderID)
	span.SetAttributes(attribute.String("clinic.slot_id", slotID))

	hold, err := m.acquire(ctx, slotID, holderID)
	switch {
	case err == nil:
		m.metrics.ObserveAcquire("acquired")
		m.logger.Info("hold acquired", "hold_id", hold.ID, "slot_id", slotID, "holder_id", holderID, "expires_at", hold.ExpiresAt)
		m.record(ctx, audit.ActionHoldAcquired, hold)
	case errors.Is(err, ErrSlotUnavailable):
		m.metrics.ObserveAcquire("unavailable")
	default:
		m.metrics.ObserveAcquire("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return hold, err
}

func (m *Manager) acquire(ctx context.Context, slotID, holderID string) (Hold, error) {
	if slotID == "" || holderID == "" {
		return Hold{}, ErrInvalidRequest
	}
	slot, err := m.catalog.GetSlot(ctx, slotID)
	if err != nil {
		if apperr.IsClassified(err) {
			return Hold{}, err
		}
		return Hold{}, fmt.Errorf("%w: slot lookup: %w", ErrExternalFailure, err)
	}
	if slot.Capacity < 1 {
		return Hold{}, ErrSlotUnavailable
	}

	unlock, err := m.locker.Lock(ctx, lockKey(slotID))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Hold{}, ctxErr
		}
		return Hold{}, fmt.Errorf("%w: slot lock: %w", ErrExternalFailure, err)
	}

	var (
		hold   Hold
		lapsed []Hold
	)
	err = m.withRetry(ctx, "acquire", func() error {
		cur, err := m.store.ActiveForSlot(ctx, slotID)
		if err != nil {
			return err
		}
		now := m.clock.Now()
		if cur != nil {
			if cur.LiveAt(now) {
				return ErrSlotUnavailable
			}
			released, err := m.release(ctx, *cur, ReasonExpired)
			switch {
			case err == nil:
				lapsed = append(lapsed, released)
			case !errors.Is(err, ErrStaleHold):
				return err
			}
		}
		hold = Hold{
			ID:        uuid.NewString(),
			SlotID:    slotID,
			HolderID:  holderID,
			Status:    StatusActive,
			CreatedAt: now,
			ExpiresAt: now.Add(m.ttl),
			Version:   1,
		}
		return m.store.Insert(ctx, hold)
	})
	unlock()

	for _, h := range lapsed {
		m.fireReleased(ctx, h)
	}
	if err != nil {
		return Hold{}, err
	}
	return hold, nil
}

// Renew pushes the hold's expiry to now + TTL.
func (m *Manager) Renew(ctx context.Context, holdID, holderID string) (Hold, error) {
	ctx, span := holdsTracer.Start(ctx, "holds.renew")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.hold_id", holdID))

	var (
		out    Hold
		lapsed *Hold
	)
	err := m.withRetry(ctx, "renew", func() error {
		h, err := m.store.Get(ctx, holdID)
		if err != nil {
			return err
		}
		if h.HolderID != holderID {
			return ErrNotHolder
		}
		if err := terminalError(h); err != nil {
			return err
		}
		now := m.clock.Now()
		if !h.LiveAt(now) {
			if released, err := m.release(ctx, h, ReasonExpired); err == nil {
				lapsed = &released
			}
			return ErrHoldExpired
		}
		next := h
		next.ExpiresAt = now.Add(m.ttl)
		next.Version++
		if err := m.store.Update(ctx, next, h.Version); err != nil {
			return err
		}
		out = next
		return nil
	})
	if lapsed != nil {
		m.fireReleased(ctx, *lapsed)
	}
	if err != nil {
		span.RecordError(err)
		return Hold{}, err
	}
	m.logger.Info("hold renewed", "hold_id", holdID, "expires_at", out.ExpiresAt)
	m.record(ctx, audit.ActionHoldRenewed, out)
	return out, nil
}

// Release marks an active hold released. Releasing a terminal hold is a
// no-op.
func (m *Manager) Release(ctx context.Context, holdID, reason string) error {
	ctx, span := holdsTracer.Start(ctx, "holds.release")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.hold_id", holdID), attribute.String("clinic.reason", reason))
	if reason == "" {
		reason = ReasonHolder
	}

	var released *Hold
	err := m.withRetry(ctx, "release", func() error {
		h, err := m.store.Get(ctx, holdID)
		if err != nil {
			return err
		}
		if h.Terminal() {
			return nil
		}
		next, err := m.release(ctx, h, reason)
		if errors.Is(err, ErrStaleHold) {
			// Lost to a concurrent transition; the re-read decides.
			cur, getErr := m.store.Get(ctx, holdID)
			if getErr == nil && cur.Terminal() {
				return nil
			}
			return err
		}
		if err != nil {
			return err
		}
		released = &next
		return nil
	})
	if released != nil {
		m.fireReleased(ctx, *released)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Consume marks the hold consumed by bookingID. Consuming a hold this
// booking already consumed is a no-op; a hold consumed by any other booking
// fails with ErrHoldNotActive. It fails with ErrHoldExpired once the expiry
// has passed, even if no sweep ran yet.
func (m *Manager) Consume(ctx context.Context, holdID, bookingID string) error {
	ctx, span := holdsTracer.Start(ctx, "holds.consume")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.hold_id", holdID), attribute.String("clinic.booking_id", bookingID))
	if bookingID == "" {
		return ErrInvalidRequest
	}

	var (
		lapsed   *Hold
		consumed Hold
		replay   bool
	)
	err := m.withRetry(ctx, "consume", func() error {
		h, err := m.store.Get(ctx, holdID)
		if err != nil {
			return err
		}
		if h.Status == StatusConsumed && h.ConsumedBy == bookingID {
			replay = true
			return nil
		}
		if err := terminalError(h); err != nil {
			return err
		}
		now := m.clock.Now()
		if !h.LiveAt(now) {
			if released, err := m.release(ctx, h, ReasonExpired); err == nil {
				lapsed = &released
			}
			return ErrHoldExpired
		}
		next := h
		next.Status = StatusConsumed
		next.ConsumedAt = &now
		next.ConsumedBy = bookingID
		next.Version++
		if err := m.store.Update(ctx, next, h.Version); err != nil {
			return err
		}
		consumed = next
		return nil
	})
	if lapsed != nil {
		m.fireReleased(ctx, *lapsed)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	if replay {
		return nil
	}
	m.logger.Info("hold consumed", "hold_id", holdID, "booking_id", bookingID)
	m.record(ctx, audit.ActionHoldConsumed, consumed)
	return nil
}

// ReleaseConsumed gives back a hold that bookingID consumed but never
// confirmed against, freeing the slot. It is a no-op unless the hold is
// currently consumed by bookingID.
func (m *Manager) ReleaseConsumed(ctx context.Context, holdID, bookingID, reason string) error {
	ctx, span := holdsTracer.Start(ctx, "holds.release_consumed")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.hold_id", holdID), attribute.String("clinic.booking_id", bookingID))
	if reason == "" {
		reason = ReasonRollback
	}

	var released *Hold
	err := m.withRetry(ctx, "release_consumed", func() error {
		h, err := m.store.Get(ctx, holdID)
		if err != nil {
			return err
		}
		if h.Status != StatusConsumed || h.ConsumedBy != bookingID || bookingID == "" {
			return nil
		}
		now := m.clock.Now()
		next := h
		next.Status = StatusReleased
		next.ReleasedAt = &now
		next.ReleaseReason = reason
		next.Version++
		if err := m.store.UpdateConsumed(ctx, next, h.Version); err != nil {
			if errors.Is(err, ErrStaleHold) {
				// Another caller gave it back first.
				return nil
			}
			return err
		}
		released = &next
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if released != nil {
		m.metrics.ObserveRelease(reason)
		m.logger.Info("consumed hold released", "hold_id", holdID, "slot_id", released.SlotID, "booking_id", bookingID, "reason", reason)
		m.fireReleased(ctx, *released)
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, holdID string) (Hold, error) {
	h, err := m.store.Get(ctx, holdID)
	if err != nil {
		if apperr.IsClassified(err) {
			return Hold{}, err
		}
		return Hold{}, fmt.Errorf("%w: %w", ErrExternalFailure, err)
	}
	return h, nil
}

// ExpireDue releases up to limit active holds whose expiry is at or before
// now. Holds that changed concurrently (typically consumed) are skipped.
// scanned is the number of due holds examined, so a caller paging through a
// backlog keeps going while scanned equals limit.
func (m *Manager) ExpireDue(ctx context.Context, now time.Time, limit int) (released []Hold, scanned int, err error) {
	ctx, span := holdsTracer.Start(ctx, "holds.expire_due")
	defer span.End()

	due, err := m.store.ListExpired(ctx, now, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list expired: %w", ErrExternalFailure, err)
	}
	var errs []error
	for _, h := range due {
		next, err := m.release(ctx, h, ReasonExpired)
		if errors.Is(err, ErrStaleHold) {
			m.logger.Debug("expiry lost race", "hold_id", h.ID)
			continue
		}
		if err != nil {
			m.logger.Warn("expire hold failed", "hold_id", h.ID, "error", err)
			errs = append(errs, fmt.Errorf("holds: expire %s: %w", h.ID, err))
			continue
		}
		m.fireReleased(ctx, next)
		released = append(released, next)
	}
	span.SetAttributes(attribute.Int("clinic.released", len(released)), attribute.Int("clinic.scanned", len(due)))
	return released, len(due), errors.Join(errs...)
}

// VerifySlot checks that slotID has at most one active hold. A violation is
// reported and returned but never corrected.
func (m *Manager) VerifySlot(ctx context.Context, slotID string) (int, error) {
	n, err := m.store.CountActiveForSlot(ctx, slotID)
	if err != nil {
		return 0, fmt.Errorf("%w: count active: %w", ErrExternalFailure, err)
	}
	if n > 1 {
		m.reportViolation(slotID, n)
		return n, fmt.Errorf("%w: slot %s has %d active holds", ErrInvariantViolation, slotID, n)
	}
	return n, nil
}

// CheckInvariants scans the store for any slot with more than one active
// hold and reports each.
func (m *Manager) CheckInvariants(ctx context.Context) ([]string, error) {
	dupes, err := m.store.DuplicateActiveSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: duplicate scan: %w", ErrExternalFailure, err)
	}
	for _, slotID := range dupes {
		m.reportViolation(slotID, -1)
	}
	if len(dupes) > 0 {
		return dupes, fmt.Errorf("%w: %d slots affected", ErrInvariantViolation, len(dupes))
	}
	return nil, nil
}

func (m *Manager) reportViolation(slotID string, active int) {
	m.metrics.ObserveInvariantViolation()
	m.logger.Error("hold exclusivity violated", "alert", "oncall", "slot_id", slotID, "active_holds", active)
}

// release performs the conditional active -> released update.
func (m *Manager) release(ctx context.Context, h Hold, reason string) (Hold, error) {
	now := m.clock.Now()
	next := h
	next.Status = StatusReleased
	next.ReleasedAt = &now
	next.ReleaseReason = reason
	next.Version++
	if err := m.store.Update(ctx, next, h.Version); err != nil {
		return Hold{}, err
	}
	m.metrics.ObserveRelease(reason)
	m.logger.Info("hold released", "hold_id", h.ID, "slot_id", h.SlotID, "reason", reason)
	return next, nil
}

func (m *Manager) fireReleased(ctx context.Context, h Hold) {
	m.record(ctx, audit.ActionHoldReleased, h)
	m.listenersMu.RLock()
	listeners := append([]ReleaseListener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		if err := fn(ctx, h); err != nil {
			m.logger.Warn("hold release listener failed", "hold_id", h.ID, "error", err)
		}
	}
}

func (m *Manager) record(ctx context.Context, action string, h Hold) {
	if m.audit == nil {
		return
	}
	meta := map[string]any{"status": string(h.Status)}
	if h.SlotID != "" {
		meta["slot_id"] = h.SlotID
	}
	if h.ReleaseReason != "" {
		meta["reason"] = h.ReleaseReason
	}
	if h.ConsumedBy != "" {
		meta["booking_id"] = h.ConsumedBy
	}
	if !h.ExpiresAt.IsZero() {
		meta["expires_at"] = h.ExpiresAt
	}
	if err := m.audit.Record(ctx, audit.Entry{
		ActorID:    h.HolderID,
		Action:     action,
		TargetType: "hold",
		TargetID:   h.ID,
		Metadata:   meta,
	}); err != nil {
		m.logger.Warn("audit record failed", "action", action, "hold_id", h.ID, "error", err)
	}
}

// withRetry retries unclassified store errors with exponential backoff and
// surfaces ErrExternalFailure once attempts run out.
func (m *Manager) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := m.retryDelay
	var err error
	for attempt := 1; attempt <= m.retryAttempts; attempt++ {
		err = fn()
		if err == nil || apperr.IsClassified(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("hold store call failed", "op", op, "attempt", attempt, "error", err)
		if attempt == m.retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %s: %w", ErrExternalFailure, op, err)
}

func terminalError(h Hold) error {
	switch {
	case h.Status == StatusReleased && h.ReleaseReason == ReasonExpired:
		return ErrHoldExpired
	case h.Terminal():
		return ErrHoldNotActive
	}
	return nil
}

func lockKey(slotID string) string {
	return "hold:slot:" + slotID
}
