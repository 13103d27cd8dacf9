package bookings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-slot-engine/internal/apperr"
	"github.com/wolfman30/clinic-slot-engine/internal/audit"
	"github.com/wolfman30/clinic-slot-engine/internal/clock"
	"github.com/wolfman30/clinic-slot-engine/internal/holds"
	"github.com/wolfman30/clinic-slot-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-slot-engine/internal/payments"
	"github.com/wolfman30/clinic-slot-engine/internal/slots"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

var bookingsTracer = otel.Tracer("clinic.internal.bookings")

const (
	maxMutateAttempts = 5

	DefaultPaymentTimeout    = 15 * time.Second
	DefaultPendingPaymentTTL = 30 * time.Minute
	DefaultIdleBookingTTL    = 30 * time.Minute

	systemActor = "system"
)

// errNoChange lets a mutation bail out without writing.
var errNoChange = errors.New("bookings: no change")

// HoldManager is the subset of the hold manager the state machine drives.
type HoldManager interface {
	Get(ctx context.Context, holdID string) (holds.Hold, error)
	Consume(ctx context.Context, holdID, bookingID string) error
	Release(ctx context.Context, holdID, reason string) error
	ReleaseConsumed(ctx context.Context, holdID, bookingID, reason string) error
}

// Notifier delivers best-effort patient notifications.
type Notifier interface {
	Notify(ctx context.Context, recipientID, event string, payload map[string]any) error
}

// AuditRecorder stores activity entries.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// VelocityChecker rate limits payment submissions per patient.
type VelocityChecker interface {
	CheckCharge(ctx context.Context, patientID string) (*payments.VelocityResult, error)
}

// Options wires the service's collaborators. Only Gateway is required for
// SubmitPayment; everything else is optional.
type Options struct {
	Gateway  payments.Gateway
	Refunds  payments.RefundQueue
	Velocity VelocityChecker
	Notifier Notifier
	Audit    AuditRecorder
	Hub      *Hub
	Clock    clock.Clock
	Logger   *logging.Logger
	Metrics  *metrics.EngineMetrics

	PaymentTimeout    time.Duration
	PendingPaymentTTL time.Duration
	// IdleBookingTTL bounds how long a draft, or a held booking whose hold
	// is gone, may sit before ExpireAbandoned closes it.
	IdleBookingTTL  time.Duration
	DefaultCurrency string
}

// Service is the booking state machine.
type Service struct {
	store   Store
	holds   HoldManager
	catalog slots.Catalog

	gateway  payments.Gateway
	refunds  payments.RefundQueue
	velocity VelocityChecker
	notifier Notifier
	audit    AuditRecorder
	hub      *Hub
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.EngineMetrics
	applier  payments.OutcomeApplier

	paymentTimeout    time.Duration
	pendingPaymentTTL time.Duration
	idleBookingTTL    time.Duration
	defaultCurrency   string
}

func NewService(store Store, holdMgr HoldManager, catalog slots.Catalog, opts Options) *Service {
	if store == nil {
		panic("bookings: store required")
	}
	if holdMgr == nil {
		panic("bookings: hold manager required")
	}
	if catalog == nil {
		panic("bookings: catalog required")
	}
	s := &Service{
		store:             store,
		holds:             holdMgr,
		catalog:           catalog,
		gateway:           opts.Gateway,
		refunds:           opts.Refunds,
		velocity:          opts.Velocity,
		notifier:          opts.Notifier,
		audit:             opts.Audit,
		hub:               opts.Hub,
		clock:             opts.Clock,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		paymentTimeout:    opts.PaymentTimeout,
		pendingPaymentTTL: opts.PendingPaymentTTL,
		idleBookingTTL:    opts.IdleBookingTTL,
		defaultCurrency:   strings.ToUpper(strings.TrimSpace(opts.DefaultCurrency)),
	}
	if s.hub == nil {
		s.hub = NewHub()
	}
	if s.clock == nil {
		s.clock = clock.NewSystem()
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	if s.paymentTimeout <= 0 {
		s.paymentTimeout = DefaultPaymentTimeout
	}
	if s.pendingPaymentTTL <= 0 {
		s.pendingPaymentTTL = DefaultPendingPaymentTTL
	}
	if s.idleBookingTTL <= 0 {
		s.idleBookingTTL = DefaultIdleBookingTTL
	}
	if s.defaultCurrency == "" {
		s.defaultCurrency = "USD"
	}
	return s
}

// SetOutcomeApplier routes synchronous charge results through the
// reconciliation handler so they share its idempotency keys.
func (s *Service) SetOutcomeApplier(a payments.OutcomeApplier) {
	s.applier = a
}

// Hub returns the status watch hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

// ChargeKey is the idempotency key of the synchronous charge for bookingID.
func ChargeKey(bookingID string) string {
	return "charge:" + bookingID
}

func (s *Service) Get(ctx context.Context, id string) (Booking, error) {
	b, err := s.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return Booking{}, storeErr(err)
	}
	return b, nil
}

// Start creates a draft booking with a snapshot of the slot. When in.HoldID
// is set the hold is attached straight away.
func (s *Service) Start(ctx context.Context, in StartInput) (Booking, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.start")
	defer span.End()

	if err := in.normalize(s.defaultCurrency); err != nil {
		return Booking{}, err
	}
	span.SetAttributes(attribute.String("clinic.slot_id", in.SlotID))

	slot, err := s.catalog.GetSlot(ctx, in.SlotID)
	if err != nil {
		if apperr.IsClassified(err) {
			return Booking{}, err
		}
		return Booking{}, fmt.Errorf("%w: load slot: %w", ErrStoreUnavailable, err)
	}

	now := s.clock.Now()
	b := Booking{
		ID:           uuid.NewString(),
		PatientID:    in.PatientID,
		SpecialistID: slot.SpecialistID,
		Slot:         slot,
		Consultation: in.Consultation,
		AmountCents:  in.AmountCents,
		Currency:     in.Currency,
		Status:       StatusDraft,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Insert(ctx, b); err != nil {
		return Booking{}, storeErr(err)
	}
	s.afterTransition(ctx, in.PatientID, Booking{}, b)
	span.SetAttributes(attribute.String("clinic.booking_id", b.ID))

	if in.HoldID == "" {
		return b, nil
	}
	return s.AttachHold(ctx, b.ID, in.HoldID)
}

// AttachHold moves a draft booking to held. The hold must be live, on the
// booking's slot, owned by the booking's patient and not attached to another
// open booking. The store enforces the last rule on write, so two drafts
// racing for one hold cannot both attach it.
func (s *Service) AttachHold(ctx context.Context, bookingID, holdID string) (Booking, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.attach_hold")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.booking_id", bookingID), attribute.String("clinic.hold_id", holdID))

	holdID = strings.TrimSpace(holdID)
	if holdID == "" {
		return Booking{}, ErrInvalidInput
	}
	b, err := s.Get(ctx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	if b.Status != StatusDraft {
		if b.Status == StatusHeld && b.HoldID == holdID {
			return b, nil
		}
		return b, ErrInvalidTransition
	}

	h, err := s.holds.Get(ctx, holdID)
	if errors.Is(err, holds.ErrHoldNotFound) {
		return b, fmt.Errorf("%w: %w", ErrHoldInvalid, err)
	}
	if err != nil {
		return b, err
	}
	now := s.clock.Now()
	if !h.LiveAt(now) || h.SlotID != b.Slot.ID || h.HolderID != b.PatientID {
		return b, ErrHoldInvalid
	}
	others, err := s.store.ListByHold(ctx, holdID)
	if err != nil {
		return b, storeErr(err)
	}
	for _, o := range others {
		if o.ID != b.ID && !o.Status.Terminal() {
			return b, ErrHoldInvalid
		}
	}

	return s.mutate(ctx, b.ID, b.PatientID, func(next *Booking) error {
		if next.Status == StatusHeld && next.HoldID == holdID {
			return errNoChange
		}
		if err := next.moveTo(StatusHeld, now); err != nil {
			return err
		}
		next.HoldID = holdID
		return nil
	})
}

// BeginPayment moves a held booking to pending_payment after re-checking its
// hold. A lapsed hold expires the booking, releases the hold and returns
// holds.ErrHoldExpired.
func (s *Service) BeginPayment(ctx context.Context, bookingID string) (Booking, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.begin_payment")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.booking_id", bookingID))

	b, err := s.Get(ctx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	switch b.Status {
	case StatusPendingPayment:
		return b, nil
	case StatusHeld:
	default:
		return b, ErrInvalidTransition
	}

	now := s.clock.Now()
	h, err := s.holds.Get(ctx, b.HoldID)
	if err != nil && !errors.Is(err, holds.ErrHoldNotFound) {
		return b, err
	}
	if err != nil || !h.LiveAt(now) {
		expired, mErr := s.mutate(ctx, b.ID, systemActor, func(next *Booking) error {
			return next.moveTo(StatusExpired, now)
		})
		if mErr != nil && !errors.Is(mErr, ErrInvalidTransition) {
			return expired, mErr
		}
		s.releaseHold(ctx, b.ID, b.HoldID, holds.ReasonExpired)
		return expired, holds.ErrHoldExpired
	}

	return s.mutate(ctx, b.ID, b.PatientID, func(next *Booking) error {
		if next.Status == StatusPendingPayment {
			return errNoChange
		}
		return next.moveTo(StatusPendingPayment, now)
	})
}

// SubmitPayment begins payment and charges the patient within the payment
// timeout. Declines and timeouts leave the booking failed and return it with
// a nil error; only the hold check and velocity limit surface as errors.
func (s *Service) SubmitPayment(ctx context.Context, bookingID string) (Booking, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.submit_payment")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.booking_id", bookingID))

	if s.gateway == nil {
		return Booking{}, fmt.Errorf("%w: no payment gateway configured", payments.ErrGatewayUnavailable)
	}
	b, err := s.Get(ctx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	if b.Status == StatusHeld && s.velocity != nil {
		res, err := s.velocity.CheckCharge(ctx, b.PatientID)
		switch {
		case err != nil:
			// Fail open; the charge still carries its idempotency key.
			s.logger.Warn("velocity check failed", "booking_id", b.ID, "patient_id", b.PatientID, "error", err)
		case !res.Allowed:
			return b, fmt.Errorf("%w: %s", payments.ErrVelocityExceeded, res.Message)
		}
	}
	if b, err = s.BeginPayment(ctx, bookingID); err != nil {
		return b, err
	}

	// The charge and its outcome outlive a disconnecting client.
	payCtx := context.WithoutCancel(ctx)
	chargeCtx, cancel := context.WithTimeout(payCtx, s.paymentTimeout)
	started := time.Now()
	res, err := s.gateway.Charge(chargeCtx, payments.ChargeRequest{
		BookingID:      b.ID,
		AmountCents:    b.AmountCents,
		Currency:       b.Currency,
		IdempotencyKey: ChargeKey(b.ID),
	})
	timedOut := errors.Is(chargeCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		reason := FailurePaymentError
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			reason = FailurePaymentTimeout
		}
		s.metrics.ObservePaymentLatency("error", time.Since(started).Seconds())
		span.RecordError(err)
		s.logger.Warn("charge failed", "booking_id", b.ID, "reason", reason, "error", err)
		failed, fErr := s.failPayment(payCtx, b.ID, reason, err.Error())
		if fErr != nil {
			return failed, fErr
		}
		return failed, nil
	}
	s.metrics.ObservePaymentLatency(string(res.Status), time.Since(started).Seconds())

	var outcome payments.Outcome
	switch res.Status {
	case payments.ChargeSucceeded:
		outcome = payments.Outcome{Kind: payments.OutcomePaymentSucceeded, TransactionRef: res.TransactionRef}
	case payments.ChargeFailed:
		outcome = payments.Outcome{Kind: payments.OutcomePaymentFailed, TransactionRef: res.TransactionRef, Reason: res.Reason}
	default:
		s.logger.Info("charge pending, awaiting reconciliation", "booking_id", b.ID, "transaction_ref", res.TransactionRef)
		return s.Get(ctx, b.ID)
	}

	if s.applier != nil {
		err = s.applier.ApplyPaymentResult(payCtx, b.ID, outcome, ChargeKey(b.ID))
	} else {
		err = s.ApplyOutcome(payCtx, b.ID, outcome)
	}
	if err != nil {
		return b, err
	}
	return s.Get(payCtx, b.ID)
}

// ApplyOutcome applies one payment or refund result to the booking.
// Idempotency across replays is the caller's concern; each branch is
// itself safe to repeat.
func (s *Service) ApplyOutcome(ctx context.Context, bookingID string, o payments.Outcome) error {
	var err error
	switch o.Kind {
	case payments.OutcomePaymentSucceeded:
		_, err = s.Confirm(ctx, bookingID, o.TransactionRef)
	case payments.OutcomePaymentFailed:
		_, err = s.failPayment(ctx, bookingID, FailurePaymentError, o.Reason)
	case payments.OutcomeRefundSucceeded:
		_, err = s.RecordRefund(ctx, bookingID, o.TransactionRef, true, o.Reason)
	case payments.OutcomeRefundFailed:
		_, err = s.RecordRefund(ctx, bookingID, o.TransactionRef, false, o.Reason)
	default:
		err = fmt.Errorf("%w: unknown outcome kind %q", ErrInvalidInput, o.Kind)
	}
	return err
}

// Confirm applies a successful payment. The hold is consumed on behalf of
// this booking before the booking is confirmed; a hold that can no longer be
// consumed fails the booking with HoldExpiredDuringPayment and queues a
// refund. If the booking closes between the consume and the confirm write,
// the consumed hold is given back and the payment refunded. Payments for
// bookings that are already terminal are refunded.
func (s *Service) Confirm(ctx context.Context, bookingID, transactionRef string) (Booking, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.confirm")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.booking_id", bookingID), attribute.String("clinic.transaction_ref", transactionRef))

	ref := strings.TrimSpace(transactionRef)
	if ref == "" {
		return Booking{}, fmt.Errorf("%w: transaction ref required", ErrInvalidInput)
	}
	b, err := s.Get(ctx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	switch {
	case b.Status == StatusConfirmed && b.PaymentRef == ref:
		return b, nil
	case b.Status.Terminal():
		return s.refundLatePayment(ctx, b, ref)
	case b.Status != StatusPendingPayment:
		return b, ErrInvalidTransition
	}

	holdErr := s.consumeHold(ctx, b)
	if holdErr != nil && !holdLost(holdErr) {
		span.RecordError(holdErr)
		return b, holdErr
	}

	now := s.clock.Now()
	queueRefund := false
	updated, err := s.mutate(ctx, b.ID, systemActor, func(next *Booking) error {
		queueRefund = false
		if next.Status == StatusConfirmed && next.PaymentRef == ref {
			return errNoChange
		}
		if holdErr == nil {
			if err := next.moveTo(StatusConfirmed, now); err != nil {
				return err
			}
			next.PaymentRef = ref
			return nil
		}
		if err := next.moveTo(StatusFailed, now); err != nil {
			return err
		}
		next.PaymentRef = ref
		next.FailureReason = FailureHoldExpiredDuringPayment
		next.RefundState = RefundQueued
		queueRefund = true
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		// Cancelled or failed while the hold was being consumed.
		cur, getErr := s.Get(ctx, b.ID)
		if getErr != nil {
			return b, getErr
		}
		if cur.Status == StatusConfirmed && cur.PaymentRef == ref {
			return cur, nil
		}
		if holdErr == nil {
			s.releaseHold(ctx, cur.ID, cur.HoldID, holds.ReasonRollback)
		}
		return s.refundLatePayment(ctx, cur, ref)
	}
	if err != nil {
		return updated, err
	}
	if queueRefund {
		s.logger.Warn("payment arrived after hold lapsed", "booking_id", b.ID, "hold_id", b.HoldID, "transaction_ref", ref)
		if err := s.queueRefund(ctx, updated, ref, FailureHoldExpiredDuringPayment); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// FailPayment moves a booking awaiting payment to failed and releases its
// hold. Failing a terminal booking is a no-op.
func (s *Service) FailPayment(ctx context.Context, bookingID, reason string) (Booking, error) {
	return s.failPayment(ctx, bookingID, reason, "")
}

func (s *Service) failPayment(ctx context.Context, bookingID, reason, detail string) (Booking, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.fail_payment")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.booking_id", bookingID), attribute.String("clinic.reason", reason))

	if reason == "" {
		reason = FailurePaymentError
	}
	now := s.clock.Now()
	changed := false
	updated, err := s.mutate(ctx, bookingID, systemActor, func(next *Booking) error {
		changed = false
		if next.Status.Terminal() {
			return errNoChange
		}
		if next.Status != StatusPendingPayment && next.Status != StatusHeld {
			return ErrInvalidTransition
		}
		if err := next.moveTo(StatusFailed, now); err != nil {
			return err
		}
		next.FailureReason = reason
		next.FailureDetail = detail
		changed = true
		return nil
	})
	if err != nil {
		return updated, err
	}
	if changed {
		s.releaseHold(ctx, updated.ID, updated.HoldID, holds.ReasonRollback)
	}
	return updated, nil
}

// Cancel moves any non-terminal booking to cancelled and releases its hold.
func (s *Service) Cancel(ctx context.Context, bookingID, actorID string) (Booking, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.booking_id", bookingID))

	if strings.TrimSpace(actorID) == "" {
		actorID = systemActor
	}
	now := s.clock.Now()
	updated, err := s.mutate(ctx, bookingID, actorID, func(next *Booking) error {
		return next.moveTo(StatusCancelled, now)
	})
	if err != nil {
		return updated, err
	}
	s.releaseHold(ctx, updated.ID, updated.HoldID, holds.ReasonCancelled)
	return updated, nil
}

// ExpireForHold expires draft and held bookings that reference a released
// hold. It is registered as the hold manager's release listener.
func (s *Service) ExpireForHold(ctx context.Context, holdID string) (int, error) {
	bookings, err := s.store.ListByHold(ctx, holdID)
	if err != nil {
		return 0, storeErr(err)
	}
	now := s.clock.Now()
	expired := 0
	var errs []error
	for _, b := range bookings {
		if b.Status != StatusDraft && b.Status != StatusHeld {
			continue
		}
		moved := false
		_, err := s.mutate(ctx, b.ID, systemActor, func(next *Booking) error {
			moved = false
			if next.Status != StatusDraft && next.Status != StatusHeld {
				return errNoChange
			}
			moved = true
			return next.moveTo(StatusExpired, now)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("bookings: expire %s: %w", b.ID, err))
			continue
		}
		if moved {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

// OnHoldReleased adapts ExpireForHold to the hold manager's listener shape.
func (s *Service) OnHoldReleased(ctx context.Context, h holds.Hold) error {
	_, err := s.ExpireForHold(ctx, h.ID)
	return err
}

// FailStalePayments fails bookings that have waited longer than the pending
// payment TTL for a result, so every booking reaches a terminal state.
func (s *Service) FailStalePayments(ctx context.Context, now time.Time, limit int) (int, error) {
	stale, err := s.store.ListStalePending(ctx, now.Add(-s.pendingPaymentTTL), limit)
	if err != nil {
		return 0, storeErr(err)
	}
	failed := 0
	var errs []error
	for _, b := range stale {
		updated, err := s.failPayment(ctx, b.ID, FailurePaymentTimeout, "no payment result received")
		if err != nil {
			errs = append(errs, fmt.Errorf("bookings: fail stale %s: %w", b.ID, err))
			continue
		}
		if updated.Status == StatusFailed && updated.FailureReason == FailurePaymentTimeout {
			failed++
		}
	}
	return failed, errors.Join(errs...)
}

// ExpireAbandoned expires drafts idle for longer than the idle booking TTL
// and held bookings whose hold is no longer live. Held bookings normally
// follow their hold through the release listener; this pass catches the ones
// whose listener call failed. Every candidate is visited, so the pass pages
// through the store rather than stopping at limit.
func (s *Service) ExpireAbandoned(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.expire_abandoned")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}

	cutoff := now.Add(-s.idleBookingTTL)
	expired := 0
	var errs []error
	for _, status := range []Status{StatusDraft, StatusHeld} {
		var cursor IdleCursor
		for {
			page, err := s.store.ListIdle(ctx, status, cutoff, cursor, limit)
			if err != nil {
				errs = append(errs, storeErr(err))
				break
			}
			for _, b := range page {
				moved, err := s.expireAbandoned(ctx, b, now)
				if err != nil {
					errs = append(errs, fmt.Errorf("bookings: expire abandoned %s: %w", b.ID, err))
					continue
				}
				if moved {
					expired++
				}
			}
			if len(page) < limit {
				break
			}
			last := page[len(page)-1]
			cursor = IdleCursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
		}
	}
	span.SetAttributes(attribute.Int("clinic.expired", expired))
	return expired, errors.Join(errs...)
}

func (s *Service) expireAbandoned(ctx context.Context, b Booking, now time.Time) (bool, error) {
	if b.Status == StatusHeld {
		h, err := s.holds.Get(ctx, b.HoldID)
		if err != nil && !errors.Is(err, holds.ErrHoldNotFound) {
			return false, err
		}
		if err == nil && h.LiveAt(now) {
			return false, nil
		}
	}
	moved := false
	_, err := s.mutate(ctx, b.ID, systemActor, func(next *Booking) error {
		moved = false
		if next.Status != b.Status || next.Version != b.Version {
			return errNoChange
		}
		moved = true
		return next.moveTo(StatusExpired, now)
	})
	if err != nil || !moved {
		return false, err
	}
	s.logger.Info("abandoned booking expired", "booking_id", b.ID, "status", b.Status)
	s.releaseHold(ctx, b.ID, b.HoldID, holds.ReasonExpired)
	return true, nil
}

// RecordRefund stores the result of a queued refund.
func (s *Service) RecordRefund(ctx context.Context, bookingID, transactionRef string, succeeded bool, detail string) (Booking, error) {
	state := RefundDone
	if !succeeded {
		state = RefundRejected
	}
	updated, err := s.mutate(ctx, bookingID, systemActor, func(next *Booking) error {
		if next.RefundState == state {
			return errNoChange
		}
		if next.PaymentRef != "" && next.PaymentRef != transactionRef {
			// Refund of a duplicate charge on a confirmed booking.
			return errNoChange
		}
		next.RefundState = state
		if !succeeded && detail != "" {
			next.FailureDetail = detail
		}
		return nil
	})
	if err != nil {
		return updated, err
	}
	s.record(ctx, audit.Entry{
		ActorID:    systemActor,
		Action:     audit.ActionRefundCompleted,
		TargetType: "booking",
		TargetID:   bookingID,
		Metadata:   map[string]any{"transaction_ref": transactionRef, "succeeded": succeeded, "detail": detail},
	})
	return updated, nil
}

// Watch subscribes to status snapshots of bookingID.
func (s *Service) Watch(bookingID string) (<-chan Booking, func()) {
	return s.hub.Subscribe(bookingID)
}

// refundLatePayment handles a successful payment for a booking that is
// already terminal: the captured amount is queued for refund.
func (s *Service) refundLatePayment(ctx context.Context, b Booking, ref string) (Booking, error) {
	reason := b.FailureReason
	if reason == "" {
		reason = "late_payment_" + string(b.Status)
	}
	updated := b
	if b.Status != StatusConfirmed && (b.PaymentRef == "" || b.PaymentRef == ref) {
		var err error
		updated, err = s.mutate(ctx, b.ID, systemActor, func(next *Booking) error {
			if next.PaymentRef == ref && next.RefundState != RefundNone {
				return errNoChange
			}
			next.PaymentRef = ref
			next.RefundState = RefundQueued
			return nil
		})
		if err != nil {
			return updated, err
		}
	}
	s.logger.Warn("payment for closed booking, refunding", "booking_id", b.ID, "status", b.Status, "transaction_ref", ref)
	if err := s.queueRefund(ctx, updated, ref, reason); err != nil {
		return updated, err
	}
	return updated, nil
}

func (s *Service) queueRefund(ctx context.Context, b Booking, ref, reason string) error {
	if s.refunds == nil {
		s.logger.Error("refund owed but no refund queue configured", "alert", "oncall", "booking_id", b.ID, "transaction_ref", ref)
		return nil
	}
	queued, err := s.refunds.QueueRefund(ctx, payments.RefundRequest{
		TransactionRef: ref,
		BookingID:      b.ID,
		AmountCents:    b.AmountCents,
		Currency:       b.Currency,
		Reason:         reason,
	})
	if err != nil {
		return fmt.Errorf("bookings: queue refund: %w", err)
	}
	if !queued {
		return nil
	}
	s.metrics.ObserveRefundQueued()
	s.record(ctx, audit.Entry{
		ActorID:    systemActor,
		Action:     audit.ActionRefundQueued,
		TargetType: "booking",
		TargetID:   b.ID,
		Metadata:   map[string]any{"transaction_ref": ref, "reason": reason, "amount_cents": b.AmountCents},
	})
	return nil
}

// consumeHold consumes the booking's hold for this booking. The hold
// records its consumer, so a replayed confirm succeeds and any other booking
// sharing the hold id is refused.
func (s *Service) consumeHold(ctx context.Context, b Booking) error {
	if b.HoldID == "" {
		return holds.ErrHoldNotActive
	}
	return s.holds.Consume(ctx, b.HoldID, b.ID)
}

func holdLost(err error) bool {
	return errors.Is(err, holds.ErrHoldExpired) ||
		errors.Is(err, holds.ErrHoldNotActive) ||
		errors.Is(err, holds.ErrHoldNotFound)
}

// releaseHold gives back the hold of a booking that closed without
// confirming. The hold may still be active, or already consumed by this
// booking if a confirm raced the close.
func (s *Service) releaseHold(ctx context.Context, bookingID, holdID, reason string) {
	if holdID == "" {
		return
	}
	if err := s.holds.Release(ctx, holdID, reason); err != nil {
		// The sweeper releases it once the TTL passes.
		s.logger.Warn("release hold failed", "hold_id", holdID, "reason", reason, "error", err)
	}
	if err := s.holds.ReleaseConsumed(ctx, holdID, bookingID, reason); err != nil {
		s.logger.Error("release consumed hold failed", "alert", "oncall", "hold_id", holdID, "booking_id", bookingID, "error", err)
	}
}

// mutate runs a version-checked read-modify-write, retrying on concurrent
// modification. fn may return errNoChange to skip the write.
func (s *Service) mutate(ctx context.Context, id, actor string, fn func(*Booking) error) (Booking, error) {
	for attempt := 1; ; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return Booking{}, storeErr(err)
		}
		next := cur
		if err := fn(&next); err != nil {
			if errors.Is(err, errNoChange) {
				return cur, nil
			}
			return cur, err
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = s.clock.Now()

		err = s.store.Update(ctx, next, cur.Version)
		if err == nil {
			s.afterTransition(ctx, actor, cur, next)
			return next, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return cur, storeErr(err)
		}
		if attempt == maxMutateAttempts {
			return cur, err
		}
		s.logger.Debug("booking version conflict, retrying", "booking_id", id, "attempt", attempt)
	}
}

func (s *Service) afterTransition(ctx context.Context, actor string, prev, next Booking) {
	action := "booking.updated"
	if prev.Status != next.Status {
		from := string(prev.Status)
		if from == "" {
			from = "new"
		}
		action = audit.ActionBookingPrefix + string(next.Status)
		s.metrics.ObserveTransition(from, string(next.Status))
		s.logger.Info("booking transition",
			"booking_id", next.ID,
			"from", from,
			"to", next.Status,
			"version", next.Version,
		)
		if next.Status.Terminal() {
			s.notify(ctx, next)
		}
	}
	meta := map[string]any{"from": string(prev.Status), "to": string(next.Status), "version": next.Version}
	if next.FailureReason != "" {
		meta["failure_reason"] = next.FailureReason
	}
	if next.RefundState != RefundNone {
		meta["refund_state"] = string(next.RefundState)
	}
	s.record(ctx, audit.Entry{
		ActorID:    actor,
		Action:     action,
		TargetType: "booking",
		TargetID:   next.ID,
		Metadata:   meta,
	})
	s.hub.Publish(next)
}

func (s *Service) notify(ctx context.Context, b Booking) {
	if s.notifier == nil {
		return
	}
	payload := map[string]any{
		"booking_id":    b.ID,
		"slot_id":       b.Slot.ID,
		"specialist_id": b.SpecialistID,
		"starts_at":     b.Slot.StartsAt,
		"status":        string(b.Status),
	}
	if b.FailureReason != "" {
		payload["failure_reason"] = b.FailureReason
	}
	if err := s.notifier.Notify(ctx, b.PatientID, "booking."+string(b.Status), payload); err != nil {
		s.logger.Warn("booking notification failed", "booking_id", b.ID, "error", err)
	}
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Warn("audit record failed", "action", e.Action, "target_id", e.TargetID, "error", err)
	}
}

func storeErr(err error) error {
	if err == nil || apperr.IsClassified(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
