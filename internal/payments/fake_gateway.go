package payments

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// FakeGateway is a deterministic in-process provider for local runs and
// tests. Charges succeed unless scripted otherwise, and repeat charges with
// the same idempotency key return the first result.
//
// This MUST be gated by configuration (ALLOW_FAKE_PAYMENTS) and never be
// enabled in production.
type FakeGateway struct {
	mu       sync.Mutex
	logger   *logging.Logger
	delay    time.Duration
	scripted map[string]ChargeResult
	errs     map[string]error
	byKey    map[string]ChargeResult
	charges  []ChargeRequest
	refunds  []RefundRequest
}

func NewFakeGateway(logger *logging.Logger) *FakeGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &FakeGateway{
		logger:   logger,
		scripted: make(map[string]ChargeResult),
		errs:     make(map[string]error),
		byKey:    make(map[string]ChargeResult),
	}
}

// WithDelay makes every charge block for d or until ctx is done.
func (g *FakeGateway) WithDelay(d time.Duration) *FakeGateway {
	g.mu.Lock()
	g.delay = d
	g.mu.Unlock()
	return g
}

// Script fixes the result of the next charges for bookingID.
func (g *FakeGateway) Script(bookingID string, result ChargeResult) {
	g.mu.Lock()
	g.scripted[bookingID] = result
	g.mu.Unlock()
}

// FailWith makes charges for bookingID return err.
func (g *FakeGateway) FailWith(bookingID string, err error) {
	g.mu.Lock()
	g.errs[bookingID] = err
	g.mu.Unlock()
}

func (g *FakeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := req.Validate(); err != nil {
		return ChargeResult{}, err
	}
	g.mu.Lock()
	delay := g.delay
	g.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ChargeResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, req)
	if err, ok := g.errs[req.BookingID]; ok {
		return ChargeResult{}, err
	}
	if req.IdempotencyKey != "" {
		if prior, ok := g.byKey[req.IdempotencyKey]; ok {
			return prior, nil
		}
	}
	result, ok := g.scripted[req.BookingID]
	if !ok {
		result = ChargeResult{Status: ChargeSucceeded}
	}
	if result.Status != ChargeFailed && result.TransactionRef == "" {
		result.TransactionRef = "fake_txn_" + uuid.NewString()
	}
	if req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = result
	}
	g.logger.Debug("fake charge", "booking_id", req.BookingID, "status", result.Status, "transaction_ref", result.TransactionRef)
	return result, nil
}

func (g *FakeGateway) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, req)
	return RefundResult{Succeeded: true, RefundRef: "fake_refund_" + req.TransactionRef}, nil
}

// Charges returns every charge request received.
func (g *FakeGateway) Charges() []ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ChargeRequest(nil), g.charges...)
}

// Refunds returns every refund request received.
func (g *FakeGateway) Refunds() []RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]RefundRequest(nil), g.refunds...)
}
