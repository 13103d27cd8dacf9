package payments

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// RetryingGateway retries calls that failed with ErrGatewayUnavailable.
// Charges carry an idempotency key, so a retry after a lost response cannot
// double charge.
type RetryingGateway struct {
	next        Gateway
	logger      *logging.Logger
	maxAttempts int
	baseDelay   time.Duration
}

func NewRetryingGateway(next Gateway, logger *logging.Logger) *RetryingGateway {
	if next == nil {
		panic("payments: gateway required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RetryingGateway{next: next, logger: logger, maxAttempts: 3, baseDelay: 200 * time.Millisecond}
}

func (g *RetryingGateway) WithMaxAttempts(n int) *RetryingGateway {
	if n > 0 {
		g.maxAttempts = n
	}
	return g
}

func (g *RetryingGateway) WithBaseDelay(d time.Duration) *RetryingGateway {
	if d >= 0 {
		g.baseDelay = d
	}
	return g
}

func (g *RetryingGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var result ChargeResult
	err := g.retry(ctx, "charge", func() error {
		var err error
		result, err = g.next.Charge(ctx, req)
		return err
	})
	return result, err
}

func (g *RetryingGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	var result RefundResult
	err := g.retry(ctx, "refund", func() error {
		var err error
		result, err = g.next.Refund(ctx, req)
		return err
	})
	return result, err
}

func (g *RetryingGateway) retry(ctx context.Context, op string, fn func() error) error {
	delay := g.baseDelay
	var err error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, ErrGatewayUnavailable) {
			return err
		}
		g.logger.Warn("payment provider call failed", "op", op, "attempt", attempt, "error", err)
		if attempt == g.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
