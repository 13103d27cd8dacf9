package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/clinic-slot-engine/internal/payments"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

const (
	defaultConsumerCount = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeout        = 5 * time.Second
)

// Consumer reads payment outcomes from the queue and applies them. A
// message is deleted once applied or found malformed; failures are left for
// redelivery.
type Consumer struct {
	queue   queueClient
	applier payments.OutcomeApplier
	logger  *logging.Logger

	workers     int
	waitSeconds int
	batchSize   int
	wg          sync.WaitGroup
}

func NewConsumer(queue queueClient, applier payments.OutcomeApplier, logger *logging.Logger) *Consumer {
	if queue == nil {
		panic("reconcile: queue cannot be nil")
	}
	if applier == nil {
		panic("reconcile: applier cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Consumer{
		queue:       queue,
		applier:     applier,
		logger:      logger,
		workers:     defaultConsumerCount,
		waitSeconds: defaultWaitSeconds,
		batchSize:   defaultBatchSize,
	}
}

// WithWorkers sets the number of concurrent receive loops.
func (c *Consumer) WithWorkers(n int) *Consumer {
	if n > 0 {
		c.workers = n
	}
	return c
}

// WithReceiveWaitSeconds sets the long-poll wait duration.
func (c *Consumer) WithReceiveWaitSeconds(seconds int) *Consumer {
	if seconds < 0 {
		return c
	}
	if seconds > maxWaitSeconds {
		seconds = maxWaitSeconds
	}
	c.waitSeconds = seconds
	return c
}

// WithBatchSize sets how many messages to fetch per poll.
func (c *Consumer) WithBatchSize(size int) *Consumer {
	if size <= 0 {
		return c
	}
	if size > maxReceiveBatchSize {
		size = maxReceiveBatchSize
	}
	c.batchSize = size
	return c
}

// Start launches consumer goroutines until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.run(ctx, i+1)
	}
}

// Wait blocks until all consumer goroutines exit.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context, workerID int) {
	defer c.wg.Done()
	c.logger.Debug("reconcile consumer started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("reconcile consumer stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := c.queue.Receive(ctx, c.batchSize, c.waitSeconds)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("failed to receive payment outcomes", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			c.handleMessage(ctx, msg)
		}
	}
}

// handleMessage applies one queued outcome and reports whether it was
// acknowledged.
func (c *Consumer) handleMessage(ctx context.Context, msg queueMessage) bool {
	evt, err := DecodeOutcome([]byte(msg.Body))
	if err != nil {
		c.logger.Error("dropping malformed payment outcome", "error", err, "msg_id", msg.ID)
		c.deleteMessage(ctx, msg.ReceiptHandle)
		return true
	}
	if err := c.applier.ApplyPaymentResult(ctx, evt.BookingID, OutcomeOf(evt), EventKey(evt)); err != nil {
		if errors.Is(err, ErrInvalidOutcome) {
			c.deleteMessage(ctx, msg.ReceiptHandle)
			return true
		}
		c.logger.Warn("payment outcome not applied, leaving for redelivery",
			"error", err,
			"booking_id", evt.BookingID,
			"event_id", evt.EventID,
		)
		return false
	}
	c.deleteMessage(ctx, msg.ReceiptHandle)
	return true
}

func (c *Consumer) deleteMessage(ctx context.Context, receiptHandle string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()
	if err := c.queue.Delete(ctx, receiptHandle); err != nil {
		c.logger.Error("failed to delete payment outcome message", "error", err)
	}
}
