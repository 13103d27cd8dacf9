package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-slot-engine/internal/events"
	"github.com/wolfman30/clinic-slot-engine/internal/payments"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

type mockSQS struct {
	sent     []string
	deleted  []string
	messages []sqstypes.Message
	err      error
}

func (m *mockSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (m *mockSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	n := int(in.MaxNumberOfMessages)
	if n > len(m.messages) {
		n = len(m.messages)
	}
	out := m.messages[:n]
	m.messages = m.messages[n:]
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (m *mockSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueueRoundTrip(t *testing.T) {
	client := &mockSQS{}
	q := NewSQSQueue(client, "https://sqs.us-east-1.amazonaws.com/123/payment-outcomes")
	ctx := context.Background()

	require.NoError(t, NewPublisher(q).Publish(ctx, events.PaymentOutcomeV1{BookingID: "bk-1", Kind: string(payments.OutcomePaymentSucceeded), TransactionRef: "txn-1"}))
	require.Len(t, client.sent, 1)

	evt, err := DecodeOutcome([]byte(client.sent[0]))
	require.NoError(t, err)
	assert.NotEmpty(t, evt.EventID)
	assert.Equal(t, "bk-1", evt.BookingID)

	client.messages = []sqstypes.Message{
		{MessageId: aws.String("m-1"), Body: aws.String(client.sent[0]), ReceiptHandle: aws.String("rh-1")},
	}
	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "rh-1", msgs[0].ReceiptHandle)

	require.NoError(t, q.Delete(ctx, "rh-1"))
	require.NoError(t, q.Delete(ctx, ""))
	assert.Equal(t, []string{"rh-1"}, client.deleted)

	client.err = errors.New("service unavailable")
	assert.Error(t, q.Send(ctx, "{}"))
}

func TestDecodeOutcomeValidates(t *testing.T) {
	_, err := DecodeOutcome([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidOutcome)
	_, err = DecodeOutcome([]byte(`{"event_id":"e1","booking_id":"bk-1","kind":"chargeback"}`))
	assert.ErrorIs(t, err, ErrInvalidOutcome)
	evt, err := DecodeOutcome([]byte(`{"event_id":" e1 ","booking_id":"bk-1","kind":"payment_failed","reason":"card_declined"}`))
	require.NoError(t, err)
	assert.Equal(t, "e1", evt.EventID)
	assert.Equal(t, "event:e1", EventKey(evt))
	assert.Equal(t, "card_declined", OutcomeOf(evt).Reason)
}

func TestMemoryQueueRedeliversUnacknowledged(t *testing.T) {
	q := NewMemoryQueue(4).WithVisibilityTimeout(10 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "a"))

	first, err := q.Receive(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, q.Inflight())

	time.Sleep(20 * time.Millisecond)
	again, err := q.Receive(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)

	require.NoError(t, q.Delete(ctx, again[0].ReceiptHandle))
	assert.Zero(t, q.Inflight())
}

type scriptedApplier struct {
	err   error
	calls atomic.Int32
}

func (a *scriptedApplier) ApplyPaymentResult(context.Context, string, payments.Outcome, string) error {
	a.calls.Add(1)
	return a.err
}

func TestConsumerAcknowledgesAppliedAndMalformed(t *testing.T) {
	q := NewMemoryQueue(4)
	applier := &scriptedApplier{}
	c := NewConsumer(q, applier, logging.Discard())
	ctx := context.Background()

	body, err := encodeOutcome(events.PaymentOutcomeV1{EventID: "e1", BookingID: "bk-1", Kind: string(payments.OutcomePaymentSucceeded), TransactionRef: "txn"})
	require.NoError(t, err)

	assert.True(t, c.handleMessage(ctx, queueMessage{ID: "1", Body: body, ReceiptHandle: "rh-1"}))
	assert.True(t, c.handleMessage(ctx, queueMessage{ID: "2", Body: "garbage", ReceiptHandle: "rh-2"}))
	assert.EqualValues(t, 1, applier.calls.Load())

	applier.err = errors.New("db down")
	assert.False(t, c.handleMessage(ctx, queueMessage{ID: "3", Body: body, ReceiptHandle: "rh-3"}))
}

func TestConsumerRunsUntilCancelled(t *testing.T) {
	q := NewMemoryQueue(4)
	applier := &scriptedApplier{}
	c := NewConsumer(q, applier, logging.Discard()).WithWorkers(1).WithReceiveWaitSeconds(0)
	ctx, cancel := context.WithCancel(context.Background())

	body, err := encodeOutcome(events.PaymentOutcomeV1{EventID: "e1", BookingID: "bk-1", Kind: string(payments.OutcomePaymentFailed)})
	require.NoError(t, err)
	require.NoError(t, q.Send(ctx, body))

	c.Start(ctx)
	require.Eventually(t, func() bool { return q.Inflight() == 0 && len(q.ch) == 0 && applier.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	c.Wait()
}

func TestSignature(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	header := Sign("whsec", body)
	assert.True(t, VerifySignature("whsec", body, header))
	assert.False(t, VerifySignature("other", body, header))
	assert.False(t, VerifySignature("whsec", []byte(`{}`), header))
	assert.False(t, VerifySignature("whsec", body, "deadbeef"))
	assert.False(t, VerifySignature("", body, header))
}
