package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/store/sqlite"
)

type ackRecorder struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// failingStore fails every usage log insert.
type failingStore struct {
	*sqlite.Store
}

func (failingStore) InsertUsageLog(context.Context, credits.UsageLog) error {
	return errors.New("database is locked")
}

func newTestConsumer(t *testing.T, store credits.Store) *Consumer {
	logger, _ := test.NewNullLogger()
	clock := credits.NewManualClock(time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC))
	return NewConsumer(ConsumerConfig{Queue: "credit_usage"}, NewRecorder(store, clock, logger, nil), logger)
}

func newSQLiteStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func deliver(c *Consumer, body string) *ackRecorder {
	ack := &ackRecorder{}
	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body)}, 0)
	return ack
}

func TestConsumer_RecordsAndAcks(t *testing.T) {
	store := newSQLiteStore(t)
	c := newTestConsumer(t, store)

	ack := deliver(c, `{"account_id":"user-1","service":"chat_tokens","quantity":2500}`)
	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)

	pending, err := store.ListPendingUsageLogs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(3), pending[0].Cost)
}

func TestConsumer_MalformedDropped(t *testing.T) {
	c := newTestConsumer(t, newSQLiteStore(t))

	tests := map[string]string{
		"not json":        `{"account_id":`,
		"unknown service": `{"account_id":"user-1","service":"telepathy","quantity":1}`,
		"zero quantity":   `{"account_id":"user-1","service":"chat_tokens","quantity":0}`,
		"missing account": `{"service":"chat_tokens","quantity":10}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			ack := deliver(c, body)
			assert.True(t, ack.nacked)
			assert.False(t, ack.requeue)
			assert.False(t, ack.acked)
		})
	}
}

func TestConsumer_StorageFailureRequeues(t *testing.T) {
	c := newTestConsumer(t, failingStore{newSQLiteStore(t)})

	ack := deliver(c, `{"account_id":"user-1","service":"voice_minutes","quantity":1}`)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestConsumer_RedeliveredEventDebitedOnce(t *testing.T) {
	// GIVEN: An account with 100 credits and an event carrying a producer id
	// WHEN: The event is delivered, drained, then delivered twice more
	// THEN: Every delivery is acked, one usage log exists, one debit of 3

	store := newSQLiteStore(t)
	c := newTestConsumer(t, store)
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	clock := credits.NewManualClock(time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC))
	ledger := credits.NewLedger(store, clock, logger)
	_, err := ledger.CreateTransaction(ctx, credits.TransactionRequest{
		AccountID: "user-1", Kind: credits.KindPlanGrant, Amount: 100,
	})
	require.NoError(t, err)

	body := `{"id":"evt-42","account_id":"user-1","service":"chat_tokens","quantity":2500}`
	first := deliver(c, body)
	assert.True(t, first.acked)

	_, err = NewProcessor(store, clock, logger).Drain(ctx, DefaultBatchSize)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		again := deliver(c, body)
		assert.True(t, again.acked)
		assert.False(t, again.nacked)
	}

	l, err := store.GetUsageLog(ctx, "evt-42")
	require.NoError(t, err)
	assert.Equal(t, credits.UsageProcessed, l.Status)

	pending, err := store.ListPendingUsageLogs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	balance, err := ledger.CurrentBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(97), balance)
}

func TestRecordEvent_DuplicateIDRejected(t *testing.T) {
	store := newSQLiteStore(t)
	logger, _ := test.NewNullLogger()
	r := NewRecorder(store, credits.NewManualClock(time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)), logger, nil)
	ctx := context.Background()

	l, err := r.RecordEvent(ctx, "evt-1", "user-1", credits.ServiceImageGeneration, 1)
	require.NoError(t, err)
	assert.Equal(t, credits.UsageLogID("evt-1"), l.ID)

	_, err = r.RecordEvent(ctx, "evt-1", "user-1", credits.ServiceImageGeneration, 1)
	assert.ErrorIs(t, err, credits.ErrUsageLogExists)

	pending, err := store.ListPendingUsageLogs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
