package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/store/sqlite"
	"github.com/warp/credit-engine/usage"
)

var noon = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx       context.Context
	store     *sqlite.Store
	clock     *credits.ManualClock
	ledger    *credits.Ledger
	recorder  *usage.Recorder
	processor *usage.Processor
}

func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := credits.NewManualClock(noon)
	logger, _ := test.NewNullLogger()
	return &fixture{
		ctx:       context.Background(),
		store:     store,
		clock:     clock,
		ledger:    credits.NewLedger(store, clock, logger),
		recorder:  usage.NewRecorder(store, clock, logger, nil),
		processor: usage.NewProcessor(store, clock, logger),
	}
}

func (f *fixture) fund(t *testing.T, account credits.AccountID, amount int64) {
	t.Helper()
	_, err := f.ledger.CreateTransaction(f.ctx, credits.TransactionRequest{
		AccountID: account,
		Kind:      credits.KindPlanGrant,
		Amount:    amount,
	})
	require.NoError(t, err)
}

// =============================================================================
// PRICING
// =============================================================================

func TestPricing_Cost(t *testing.T) {
	tests := []struct {
		service  credits.ServiceKind
		quantity int64
		want     int64
	}{
		{credits.ServiceChatTokens, 1, 1},
		{credits.ServiceChatTokens, 1000, 1},
		{credits.ServiceChatTokens, 1001, 2},
		{credits.ServiceChatTokens, 25000, 25},
		{credits.ServiceImageGeneration, 1, 10},
		{credits.ServiceImageGeneration, 3, 30},
		{credits.ServiceTTSCharacters, 499, 1},
		{credits.ServiceTTSCharacters, 1200, 3},
		{credits.ServiceVoiceMinutes, 2, 10},
	}

	for _, tt := range tests {
		t.Run(string(tt.service), func(t *testing.T) {
			cost, err := usage.DefaultPricing.Cost(tt.service, tt.quantity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cost)
		})
	}
}

func TestPricing_Errors(t *testing.T) {
	_, err := usage.DefaultPricing.Cost("telepathy", 1)
	assert.ErrorIs(t, err, usage.ErrUnknownService)
	assert.True(t, usage.IsInvalid(err))

	_, err = usage.DefaultPricing.Cost(credits.ServiceChatTokens, 0)
	assert.ErrorIs(t, err, usage.ErrInvalidQuantity)
	assert.True(t, usage.IsInvalid(err))
}

// =============================================================================
// RECORD + DRAIN
// =============================================================================

func TestRecord_StoresPendingLog(t *testing.T) {
	f := newFixture(t)

	l, err := f.recorder.Record(f.ctx, "user-1", credits.ServiceImageGeneration, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(20), l.Cost)
	assert.Equal(t, credits.UsagePending, l.Status)

	pending, err := f.store.ListPendingUsageLogs(f.ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, l.ID, pending[0].ID)
}

func TestRecord_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.recorder.Record(f.ctx, "", credits.ServiceChatTokens, 10)
	assert.ErrorIs(t, err, credits.ErrInvalidAccount)

	_, err = f.recorder.Record(f.ctx, "user-1", "unknown", 10)
	assert.ErrorIs(t, err, usage.ErrUnknownService)
}

func TestDrain_DebitsPendingLogs(t *testing.T) {
	// GIVEN: 100 credits and two pending usage logs costing 10 and 25
	// WHEN: Draining
	// THEN: Both are debited once, marked processed, and a second drain is empty

	f := newFixture(t)
	f.fund(t, "user-1", 100)
	a, err := f.recorder.Record(f.ctx, "user-1", credits.ServiceImageGeneration, 1)
	require.NoError(t, err)
	_, err = f.recorder.Record(f.ctx, "user-1", credits.ServiceChatTokens, 25000)
	require.NoError(t, err)

	summary, err := f.processor.Drain(f.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 0, summary.Rejected)

	balance, err := f.ledger.CurrentBalance(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(65), balance)

	processed, err := f.store.GetUsageLog(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, credits.UsageProcessed, processed.Status)
	assert.NotEmpty(t, processed.TransactionID)
	require.NotNil(t, processed.ProcessedAt)

	summary, err = f.processor.Drain(f.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Scanned)
}

func TestDrain_InsufficientFundsMarksFailed(t *testing.T) {
	// GIVEN: 15 credits, logs costing 10 then 10
	// WHEN: Draining
	// THEN: First is processed, second fails with no ledger row; the batch completes

	f := newFixture(t)
	f.fund(t, "user-1", 15)
	_, err := f.recorder.Record(f.ctx, "user-1", credits.ServiceImageGeneration, 1)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	second, err := f.recorder.Record(f.ctx, "user-1", credits.ServiceImageGeneration, 1)
	require.NoError(t, err)

	summary, err := f.processor.Drain(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 0, summary.Errors)

	failed, err := f.store.GetUsageLog(f.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, credits.UsageFailed, failed.Status)
	assert.Contains(t, failed.Error, "insufficient")
	assert.Empty(t, failed.TransactionID)

	balance, err := f.ledger.CurrentBalance(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestDrain_RespectsBatchSize(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "user-1", 1000)
	for i := 0; i < 5; i++ {
		_, err := f.recorder.Record(f.ctx, "user-1", credits.ServiceVoiceMinutes, 1)
		require.NoError(t, err)
	}

	summary, err := f.processor.Drain(f.ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)

	pending, err := f.store.ListPendingUsageLogs(f.ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
