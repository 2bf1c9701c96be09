package credits_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march15 = time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, now time.Time) (*credits.Ledger, *sqlite.Store, *credits.ManualClock) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := credits.NewManualClock(now)
	logger, _ := test.NewNullLogger()
	return credits.NewLedger(store, clock, logger), store, clock
}

func grant(t *testing.T, l *credits.Ledger, account credits.AccountID, amount int64) *credits.TransactionResult {
	t.Helper()
	res, err := l.CreateTransaction(context.Background(), credits.TransactionRequest{
		AccountID: account,
		Kind:      credits.KindPlanGrant,
		Amount:    amount,
	})
	require.NoError(t, err)
	return res
}

func consume(l *credits.Ledger, account credits.AccountID, amount int64) (*credits.TransactionResult, error) {
	return l.CreateTransaction(context.Background(), credits.TransactionRequest{
		AccountID: account,
		Kind:      credits.KindConsumption,
		Amount:    -amount,
	})
}

// =============================================================================
// BALANCE RESOLVER
// =============================================================================

func TestCurrentBalance_NoData_IsZero(t *testing.T) {
	ledger, _, _ := newTestLedger(t, march15)

	balance, err := ledger.CurrentBalance(context.Background(), "acct-new")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestCurrentBalance_NoSnapshot_SumsAllTransactions(t *testing.T) {
	// GIVEN: +100, +50, -30 across two months, no snapshot
	// WHEN: Resolving the balance
	// THEN: Balance is the sum of all amounts

	ledger, _, clock := newTestLedger(t, march15.AddDate(0, -1, 0))
	grant(t, ledger, "acct-1", 100)
	clock.Set(march15)
	grant(t, ledger, "acct-1", 50)
	_, err := consume(ledger, "acct-1", 30)
	require.NoError(t, err)

	balance, err := ledger.CurrentBalance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), balance)
}

func TestCurrentBalance_WithSnapshot_UsesStartingBalancePlusMonth(t *testing.T) {
	// GIVEN: A March snapshot with StartingBalance 500 and +40 written in March
	// WHEN: Resolving the balance in March
	// THEN: Balance is 540, regardless of earlier rows

	ledger, store, _ := newTestLedger(t, march15)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, credits.Snapshot{
		AccountID:       "acct-1",
		MonthStart:      credits.StartOfMonth(march15),
		StartingBalance: 500,
		CreatedAt:       march15,
		UpdatedAt:       march15,
	}))
	grant(t, ledger, "acct-1", 40)

	balance, err := ledger.CurrentBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(540), balance)
}

func TestResolveBalance_SnapshotFromOtherMonth_Ignored(t *testing.T) {
	ledger, store, _ := newTestLedger(t, march15)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, credits.Snapshot{
		AccountID:       "acct-1",
		MonthStart:      time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC),
		StartingBalance: 999,
		CreatedAt:       march15,
		UpdatedAt:       march15,
	}))
	grant(t, ledger, "acct-1", 10)

	balance, err := credits.ResolveBalance(ctx, store, "acct-1", march15)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

// =============================================================================
// TRANSACTION WRITER
// =============================================================================

func TestCreateTransaction_ChainsBalanceAfter(t *testing.T) {
	ledger, _, _ := newTestLedger(t, march15)

	first := grant(t, ledger, "acct-1", 100)
	assert.Equal(t, int64(100), first.Transaction.BalanceAfter)
	assert.Equal(t, int64(100), first.NewBalance)

	second, err := consume(ledger, "acct-1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(70), second.Transaction.BalanceAfter)
	assert.Greater(t, second.Transaction.Seq, first.Transaction.Seq)

	final, err := ledger.Verify(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), final)
}

func TestCreateTransaction_InsufficientFunds_WritesNothing(t *testing.T) {
	// GIVEN: Balance 10
	// WHEN: Debiting 15
	// THEN: InsufficientFundsError, balance still 10, one row in history

	ledger, _, _ := newTestLedger(t, march15)
	ctx := context.Background()
	grant(t, ledger, "acct-1", 10)

	_, err := consume(ledger, "acct-1", 15)
	require.Error(t, err)
	assert.True(t, errors.Is(err, credits.ErrInsufficientFunds))

	var insufficient *credits.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(10), insufficient.Balance)
	assert.Equal(t, int64(15), insufficient.Requested)

	balance, err := ledger.CurrentBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	history, err := ledger.History(ctx, "acct-1", credits.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCreateTransaction_DebitToExactlyZero_Allowed(t *testing.T) {
	ledger, _, _ := newTestLedger(t, march15)
	grant(t, ledger, "acct-1", 25)

	res, err := consume(ledger, "acct-1", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewBalance)
}

func TestCreateTransaction_NegativeAdjustment_CannotOverdraw(t *testing.T) {
	ledger, _, _ := newTestLedger(t, march15)
	grant(t, ledger, "acct-1", 5)

	_, err := ledger.CreateTransaction(context.Background(), credits.TransactionRequest{
		AccountID: "acct-1",
		Kind:      credits.KindAdjustment,
		Amount:    -6,
	})
	assert.ErrorIs(t, err, credits.ErrInsufficientFunds)
}

func TestCreateTransaction_Validation(t *testing.T) {
	ledger, _, _ := newTestLedger(t, march15)

	tests := []struct {
		name string
		req  credits.TransactionRequest
		want error
	}{
		{"zero amount", credits.TransactionRequest{AccountID: "a", Kind: credits.KindAdjustment, Amount: 0}, credits.ErrInvalidAmount},
		{"positive consumption", credits.TransactionRequest{AccountID: "a", Kind: credits.KindConsumption, Amount: 5}, credits.ErrInvalidAmount},
		{"negative grant", credits.TransactionRequest{AccountID: "a", Kind: credits.KindPlanGrant, Amount: -5}, credits.ErrInvalidAmount},
		{"negative refund", credits.TransactionRequest{AccountID: "a", Kind: credits.KindRefund, Amount: -5}, credits.ErrInvalidAmount},
		{"unknown kind", credits.TransactionRequest{AccountID: "a", Kind: "bonus", Amount: 5}, credits.ErrInvalidKind},
		{"missing account", credits.TransactionRequest{Kind: credits.KindRefund, Amount: 5}, credits.ErrInvalidAccount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.CreateTransaction(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, credits.IsClientError(err))
		})
	}
}

func TestCreateTransaction_ClaimNoteAndDay(t *testing.T) {
	ledger, _, _ := newTestLedger(t, march15)

	res, err := ledger.CreateTransaction(context.Background(), credits.TransactionRequest{
		AccountID: "acct-1",
		Kind:      credits.KindSystemReward,
		Amount:    50,
		Claim:     credits.ClaimDailyLogin,
	})
	require.NoError(t, err)
	assert.Equal(t, "daily_login_reward", res.Transaction.Note)
	assert.Equal(t, credits.StartOfDay(march15), res.Transaction.ClaimDay)
}

func TestCreateTransaction_DuplicateClaimSameDay_RejectedByStore(t *testing.T) {
	// GIVEN: A daily login claim at 10:00
	// WHEN: Writing a second claim of the same kind at 23:00 the same day
	// THEN: The unique index rejects it with ErrDuplicateClaim

	ledger, _, clock := newTestLedger(t, march15)
	req := credits.TransactionRequest{
		AccountID: "acct-1",
		Kind:      credits.KindSystemReward,
		Amount:    50,
		Claim:     credits.ClaimDailyLogin,
	}

	_, err := ledger.CreateTransaction(context.Background(), req)
	require.NoError(t, err)

	clock.Set(credits.StartOfNextDay(march15).Add(-time.Hour))
	_, err = ledger.CreateTransaction(context.Background(), req)
	assert.ErrorIs(t, err, credits.ErrDuplicateClaim)

	// Next UTC day is a new claim
	clock.Set(credits.StartOfNextDay(march15))
	_, err = ledger.CreateTransaction(context.Background(), req)
	assert.NoError(t, err)
}

func TestCreateTransaction_UsageLogDebitedOnce(t *testing.T) {
	ledger, _, _ := newTestLedger(t, march15)
	grant(t, ledger, "acct-1", 100)

	req := credits.TransactionRequest{
		AccountID:  "acct-1",
		Kind:       credits.KindConsumption,
		Amount:     -10,
		UsageLogID: "usage-1",
	}
	_, err := ledger.CreateTransaction(context.Background(), req)
	require.NoError(t, err)

	_, err = ledger.CreateTransaction(context.Background(), req)
	assert.ErrorIs(t, err, credits.ErrDuplicateUsageLog)
}

func TestCreateTransaction_ConcurrentDebits_NeverOverdraw(t *testing.T) {
	// GIVEN: Balance 50
	// WHEN: 10 concurrent debits of 10
	// THEN: Exactly 5 succeed and the balance ends at 0

	ledger, _, _ := newTestLedger(t, march15)
	grant(t, ledger, "acct-1", 50)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := consume(ledger, "acct-1", 10)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, credits.ErrInsufficientFunds) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 5, rejected)

	balance, err := ledger.CurrentBalance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	_, err = ledger.Verify(context.Background(), "acct-1")
	assert.NoError(t, err)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestHistory_NewestFirstWithCursor(t *testing.T) {
	ledger, _, _ := newTestLedger(t, march15)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		grant(t, ledger, "acct-1", i)
	}

	page1, err := ledger.History(ctx, "acct-1", credits.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, int64(5), page1[0].Amount)
	assert.Equal(t, int64(4), page1[1].Amount)

	page2, err := ledger.History(ctx, "acct-1", credits.ListOptions{Limit: 2, Cursor: page1[1].Seq})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, int64(3), page2[0].Amount)
	assert.Equal(t, int64(2), page2[1].Amount)
}

func TestHistory_OtherAccountsIsolated(t *testing.T) {
	ledger, _, _ := newTestLedger(t, march15)
	grant(t, ledger, "acct-1", 10)
	grant(t, ledger, "acct-2", 20)

	history, err := ledger.History(context.Background(), "acct-2", credits.ListOptions{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, credits.AccountID("acct-2"), history[0].AccountID)
	assert.Equal(t, int64(20), history[0].BalanceAfter)
}

// =============================================================================
// MONTH ROLLOVER
// =============================================================================

// gatedStore holds the next WithAccountTx until release is closed.
type gatedStore struct {
	*sqlite.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) WithAccountTx(ctx context.Context, accountID credits.AccountID, fn func(credits.Tx) error) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Store.WithAccountTx(ctx, accountID, fn)
}

func TestCreateTransaction_WaitingAcrossMonthStart_CountedAfterSnapshot(t *testing.T) {
	// GIVEN: +100 on Jan 31, and a writer that starts at Jan 31 23:59:59.999
	//        but waits for the account while the February snapshot is taken
	// WHEN: The writer proceeds after the snapshot
	// THEN: Its row is counted in February and the chain still resolves

	jan31 := time.Date(2025, time.January, 31, 22, 59, 0, 0, time.UTC)
	ledger, store, clock := newTestLedger(t, jan31)
	ctx := context.Background()
	grant(t, ledger, "acct-1", 100)

	gated := &gatedStore{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	writer := credits.NewLedger(gated, clock, ledger.Log)

	clock.Set(time.Date(2025, time.January, 31, 23, 59, 59, int(999*time.Millisecond), time.UTC))
	done := make(chan error, 1)
	go func() {
		_, err := writer.CreateTransaction(ctx, credits.TransactionRequest{
			AccountID: "acct-1",
			Kind:      credits.KindAdjustment,
			Amount:    50,
		})
		done <- err
	}()
	<-gated.entered

	feb1 := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	clock.Set(feb1)
	logger, _ := test.NewNullLogger()
	_, err := credits.NewSnapshotter(store, clock, logger).CreateMonthlySnapshots(ctx)
	require.NoError(t, err)

	close(gated.release)
	require.NoError(t, <-done)

	balance, err := ledger.CurrentBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)

	verified, err := ledger.Verify(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), verified)
}

func TestApplyTransaction_StaleTimeMovesIntoSnapshottedMonth(t *testing.T) {
	// GIVEN: A February snapshot already written
	// WHEN: A row is applied with a January timestamp
	// THEN: It is dated at the February start and the balance includes it

	jan20 := time.Date(2025, time.January, 20, 9, 0, 0, 0, time.UTC)
	feb1 := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	ledger, store, clock := newTestLedger(t, jan20)
	ctx := context.Background()
	grant(t, ledger, "acct-1", 100)

	clock.Set(feb1.Add(time.Hour))
	logger, _ := test.NewNullLogger()
	_, err := credits.NewSnapshotter(store, clock, logger).CreateMonthlySnapshots(ctx)
	require.NoError(t, err)

	var res *credits.TransactionResult
	err = store.WithAccountTx(ctx, "acct-1", func(tx credits.Tx) error {
		var err error
		res, err = credits.ApplyTransaction(ctx, tx, credits.TransactionRequest{
			AccountID: "acct-1",
			Kind:      credits.KindRefund,
			Amount:    25,
		}, feb1.Add(-time.Minute))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, feb1, res.Transaction.CreatedAt)
	assert.Equal(t, int64(125), res.NewBalance)

	balance, err := ledger.CurrentBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(125), balance)
}

func TestApplyTransaction_CreatedAtNeverBehindLastRow(t *testing.T) {
	ledger, store, _ := newTestLedger(t, march15)
	ctx := context.Background()
	first := grant(t, ledger, "acct-1", 10)

	var res *credits.TransactionResult
	err := store.WithAccountTx(ctx, "acct-1", func(tx credits.Tx) error {
		var err error
		res, err = credits.ApplyTransaction(ctx, tx, credits.TransactionRequest{
			AccountID: "acct-1",
			Kind:      credits.KindRefund,
			Amount:    5,
		}, march15.Add(-time.Hour))
		return err
	})
	require.NoError(t, err)
	assert.False(t, res.Transaction.CreatedAt.Before(first.Transaction.CreatedAt))
}

func TestVerify_DetectsSnapshotDisagreeingWithChain(t *testing.T) {
	ledger, store, _ := newTestLedger(t, march15)
	ctx := context.Background()
	grant(t, ledger, "acct-1", 10)

	require.NoError(t, store.SaveSnapshot(ctx, credits.Snapshot{
		AccountID:       "acct-1",
		MonthStart:      credits.StartOfMonth(march15),
		StartingBalance: 500,
		CreatedAt:       march15,
		UpdatedAt:       march15,
	}))

	_, err := ledger.Verify(ctx, "acct-1")
	assert.ErrorIs(t, err, credits.ErrIntegrity)
}
