package credits_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credits"
)

func TestCreateMonthlySnapshots_StartingBalanceIsSumBeforeMonth(t *testing.T) {
	// GIVEN: Two accounts with February activity
	// WHEN: The snapshot job runs on March 1
	// THEN: Each account gets a March snapshot equal to its February balance,
	//       and current balances are unchanged

	feb10 := time.Date(2025, time.February, 10, 12, 0, 0, 0, time.UTC)
	ledger, store, clock := newTestLedger(t, feb10)
	ctx := context.Background()

	grant(t, ledger, "acct-1", 300)
	_, err := consume(ledger, "acct-1", 120)
	require.NoError(t, err)
	grant(t, ledger, "acct-2", 75)

	march1 := time.Date(2025, time.March, 1, 0, 5, 0, 0, time.UTC)
	clock.Set(march1)

	logger, _ := test.NewNullLogger()
	snapshotter := credits.NewSnapshotter(store, clock, logger)

	summary, err := snapshotter.CreateMonthlySnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Accounts)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 0, summary.Failed)

	snap, err := store.FindSnapshot(ctx, "acct-1", credits.StartOfMonth(march1))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(180), snap.StartingBalance)
	assert.Nil(t, snap.EndingBalance)

	balance, err := ledger.CurrentBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(180), balance)

	// Writes after the snapshot are counted on top of it
	grant(t, ledger, "acct-1", 20)
	balance, err = ledger.CurrentBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance)
}

func TestCreateMonthlySnapshots_SecondRunSkips(t *testing.T) {
	ledger, store, clock := newTestLedger(t, march15)
	ctx := context.Background()
	grant(t, ledger, "acct-1", 10)

	logger, _ := test.NewNullLogger()
	snapshotter := credits.NewSnapshotter(store, clock, logger)

	_, err := snapshotter.CreateMonthlySnapshots(ctx)
	require.NoError(t, err)

	summary, err := snapshotter.CreateMonthlySnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Created)
	assert.Equal(t, 1, summary.Skipped)
}

func TestCreateMonthlySnapshots_ClosesPreviousMonth(t *testing.T) {
	// GIVEN: A February snapshot and February activity
	// WHEN: The March snapshot is created
	// THEN: February's EndingBalance is the March StartingBalance

	feb2 := time.Date(2025, time.February, 2, 0, 0, 0, 0, time.UTC)
	ledger, store, clock := newTestLedger(t, feb2)
	ctx := context.Background()

	logger, _ := test.NewNullLogger()
	snapshotter := credits.NewSnapshotter(store, clock, logger)

	grant(t, ledger, "acct-1", 40)
	_, err := snapshotter.SnapshotAccount(ctx, "acct-1", feb2)
	require.NoError(t, err)

	grant(t, ledger, "acct-1", 60)

	created, err := snapshotter.SnapshotAccount(ctx, "acct-1", march15)
	require.NoError(t, err)
	assert.True(t, created)

	feb, err := store.FindSnapshot(ctx, "acct-1", credits.StartOfMonth(feb2))
	require.NoError(t, err)
	require.NotNil(t, feb)
	require.NotNil(t, feb.EndingBalance)
	assert.Equal(t, int64(100), *feb.EndingBalance)

	mar, err := store.FindSnapshot(ctx, "acct-1", credits.StartOfMonth(march15))
	require.NoError(t, err)
	require.NotNil(t, mar)
	assert.Equal(t, int64(100), mar.StartingBalance)
}
