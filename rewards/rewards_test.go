package rewards_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/plans"
	"github.com/warp/credit-engine/rewards"
	"github.com/warp/credit-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var morning = time.Date(2025, time.March, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx     context.Context
	store   *sqlite.Store
	clock   *credits.ManualClock
	ledger  *credits.Ledger
	plans   *plans.Manager
	rewards *rewards.Manager
}

func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SavePlan(ctx, credits.Plan{ID: "free", Name: "Free", Tier: credits.TierFree, CreditsPerMonth: 50}))
	require.NoError(t, store.SavePlan(ctx, credits.Plan{ID: "premium", Name: "Premium", Tier: credits.TierPremium, CreditsPerMonth: 1000}))

	clock := credits.NewManualClock(morning)
	logger, _ := test.NewNullLogger()
	return &fixture{
		ctx:     ctx,
		store:   store,
		clock:   clock,
		ledger:  credits.NewLedger(store, clock, logger),
		plans:   plans.NewManager(store, clock, logger),
		rewards: rewards.NewManager(store, clock, logger, rewards.DefaultAmounts),
	}
}

func (f *fixture) balance(t *testing.T, account credits.AccountID) int64 {
	t.Helper()
	b, err := f.ledger.CurrentBalance(f.ctx, account)
	require.NoError(t, err)
	return b
}

// =============================================================================
// DAILY LOGIN REWARD
// =============================================================================

func TestClaimDailyReward_OncePerDay(t *testing.T) {
	// GIVEN: A FREE account with 50 credits
	// WHEN: Claiming the daily reward twice on the same UTC day
	// THEN: First claim grants 50, second is rejected and writes nothing

	f := newFixture(t)
	require.NoError(t, f.plans.GrantInitialCredits(f.ctx, "user-1"))

	grant, err := f.rewards.ClaimDailyReward(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), grant.CreditsGranted)
	assert.Equal(t, int64(100), grant.NewBalance)

	f.clock.Advance(5 * time.Minute)
	_, err = f.rewards.ClaimDailyReward(f.ctx, "user-1")
	assert.ErrorIs(t, err, rewards.ErrAlreadyClaimed)
	assert.Equal(t, int64(100), f.balance(t, "user-1"))

	txs, err := f.store.ListTransactions(f.ctx, "user-1", credits.ListOptions{})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, credits.KindSystemReward, txs[0].Kind)
	assert.Equal(t, credits.ClaimDailyLogin, txs[0].Claim)
	assert.Equal(t, "daily_login_reward", txs[0].Note)
}

func TestClaimDailyReward_NextUTCDay(t *testing.T) {
	f := newFixture(t)

	f.clock.Set(time.Date(2025, time.March, 15, 23, 59, 59, 0, time.UTC))
	_, err := f.rewards.ClaimDailyReward(f.ctx, "user-1")
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	grant, err := f.rewards.ClaimDailyReward(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), grant.NewBalance)
}

func TestClaimDailyReward_PremiumDoubles(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.plans.GrantInitialCredits(f.ctx, "user-1"))
	_, err := f.plans.Activate(f.ctx, plans.Activation{AccountID: "user-1", PlanID: "premium"})
	require.NoError(t, err)

	grant, err := f.rewards.ClaimDailyReward(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), grant.CreditsGranted)
	assert.Equal(t, int64(1150), grant.NewBalance)
}

func TestClaimDailyReward_ExpiredPremiumIsStandard(t *testing.T) {
	// GIVEN: A premium plan whose period has ended without renewal
	// WHEN: Claiming the daily reward
	// THEN: The standard amount is granted

	f := newFixture(t)
	_, err := f.plans.Activate(f.ctx, plans.Activation{AccountID: "user-1", PlanID: "premium"})
	require.NoError(t, err)
	f.clock.Advance(31 * credits.Day)

	grant, err := f.rewards.ClaimDailyReward(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), grant.CreditsGranted)
}

func TestClaimDailyReward_ConcurrentClaimsGrantOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rewards.ClaimDailyReward(f.ctx, "user-1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	granted := 0
	for err := range results {
		if err == nil {
			granted++
			continue
		}
		assert.ErrorIs(t, err, rewards.ErrAlreadyClaimed)
	}
	assert.Equal(t, 1, granted)
	assert.Equal(t, int64(50), f.balance(t, "user-1"))
}

func TestClaimDailyReward_EmptyAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.rewards.ClaimDailyReward(f.ctx, "")
	assert.ErrorIs(t, err, credits.ErrInvalidAccount)
}

// =============================================================================
// FIRST CHAT REWARD
// =============================================================================

func TestClaimFirstChatReward(t *testing.T) {
	// GIVEN: An account that already claimed its daily login reward
	// WHEN: Chatting twice the same day
	// THEN: The first chat grants 20, the second returns no grant and no error

	f := newFixture(t)
	_, err := f.rewards.ClaimDailyReward(f.ctx, "user-1")
	require.NoError(t, err)

	grant, err := f.rewards.ClaimFirstChatReward(f.ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, int64(20), grant.CreditsGranted)
	assert.Equal(t, int64(70), grant.NewBalance)

	grant, err = f.rewards.ClaimFirstChatReward(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, grant)
	assert.Equal(t, int64(70), f.balance(t, "user-1"))
}

func TestClaimFirstChatReward_CustomAmount(t *testing.T) {
	f := newFixture(t)
	f.rewards.Amounts.FirstChat = 35

	grant, err := f.rewards.ClaimFirstChatReward(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(35), grant.CreditsGranted)
}

// =============================================================================
// STATUS
// =============================================================================

func TestRewardStatus(t *testing.T) {
	f := newFixture(t)
	tomorrow := time.Date(2025, time.March, 16, 0, 0, 0, 0, time.UTC)

	status, err := f.rewards.DailyRewardStatus(f.ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, status.Claimed)
	assert.True(t, status.CanClaimAt.Equal(tomorrow))

	_, err = f.rewards.ClaimDailyReward(f.ctx, "user-1")
	require.NoError(t, err)

	status, err = f.rewards.DailyRewardStatus(f.ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, status.Claimed)
	assert.True(t, status.CanClaimAt.Equal(tomorrow))

	chat, err := f.rewards.FirstChatRewardStatus(f.ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, chat.Claimed)

	f.clock.Set(tomorrow)
	status, err = f.rewards.DailyRewardStatus(f.ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, status.Claimed)
}
