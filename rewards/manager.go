package rewards

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/metrics"
	"github.com/warp/credit-engine/plans"
)

// Manager handles reward claims and claim status.
type Manager struct {
	Store   credits.Store
	Clock   credits.Clock
	Log     logrus.FieldLogger
	Amounts Amounts
}

func NewManager(store credits.Store, clock credits.Clock, log logrus.FieldLogger, amounts Amounts) *Manager {
	if clock == nil {
		clock = credits.SystemClock
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{Store: store, Clock: clock, Log: log, Amounts: amounts}
}

// ClaimDailyReward grants the daily login reward. A second claim on the same
// UTC day returns ErrAlreadyClaimed.
func (m *Manager) ClaimDailyReward(ctx context.Context, accountID credits.AccountID) (*Grant, error) {
	grant, err := m.claim(ctx, accountID, credits.ClaimDailyLogin, func(tx credits.Tx, now time.Time) (int64, error) {
		premium, err := plans.IsPremium(ctx, tx, accountID, now)
		if err != nil {
			return 0, err
		}
		return m.Amounts.daily(premium), nil
	})
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, ErrAlreadyClaimed
	}
	return grant, nil
}

// ClaimFirstChatReward grants the first-chat reward. When it was already
// claimed today it returns nil, nil so the chat itself is never blocked.
func (m *Manager) ClaimFirstChatReward(ctx context.Context, accountID credits.AccountID) (*Grant, error) {
	return m.claim(ctx, accountID, credits.ClaimFirstChat, func(credits.Tx, time.Time) (int64, error) {
		return m.Amounts.FirstChat, nil
	})
}

// claim returns nil, nil when the claim already exists today.
func (m *Manager) claim(ctx context.Context, accountID credits.AccountID, kind credits.ClaimKind, amount func(credits.Tx, time.Time) (int64, error)) (*Grant, error) {
	if accountID == "" {
		return nil, credits.ErrInvalidAccount
	}
	var grant *Grant

	err := m.Store.WithAccountTx(ctx, accountID, func(tx credits.Tx) error {
		now := m.Clock.Now()
		claimed, err := tx.ClaimExists(ctx, accountID, kind, credits.StartOfDay(now))
		if err != nil || claimed {
			return err
		}

		n, err := amount(tx, now)
		if err != nil {
			return err
		}

		res, err := credits.ApplyTransaction(ctx, tx, credits.TransactionRequest{
			AccountID: accountID,
			Kind:      credits.KindSystemReward,
			Amount:    n,
			Claim:     kind,
		}, now)
		if err != nil {
			return err
		}
		grant = &Grant{CreditsGranted: n, NewBalance: res.NewBalance}
		return nil
	})
	if errors.Is(err, credits.ErrDuplicateClaim) {
		grant, err = nil, nil
	}
	if err != nil {
		metrics.RewardClaims.WithLabelValues(string(kind), "error").Inc()
		return nil, err
	}

	log := m.Log.WithFields(logrus.Fields{
		"account_id": accountID,
		"claim":      kind,
	})
	if grant == nil {
		metrics.RewardClaims.WithLabelValues(string(kind), "already_claimed").Inc()
		log.Debug("reward already claimed today")
		return nil, nil
	}
	metrics.RewardClaims.WithLabelValues(string(kind), "granted").Inc()
	log.WithFields(logrus.Fields{
		"credits":     grant.CreditsGranted,
		"new_balance": grant.NewBalance,
	}).Info("reward granted")
	return grant, nil
}

// DailyRewardStatus reports whether today's login reward has been claimed.
func (m *Manager) DailyRewardStatus(ctx context.Context, accountID credits.AccountID) (Status, error) {
	return m.status(ctx, accountID, credits.ClaimDailyLogin)
}

// FirstChatRewardStatus reports whether today's first-chat reward has been claimed.
func (m *Manager) FirstChatRewardStatus(ctx context.Context, accountID credits.AccountID) (Status, error) {
	return m.status(ctx, accountID, credits.ClaimFirstChat)
}

func (m *Manager) status(ctx context.Context, accountID credits.AccountID, kind credits.ClaimKind) (Status, error) {
	now := m.Clock.Now()
	claimed, err := m.Store.ClaimExists(ctx, accountID, kind, credits.StartOfDay(now))
	if err != nil {
		return Status{}, err
	}
	return Status{Claimed: claimed, CanClaimAt: credits.StartOfNextDay(now)}, nil
}
