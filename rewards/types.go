/*
Package rewards grants the daily engagement rewards.

PURPOSE:
  Two rewards are claimable at most once per UTC day per account:
  - daily login reward: 50 credits, 100 on an ACTIVE PREMIUM plan
  - first chat reward:  a flat 20 credits for the first chat of the day

IDEMPOTENCY:
  A claim is a system_reward transaction tagged with its ClaimKind and the
  UTC day it was claimed on. The check for an existing claim runs inside the
  account transaction, and the store's unique index on
  (account_id, claim_kind, claim_day) rejects anything that slips past it.
  Both paths surface as the same "already claimed" outcome.

EXAMPLE FLOW:
  1. 09:00 UTC  ClaimDailyReward     -> +50, balance 150
  2. 09:05 UTC  ClaimDailyReward     -> ErrAlreadyClaimed
  3. 09:10 UTC  ClaimFirstChatReward -> +20, balance 170
  4. 11:00 UTC  ClaimFirstChatReward -> nil, nil (chat proceeds)
  5. next day   both claimable again

SEE ALSO:
  - manager.go: claim and status operations
  - plans/cycle.go: IsPremium
*/
package rewards

import (
	"errors"
	"time"
)

// ErrAlreadyClaimed is returned when the daily reward was already claimed today.
var ErrAlreadyClaimed = errors.New("reward already claimed today")

// Amounts configures reward sizes in credits.
type Amounts struct {
	DailyStandard int64
	DailyPremium  int64
	FirstChat     int64
}

// DefaultAmounts are the production reward sizes.
var DefaultAmounts = Amounts{
	DailyStandard: 50,
	DailyPremium:  100,
	FirstChat:     20,
}

// daily returns the daily login reward for the account's tier.
func (a Amounts) daily(premium bool) int64 {
	if premium {
		return a.DailyPremium
	}
	return a.DailyStandard
}

// Grant is a successful claim.
type Grant struct {
	CreditsGranted int64 `json:"credits_granted"`
	NewBalance     int64 `json:"new_balance"`
}

// Status reports whether a reward has been claimed today and when it can be
// claimed next.
type Status struct {
	Claimed    bool      `json:"claimed"`
	CanClaimAt time.Time `json:"can_claim_at"`
}
