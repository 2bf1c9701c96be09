/*
Package plans manages subscription plans and their credit cycles.

PURPOSE:
  Each account holds at most one ACTIVE UserPlan. Plan credits are granted
  on a rolling 30-day cycle anchored to the last grant, not on calendar
  months, because subscriptions start at arbitrary times.

KEY CONCEPTS:
  Eligibility: whole days since LastCreditsGrantedAt >= 30
  Period:      floor(days / 30) + 1, so period 1 covers days 0-29
  Current:     newest ACTIVE UserPlan whose cycle has not ended; FREE plans
               never lapse by cycle end

WRITE PATHS:
  Every grant and every plan mutation runs inside Store.WithAccountTx, so the
  ledger row and the UserPlan change commit together or not at all.

SEE ALSO:
  - manager.go: grants, activation, cancel/reactivate, background jobs
  - credits/ledger.go: ApplyTransaction
*/
package plans

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/credit-engine/credits"
)

// CycleDays is the length of a credit cycle.
const CycleDays = 30

// IsEligibleForMonthlyCredits reports whether a cycle grant is due at now.
// A plan that has never been granted through the cycle path is not eligible;
// its first credits come from signup or activation.
func IsEligibleForMonthlyCredits(up credits.UserPlan, now time.Time) bool {
	if up.LastCreditsGrantedAt == nil {
		return false
	}
	return credits.WholeDaysBetween(*up.LastCreditsGrantedAt, now) >= CycleDays
}

// CurrentPeriod returns the 1-based cycle number at now, counted from the
// last grant or, when there is none, from the plan's creation.
func CurrentPeriod(up credits.UserPlan, now time.Time) int {
	ref := up.CreatedAt
	if up.LastCreditsGrantedAt != nil {
		ref = *up.LastCreditsGrantedAt
	}
	return credits.WholeDaysBetween(ref, now)/CycleDays + 1
}

// Current pairs a user plan with its catalog entry.
type Current struct {
	UserPlan credits.UserPlan
	Plan     credits.Plan
}

// FindCurrent returns the account's current plan, or nil when it has none.
// match narrows the candidates; nil accepts any.
func FindCurrent(ctx context.Context, r credits.Reader, accountID credits.AccountID, now time.Time, match func(Current) bool) (*Current, error) {
	ups, err := r.ListUserPlans(ctx, accountID)
	if err != nil {
		return nil, err
	}

	for _, up := range ups {
		if up.Status != credits.UserPlanActive {
			continue
		}
		plan, err := r.GetPlan(ctx, up.PlanID)
		if err != nil {
			return nil, fmt.Errorf("user plan %s: %w", up.ID, err)
		}
		if plan.Tier != credits.TierFree && up.CycleEnded(now) {
			continue
		}
		c := Current{UserPlan: up, Plan: *plan}
		if match == nil || match(c) {
			return &c, nil
		}
	}
	return nil, nil
}

// IsPremium reports whether the account's current plan is PREMIUM.
func IsPremium(ctx context.Context, r credits.Reader, accountID credits.AccountID, now time.Time) (bool, error) {
	cur, err := FindCurrent(ctx, r, accountID, now, nil)
	if err != nil {
		return false, err
	}
	return cur != nil && cur.Plan.Tier == credits.TierPremium, nil
}
