package plans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/metrics"
)

// Manager owns every write to user plans and every plan-driven grant.
type Manager struct {
	Store credits.Store
	Clock credits.Clock
	Log   logrus.FieldLogger
}

func NewManager(store credits.Store, clock credits.Clock, log logrus.FieldLogger) *Manager {
	if clock == nil {
		clock = credits.SystemClock
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{Store: store, Clock: clock, Log: log}
}

// JobSummary reports a batch run over accounts.
type JobSummary struct {
	Scanned int
	Applied int
	Skipped int
	Failed  int
}

// =============================================================================
// QUERIES
// =============================================================================

// CurrentPlan returns the account's current plan or ErrNoActivePlan.
func (m *Manager) CurrentPlan(ctx context.Context, accountID credits.AccountID) (*Current, error) {
	cur, err := FindCurrent(ctx, m.Store, accountID, m.Clock.Now(), nil)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrNoActivePlan
	}
	return cur, nil
}

// =============================================================================
// GRANTS
// =============================================================================

// GrantMonthlyCredits grants the current plan's cycle credits when due.
// planID, when set, restricts the grant to that plan. No current plan and a
// cycle not yet due are both no-ops reported as false.
func (m *Manager) GrantMonthlyCredits(ctx context.Context, accountID credits.AccountID, planID credits.PlanID) (bool, error) {
	return m.grantCycle(ctx, accountID, func(c Current) bool {
		return planID == "" || c.UserPlan.PlanID == planID
	})
}

// GrantFreeMonthlyCreditsOnLogin is the login-path variant restricted to an
// ACTIVE FREE plan.
func (m *Manager) GrantFreeMonthlyCreditsOnLogin(ctx context.Context, accountID credits.AccountID) (bool, error) {
	return m.grantCycle(ctx, accountID, func(c Current) bool {
		return c.Plan.Tier == credits.TierFree
	})
}

func (m *Manager) grantCycle(ctx context.Context, accountID credits.AccountID, match func(Current) bool) (bool, error) {
	granted := false

	err := m.Store.WithAccountTx(ctx, accountID, func(tx credits.Tx) error {
		now := m.Clock.Now()
		cur, err := FindCurrent(ctx, tx, accountID, now, match)
		if err != nil || cur == nil {
			return err
		}
		up := cur.UserPlan
		if up.LastCreditsGrantedAt != nil && !IsEligibleForMonthlyCredits(up, now) {
			return nil
		}
		if cur.Plan.CreditsPerMonth <= 0 {
			m.Log.WithField("plan_id", cur.Plan.ID).Warn("plan grants no credits, skipping")
			return nil
		}

		_, err = credits.ApplyTransaction(ctx, tx, credits.TransactionRequest{
			AccountID: accountID,
			Kind:      credits.KindPlanGrant,
			Amount:    cur.Plan.CreditsPerMonth,
			Note:      fmt.Sprintf("%s credits, period %d", cur.Plan.Name, CurrentPeriod(up, now)),
			PlanID:    cur.Plan.ID,
		}, now)
		if err != nil {
			return err
		}

		up.LastCreditsGrantedAt = &now
		if cur.Plan.Tier == credits.TierFree {
			up.CurrentPeriodStart = now
			up.CurrentPeriodEnd = now.AddDate(0, 0, CycleDays)
		}
		up.UpdatedAt = now
		if err := tx.UpdateUserPlan(ctx, up); err != nil {
			return err
		}

		granted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if granted {
		m.Log.WithFields(logrus.Fields{"account_id": accountID}).Info("monthly plan credits granted")
	}
	return granted, nil
}

// GrantInitialCredits runs once at signup: it grants the FREE plan's credits
// and enrolls the account in it, starting the 30-day clock at now.
func (m *Manager) GrantInitialCredits(ctx context.Context, accountID credits.AccountID) error {
	err := m.Store.WithAccountTx(ctx, accountID, func(tx credits.Tx) error {
		now := m.Clock.Now()
		done, err := tx.HasTransactionOfKind(ctx, accountID, credits.KindInitialGrant)
		if err != nil {
			return err
		}
		if done {
			return ErrAlreadyInitialized
		}

		free, err := tx.GetPlanByTier(ctx, credits.TierFree)
		if errors.Is(err, credits.ErrPlanNotFound) {
			return fmt.Errorf("%w: %w", ErrMissingSeedData, err)
		}
		if err != nil {
			return err
		}

		_, err = credits.ApplyTransaction(ctx, tx, credits.TransactionRequest{
			AccountID: accountID,
			Kind:      credits.KindInitialGrant,
			Amount:    free.CreditsPerMonth,
			Note:      "signup credits",
			PlanID:    free.ID,
		}, now)
		if err != nil {
			return err
		}

		granted := now
		return tx.InsertUserPlan(ctx, credits.UserPlan{
			ID:                   credits.UserPlanID(uuid.NewString()),
			AccountID:            accountID,
			PlanID:               free.ID,
			Status:               credits.UserPlanActive,
			CurrentPeriodStart:   now,
			CurrentPeriodEnd:     credits.EndOfMonth(now),
			LastCreditsGrantedAt: &granted,
			CreatedAt:            now,
			UpdatedAt:            now,
		})
	})
	if err != nil {
		return err
	}

	m.Log.WithField("account_id", accountID).Info("initial credits granted")
	return nil
}

// =============================================================================
// SUBSCRIPTION ACTIVATION
// =============================================================================

// Activation is a confirmed subscription from a payment provider.
type Activation struct {
	AccountID              credits.AccountID
	PlanID                 credits.PlanID
	Provider               credits.Provider // empty for operator activations
	ExternalSubscriptionID string
	NextBillingAt          *time.Time
}

type ActivationResult struct {
	UserPlan    credits.UserPlan
	Transaction *credits.Transaction // nil when AlreadyActive
	NewBalance  int64

	// AlreadyActive is set when the provider re-delivered a subscription the
	// account already has a plan row for, in any status. Nothing was written.
	AlreadyActive bool
}

// Activate demotes every ACTIVE plan, inserts the new ACTIVE plan and grants
// its credits, all in one account transaction.
func (m *Manager) Activate(ctx context.Context, a Activation) (*ActivationResult, error) {
	if a.AccountID == "" || a.PlanID == "" {
		return nil, fmt.Errorf("%w: account and plan are required", ErrInvalidActivation)
	}
	if a.Provider != "" && !a.Provider.Valid() {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidActivation, a.Provider)
	}

	var result *ActivationResult

	err := m.Store.WithAccountTx(ctx, a.AccountID, func(tx credits.Tx) error {
		now := m.Clock.Now()
		plan, err := tx.GetPlan(ctx, a.PlanID)
		if err != nil {
			return err
		}

		if a.Provider != "" && a.ExternalSubscriptionID != "" {
			existing, err := tx.GetUserPlanBySubscription(ctx, a.Provider, a.ExternalSubscriptionID)
			if err != nil && !errors.Is(err, credits.ErrUserPlanNotFound) {
				return err
			}
			if existing != nil {
				if existing.AccountID != a.AccountID {
					return fmt.Errorf("%w: %s subscription %s belongs to another account", ErrInvalidActivation, a.Provider, a.ExternalSubscriptionID)
				}
				// Seen before, whatever happened to it since. Cancel and
				// Reactivate own the later transitions.
				result = &ActivationResult{UserPlan: *existing, AlreadyActive: true}
				return nil
			}
		}

		if err := demoteActive(ctx, tx, a.AccountID, now); err != nil {
			return err
		}

		periodEnd := now.AddDate(0, 0, CycleDays)
		if a.NextBillingAt != nil && a.NextBillingAt.After(now) {
			periodEnd = a.NextBillingAt.UTC()
		}
		granted := now
		up := credits.UserPlan{
			ID:                   credits.UserPlanID(uuid.NewString()),
			AccountID:            a.AccountID,
			PlanID:               plan.ID,
			Status:               credits.UserPlanActive,
			CurrentPeriodStart:   now,
			CurrentPeriodEnd:     periodEnd,
			LastCreditsGrantedAt: &granted,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		switch a.Provider {
		case credits.ProviderStripe:
			up.StripeSubscriptionID = a.ExternalSubscriptionID
		case credits.ProviderPayPal:
			up.PayPalSubscriptionID = a.ExternalSubscriptionID
		}
		if err := tx.InsertUserPlan(ctx, up); err != nil {
			return err
		}

		result = &ActivationResult{UserPlan: up}
		if plan.CreditsPerMonth <= 0 {
			return nil
		}

		res, err := credits.ApplyTransaction(ctx, tx, credits.TransactionRequest{
			AccountID: a.AccountID,
			Kind:      credits.KindPlanGrant,
			Amount:    plan.CreditsPerMonth,
			Note:      fmt.Sprintf("%s subscription activated", plan.Name),
			PlanID:    plan.ID,
		}, now)
		if err != nil {
			return err
		}
		result.Transaction = &res.Transaction
		result.NewBalance = res.NewBalance
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := m.Log.WithFields(logrus.Fields{
		"account_id": a.AccountID,
		"plan_id":    a.PlanID,
		"provider":   a.Provider,
	})
	if result.AlreadyActive {
		log.WithField("status", result.UserPlan.Status).Info("subscription already known, activation ignored")
		return result, nil
	}
	metrics.PlanActivations.WithLabelValues(providerLabel(a.Provider), string(tierOf(ctx, m.Store, a.PlanID))).Inc()
	log.Info("subscription activated")
	return result, nil
}

// Renew extends the billing period of a provider subscription. Credits are
// not granted here; the 30-day cycle job grants them when due.
func (m *Manager) Renew(ctx context.Context, provider credits.Provider, externalID string, nextBillingAt time.Time) (*credits.UserPlan, error) {
	found, err := m.Store.GetUserPlanBySubscription(ctx, provider, externalID)
	if err != nil {
		return nil, err
	}

	var renewed *credits.UserPlan
	err = m.Store.WithAccountTx(ctx, found.AccountID, func(tx credits.Tx) error {
		now := m.Clock.Now()
		up, err := tx.GetUserPlanBySubscription(ctx, provider, externalID)
		if err != nil {
			return err
		}
		if up.Status != credits.UserPlanActive {
			renewed = up
			return nil
		}
		next := nextBillingAt.UTC()
		if !next.After(up.CurrentPeriodEnd) {
			renewed = up
			return nil
		}
		up.CurrentPeriodStart = up.CurrentPeriodEnd
		up.CurrentPeriodEnd = next
		up.UpdatedAt = now
		if err := tx.UpdateUserPlan(ctx, *up); err != nil {
			return err
		}
		renewed = up
		return nil
	})
	if err != nil {
		return nil, err
	}
	return renewed, nil
}

// =============================================================================
// CANCEL / REACTIVATE
// =============================================================================

// Cancel cancels the account's current paid plan. With atPeriodEnd the plan
// stays ACTIVE until its period ends; otherwise it is CANCELED now and the
// account falls back to the FREE plan.
func (m *Manager) Cancel(ctx context.Context, accountID credits.AccountID, atPeriodEnd bool) (*credits.UserPlan, error) {
	var canceled *credits.UserPlan

	err := m.Store.WithAccountTx(ctx, accountID, func(tx credits.Tx) error {
		now := m.Clock.Now()
		cur, err := FindCurrent(ctx, tx, accountID, now, nil)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNoActivePlan
		}
		if cur.Plan.Tier == credits.TierFree {
			return ErrFreePlanCancel
		}

		up := cur.UserPlan
		up.UpdatedAt = now
		if atPeriodEnd {
			up.CancelAtPeriodEnd = true
			if err := tx.UpdateUserPlan(ctx, up); err != nil {
				return err
			}
			canceled = &up
			return nil
		}

		up.Status = credits.UserPlanCanceled
		up.CancelAtPeriodEnd = false
		if err := tx.UpdateUserPlan(ctx, up); err != nil {
			return err
		}
		canceled = &up
		return ensureFreeFallback(ctx, tx, accountID, now)
	})
	if err != nil {
		return nil, err
	}

	m.Log.WithFields(logrus.Fields{
		"account_id":    accountID,
		"at_period_end": atPeriodEnd,
	}).Info("subscription canceled")
	return canceled, nil
}

// CancelByExternalID cancels a provider subscription immediately. Unknown or
// already canceled subscriptions are no-ops.
func (m *Manager) CancelByExternalID(ctx context.Context, provider credits.Provider, externalID string) (*credits.UserPlan, error) {
	found, err := m.Store.GetUserPlanBySubscription(ctx, provider, externalID)
	if err != nil {
		return nil, err
	}

	var result *credits.UserPlan
	err = m.Store.WithAccountTx(ctx, found.AccountID, func(tx credits.Tx) error {
		now := m.Clock.Now()
		up, err := tx.GetUserPlanBySubscription(ctx, provider, externalID)
		if err != nil {
			return err
		}
		result = up
		if up.Status != credits.UserPlanActive {
			return nil
		}
		up.Status = credits.UserPlanCanceled
		up.CancelAtPeriodEnd = false
		up.UpdatedAt = now
		if err := tx.UpdateUserPlan(ctx, *up); err != nil {
			return err
		}
		return ensureFreeFallback(ctx, tx, up.AccountID, now)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reactivate undoes a cancellation. A pending cancel-at-period-end is
// cleared; otherwise the newest CANCELED paid plan whose period has not
// ended becomes ACTIVE again and every other ACTIVE plan is demoted. No
// credits are granted: the period was already paid for and granted.
func (m *Manager) Reactivate(ctx context.Context, accountID credits.AccountID) (*credits.UserPlan, error) {
	var reactivated *credits.UserPlan

	err := m.Store.WithAccountTx(ctx, accountID, func(tx credits.Tx) error {
		now := m.Clock.Now()
		cur, err := FindCurrent(ctx, tx, accountID, now, nil)
		if err != nil {
			return err
		}
		if cur != nil && cur.Plan.Tier != credits.TierFree && cur.UserPlan.CancelAtPeriodEnd {
			up := cur.UserPlan
			up.CancelAtPeriodEnd = false
			up.UpdatedAt = now
			if err := tx.UpdateUserPlan(ctx, up); err != nil {
				return err
			}
			reactivated = &up
			return nil
		}

		ups, err := tx.ListUserPlans(ctx, accountID)
		if err != nil {
			return err
		}
		var target *credits.UserPlan
		for i := range ups {
			up := ups[i]
			if up.Status != credits.UserPlanCanceled || up.CycleEnded(now) {
				continue
			}
			plan, err := tx.GetPlan(ctx, up.PlanID)
			if err != nil {
				return err
			}
			if plan.Tier == credits.TierFree {
				continue
			}
			target = &up
			break
		}
		if target == nil {
			return ErrNoReactivatablePlan
		}

		if err := demoteActive(ctx, tx, accountID, now); err != nil {
			return err
		}
		target.Status = credits.UserPlanActive
		target.CancelAtPeriodEnd = false
		target.UpdatedAt = now
		if err := tx.UpdateUserPlan(ctx, *target); err != nil {
			return err
		}
		reactivated = target
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.Log.WithField("account_id", accountID).Info("subscription reactivated")
	return reactivated, nil
}

// =============================================================================
// BACKGROUND JOBS
// =============================================================================

// RunMonthlyGrants grants due cycle credits to every account with an ACTIVE
// plan. Per-account failures are logged and counted; the batch continues.
func (m *Manager) RunMonthlyGrants(ctx context.Context) (JobSummary, error) {
	var summary JobSummary

	active, err := m.Store.ListActiveUserPlans(ctx)
	if err != nil {
		metrics.JobRuns.WithLabelValues("monthly_grants", "error").Inc()
		return summary, err
	}

	seen := make(map[credits.AccountID]bool)
	for _, up := range active {
		if seen[up.AccountID] {
			continue
		}
		seen[up.AccountID] = true
		summary.Scanned++

		if err := ctx.Err(); err != nil {
			return summary, err
		}

		granted, err := m.GrantMonthlyCredits(ctx, up.AccountID, "")
		switch {
		case err != nil:
			summary.Failed++
			metrics.JobItemFailures.WithLabelValues("monthly_grants").Inc()
			m.Log.WithFields(logrus.Fields{
				"account_id": up.AccountID,
				"error":      err,
			}).Error("monthly grant failed")
		case granted:
			summary.Applied++
		default:
			summary.Skipped++
		}
	}

	metrics.JobRuns.WithLabelValues("monthly_grants", "ok").Inc()
	m.Log.WithFields(logrus.Fields{
		"scanned": summary.Scanned,
		"granted": summary.Applied,
		"failed":  summary.Failed,
	}).Info("monthly grants complete")
	return summary, nil
}

// ExpireEndedPlans cancels plans flagged cancel-at-period-end whose period is
// over and moves their accounts to the FREE plan.
func (m *Manager) ExpireEndedPlans(ctx context.Context) (JobSummary, error) {
	var summary JobSummary
	now := m.Clock.Now()

	active, err := m.Store.ListActiveUserPlans(ctx)
	if err != nil {
		metrics.JobRuns.WithLabelValues("expire_plans", "error").Inc()
		return summary, err
	}

	for _, candidate := range active {
		summary.Scanned++
		if !candidate.CancelAtPeriodEnd || !candidate.CycleEnded(now) {
			summary.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		err := m.Store.WithAccountTx(ctx, candidate.AccountID, func(tx credits.Tx) error {
			ups, err := tx.ListUserPlans(ctx, candidate.AccountID)
			if err != nil {
				return err
			}
			for _, up := range ups {
				if up.ID != candidate.ID {
					continue
				}
				if up.Status != credits.UserPlanActive || !up.CancelAtPeriodEnd {
					return nil
				}
				up.Status = credits.UserPlanCanceled
				up.UpdatedAt = now
				if err := tx.UpdateUserPlan(ctx, up); err != nil {
					return err
				}
				return ensureFreeFallback(ctx, tx, up.AccountID, now)
			}
			return nil
		})
		if err != nil {
			summary.Failed++
			metrics.JobItemFailures.WithLabelValues("expire_plans").Inc()
			m.Log.WithFields(logrus.Fields{
				"account_id": candidate.AccountID,
				"error":      err,
			}).Error("plan expiry failed")
			continue
		}
		summary.Applied++
	}

	metrics.JobRuns.WithLabelValues("expire_plans", "ok").Inc()
	return summary, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func demoteActive(ctx context.Context, tx credits.Tx, accountID credits.AccountID, now time.Time) error {
	ups, err := tx.ListUserPlans(ctx, accountID)
	if err != nil {
		return err
	}
	for _, up := range ups {
		if up.Status != credits.UserPlanActive {
			continue
		}
		up.Status = credits.UserPlanCanceled
		up.CancelAtPeriodEnd = false
		up.UpdatedAt = now
		if err := tx.UpdateUserPlan(ctx, up); err != nil {
			return err
		}
	}
	return nil
}

// ensureFreeFallback enrolls the account in the FREE plan when it has no
// ACTIVE plan left. LastCreditsGrantedAt stays nil so the next login grant
// pays out immediately.
func ensureFreeFallback(ctx context.Context, tx credits.Tx, accountID credits.AccountID, now time.Time) error {
	ups, err := tx.ListUserPlans(ctx, accountID)
	if err != nil {
		return err
	}
	for _, up := range ups {
		if up.Status == credits.UserPlanActive {
			return nil
		}
	}

	free, err := tx.GetPlanByTier(ctx, credits.TierFree)
	if errors.Is(err, credits.ErrPlanNotFound) {
		return fmt.Errorf("%w: %w", ErrMissingSeedData, err)
	}
	if err != nil {
		return err
	}

	return tx.InsertUserPlan(ctx, credits.UserPlan{
		ID:                 credits.UserPlanID(uuid.NewString()),
		AccountID:          accountID,
		PlanID:             free.ID,
		Status:             credits.UserPlanActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 0, CycleDays),
		CreatedAt:          now,
		UpdatedAt:          now,
	})
}

func providerLabel(p credits.Provider) string {
	if p == "" {
		return "manual"
	}
	return string(p)
}

func tierOf(ctx context.Context, r credits.Reader, id credits.PlanID) credits.Tier {
	plan, err := r.GetPlan(ctx, id)
	if err != nil {
		return "unknown"
	}
	return plan.Tier
}
