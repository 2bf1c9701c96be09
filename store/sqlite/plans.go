package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/credit-engine/credits"
)

// =============================================================================
// PLAN CATALOG
// =============================================================================

const planColumns = `id, name, tier, credits_per_month, stripe_price_id, paypal_plan_id`

// SavePlan inserts or replaces a catalog entry.
func (q queries) SavePlan(ctx context.Context, p credits.Plan) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			tier = excluded.tier,
			credits_per_month = excluded.credits_per_month,
			stripe_price_id = excluded.stripe_price_id,
			paypal_plan_id = excluded.paypal_plan_id
	`,
		p.ID,
		p.Name,
		p.Tier,
		p.CreditsPerMonth,
		nullString(p.StripePriceID),
		nullString(p.PayPalPlanID),
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

func (q queries) GetPlan(ctx context.Context, id credits.PlanID) (*credits.Plan, error) {
	return q.getPlan(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
}

// GetPlanByTier returns the cheapest plan of the tier.
func (q queries) GetPlanByTier(ctx context.Context, tier credits.Tier) (*credits.Plan, error) {
	return q.getPlan(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE tier = ?
		ORDER BY credits_per_month ASC, id ASC
		LIMIT 1
	`, tier)
}

func (q queries) GetPlanByExternalID(ctx context.Context, provider credits.Provider, externalID string) (*credits.Plan, error) {
	var column string
	switch provider {
	case credits.ProviderStripe:
		column = "stripe_price_id"
	case credits.ProviderPayPal:
		column = "paypal_plan_id"
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", credits.ErrPlanNotFound, provider)
	}
	return q.getPlan(ctx, `SELECT `+planColumns+` FROM plans WHERE `+column+` = ?`, externalID)
}

func (q queries) ListPlans(ctx context.Context) ([]credits.Plan, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY credits_per_month, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []credits.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (q queries) getPlan(ctx context.Context, query string, args ...any) (*credits.Plan, error) {
	p, err := scanPlan(q.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (credits.Plan, error) {
	var (
		p      credits.Plan
		stripe sql.NullString
		paypal sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Tier, &p.CreditsPerMonth, &stripe, &paypal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan plan: %w", err)
	}
	p.StripePriceID = stripe.String
	p.PayPalPlanID = paypal.String
	return p, nil
}

// =============================================================================
// USER PLANS
// =============================================================================

const userPlanColumns = `id, account_id, plan_id, status, current_period_start, current_period_end,
	last_credits_granted_at, cancel_at_period_end, stripe_subscription_id, paypal_subscription_id,
	created_at, updated_at`

func (q queries) InsertUserPlan(ctx context.Context, up credits.UserPlan) error {
	if err := q.ensureAccount(ctx, up.AccountID, up.CreatedAt); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO user_plans (`+userPlanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		up.ID,
		up.AccountID,
		up.PlanID,
		up.Status,
		formatTime(up.CurrentPeriodStart),
		formatTime(up.CurrentPeriodEnd),
		nullTime(up.LastCreditsGrantedAt),
		boolToInt(up.CancelAtPeriodEnd),
		nullString(up.StripeSubscriptionID),
		nullString(up.PayPalSubscriptionID),
		formatTime(up.CreatedAt),
		formatTime(up.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert user plan: %w", err)
	}
	return nil
}

func (q queries) UpdateUserPlan(ctx context.Context, up credits.UserPlan) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE user_plans SET
			plan_id = ?,
			status = ?,
			current_period_start = ?,
			current_period_end = ?,
			last_credits_granted_at = ?,
			cancel_at_period_end = ?,
			stripe_subscription_id = ?,
			paypal_subscription_id = ?,
			updated_at = ?
		WHERE id = ?
	`,
		up.PlanID,
		up.Status,
		formatTime(up.CurrentPeriodStart),
		formatTime(up.CurrentPeriodEnd),
		nullTime(up.LastCreditsGrantedAt),
		boolToInt(up.CancelAtPeriodEnd),
		nullString(up.StripeSubscriptionID),
		nullString(up.PayPalSubscriptionID),
		formatTime(up.UpdatedAt),
		up.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credits.ErrUserPlanNotFound
	}
	return nil
}

func (q queries) ListUserPlans(ctx context.Context, accountID credits.AccountID) ([]credits.UserPlan, error) {
	return q.queryUserPlans(ctx, `
		SELECT `+userPlanColumns+`
		FROM user_plans
		WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, accountID)
}

func (q queries) GetUserPlanBySubscription(ctx context.Context, provider credits.Provider, externalID string) (*credits.UserPlan, error) {
	var column string
	switch provider {
	case credits.ProviderStripe:
		column = "stripe_subscription_id"
	case credits.ProviderPayPal:
		column = "paypal_subscription_id"
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", credits.ErrUserPlanNotFound, provider)
	}

	ups, err := q.queryUserPlans(ctx, `
		SELECT `+userPlanColumns+`
		FROM user_plans
		WHERE `+column+` = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, externalID)
	if err != nil {
		return nil, err
	}
	if len(ups) == 0 {
		return nil, credits.ErrUserPlanNotFound
	}
	return &ups[0], nil
}

func (q queries) queryUserPlans(ctx context.Context, query string, args ...any) ([]credits.UserPlan, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query user plans: %w", err)
	}
	defer rows.Close()

	var ups []credits.UserPlan
	for rows.Next() {
		up, err := scanUserPlan(rows)
		if err != nil {
			return nil, err
		}
		ups = append(ups, up)
	}
	return ups, rows.Err()
}

func scanUserPlan(row scanner) (credits.UserPlan, error) {
	var (
		up          credits.UserPlan
		periodStart string
		periodEnd   string
		lastGranted sql.NullString
		cancelFlag  int
		stripeSub   sql.NullString
		paypalSub   sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(
		&up.ID, &up.AccountID, &up.PlanID, &up.Status, &periodStart, &periodEnd,
		&lastGranted, &cancelFlag, &stripeSub, &paypalSub, &createdAt, &updatedAt,
	)
	if err != nil {
		return up, fmt.Errorf("failed to scan user plan: %w", err)
	}

	up.CancelAtPeriodEnd = cancelFlag != 0
	up.StripeSubscriptionID = stripeSub.String
	up.PayPalSubscriptionID = paypalSub.String

	if up.CurrentPeriodStart, err = parseTime(periodStart); err != nil {
		return up, err
	}
	if up.CurrentPeriodEnd, err = parseTime(periodEnd); err != nil {
		return up, err
	}
	if up.LastCreditsGrantedAt, err = parseNullTime(lastGranted); err != nil {
		return up, err
	}
	if up.CreatedAt, err = parseTime(createdAt); err != nil {
		return up, err
	}
	if up.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return up, err
	}
	return up, nil
}
