package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/warp/credit-engine/credits"
)

// queries implements credits.Tx over a *gorm.DB, which is either the pool
// or an open transaction.
type queries struct {
	db *gorm.DB
}

func (q *queries) ensureAccount(ctx context.Context, id credits.AccountID, at time.Time) error {
	err := q.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&accountRow{ID: string(id), CreatedAt: at.UTC()}).Error
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// =============================================================================
// CREDIT TRANSACTIONS
// =============================================================================

func (q *queries) AppendTransaction(ctx context.Context, tx *credits.Transaction) error {
	if err := q.ensureAccount(ctx, tx.AccountID, tx.CreatedAt); err != nil {
		return err
	}
	row := toTransactionRow(tx)
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return translateError("append transaction", err)
	}
	tx.Seq = row.Seq
	return nil
}

func (q *queries) SumAmounts(ctx context.Context, accountID credits.AccountID, from, to time.Time) (int64, error) {
	db := q.db.WithContext(ctx).Model(&transactionRow{}).Where("account_id = ?", string(accountID))
	if !from.IsZero() {
		db = db.Where("created_at >= ?", from.UTC())
	}
	if !to.IsZero() {
		db = db.Where("created_at < ?", to.UTC())
	}

	var sum int64
	if err := db.Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error; err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

func (q *queries) LastTransaction(ctx context.Context, accountID credits.AccountID) (*credits.Transaction, error) {
	var rows []transactionRow
	err := q.db.WithContext(ctx).
		Where("account_id = ?", string(accountID)).
		Order("seq DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get last transaction: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	t := rows[0].toDomain()
	return &t, nil
}

func (q *queries) ListTransactions(ctx context.Context, accountID credits.AccountID, opts credits.ListOptions) ([]credits.Transaction, error) {
	db := q.db.WithContext(ctx).Where("account_id = ?", string(accountID))
	if opts.Cursor > 0 {
		if opts.Ascending {
			db = db.Where("seq > ?", opts.Cursor)
		} else {
			db = db.Where("seq < ?", opts.Cursor)
		}
	}
	if opts.Ascending {
		db = db.Order("seq ASC")
	} else {
		db = db.Order("seq DESC")
	}
	if opts.Limit > 0 {
		db = db.Limit(opts.Limit)
	}

	var rows []transactionRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	out := make([]credits.Transaction, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (q *queries) ClaimExists(ctx context.Context, accountID credits.AccountID, claim credits.ClaimKind, day time.Time) (bool, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&transactionRow{}).
		Where("account_id = ? AND claim_kind = ? AND claim_day = ?",
			string(accountID), string(claim), credits.StartOfDay(day)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check claim: %w", err)
	}
	return count > 0, nil
}

func (q *queries) HasTransactionOfKind(ctx context.Context, accountID credits.AccountID, kind credits.TransactionKind) (bool, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&transactionRow{}).
		Where("account_id = ? AND kind = ?", string(accountID), string(kind)).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check transaction kind: %w", err)
	}
	return count > 0, nil
}

// =============================================================================
// MONTHLY SNAPSHOTS
// =============================================================================

func (q *queries) FindSnapshot(ctx context.Context, accountID credits.AccountID, monthStart time.Time) (*credits.Snapshot, error) {
	var rows []snapshotRow
	err := q.db.WithContext(ctx).
		Where("account_id = ? AND month_start = ?", string(accountID), credits.StartOfMonth(monthStart)).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	s := rows[0].toDomain()
	return &s, nil
}

func (q *queries) SaveSnapshot(ctx context.Context, s credits.Snapshot) error {
	row := snapshotRow{
		AccountID:       string(s.AccountID),
		MonthStart:      credits.StartOfMonth(s.MonthStart),
		StartingBalance: s.StartingBalance,
		EndingBalance:   s.EndingBalance,
		CreatedAt:       s.CreatedAt.UTC(),
		UpdatedAt:       s.UpdatedAt.UTC(),
	}
	return translateError("save snapshot", q.db.WithContext(ctx).Create(&row).Error)
}

func (q *queries) UpdateSnapshotEnding(ctx context.Context, accountID credits.AccountID, monthStart time.Time, ending int64, at time.Time) error {
	err := q.db.WithContext(ctx).Model(&snapshotRow{}).
		Where("account_id = ? AND month_start = ?", string(accountID), credits.StartOfMonth(monthStart)).
		Updates(map[string]any{
			"ending_balance": ending,
			"updated_at":     at.UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	return nil
}

// =============================================================================
// PLAN CATALOG
// =============================================================================

func (q *queries) SavePlan(ctx context.Context, p credits.Plan) error {
	row := toPlanRow(p)
	err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

func (q *queries) GetPlan(ctx context.Context, id credits.PlanID) (*credits.Plan, error) {
	return q.findPlan(ctx, q.db.Where("id = ?", string(id)))
}

func (q *queries) GetPlanByTier(ctx context.Context, tier credits.Tier) (*credits.Plan, error) {
	return q.findPlan(ctx, q.db.Where("tier = ?", string(tier)).Order("credits_per_month ASC, id ASC"))
}

func (q *queries) GetPlanByExternalID(ctx context.Context, provider credits.Provider, externalID string) (*credits.Plan, error) {
	switch provider {
	case credits.ProviderStripe:
		return q.findPlan(ctx, q.db.Where("stripe_price_id = ?", externalID))
	case credits.ProviderPayPal:
		return q.findPlan(ctx, q.db.Where("paypal_plan_id = ?", externalID))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", credits.ErrPlanNotFound, provider)
	}
}

func (q *queries) ListPlans(ctx context.Context) ([]credits.Plan, error) {
	var rows []planRow
	if err := q.db.WithContext(ctx).Order("credits_per_month, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	out := make([]credits.Plan, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (q *queries) findPlan(ctx context.Context, scoped *gorm.DB) (*credits.Plan, error) {
	var rows []planRow
	if err := scoped.WithContext(ctx).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	if len(rows) == 0 {
		return nil, credits.ErrPlanNotFound
	}
	p := rows[0].toDomain()
	return &p, nil
}

// =============================================================================
// USER PLANS
// =============================================================================

func (q *queries) InsertUserPlan(ctx context.Context, up credits.UserPlan) error {
	if err := q.ensureAccount(ctx, up.AccountID, up.CreatedAt); err != nil {
		return err
	}
	row := toUserPlanRow(up)
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert user plan: %w", err)
	}
	return nil
}

func (q *queries) UpdateUserPlan(ctx context.Context, up credits.UserPlan) error {
	row := toUserPlanRow(up)
	res := q.db.WithContext(ctx).Model(&userPlanRow{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"plan_id":                 row.PlanID,
			"status":                  row.Status,
			"current_period_start":    row.CurrentPeriodStart,
			"current_period_end":      row.CurrentPeriodEnd,
			"last_credits_granted_at": row.LastCreditsGrantedAt,
			"cancel_at_period_end":    row.CancelAtPeriodEnd,
			"stripe_subscription_id":  row.StripeSubscriptionID,
			"paypal_subscription_id":  row.PayPalSubscriptionID,
			"updated_at":              row.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update user plan: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return credits.ErrUserPlanNotFound
	}
	return nil
}

func (q *queries) ListUserPlans(ctx context.Context, accountID credits.AccountID) ([]credits.UserPlan, error) {
	var rows []userPlanRow
	err := q.db.WithContext(ctx).
		Where("account_id = ?", string(accountID)).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list user plans: %w", err)
	}
	return userPlansToDomain(rows), nil
}

func (q *queries) GetUserPlanBySubscription(ctx context.Context, provider credits.Provider, externalID string) (*credits.UserPlan, error) {
	var column string
	switch provider {
	case credits.ProviderStripe:
		column = "stripe_subscription_id"
	case credits.ProviderPayPal:
		column = "paypal_subscription_id"
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", credits.ErrUserPlanNotFound, provider)
	}

	var rows []userPlanRow
	err := q.db.WithContext(ctx).
		Where(column+" = ?", externalID).
		Order("created_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get user plan: %w", err)
	}
	if len(rows) == 0 {
		return nil, credits.ErrUserPlanNotFound
	}
	up := rows[0].toDomain()
	return &up, nil
}

func userPlansToDomain(rows []userPlanRow) []credits.UserPlan {
	out := make([]credits.UserPlan, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}

// =============================================================================
// USAGE LOGS
// =============================================================================

func (q *queries) InsertUsageLog(ctx context.Context, l credits.UsageLog) error {
	row := toUsageLogRow(l)
	return translateError("insert usage log", q.db.WithContext(ctx).Create(&row).Error)
}

func (q *queries) UpdateUsageLog(ctx context.Context, l credits.UsageLog) error {
	row := toUsageLogRow(l)
	res := q.db.WithContext(ctx).Model(&usageLogRow{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"status":         row.Status,
			"transaction_id": row.TransactionID,
			"error":          row.Error,
			"processed_at":   row.ProcessedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update usage log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return credits.ErrUsageLogNotFound
	}
	return nil
}

func (q *queries) GetUsageLog(ctx context.Context, id credits.UsageLogID) (*credits.UsageLog, error) {
	var rows []usageLogRow
	if err := q.db.WithContext(ctx).Where("id = ?", string(id)).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get usage log: %w", err)
	}
	if len(rows) == 0 {
		return nil, credits.ErrUsageLogNotFound
	}
	l := rows[0].toDomain()
	return &l, nil
}
