package postgres

import (
	"time"

	"github.com/warp/credit-engine/credits"
)

// =============================================================================
// TABLE MODELS
// =============================================================================
//
// Rows mirror store/sqlite's tables. Nullable columns are pointers so gorm
// writes NULL, which the partial unique indexes in migrate() depend on.

type accountRow struct {
	ID        string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

func (accountRow) TableName() string { return "accounts" }

type transactionRow struct {
	Seq          int64      `gorm:"primaryKey;autoIncrement"`
	ID           string     `gorm:"not null;uniqueIndex"`
	AccountID    string     `gorm:"not null;index:idx_credit_tx_account_created,priority:1"`
	Kind         string     `gorm:"not null"`
	Amount       int64      `gorm:"not null"`
	BalanceAfter int64      `gorm:"not null"`
	Note         *string
	ClaimKind    *string
	ClaimDay     *time.Time `gorm:"type:date"`
	UsageLogID   *string
	PlanID       *string
	CreatedAt    time.Time  `gorm:"not null;index:idx_credit_tx_account_created,priority:2"`
}

func (transactionRow) TableName() string { return "credit_transactions" }

type snapshotRow struct {
	AccountID       string    `gorm:"primaryKey"`
	MonthStart      time.Time `gorm:"primaryKey"`
	StartingBalance int64     `gorm:"not null"`
	EndingBalance   *int64
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (snapshotRow) TableName() string { return "monthly_snapshots" }

type planRow struct {
	ID              string `gorm:"primaryKey"`
	Name            string `gorm:"not null"`
	Tier            string `gorm:"not null;index"`
	CreditsPerMonth int64  `gorm:"not null"`
	StripePriceID   *string
	PayPalPlanID    *string `gorm:"column:paypal_plan_id"`
}

func (planRow) TableName() string { return "plans" }

type userPlanRow struct {
	ID                   string     `gorm:"primaryKey"`
	AccountID            string     `gorm:"not null;index:idx_user_plans_account_status,priority:1"`
	PlanID               string     `gorm:"not null"`
	Status               string     `gorm:"not null;index:idx_user_plans_account_status,priority:2"`
	CurrentPeriodStart   time.Time  `gorm:"not null"`
	CurrentPeriodEnd     time.Time  `gorm:"not null"`
	LastCreditsGrantedAt *time.Time
	CancelAtPeriodEnd    bool       `gorm:"not null;default:false"`
	StripeSubscriptionID *string    `gorm:"index"`
	PayPalSubscriptionID *string    `gorm:"column:paypal_subscription_id;index"`
	CreatedAt            time.Time  `gorm:"not null"`
	UpdatedAt            time.Time  `gorm:"not null"`
}

func (userPlanRow) TableName() string { return "user_plans" }

type usageLogRow struct {
	ID            string    `gorm:"primaryKey"`
	AccountID     string    `gorm:"not null"`
	Service       string    `gorm:"not null"`
	Quantity      int64     `gorm:"not null"`
	Cost          int64     `gorm:"not null"`
	Status        string    `gorm:"not null;index:idx_usage_logs_status_created,priority:1"`
	TransactionID *string
	Error         *string
	CreatedAt     time.Time `gorm:"not null;index:idx_usage_logs_status_created,priority:2"`
	ProcessedAt   *time.Time
}

func (usageLogRow) TableName() string { return "usage_logs" }

// =============================================================================
// CONVERSIONS
// =============================================================================

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toTransactionRow(t *credits.Transaction) transactionRow {
	row := transactionRow{
		ID:           string(t.ID),
		AccountID:    string(t.AccountID),
		Kind:         string(t.Kind),
		Amount:       t.Amount,
		BalanceAfter: t.BalanceAfter,
		Note:         ptr(t.Note),
		ClaimKind:    ptr(string(t.Claim)),
		UsageLogID:   ptr(string(t.UsageLogID)),
		PlanID:       ptr(string(t.PlanID)),
		CreatedAt:    t.CreatedAt.UTC(),
	}
	if t.Claim != credits.ClaimNone {
		day := credits.StartOfDay(t.ClaimDay)
		row.ClaimDay = &day
	}
	return row
}

func (r transactionRow) toDomain() credits.Transaction {
	t := credits.Transaction{
		ID:           credits.TransactionID(r.ID),
		Seq:          r.Seq,
		AccountID:    credits.AccountID(r.AccountID),
		Kind:         credits.TransactionKind(r.Kind),
		Amount:       r.Amount,
		BalanceAfter: r.BalanceAfter,
		Note:         deref(r.Note),
		Claim:        credits.ClaimKind(deref(r.ClaimKind)),
		UsageLogID:   credits.UsageLogID(deref(r.UsageLogID)),
		PlanID:       credits.PlanID(deref(r.PlanID)),
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if r.ClaimDay != nil {
		t.ClaimDay = credits.StartOfDay(*r.ClaimDay)
	}
	return t
}

func (r snapshotRow) toDomain() credits.Snapshot {
	return credits.Snapshot{
		AccountID:       credits.AccountID(r.AccountID),
		MonthStart:      r.MonthStart.UTC(),
		StartingBalance: r.StartingBalance,
		EndingBalance:   r.EndingBalance,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func toPlanRow(p credits.Plan) planRow {
	return planRow{
		ID:              string(p.ID),
		Name:            p.Name,
		Tier:            string(p.Tier),
		CreditsPerMonth: p.CreditsPerMonth,
		StripePriceID:   ptr(p.StripePriceID),
		PayPalPlanID:    ptr(p.PayPalPlanID),
	}
}

func (r planRow) toDomain() credits.Plan {
	return credits.Plan{
		ID:              credits.PlanID(r.ID),
		Name:            r.Name,
		Tier:            credits.Tier(r.Tier),
		CreditsPerMonth: r.CreditsPerMonth,
		StripePriceID:   deref(r.StripePriceID),
		PayPalPlanID:    deref(r.PayPalPlanID),
	}
}

func toUserPlanRow(up credits.UserPlan) userPlanRow {
	return userPlanRow{
		ID:                   string(up.ID),
		AccountID:            string(up.AccountID),
		PlanID:               string(up.PlanID),
		Status:               string(up.Status),
		CurrentPeriodStart:   up.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:     up.CurrentPeriodEnd.UTC(),
		LastCreditsGrantedAt: utcPtr(up.LastCreditsGrantedAt),
		CancelAtPeriodEnd:    up.CancelAtPeriodEnd,
		StripeSubscriptionID: ptr(up.StripeSubscriptionID),
		PayPalSubscriptionID: ptr(up.PayPalSubscriptionID),
		CreatedAt:            up.CreatedAt.UTC(),
		UpdatedAt:            up.UpdatedAt.UTC(),
	}
}

func (r userPlanRow) toDomain() credits.UserPlan {
	return credits.UserPlan{
		ID:                   credits.UserPlanID(r.ID),
		AccountID:            credits.AccountID(r.AccountID),
		PlanID:               credits.PlanID(r.PlanID),
		Status:               credits.UserPlanStatus(r.Status),
		CurrentPeriodStart:   r.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:     r.CurrentPeriodEnd.UTC(),
		LastCreditsGrantedAt: utcPtr(r.LastCreditsGrantedAt),
		CancelAtPeriodEnd:    r.CancelAtPeriodEnd,
		StripeSubscriptionID: deref(r.StripeSubscriptionID),
		PayPalSubscriptionID: deref(r.PayPalSubscriptionID),
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
}

func toUsageLogRow(l credits.UsageLog) usageLogRow {
	return usageLogRow{
		ID:            string(l.ID),
		AccountID:     string(l.AccountID),
		Service:       string(l.Service),
		Quantity:      l.Quantity,
		Cost:          l.Cost,
		Status:        string(l.Status),
		TransactionID: ptr(string(l.TransactionID)),
		Error:         ptr(l.Error),
		CreatedAt:     l.CreatedAt.UTC(),
		ProcessedAt:   utcPtr(l.ProcessedAt),
	}
}

func (r usageLogRow) toDomain() credits.UsageLog {
	return credits.UsageLog{
		ID:            credits.UsageLogID(r.ID),
		AccountID:     credits.AccountID(r.AccountID),
		Service:       credits.ServiceKind(r.Service),
		Quantity:      r.Quantity,
		Cost:          r.Cost,
		Status:        credits.UsageStatus(r.Status),
		TransactionID: credits.TransactionID(deref(r.TransactionID)),
		Error:         deref(r.Error),
		CreatedAt:     r.CreatedAt.UTC(),
		ProcessedAt:   utcPtr(r.ProcessedAt),
	}
}
