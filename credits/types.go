/*
Package credits provides the credit ledger engine.

PURPOSE:
  This package owns the data model and the single write path for account
  credits. Every grant, reward, refund and metered debit is one immutable
  row in an append-only ledger. Balances are derived from the ledger, with
  monthly snapshots bounding how much history a balance read has to sum.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: an immutable ledger row with its running BalanceAfter
  - Snapshot: the starting balance of an account for one calendar month
  - Plan / UserPlan: billing tiers and an account's enrollment in them
  - UsageLog: a metered service call waiting to be debited

DESIGN PRINCIPLES:
  1. Append-only: transactions are never updated or deleted
  2. Integer credits: amounts are whole credits, signed (credit > 0, debit < 0)
  3. Type safety: distinct ID types so account and plan IDs can't be mixed
  4. One writer per account: see store.go (WithAccountTx)

SEE ALSO:
  - ledger.go: balance resolution and the transaction writer
  - snapshot.go: monthly snapshot job
  - store.go: persistence interfaces
*/
package credits

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string
type PlanID string
type UserPlanID string
type UsageLogID string

// Account is the holder of a credit balance. The ledger only needs its ID;
// the row exists so writers have something to lock.
type Account struct {
	ID        AccountID
	CreatedAt time.Time
}

// =============================================================================
// TRANSACTION - One balance-affecting event
// =============================================================================

type TransactionKind string

const (
	KindInitialGrant TransactionKind = "initial_grant" // Signup grant from the FREE plan
	KindPlanGrant    TransactionKind = "plan_grant"    // 30-day cycle grant or paid activation
	KindSystemReward TransactionKind = "system_reward" // Daily login / first chat rewards
	KindConsumption  TransactionKind = "consumption"   // Metered usage debit
	KindRefund       TransactionKind = "refund"        // Credits returned after a failed service call
	KindAdjustment   TransactionKind = "adjustment"    // Manual operator correction (either sign)
)

// Kinds lists every transaction kind in a stable order.
var Kinds = []TransactionKind{
	KindInitialGrant,
	KindPlanGrant,
	KindSystemReward,
	KindConsumption,
	KindRefund,
	KindAdjustment,
}

// Valid reports whether k is one of the known kinds.
func (k TransactionKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ClaimKind tags reward transactions that may happen at most once per day.
// The string value doubles as the transaction note.
type ClaimKind string

const (
	ClaimNone       ClaimKind = ""
	ClaimDailyLogin ClaimKind = "daily_login_reward"
	ClaimFirstChat  ClaimKind = "daily_first_chat_reward"
)

// Transaction is an immutable ledger row.
//
// INVARIANT: BalanceAfter equals the previous row's BalanceAfter plus Amount
// (or Amount itself for the first row of the account).
type Transaction struct {
	ID        TransactionID
	Seq       int64 // store-assigned, strictly increasing
	AccountID AccountID
	Kind      TransactionKind

	Amount       int64
	BalanceAfter int64

	Note     string
	Claim    ClaimKind
	ClaimDay time.Time // UTC midnight of the claim; zero when Claim is empty

	UsageLogID UsageLogID
	PlanID     PlanID

	CreatedAt time.Time
}

// =============================================================================
// SNAPSHOT - Cached starting balance of a calendar month
// =============================================================================

// Snapshot holds an account's balance as of the first instant of a month.
// At most one exists per (AccountID, MonthStart). Only EndingBalance is ever
// updated, and it is informational.
type Snapshot struct {
	AccountID       AccountID
	MonthStart      time.Time
	StartingBalance int64
	EndingBalance   *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// =============================================================================
// PLANS
// =============================================================================

// Tier is a billing tier. Tiers are ordered FREE < PLUS < PREMIUM.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierPlus    Tier = "PLUS"
	TierPremium Tier = "PREMIUM"
)

// Rank returns the tier's position in the ordering, or -1 if unknown.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierPlus:
		return 1
	case TierPremium:
		return 2
	default:
		return -1
	}
}

func (t Tier) Valid() bool { return t.Rank() >= 0 }

// Plan is immutable reference data, seeded out of band.
type Plan struct {
	ID              PlanID
	Name            string
	Tier            Tier
	CreditsPerMonth int64
	StripePriceID   string
	PayPalPlanID    string
}

type UserPlanStatus string

const (
	UserPlanActive   UserPlanStatus = "ACTIVE"
	UserPlanCanceled UserPlanStatus = "CANCELED"
)

// UserPlan is an account's enrollment in a plan. Superseded rows are kept
// with status CANCELED so the history survives.
type UserPlan struct {
	ID        UserPlanID
	AccountID AccountID
	PlanID    PlanID
	Status    UserPlanStatus

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time

	// LastCreditsGrantedAt anchors the 30-day grant window. Nil means the
	// plan has never been granted credits through the cycle path.
	LastCreditsGrantedAt *time.Time
	CancelAtPeriodEnd    bool

	StripeSubscriptionID string
	PayPalSubscriptionID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CycleEnded reports whether the plan's billing cycle is over at now.
func (up UserPlan) CycleEnded(now time.Time) bool {
	return !up.CurrentPeriodEnd.IsZero() && !now.Before(up.CurrentPeriodEnd)
}

// =============================================================================
// USAGE LOG - Metered service calls waiting to be debited
// =============================================================================

// ServiceKind is the closed set of metered services.
type ServiceKind string

const (
	ServiceChatTokens      ServiceKind = "chat_tokens"
	ServiceImageGeneration ServiceKind = "image_generation"
	ServiceTTSCharacters   ServiceKind = "tts_characters"
	ServiceVoiceMinutes    ServiceKind = "voice_minutes"
)

type UsageStatus string

const (
	UsagePending   UsageStatus = "pending"
	UsageProcessed UsageStatus = "processed"
	UsageFailed    UsageStatus = "failed"
)

type UsageLog struct {
	ID            UsageLogID
	AccountID     AccountID
	Service       ServiceKind
	Quantity      int64
	Cost          int64
	Status        UsageStatus
	TransactionID TransactionID
	Error         string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}
