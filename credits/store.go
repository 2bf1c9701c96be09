/*
store.go - Persistence interfaces for the credit ledger

PURPOSE:
  Defines the boundary between ledger logic and the database. The ledger
  only ever appends transactions; snapshots, plans, user plans and usage
  logs are the mutable side tables around it.

KEY INTERFACES:
  Reader: point and range queries, safe outside a transaction
  Writer: inserts and the few permitted updates
  Tx:     Reader + Writer bound to one database transaction
  Store:  Tx + per-account transactions + batch-job enumeration

SERIALIZATION:
  WithAccountTx runs fn in a database transaction that excludes every other
  WithAccountTx for the same account until it commits or rolls back. The
  balance read, the insufficient-funds check and the insert all happen inside
  it, so two concurrent debits can never both pass the check.

  - store/sqlite: one writer connection and a store mutex
  - store/postgres: INSERT the account row, then SELECT ... FOR UPDATE

UNIQUENESS:
  Stores enforce (account_id, claim_kind, claim_day) and usage_log_id as
  unique indexes and translate violations to ErrDuplicateClaim and
  ErrDuplicateUsageLog.

SEE ALSO:
  - store/sqlite/sqlite.go
  - store/postgres/postgres.go
*/
package credits

import (
	"context"
	"time"
)

// Provider identifies an external payment provider.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
)

func (p Provider) Valid() bool { return p == ProviderStripe || p == ProviderPayPal }

// ListOptions pages through an account's transactions by Seq.
// Descending (the default) returns rows with Seq < Cursor; ascending returns
// rows with Seq > Cursor. Zero Cursor and zero Limit mean unbounded.
type ListOptions struct {
	Limit     int
	Cursor    int64
	Ascending bool
}

// =============================================================================
// READER
// =============================================================================

type Reader interface {
	// FindSnapshot returns nil, nil when the month has no snapshot.
	FindSnapshot(ctx context.Context, accountID AccountID, monthStart time.Time) (*Snapshot, error)

	// SumAmounts sums amounts with from <= created_at < to.
	// A zero from or to leaves that side unbounded.
	SumAmounts(ctx context.Context, accountID AccountID, from, to time.Time) (int64, error)

	// LastTransaction returns the row with the highest Seq, or nil.
	LastTransaction(ctx context.Context, accountID AccountID) (*Transaction, error)

	ListTransactions(ctx context.Context, accountID AccountID, opts ListOptions) ([]Transaction, error)

	// ClaimExists reports whether a claim of this kind exists on the UTC day.
	ClaimExists(ctx context.Context, accountID AccountID, claim ClaimKind, day time.Time) (bool, error)

	// HasTransactionOfKind reports whether the account has any row of kind.
	HasTransactionOfKind(ctx context.Context, accountID AccountID, kind TransactionKind) (bool, error)

	GetPlan(ctx context.Context, id PlanID) (*Plan, error)
	GetPlanByTier(ctx context.Context, tier Tier) (*Plan, error)
	GetPlanByExternalID(ctx context.Context, provider Provider, externalID string) (*Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)

	// ListUserPlans returns the account's user plans, newest first.
	ListUserPlans(ctx context.Context, accountID AccountID) ([]UserPlan, error)
	GetUserPlanBySubscription(ctx context.Context, provider Provider, externalID string) (*UserPlan, error)

	GetUsageLog(ctx context.Context, id UsageLogID) (*UsageLog, error)
}

// =============================================================================
// WRITER
// =============================================================================

type Writer interface {
	// AppendTransaction inserts tx and sets tx.Seq. It is the only write to
	// the ledger table; there is no update or delete.
	AppendTransaction(ctx context.Context, tx *Transaction) error

	SaveSnapshot(ctx context.Context, s Snapshot) error

	// UpdateSnapshotEnding sets EndingBalance. A missing snapshot is not an error.
	UpdateSnapshotEnding(ctx context.Context, accountID AccountID, monthStart time.Time, ending int64, at time.Time) error

	// SavePlan inserts or replaces a catalog entry.
	SavePlan(ctx context.Context, p Plan) error

	InsertUserPlan(ctx context.Context, up UserPlan) error
	UpdateUserPlan(ctx context.Context, up UserPlan) error

	InsertUsageLog(ctx context.Context, l UsageLog) error
	UpdateUsageLog(ctx context.Context, l UsageLog) error
}

// Tx is a Reader and Writer bound to one database transaction.
type Tx interface {
	Reader
	Writer
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Tx

	// WithAccountTx executes fn within a transaction serialized per account.
	// If fn returns error, the transaction is rolled back.
	WithAccountTx(ctx context.Context, accountID AccountID, fn func(Tx) error) error

	// WithTx executes fn within a transaction without taking an account lock.
	WithTx(ctx context.Context, fn func(Tx) error) error

	ListAccountIDs(ctx context.Context) ([]AccountID, error)
	ListActiveUserPlans(ctx context.Context) ([]UserPlan, error)
	ListPendingUsageLogs(ctx context.Context, limit int) ([]UsageLog, error)

	Close() error
}
