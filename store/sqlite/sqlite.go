/*
Package sqlite provides a SQLite-backed implementation of credits.Store.

PURPOSE:
  Development and test backend for the credit ledger. Production runs on
  store/postgres; the two share the same table layout and constraints.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on credit_transactions
  - No DELETE statements on credit_transactions
  - Corrections via adjustment or refund rows only

KEY TABLES:
  accounts:            One row per account, created on first write
  credit_transactions: Immutable ledger with running balance_after
  monthly_snapshots:   Month-start balances, unique per (account, month)
  plans:               Catalog, seeded out of band
  user_plans:          Plan enrollments (ACTIVE / CANCELED)
  usage_logs:          Metered calls waiting to be debited

INDEXES:
  - idx_credit_tx_account_created: balance sums (hot path)
  - idx_credit_tx_daily_claim: one reward claim per kind per UTC day
  - idx_credit_tx_usage_log: a usage log is debited at most once

CONCURRENCY:
  The pool is pinned to a single connection, so every transaction runs
  alone and ":memory:" databases survive between calls. WithAccountTx and
  WithTx also hold the store mutex for the duration of fn.

TIME STORAGE:
  Timestamps are stored as fixed-width UTC text (nanosecond precision) so
  lexical comparison in SQL matches chronological order. Claim days are
  stored as YYYY-MM-DD.

USAGE:
  store, err := sqlite.New("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := credits.NewLedger(store, credits.SystemClock, logger)

SEE ALSO:
  - credits/store.go: Interface definitions
  - store/postgres: Production implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/credit-engine/credits"
)

const (
	timeLayout = "2006-01-02T15:04:05.000000000Z"
	dayLayout  = "2006-01-02"
)

// Store implements credits.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

var _ credits.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{queries: queries{db: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS credit_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		note TEXT,
		claim_kind TEXT,
		claim_day TEXT,
		usage_log_id TEXT,
		plan_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_tx_account_created
		ON credit_transactions(account_id, created_at);

	-- One claim of each kind per account per UTC day
	CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_daily_claim
		ON credit_transactions(account_id, claim_kind, claim_day)
		WHERE claim_kind IS NOT NULL;

	CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_usage_log
		ON credit_transactions(usage_log_id)
		WHERE usage_log_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS monthly_snapshots (
		account_id TEXT NOT NULL,
		month_start TEXT NOT NULL,
		starting_balance INTEGER NOT NULL,
		ending_balance INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (account_id, month_start)
	);

	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		tier TEXT NOT NULL,
		credits_per_month INTEGER NOT NULL,
		stripe_price_id TEXT,
		paypal_plan_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_plans_tier ON plans(tier);

	CREATE TABLE IF NOT EXISTS user_plans (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		plan_id TEXT NOT NULL REFERENCES plans(id),
		status TEXT NOT NULL,
		current_period_start TEXT NOT NULL,
		current_period_end TEXT NOT NULL,
		last_credits_granted_at TEXT,
		cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
		stripe_subscription_id TEXT,
		paypal_subscription_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_user_plans_account_status
		ON user_plans(account_id, status);
	CREATE INDEX IF NOT EXISTS idx_user_plans_stripe
		ON user_plans(stripe_subscription_id) WHERE stripe_subscription_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_user_plans_paypal
		ON user_plans(paypal_subscription_id) WHERE paypal_subscription_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS usage_logs (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		service TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		cost INTEGER NOT NULL,
		status TEXT NOT NULL,
		transaction_id TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		processed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_usage_logs_status_created
		ON usage_logs(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithAccountTx executes fn within a database transaction. The single
// connection already excludes every other writer, so the account lock is
// implicit.
func (s *Store) WithAccountTx(ctx context.Context, accountID credits.AccountID, fn func(credits.Tx) error) error {
	if accountID == "" {
		return credits.ErrInvalidAccount
	}
	return s.WithTx(ctx, fn)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(credits.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{db: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	queries
}

// =============================================================================
// BATCH-JOB ENUMERATION
// =============================================================================

func (s *Store) ListAccountIDs(ctx context.Context) ([]credits.AccountID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []credits.AccountID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, credits.AccountID(id))
	}
	return ids, rows.Err()
}

func (s *Store) ListActiveUserPlans(ctx context.Context) ([]credits.UserPlan, error) {
	return s.queryUserPlans(ctx, `
		SELECT `+userPlanColumns+`
		FROM user_plans
		WHERE status = ?
		ORDER BY account_id, created_at DESC, rowid DESC
	`, credits.UserPlanActive)
}

// ListPendingUsageLogs returns pending logs oldest first. limit <= 0 means all.
func (s *Store) ListPendingUsageLogs(ctx context.Context, limit int) ([]credits.UsageLog, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryUsageLogs(ctx, `
		SELECT `+usageLogColumns+`
		FROM usage_logs
		WHERE status = ?
		ORDER BY created_at, rowid
		LIMIT ?
	`, credits.UsagePending, limit)
}

// =============================================================================
// QUERIES - Shared by Store and txStore
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

func (q queries) ensureAccount(ctx context.Context, id credits.AccountID, at time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (id, created_at) VALUES (?, ?)`,
		id, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
