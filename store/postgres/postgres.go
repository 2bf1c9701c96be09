/*
Package postgres provides the production implementation of credits.Store
on PostgreSQL through gorm.

SERIALIZATION:
  WithAccountTx inserts the account row if missing (ON CONFLICT DO NOTHING)
  and then locks it with SELECT ... FOR UPDATE. Every writer of the account
  queues on that row lock until the holder commits, so the balance read and
  the append inside fn see a stable ledger.

UNIQUENESS:
  Partial unique indexes back the claim and usage-log invariants. Violations
  surface as *pgconn.PgError with code 23505 and are translated by
  constraint name.

SEE ALSO:
  - credits/store.go: Interface definitions
  - store/sqlite: Development and test implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/warp/credit-engine/credits"
)

const (
	uniqueViolation = "23505"

	claimIndex    = "idx_credit_tx_daily_claim"
	usageLogIndex = "idx_credit_tx_usage_log"
)

type Store struct {
	queries
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ credits.Store = (*Store)(nil)

// New connects to dsn and migrates the schema.
func New(dsn string, log logrus.FieldLogger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	store := &Store{queries: queries{db: db}, db: db, log: log}
	if err := store.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.Info("connected to PostgreSQL")
	return store, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(
		&accountRow{},
		&transactionRow{},
		&snapshotRow{},
		&planRow{},
		&userPlanRow{},
		&usageLogRow{},
	); err != nil {
		return err
	}

	statements := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + claimIndex + `
			ON credit_transactions (account_id, claim_kind, claim_day)
			WHERE claim_kind IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + usageLogIndex + `
			ON credit_transactions (usage_log_id)
			WHERE usage_log_id IS NOT NULL`,
	}
	for _, stmt := range statements {
		if err := s.db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func (s *Store) WithAccountTx(ctx context.Context, accountID credits.AccountID, fn func(credits.Tx) error) error {
	if accountID == "" {
		return credits.ErrInvalidAccount
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&accountRow{ID: string(accountID), CreatedAt: time.Now().UTC()}).Error
		if err != nil {
			return fmt.Errorf("failed to ensure account: %w", err)
		}

		var acct accountRow
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", string(accountID)).
			Take(&acct).Error
		if err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}

		return fn(&queries{db: tx})
	})
}

func (s *Store) WithTx(ctx context.Context, fn func(credits.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&queries{db: tx})
	})
}

// =============================================================================
// BATCH-JOB ENUMERATION
// =============================================================================

func (s *Store) ListAccountIDs(ctx context.Context) ([]credits.AccountID, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&accountRow{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	out := make([]credits.AccountID, len(ids))
	for i, id := range ids {
		out[i] = credits.AccountID(id)
	}
	return out, nil
}

func (s *Store) ListActiveUserPlans(ctx context.Context) ([]credits.UserPlan, error) {
	var rows []userPlanRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(credits.UserPlanActive)).
		Order("account_id, created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active user plans: %w", err)
	}
	return userPlansToDomain(rows), nil
}

func (s *Store) ListPendingUsageLogs(ctx context.Context, limit int) ([]credits.UsageLog, error) {
	q := s.db.WithContext(ctx).
		Where("status = ?", string(credits.UsagePending)).
		Order("created_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []usageLogRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending usage logs: %w", err)
	}
	out := make([]credits.UsageLog, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// =============================================================================
// ERROR TRANSLATION
// =============================================================================

// translateError maps unique violations on the ledger's partial indexes to
// domain sentinels. Other errors are wrapped with op.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case claimIndex:
			return credits.ErrDuplicateClaim
		case usageLogIndex:
			return credits.ErrDuplicateUsageLog
		case "monthly_snapshots_pkey":
			return credits.ErrSnapshotExists
		case "usage_logs_pkey":
			return credits.ErrUsageLogExists
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
