package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/credit-engine/credits"
)

// =============================================================================
// CREDIT TRANSACTIONS (append-only)
// =============================================================================

const transactionColumns = `seq, id, account_id, kind, amount, balance_after, note,
	claim_kind, claim_day, usage_log_id, plan_id, created_at`

// AppendTransaction adds a row to the ledger and sets tx.Seq.
func (q queries) AppendTransaction(ctx context.Context, tx *credits.Transaction) error {
	if err := q.ensureAccount(ctx, tx.AccountID, tx.CreatedAt); err != nil {
		return err
	}

	var claimDay sql.NullString
	if tx.Claim != credits.ClaimNone {
		claimDay = sql.NullString{String: tx.ClaimDay.UTC().Format(dayLayout), Valid: true}
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO credit_transactions
		(id, account_id, kind, amount, balance_after, note,
		 claim_kind, claim_day, usage_log_id, plan_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.AccountID,
		tx.Kind,
		tx.Amount,
		tx.BalanceAfter,
		nullString(tx.Note),
		nullString(string(tx.Claim)),
		claimDay,
		nullString(string(tx.UsageLogID)),
		nullString(string(tx.PlanID)),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			switch {
			case strings.Contains(err.Error(), "claim_kind"):
				return credits.ErrDuplicateClaim
			case strings.Contains(err.Error(), "usage_log_id"):
				return credits.ErrDuplicateUsageLog
			}
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read transaction seq: %w", err)
	}
	tx.Seq = seq
	return nil
}

func (q queries) SumAmounts(ctx context.Context, accountID credits.AccountID, from, to time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE account_id = ?`
	args := []any{accountID}
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, formatTime(to))
	}

	var sum int64
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

func (q queries) LastTransaction(ctx context.Context, accountID credits.AccountID) (*credits.Transaction, error) {
	txs, err := q.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE account_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, accountID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (q queries) ListTransactions(ctx context.Context, accountID credits.AccountID, opts credits.ListOptions) ([]credits.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM credit_transactions WHERE account_id = ?`
	args := []any{accountID}

	if opts.Cursor > 0 {
		if opts.Ascending {
			query += ` AND seq > ?`
		} else {
			query += ` AND seq < ?`
		}
		args = append(args, opts.Cursor)
	}
	if opts.Ascending {
		query += ` ORDER BY seq ASC`
	} else {
		query += ` ORDER BY seq DESC`
	}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	return q.queryTransactions(ctx, query, args...)
}

func (q queries) ClaimExists(ctx context.Context, accountID credits.AccountID, claim credits.ClaimKind, day time.Time) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credit_transactions
		WHERE account_id = ? AND claim_kind = ? AND claim_day = ?
	`, accountID, claim, day.UTC().Format(dayLayout)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check claim: %w", err)
	}
	return count > 0, nil
}

func (q queries) HasTransactionOfKind(ctx context.Context, accountID credits.AccountID, kind credits.TransactionKind) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credit_transactions WHERE account_id = ? AND kind = ?
	`, accountID, kind).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction kind: %w", err)
	}
	return count > 0, nil
}

func (q queries) queryTransactions(ctx context.Context, query string, args ...any) ([]credits.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []credits.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(rows *sql.Rows) (credits.Transaction, error) {
	var (
		tx         credits.Transaction
		note       sql.NullString
		claimKind  sql.NullString
		claimDay   sql.NullString
		usageLogID sql.NullString
		planID     sql.NullString
		createdAt  string
	)

	err := rows.Scan(
		&tx.Seq, &tx.ID, &tx.AccountID, &tx.Kind, &tx.Amount, &tx.BalanceAfter, &note,
		&claimKind, &claimDay, &usageLogID, &planID, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Note = note.String
	tx.Claim = credits.ClaimKind(claimKind.String)
	tx.UsageLogID = credits.UsageLogID(usageLogID.String)
	tx.PlanID = credits.PlanID(planID.String)

	if claimDay.Valid {
		day, err := time.Parse(dayLayout, claimDay.String)
		if err != nil {
			return tx, fmt.Errorf("invalid claim day %q: %w", claimDay.String, err)
		}
		tx.ClaimDay = day
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return tx, err
	}
	return tx, nil
}

// =============================================================================
// MONTHLY SNAPSHOTS
// =============================================================================

func (q queries) FindSnapshot(ctx context.Context, accountID credits.AccountID, monthStart time.Time) (*credits.Snapshot, error) {
	var (
		snap      = credits.Snapshot{AccountID: accountID}
		monthStr  string
		ending    sql.NullInt64
		createdAt string
		updatedAt string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT month_start, starting_balance, ending_balance, created_at, updated_at
		FROM monthly_snapshots
		WHERE account_id = ? AND month_start = ?
	`, accountID, formatTime(monthStart)).Scan(&monthStr, &snap.StartingBalance, &ending, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if ending.Valid {
		v := ending.Int64
		snap.EndingBalance = &v
	}
	if snap.MonthStart, err = parseTime(monthStr); err != nil {
		return nil, err
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if snap.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (q queries) SaveSnapshot(ctx context.Context, s credits.Snapshot) error {
	var ending sql.NullInt64
	if s.EndingBalance != nil {
		ending = sql.NullInt64{Int64: *s.EndingBalance, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO monthly_snapshots
		(account_id, month_start, starting_balance, ending_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		s.AccountID,
		formatTime(credits.StartOfMonth(s.MonthStart)),
		s.StartingBalance,
		ending,
		formatTime(s.CreatedAt),
		formatTime(s.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return credits.ErrSnapshotExists
		}
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (q queries) UpdateSnapshotEnding(ctx context.Context, accountID credits.AccountID, monthStart time.Time, ending int64, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE monthly_snapshots
		SET ending_balance = ?, updated_at = ?
		WHERE account_id = ? AND month_start = ?
	`, ending, formatTime(at), accountID, formatTime(credits.StartOfMonth(monthStart)))
	if err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	return nil
}
