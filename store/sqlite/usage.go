package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/credit-engine/credits"
)

// =============================================================================
// USAGE LOGS
// =============================================================================

const usageLogColumns = `id, account_id, service, quantity, cost, status, transaction_id, error,
	created_at, processed_at`

func (q queries) InsertUsageLog(ctx context.Context, l credits.UsageLog) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO usage_logs (`+usageLogColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID,
		l.AccountID,
		l.Service,
		l.Quantity,
		l.Cost,
		l.Status,
		nullString(string(l.TransactionID)),
		nullString(l.Error),
		formatTime(l.CreatedAt),
		nullTime(l.ProcessedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return credits.ErrUsageLogExists
		}
		return fmt.Errorf("failed to insert usage log: %w", err)
	}
	return nil
}

// UpdateUsageLog records the outcome of processing a log.
func (q queries) UpdateUsageLog(ctx context.Context, l credits.UsageLog) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE usage_logs SET
			status = ?,
			transaction_id = ?,
			error = ?,
			processed_at = ?
		WHERE id = ?
	`,
		l.Status,
		nullString(string(l.TransactionID)),
		nullString(l.Error),
		nullTime(l.ProcessedAt),
		l.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update usage log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credits.ErrUsageLogNotFound
	}
	return nil
}

func (q queries) GetUsageLog(ctx context.Context, id credits.UsageLogID) (*credits.UsageLog, error) {
	logs, err := q.queryUsageLogs(ctx, `SELECT `+usageLogColumns+` FROM usage_logs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, credits.ErrUsageLogNotFound
	}
	return &logs[0], nil
}

func (q queries) queryUsageLogs(ctx context.Context, query string, args ...any) ([]credits.UsageLog, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []credits.UsageLog
	for rows.Next() {
		l, err := scanUsageLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func scanUsageLog(row scanner) (credits.UsageLog, error) {
	var (
		l           credits.UsageLog
		txID        sql.NullString
		errText     sql.NullString
		createdAt   string
		processedAt sql.NullString
	)
	err := row.Scan(&l.ID, &l.AccountID, &l.Service, &l.Quantity, &l.Cost, &l.Status,
		&txID, &errText, &createdAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, credits.ErrUsageLogNotFound
	}
	if err != nil {
		return l, fmt.Errorf("failed to scan usage log: %w", err)
	}

	l.TransactionID = credits.TransactionID(txID.String)
	l.Error = errText.String
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return l, err
	}
	if l.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return l, err
	}
	return l, nil
}
