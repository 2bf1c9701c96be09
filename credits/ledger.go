/*
ledger.go - Balance resolution and the single write path

PURPOSE:
  The Ledger is the only way credits move. Every grant, reward, refund,
  adjustment and metered debit goes through ApplyTransaction, which reads
  the balance and appends the new row inside one per-account transaction.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: rows are never updated or deleted
  2. CHAIN: BalanceAfter(n) = BalanceAfter(n-1) + Amount(n)
  3. NO OVERDRAFT: a debit that would go below zero writes nothing
  4. SERIALIZED: writers of one account run one at a time

BALANCE RESOLUTION:
  With a snapshot for the current month:
    balance = snapshot.StartingBalance + sum(amount, created_at >= month start)
  Without one:
    balance = sum(all amounts), 0 when the account has no rows

CORRECTIONS:
  Mistakes are fixed with an adjustment or refund row, never an edit.

SEE ALSO:
  - store.go: WithAccountTx and the persistence contract
  - snapshot.go: how month-start snapshots are produced
*/
package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/credit-engine/metrics"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// TransactionRequest describes one balance change.
type TransactionRequest struct {
	AccountID AccountID
	Kind      TransactionKind
	Amount    int64 // signed: credit > 0, debit < 0
	Note      string

	// Claim marks a once-per-UTC-day reward. ClaimDay is derived from now.
	Claim ClaimKind

	UsageLogID UsageLogID
	PlanID     PlanID
}

type TransactionResult struct {
	Transaction Transaction
	NewBalance  int64
}

// Validate checks the request shape. It does not look at the balance.
func (r TransactionRequest) Validate() error {
	if r.AccountID == "" {
		return ErrInvalidAccount
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, r.Kind)
	}
	if r.Amount == 0 {
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	switch r.Kind {
	case KindConsumption:
		if r.Amount > 0 {
			return fmt.Errorf("%w: consumption must be negative", ErrInvalidAmount)
		}
	case KindAdjustment:
		// either sign
	default:
		if r.Amount < 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, r.Kind)
		}
	}
	return nil
}

// =============================================================================
// BALANCE RESOLVER
// =============================================================================

// ResolveBalance computes the account's balance as of now.
func ResolveBalance(ctx context.Context, r Reader, accountID AccountID, now time.Time) (int64, error) {
	monthStart := StartOfMonth(now)

	snap, err := r.FindSnapshot(ctx, accountID, monthStart)
	if err != nil {
		return 0, fmt.Errorf("find snapshot: %w", err)
	}
	if snap != nil {
		since, err := r.SumAmounts(ctx, accountID, monthStart, time.Time{})
		if err != nil {
			return 0, fmt.Errorf("sum since month start: %w", err)
		}
		return snap.StartingBalance + since, nil
	}

	total, err := r.SumAmounts(ctx, accountID, time.Time{}, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("sum all: %w", err)
	}
	return total, nil
}

// =============================================================================
// TRANSACTION WRITER
// =============================================================================

// ApplyTransaction validates req, checks funds and appends the row on tx.
// The caller must hold the account transaction (Store.WithAccountTx) and
// should read now inside it.
func ApplyTransaction(ctx context.Context, tx Tx, req TransactionRequest, now time.Time) (*TransactionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	at, err := appendTime(ctx, tx, req.AccountID, now)
	if err != nil {
		return nil, err
	}

	balance, err := ResolveBalance(ctx, tx, req.AccountID, at)
	if err != nil {
		return nil, err
	}

	newBalance := balance + req.Amount
	if req.Amount < 0 && newBalance < 0 {
		metrics.RejectedDebits.Inc()
		return nil, &InsufficientFundsError{
			AccountID: req.AccountID,
			Balance:   balance,
			Requested: -req.Amount,
		}
	}

	note := req.Note
	if note == "" && req.Claim != ClaimNone {
		note = string(req.Claim)
	}

	t := Transaction{
		ID:           TransactionID(uuid.NewString()),
		AccountID:    req.AccountID,
		Kind:         req.Kind,
		Amount:       req.Amount,
		BalanceAfter: newBalance,
		Note:         note,
		Claim:        req.Claim,
		UsageLogID:   req.UsageLogID,
		PlanID:       req.PlanID,
		CreatedAt:    at,
	}
	if req.Claim != ClaimNone {
		t.ClaimDay = StartOfDay(now)
	}

	if err := tx.AppendTransaction(ctx, &t); err != nil {
		return nil, err
	}

	metrics.LedgerWrites.WithLabelValues(string(t.Kind)).Inc()
	metrics.LedgerCredits.WithLabelValues(string(t.Kind)).Add(float64(abs(t.Amount)))

	return &TransactionResult{Transaction: t, NewBalance: newBalance}, nil
}

// appendTime returns the created_at for a new row. It never goes behind the
// account's last row, and never lands in a month whose successor already has
// a snapshot: that snapshot's StartingBalance was summed without it.
func appendTime(ctx context.Context, r Reader, accountID AccountID, now time.Time) (time.Time, error) {
	at := now.UTC()

	last, err := r.LastTransaction(ctx, accountID)
	if err != nil {
		return at, fmt.Errorf("last transaction: %w", err)
	}
	if last != nil && last.CreatedAt.After(at) {
		at = last.CreatedAt.UTC()
	}

	next := StartOfMonth(at).AddDate(0, 1, 0)
	snap, err := r.FindSnapshot(ctx, accountID, next)
	if err != nil {
		return at, fmt.Errorf("find snapshot: %w", err)
	}
	if snap != nil {
		at = next
	}
	return at, nil
}

// =============================================================================
// LEDGER - Store-backed service
// =============================================================================

type Ledger struct {
	Store Store
	Clock Clock
	Log   logrus.FieldLogger
}

func NewLedger(store Store, clock Clock, log logrus.FieldLogger) *Ledger {
	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{Store: store, Clock: clock, Log: log}
}

// CurrentBalance resolves the balance at the clock's now. Read-only.
func (l *Ledger) CurrentBalance(ctx context.Context, accountID AccountID) (int64, error) {
	return ResolveBalance(ctx, l.Store, accountID, l.Clock.Now())
}

// CreateTransaction applies req in its own account transaction.
func (l *Ledger) CreateTransaction(ctx context.Context, req TransactionRequest) (*TransactionResult, error) {
	var result *TransactionResult
	err := l.Store.WithAccountTx(ctx, req.AccountID, func(tx Tx) error {
		res, err := ApplyTransaction(ctx, tx, req, l.Clock.Now())
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		l.Log.WithFields(logrus.Fields{
			"account_id": req.AccountID,
			"kind":       req.Kind,
			"amount":     req.Amount,
			"error":      err,
		}).Debug("transaction rejected")
		return nil, err
	}

	l.Log.WithFields(logrus.Fields{
		"account_id":    req.AccountID,
		"kind":          req.Kind,
		"amount":        req.Amount,
		"balance_after": result.NewBalance,
	}).Info("transaction recorded")
	return result, nil
}

// History returns the account's transactions newest first.
func (l *Ledger) History(ctx context.Context, accountID AccountID, opts ListOptions) ([]Transaction, error) {
	if accountID == "" {
		return nil, ErrInvalidAccount
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultHistoryLimit
	}
	if opts.Limit > MaxHistoryLimit {
		opts.Limit = MaxHistoryLimit
	}
	opts.Ascending = false
	return l.Store.ListTransactions(ctx, accountID, opts)
}

// Verify replays the account's chain from the first row and returns the
// final balance. The first mismatch is reported as *IntegrityError, as is a
// resolved balance (snapshot + month) that disagrees with the last row.
func (l *Ledger) Verify(ctx context.Context, accountID AccountID) (int64, error) {
	txs, err := l.Store.ListTransactions(ctx, accountID, ListOptions{Ascending: true})
	if err != nil {
		return 0, err
	}

	var running int64
	for _, t := range txs {
		running += t.Amount
		if t.BalanceAfter != running {
			return 0, &IntegrityError{
				AccountID:     accountID,
				TransactionID: t.ID,
				Seq:           t.Seq,
				Expected:      running,
				Recorded:      t.BalanceAfter,
			}
		}
	}

	last, err := l.Store.LastTransaction(ctx, accountID)
	if err != nil || last == nil {
		return running, err
	}
	resolved, err := ResolveBalance(ctx, l.Store, accountID, l.Clock.Now())
	if err != nil {
		return 0, err
	}
	if resolved != last.BalanceAfter {
		return 0, &IntegrityError{
			AccountID:     accountID,
			TransactionID: last.ID,
			Seq:           last.Seq,
			Expected:      last.BalanceAfter,
			Recorded:      resolved,
		}
	}
	return running, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
