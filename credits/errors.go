/*
errors.go - Centralized error types for the credit engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers test for them with errors.Is / errors.As; the HTTP layer maps
  them to status codes through IsClientError and IsNotFound.

ERROR CATEGORIES:
  1. Ledger errors - Balance and integrity failures
  2. Validation errors - Malformed transaction requests
  3. Store errors - Uniqueness violations surfaced by the database
  4. Catalog errors - Missing plans and seed data

SEE ALSO:
  - ledger.go: Returns these errors
  - store/sqlite, store/postgres: Translate constraint violations
*/
package credits

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when a debit would take the balance
	// below zero. Nothing is written.
	ErrInsufficientFunds = errors.New("insufficient credits")

	// ErrInvalidAmount covers zero amounts and amounts whose sign does not
	// match the transaction kind.
	ErrInvalidAmount = errors.New("invalid amount")

	ErrInvalidKind = errors.New("invalid transaction kind")

	ErrInvalidAccount = errors.New("account id is required")

	// ErrDuplicateClaim is returned by stores when the (account, claim kind,
	// claim day) unique index rejects an insert.
	ErrDuplicateClaim = errors.New("claim already recorded for this day")

	// ErrDuplicateUsageLog is returned when a usage log has already been debited.
	ErrDuplicateUsageLog = errors.New("usage log already debited")

	// ErrUsageLogExists is returned when a usage log id is recorded twice.
	ErrUsageLogExists = errors.New("usage log already recorded")

	ErrPlanNotFound     = errors.New("plan not found")
	ErrUserPlanNotFound = errors.New("user plan not found")
	ErrUsageLogNotFound = errors.New("usage log not found")

	// ErrSnapshotExists is returned when a month already has a snapshot.
	ErrSnapshotExists = errors.New("snapshot already exists for month")

	// ErrIntegrity is returned when the BalanceAfter chain does not replay.
	ErrIntegrity = errors.New("ledger integrity violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a rejected debit.
type InsufficientFundsError struct {
	AccountID AccountID
	Balance   int64
	Requested int64 // absolute value of the debit
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: balance %d, requested %d",
		e.AccountID, e.Balance, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// IntegrityError points at the first row whose BalanceAfter does not match
// the replayed running total, or at the last row when the snapshot-resolved
// balance (Recorded) disagrees with it.
type IntegrityError struct {
	AccountID     AccountID
	TransactionID TransactionID
	Seq           int64
	Expected      int64
	Recorded      int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation for %s at tx %s (seq %d): expected balance %d, recorded %d",
		e.AccountID, e.TransactionID, e.Seq, e.Expected, e.Recorded)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidKind) ||
		errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrDuplicateClaim) ||
		errors.Is(err, ErrDuplicateUsageLog)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrUserPlanNotFound) ||
		errors.Is(err, ErrUsageLogNotFound)
}
