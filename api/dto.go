/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers and domain packages, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/plans"
)

// =============================================================================
// BALANCE / LEDGER
// =============================================================================

type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type TransactionDTO struct {
	ID           string `json:"id"`
	Seq          int64  `json:"seq"`
	Kind         string `json:"kind"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	Note         string `json:"note,omitempty"`
	Claim        string `json:"claim,omitempty"`
	UsageLogID   string `json:"usage_log_id,omitempty"`
	PlanID       string `json:"plan_id,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type HistoryResponse struct {
	Transactions []TransactionDTO `json:"transactions"`
	NextCursor   int64            `json:"next_cursor,omitempty"`
}

// AdjustmentRequest is an operator correction or refund.
type AdjustmentRequest struct {
	Kind   string `json:"kind"` // adjustment (default) | refund
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

type TransactionResultDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	NewBalance  int64          `json:"new_balance"`
}

type VerifyResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	OK        bool   `json:"ok"`
}

// =============================================================================
// GRANTS / REWARDS
// =============================================================================

type GrantResponse struct {
	Granted        bool  `json:"granted"`
	CreditsGranted int64 `json:"credits_granted,omitempty"`
	Balance        int64 `json:"balance"`
}

// =============================================================================
// PLANS
// =============================================================================

type PlanDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Tier            string `json:"tier"`
	CreditsPerMonth int64  `json:"credits_per_month"`
}

type UserPlanDTO struct {
	ID                   string  `json:"id"`
	PlanID               string  `json:"plan_id"`
	Status               string  `json:"status"`
	CurrentPeriodStart   string  `json:"current_period_start"`
	CurrentPeriodEnd     string  `json:"current_period_end"`
	LastCreditsGrantedAt *string `json:"last_credits_granted_at,omitempty"`
	CancelAtPeriodEnd    bool    `json:"cancel_at_period_end"`
}

type CurrentPlanDTO struct {
	Plan     PlanDTO     `json:"plan"`
	UserPlan UserPlanDTO `json:"user_plan"`
	Period   int         `json:"period"`
}

type CancelRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

// ActivateRequest is an operator activation without a payment provider.
type ActivateRequest struct {
	AccountID string `json:"account_id"`
	PlanID    string `json:"plan_id"`
}

type ActivationDTO struct {
	UserPlan      UserPlanDTO `json:"user_plan"`
	NewBalance    int64       `json:"new_balance"`
	AlreadyActive bool        `json:"already_active"`
}

// =============================================================================
// USAGE
// =============================================================================

type UsageRequest struct {
	// ID makes retries idempotent; a repeated id answers 409.
	ID       string `json:"id,omitempty"`
	Service  string `json:"service"`
	Quantity int64  `json:"quantity"`
}

type UsageLogDTO struct {
	ID       string `json:"id"`
	Service  string `json:"service"`
	Quantity int64  `json:"quantity"`
	Cost     int64  `json:"cost"`
	Status   string `json:"status"`
}

// =============================================================================
// ERRORS / JOBS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type JobResponse struct {
	Job     string `json:"job"`
	Summary any    `json:"summary"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTransactionDTO(t credits.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           string(t.ID),
		Seq:          t.Seq,
		Kind:         string(t.Kind),
		Amount:       t.Amount,
		BalanceAfter: t.BalanceAfter,
		Note:         t.Note,
		Claim:        string(t.Claim),
		UsageLogID:   string(t.UsageLogID),
		PlanID:       string(t.PlanID),
		CreatedAt:    t.CreatedAt.Format(time.RFC3339Nano),
	}
}

func toPlanDTO(p credits.Plan) PlanDTO {
	return PlanDTO{
		ID:              string(p.ID),
		Name:            p.Name,
		Tier:            string(p.Tier),
		CreditsPerMonth: p.CreditsPerMonth,
	}
}

func toUserPlanDTO(up credits.UserPlan) UserPlanDTO {
	dto := UserPlanDTO{
		ID:                 string(up.ID),
		PlanID:             string(up.PlanID),
		Status:             string(up.Status),
		CurrentPeriodStart: up.CurrentPeriodStart.Format(time.RFC3339),
		CurrentPeriodEnd:   up.CurrentPeriodEnd.Format(time.RFC3339),
		CancelAtPeriodEnd:  up.CancelAtPeriodEnd,
	}
	if up.LastCreditsGrantedAt != nil {
		s := up.LastCreditsGrantedAt.Format(time.RFC3339)
		dto.LastCreditsGrantedAt = &s
	}
	return dto
}

func toCurrentPlanDTO(c *plans.Current, now time.Time) CurrentPlanDTO {
	return CurrentPlanDTO{
		Plan:     toPlanDTO(c.Plan),
		UserPlan: toUserPlanDTO(c.UserPlan),
		Period:   plans.CurrentPeriod(c.UserPlan, now),
	}
}

func toUsageLogDTO(l credits.UsageLog) UsageLogDTO {
	return UsageLogDTO{
		ID:       string(l.ID),
		Service:  string(l.Service),
		Quantity: l.Quantity,
		Cost:     l.Cost,
		Status:   string(l.Status),
	}
}
