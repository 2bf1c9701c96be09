/*
handlers.go - HTTP API handlers for the credit engine

PURPOSE:
  Exposes the ledger, rewards, plans and usage metering via REST API.
  Handles HTTP request/response and JSON serialization, and delegates to
  the domain packages.

ENDPOINTS:
  Account (all under /api/accounts/{accountID}):
    GET    /balance               Current balance
    GET    /transactions          History, newest first (?limit=&cursor=)
    GET    /verify                Replay the BalanceAfter chain
    POST   /signup                Initial FREE grant + plan
    POST   /login                 FREE monthly grant when due
    GET    /rewards/daily         Daily reward status
    POST   /rewards/daily         Claim daily reward
    GET    /rewards/first-chat    First-chat reward status
    POST   /rewards/first-chat    Claim first-chat reward
    GET    /plan                  Current plan
    POST   /plan/cancel           Cancel now or at period end
    POST   /plan/reactivate       Undo a cancellation
    POST   /usage                 Record metered usage
    POST   /adjustments           Operator adjustment or refund (admin)

  Catalog:
    GET    /api/plans             Plan catalog

  Admin:
    POST   /api/admin/activations Activate a plan without a provider
    POST   /api/admin/jobs/{job}  Run a background job now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Plan, subscription or active plan not found
  - 409: Already claimed, already initialized, invalid plan transition
  - 422: Insufficient credits
  - 500: Internal errors (including missing seed data)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/plans"
	"github.com/warp/credit-engine/rewards"
	"github.com/warp/credit-engine/usage"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   credits.Store
	Clock   credits.Clock
	Ledger  *credits.Ledger
	Plans   *plans.Manager
	Rewards *rewards.Manager
	Usage   *usage.Recorder
	Jobs    *Scheduler // nil disables /api/admin/jobs
	Log     logrus.FieldLogger
}

// NewHandler builds the domain services over one store.
func NewHandler(store credits.Store, clock credits.Clock, log logrus.FieldLogger, amounts rewards.Amounts) *Handler {
	if clock == nil {
		clock = credits.SystemClock
	}
	return &Handler{
		Store:   store,
		Clock:   clock,
		Ledger:  credits.NewLedger(store, clock, log),
		Plans:   plans.NewManager(store, clock, log),
		Rewards: rewards.NewManager(store, clock, log, amounts),
		Usage:   usage.NewRecorder(store, clock, log, usage.DefaultPricing),
		Log:     log,
	}
}

func accountParam(r *http.Request) credits.AccountID {
	return credits.AccountID(chi.URLParam(r, "accountID"))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetBalance returns the account's current balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := accountParam(r)
	balance, err := h.Ledger.CurrentBalance(r.Context(), accountID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{AccountID: string(accountID), Balance: balance})
}

// GetTransactions returns one page of history, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	opts := credits.ListOptions{Limit: credits.DefaultHistoryLimit}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		opts.Limit = n
	}
	if s := r.URL.Query().Get("cursor"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "cursor must be a positive integer", nil)
			return
		}
		opts.Cursor = n
	}

	txs, err := h.Ledger.History(r.Context(), accountParam(r), opts)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := HistoryResponse{Transactions: make([]TransactionDTO, len(txs))}
	for i, t := range txs {
		resp.Transactions[i] = toTransactionDTO(t)
	}
	limit := opts.Limit
	if limit > credits.MaxHistoryLimit {
		limit = credits.MaxHistoryLimit
	}
	if len(txs) == limit && len(txs) > 0 {
		resp.NextCursor = txs[len(txs)-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// VerifyLedger replays the account's BalanceAfter chain.
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	accountID := accountParam(r)
	balance, err := h.Ledger.Verify(r.Context(), accountID)
	var integrity *credits.IntegrityError
	if errors.As(err, &integrity) {
		h.Log.WithFields(logrus.Fields{
			"account_id":     accountID,
			"transaction_id": integrity.TransactionID,
		}).Error("ledger integrity violation")
		writeJSON(w, http.StatusOK, VerifyResponse{AccountID: string(accountID), Balance: integrity.Expected, OK: false})
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{AccountID: string(accountID), Balance: balance, OK: true})
}

// CreateAdjustment applies an operator adjustment or refund.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	kind := credits.KindAdjustment
	switch req.Kind {
	case "", string(credits.KindAdjustment):
	case string(credits.KindRefund):
		kind = credits.KindRefund
	default:
		writeError(w, http.StatusBadRequest, "kind must be adjustment or refund", nil)
		return
	}

	res, err := h.Ledger.CreateTransaction(r.Context(), credits.TransactionRequest{
		AccountID: accountParam(r),
		Kind:      kind,
		Amount:    req.Amount,
		Note:      req.Note,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransactionResultDTO{
		Transaction: toTransactionDTO(res.Transaction),
		NewBalance:  res.NewBalance,
	})
}

// =============================================================================
// SIGNUP / LOGIN
// =============================================================================

// Signup grants the initial FREE credits and enrolls the account.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	accountID := accountParam(r)
	if err := h.Plans.GrantInitialCredits(r.Context(), accountID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeGrant(w, r, http.StatusCreated, true)
}

// Login grants the FREE monthly credits when the cycle is due.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	granted, err := h.Plans.GrantFreeMonthlyCreditsOnLogin(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeGrant(w, r, http.StatusOK, granted)
}

func (h *Handler) writeGrant(w http.ResponseWriter, r *http.Request, status int, granted bool) {
	balance, err := h.Ledger.CurrentBalance(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, status, GrantResponse{Granted: granted, Balance: balance})
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

func (h *Handler) ClaimDailyReward(w http.ResponseWriter, r *http.Request) {
	grant, err := h.Rewards.ClaimDailyReward(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GrantResponse{Granted: true, CreditsGranted: grant.CreditsGranted, Balance: grant.NewBalance})
}

func (h *Handler) DailyRewardStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Rewards.DailyRewardStatus(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ClaimFirstChatReward never fails because the reward was already claimed;
// it reports granted=false instead.
func (h *Handler) ClaimFirstChatReward(w http.ResponseWriter, r *http.Request) {
	grant, err := h.Rewards.ClaimFirstChatReward(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if grant == nil {
		h.writeGrant(w, r, http.StatusOK, false)
		return
	}
	writeJSON(w, http.StatusOK, GrantResponse{Granted: true, CreditsGranted: grant.CreditsGranted, Balance: grant.NewBalance})
}

func (h *Handler) FirstChatRewardStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Rewards.FirstChatRewardStatus(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// ListPlans returns the catalog.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.Store.ListPlans(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]PlanDTO, len(catalog))
	for i, p := range catalog {
		dtos[i] = toPlanDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCurrentPlan(w http.ResponseWriter, r *http.Request) {
	cur, err := h.Plans.CurrentPlan(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCurrentPlanDTO(cur, h.Clock.Now()))
}

func (h *Handler) CancelPlan(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	up, err := h.Plans.Cancel(r.Context(), accountParam(r), req.AtPeriodEnd)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserPlanDTO(*up))
}

func (h *Handler) ReactivatePlan(w http.ResponseWriter, r *http.Request) {
	up, err := h.Plans.Reactivate(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserPlanDTO(*up))
}

// ActivatePlan is the operator path for comped or migrated subscriptions.
func (h *Handler) ActivatePlan(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Plans.Activate(r.Context(), plans.Activation{
		AccountID: credits.AccountID(req.AccountID),
		PlanID:    credits.PlanID(req.PlanID),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ActivationDTO{
		UserPlan:      toUserPlanDTO(res.UserPlan),
		NewBalance:    res.NewBalance,
		AlreadyActive: res.AlreadyActive,
	})
}

// =============================================================================
// USAGE
// =============================================================================

// RecordUsage stores a pending usage log. The debit happens in the usage job.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	l, err := h.Usage.RecordEvent(r.Context(), credits.UsageLogID(req.ID), accountParam(r), credits.ServiceKind(req.Service), req.Quantity)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toUsageLogDTO(*l))
}

// =============================================================================
// JOBS
// =============================================================================

// RunJob runs one background job synchronously.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	if h.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "jobs are not configured", nil)
		return
	}
	job := chi.URLParam(r, "job")
	summary, err := h.Jobs.Run(r.Context(), job)
	if errors.Is(err, ErrUnknownJob) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", job), nil)
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Job: job, Summary: summary})
}

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, credits.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rewards.ErrAlreadyClaimed),
		errors.Is(err, credits.ErrDuplicateClaim),
		errors.Is(err, credits.ErrDuplicateUsageLog),
		errors.Is(err, credits.ErrUsageLogExists),
		errors.Is(err, plans.ErrAlreadyInitialized),
		errors.Is(err, plans.ErrFreePlanCancel),
		errors.Is(err, plans.ErrNoReactivatablePlan):
		return http.StatusConflict
	case errors.Is(err, plans.ErrMissingSeedData):
		return http.StatusInternalServerError
	case credits.IsNotFound(err), errors.Is(err, plans.ErrNoActivePlan):
		return http.StatusNotFound
	case credits.IsClientError(err), usage.IsInvalid(err), errors.Is(err, plans.ErrInvalidActivation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.WithField("error", err).Error("request failed")
		writeError(w, status, "internal error", nil)
		return
	}
	writeError(w, status, err.Error(), nil)
}
