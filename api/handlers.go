/*
handlers.go - HTTP API handlers for the automation engine

PURPOSE:
  Exposes the read surface of the scheduled engines via REST API plus
  the manual triggers operators need. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Leave:
    GET  /api/leave/balances?staffId=        List balances for a staff member
    GET  /api/leave/balances/{id}            Get one balance
    GET  /api/leave/balances/{id}/transactions  Ledger history

  Budgets:
    GET  /api/budgets                        Active budget ledgers
    GET  /api/budgets/{id}                   Get one ledger
    POST /api/budgets/{id}/recompute         Recompute utilization now

  Audit:
    GET  /api/audit                          Query the audit trail

  Jobs:
    GET  /api/jobs                           Registered jobs and cadences
    GET  /api/jobs/runs?job=&limit=          Run history
    POST /api/jobs/{name}/run                Trigger a job now

ERROR HANDLING:
  Domain errors map to HTTP status via their sentinel:
  - 400: validation errors
  - 401/403: identity and permission failures (identity.go)
  - 404: not found
  - 409: concurrent modification, duplicate idempotency key
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - identity.go: Identity extraction and permission gates
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/caddycharles/caddy-ndis/audit"
	"github.com/caddycharles/caddy-ndis/budget"
	"github.com/caddycharles/caddy-ndis/leave"
	"github.com/caddycharles/caddy-ndis/ledger"
	"github.com/caddycharles/caddy-ndis/scheduler"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers. Stores are the
// engine-facing interfaces, so any store implementation serves.
type Handler struct {
	Leave   leave.Store
	Budgets budget.Store
	Audit   audit.Store
	Runs    scheduler.RunStore

	BudgetEngine *budget.Engine
	Dispatcher   *scheduler.Dispatcher
}

// =============================================================================
// LEAVE ENDPOINTS
// =============================================================================

// ListBalances returns the leave balances for one staff member.
// GET /api/leave/balances?staffId=...
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	staffID := r.URL.Query().Get("staffId")
	if staffID == "" {
		writeError(w, http.StatusBadRequest, "staffId is required", nil)
		return
	}

	balances, err := h.Leave.ListBalancesByStaff(r.Context(), ledger.StaffID(staffID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list balances", err)
		return
	}

	dtos := make([]BalanceDTO, 0, len(balances))
	for _, b := range balances {
		dtos = append(dtos, toBalanceDTO(b))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalance returns one leave balance.
// GET /api/leave/balances/{id}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	balance, err := h.Leave.GetBalance(r.Context(), ledger.BalanceID(id))
	if err != nil {
		writeDomainError(w, "failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*balance))
}

// GetBalanceTransactions returns the ledger history for a balance.
// GET /api/leave/balances/{id}/transactions
func (h *Handler) GetBalanceTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	txs, err := h.Leave.ListTransactions(r.Context(), ledger.BalanceID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BUDGET ENDPOINTS
// =============================================================================

// ListBudgets returns budget ledgers active today.
// GET /api/budgets
func (h *Handler) ListBudgets(w http.ResponseWriter, r *http.Request) {
	budgets, err := h.Budgets.ListActiveBudgets(r.Context(), ledger.Today())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list budgets", err)
		return
	}

	dtos := make([]BudgetDTO, 0, len(budgets))
	for _, b := range budgets {
		dtos = append(dtos, toBudgetDTO(b))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBudget returns one budget ledger.
// GET /api/budgets/{id}
func (h *Handler) GetBudget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := h.Budgets.GetBudget(r.Context(), ledger.BudgetID(id))
	if err != nil {
		writeDomainError(w, "failed to get budget", err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetDTO(*b))
}

// RecomputeBudget re-derives one ledger's utilization immediately,
// without waiting for the hourly job.
// POST /api/budgets/{id}/recompute
func (h *Handler) RecomputeBudget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := h.BudgetEngine.RecomputeUtilization(r.Context(), ledger.BudgetID(id))
	if err != nil {
		writeDomainError(w, "failed to recompute budget", err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetDTO(*b))
}

// =============================================================================
// AUDIT ENDPOINTS
// =============================================================================

// QueryAudit returns audit records matching the query filters.
// GET /api/audit?orgId=&entityType=&entityId=&from=&to=&limit=
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := audit.Filter{
		EntityType: q.Get("entityType"),
		EntityID:   q.Get("entityId"),
		Limit:      parseLimit(q.Get("limit"), 100),
	}
	if v := q.Get("orgId"); v != "" {
		org := ledger.OrgID(v)
		f.OrgID = &org
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp", err)
			return
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp", err)
			return
		}
		f.To = &t
	}

	records, err := h.Audit.QueryAudit(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit records", err)
		return
	}

	dtos := make([]AuditRecordDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, toAuditRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// JOB ENDPOINTS
// =============================================================================

// ListJobs returns the registered jobs and their cadences.
// GET /api/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.Dispatcher.Jobs()
	dtos := make([]JobDTO, 0, len(jobs))
	for _, j := range jobs {
		dtos = append(dtos, JobDTO{Name: j.Name, Schedule: j.Schedule.String()})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListJobRuns returns recent job runs, newest first.
// GET /api/jobs/runs?job=&limit=
func (h *Handler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	runs, err := h.Runs.ListRuns(r.Context(), q.Get("job"), parseLimit(q.Get("limit"), 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list job runs", err)
		return
	}

	dtos := make([]JobRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toJobRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerJob dispatches a job immediately. The per-job lock still
// applies: a concurrent run yields a skipped-concurrent record.
// POST /api/jobs/{name}/run
func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	run, err := h.Dispatcher.Dispatch(r.Context(), name)
	if err != nil {
		writeDomainError(w, "failed to trigger job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobRunDTO(run))
}

// Healthz is the liveness probe.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
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

// writeDomainError maps domain sentinels to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, ledger.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrConcurrentModification),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		status = http.StatusConflict
	}
	writeError(w, status, message, err)
}

func parseLimit(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
