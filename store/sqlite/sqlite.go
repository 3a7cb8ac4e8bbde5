/*
Package sqlite provides the SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the engines depend on
  (leave.Store, budget.Store, lifecycle.Store, audit.Store,
  audit.Archiver, scheduler.RunStore) using SQLite. In production the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  leave_transactions and audit_records have no UPDATE path. The only
  DELETE on audit_records is PurgeExpiredAudit, gated on the retention
  date.

OPTIMISTIC CONCURRENCY:
  leave_balances and budgets carry a version column. Every write is
  "UPDATE ... WHERE id = ? AND version = ?"; zero rows affected means a
  concurrent writer won and the caller gets ErrConcurrentModification.

KEY TABLES:
  leave_balances:     Current entitlement state, versioned
  leave_transactions: Immutable accrual/usage ledger (unique idempotency key)
  budgets:            Versioned budget ledgers with derived fields
  services:           Service-delivery inputs to utilization
  lifecycle_subjects: Date-driven status rows for every swept kind
  audit_records:      Append-only compliance trail
  job_runs:           Scheduler run history doubling as the job lock

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, single writer at a time, better crash
  recovery.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - store/memory: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/caddycharles/caddy-ndis/audit"
	"github.com/caddycharles/caddy-ndis/budget"
	"github.com/caddycharles/caddy-ndis/leave"
	"github.com/caddycharles/caddy-ndis/ledger"
	"github.com/caddycharles/caddy-ndis/lifecycle"
	"github.com/caddycharles/caddy-ndis/scheduler"
)

const dateFormat = "2006-01-02"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Leave balances (versioned entitlement state)
	CREATE TABLE IF NOT EXISTS leave_balances (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		staff_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		employment_type TEXT NOT NULL,
		fte TEXT NOT NULL,
		accrual_method TEXT NOT NULL,
		accrual_rate TEXT NOT NULL,
		unit TEXT NOT NULL,
		entitled TEXT NOT NULL,
		accrued TEXT NOT NULL,
		taken TEXT NOT NULL,
		pending TEXT NOT NULL,
		available TEXT NOT NULL,
		service_start_date TEXT NOT NULL,
		next_accrual_date TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_balances_staff
		ON leave_balances(staff_id);

	-- Hot path for the daily accrual sweep
	CREATE INDEX IF NOT EXISTS idx_balances_due
		ON leave_balances(active, accrual_method, next_accrual_date);

	-- Leave transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS leave_transactions (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		staff_id TEXT NOT NULL,
		balance_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		unit TEXT NOT NULL,
		previous_balance TEXT NOT NULL,
		new_balance TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		period_key TEXT,
		calculation_json TEXT,
		processed_by TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_tx_balance
		ON leave_transactions(balance_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_leave_tx_period
		ON leave_transactions(balance_id, period_key)
		WHERE period_key IS NOT NULL;

	-- Budget ledgers (versioned, derived fields recomputed by the engine)
	CREATE TABLE IF NOT EXISTS budgets (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		support_category TEXT NOT NULL,
		allocated_cents INTEGER NOT NULL,
		spent_cents INTEGER NOT NULL DEFAULT 0,
		committed_cents INTEGER NOT NULL DEFAULT 0,
		available_cents INTEGER NOT NULL DEFAULT 0,
		utilization TEXT NOT NULL DEFAULT '0',
		alert_threshold TEXT NOT NULL DEFAULT '0',
		has_alert BOOLEAN NOT NULL DEFAULT FALSE,
		alert_message TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		last_calculated TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_budgets_plan
		ON budgets(plan_id);
	CREATE INDEX IF NOT EXISTS idx_budgets_period
		ON budgets(start_date, end_date);

	-- Service-delivery records (utilization inputs, written by other subsystems)
	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		budget_id TEXT NOT NULL,
		service_date TEXT NOT NULL,
		total_cost_cents INTEGER NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_services_budget_status
		ON services(budget_id, status);

	-- Lifecycle subjects (one row per swept entity, keyed by kind)
	CREATE TABLE IF NOT EXISTS lifecycle_subjects (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		org_id TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TEXT,
		end_date TEXT,
		due_date TEXT,
		retention_until TEXT,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_subjects_kind_status
		ON lifecycle_subjects(kind, status);

	-- Audit trail (append-only; retention purge is the only deleter)
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		retention_required BOOLEAN NOT NULL DEFAULT FALSE,
		retention_until TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_records(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_org_time
		ON audit_records(org_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_retention
		ON audit_records(retention_until)
		WHERE retention_until IS NOT NULL;

	-- Job runs (observability record + per-job concurrency lock)
	CREATE TABLE IF NOT EXISTS job_runs (
		id TEXT PRIMARY KEY,
		job_name TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		outcome TEXT NOT NULL DEFAULT '',
		items_processed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_job_runs_name
		ON job_runs(job_name, started_at DESC);
	-- Lock lookup: unfinished runs per job
	CREATE INDEX IF NOT EXISTS idx_job_runs_unfinished
		ON job_runs(job_name) WHERE finished_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEAVE STORE (leave.Store interface)
// =============================================================================

const balanceColumns = `id, org_id, staff_id, leave_type, employment_type, fte,
	accrual_method, accrual_rate, unit, entitled, accrued, taken, pending, available,
	service_start_date, next_accrual_date, active, version, created_at, updated_at`

// ListDueBalances returns active balances whose next accrual date has arrived.
func (s *Store) ListDueBalances(ctx context.Context, asOf ledger.Date) ([]leave.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + balanceColumns + `
		FROM leave_balances
		WHERE active = TRUE AND accrual_method != 'none' AND next_accrual_date <= ?
		ORDER BY id ASC
	`
	return s.queryBalances(ctx, query, asOf.Time.Format(dateFormat))
}

func (s *Store) GetBalance(ctx context.Context, id ledger.BalanceID) (*leave.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + balanceColumns + ` FROM leave_balances WHERE id = ?`
	balances, err := s.queryBalances(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(balances) == 0 {
		return nil, ledger.ErrNotFound
	}
	return &balances[0], nil
}

func (s *Store) ListBalancesByStaff(ctx context.Context, staffID ledger.StaffID) ([]leave.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + balanceColumns + ` FROM leave_balances WHERE staff_id = ? ORDER BY id ASC`
	return s.queryBalances(ctx, query, staffID)
}

func (s *Store) AccrualExists(ctx context.Context, balanceID ledger.BalanceID, periodKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM leave_transactions WHERE idempotency_key = ?",
		leave.AccrualIdempotencyKey(balanceID, periodKey),
	).Scan(&count)
	return count > 0, err
}

// PostAccrual appends the transaction and applies the balance write in
// one database transaction. The balance UPDATE is guarded on version;
// zero rows affected means a concurrent writer won.
func (s *Store) PostAccrual(ctx context.Context, tx leave.Transaction, updated leave.Balance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE leave_balances SET
			entitled = ?, accrued = ?, taken = ?, pending = ?, available = ?,
			next_accrual_date = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		updated.Entitled.Value.String(),
		updated.Accrued.Value.String(),
		updated.Taken.Value.String(),
		updated.Pending.Value.String(),
		updated.Available.Value.String(),
		updated.NextAccrualDate.Time.Format(dateFormat),
		time.Now().UTC().Format(time.RFC3339),
		updated.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrConcurrentModification
	}

	if err := appendLeaveTx(ctx, sqlTx, tx); err != nil {
		return err
	}

	return sqlTx.Commit()
}

func appendLeaveTx(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, tx leave.Transaction) error {
	var calcJSON sql.NullString
	if tx.Calculation != nil {
		b, _ := json.Marshal(tx.Calculation)
		calcJSON = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO leave_transactions
		(id, org_id, staff_id, balance_id, tx_type, leave_type, amount, unit,
		 previous_balance, new_balance, effective_date, period_key,
		 calculation_json, processed_by, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		tx.ID, tx.OrgID, tx.StaffID, tx.BalanceID,
		tx.Type, tx.LeaveType,
		tx.Amount.Value.String(), tx.Amount.Unit,
		tx.PreviousBalance.Value.String(), tx.NewBalance.Value.String(),
		tx.EffectiveDate.Time.Format(dateFormat),
		nullString(tx.PeriodKey),
		calcJSON,
		tx.ProcessedBy,
		nullString(tx.IdempotencyKey),
		time.Now().UTC().Format(time.RFC3339),
	)

	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) AdvanceBalance(ctx context.Context, updated leave.Balance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE leave_balances SET
			entitled = ?, accrued = ?, taken = ?, pending = ?, available = ?,
			next_accrual_date = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		updated.Entitled.Value.String(),
		updated.Accrued.Value.String(),
		updated.Taken.Value.String(),
		updated.Pending.Value.String(),
		updated.Available.Value.String(),
		updated.NextAccrualDate.Time.Format(dateFormat),
		time.Now().UTC().Format(time.RFC3339),
		updated.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to advance balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrConcurrentModification
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, balanceID ledger.BalanceID) ([]leave.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, org_id, staff_id, balance_id, tx_type, leave_type, amount, unit,
		       previous_balance, new_balance, effective_date, period_key,
		       calculation_json, processed_by, idempotency_key, created_at
		FROM leave_transactions
		WHERE balance_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, balanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []leave.Transaction
	for rows.Next() {
		tx, err := scanLeaveTx(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanLeaveTx(rows *sql.Rows) (leave.Transaction, error) {
	var (
		tx             leave.Transaction
		amount         string
		unit           string
		prevBalance    string
		newBalance     string
		effectiveDate  string
		periodKey      sql.NullString
		calcJSON       sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&tx.ID, &tx.OrgID, &tx.StaffID, &tx.BalanceID, &tx.Type, &tx.LeaveType,
		&amount, &unit, &prevBalance, &newBalance, &effectiveDate, &periodKey,
		&calcJSON, &tx.ProcessedBy, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	u := ledger.Unit(unit)
	tx.Amount = ledger.NewAmountFromDecimal(ledger.MustParseDecimal(amount), u)
	tx.PreviousBalance = ledger.NewAmountFromDecimal(ledger.MustParseDecimal(prevBalance), u)
	tx.NewBalance = ledger.NewAmountFromDecimal(ledger.MustParseDecimal(newBalance), u)
	tx.EffectiveDate = parseDate(effectiveDate)
	tx.PeriodKey = periodKey.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	if calcJSON.Valid && calcJSON.String != "" {
		var calc leave.Calculation
		if json.Unmarshal([]byte(calcJSON.String), &calc) == nil {
			tx.Calculation = &calc
		}
	}

	return tx, nil
}

// SaveBalance inserts or replaces a balance row. Seed/admin path; the
// accrual engine writes through PostAccrual only.
func (s *Store) SaveBalance(ctx context.Context, b leave.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO leave_balances
		(` + balanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			leave_type = excluded.leave_type,
			employment_type = excluded.employment_type,
			fte = excluded.fte,
			accrual_method = excluded.accrual_method,
			accrual_rate = excluded.accrual_rate,
			unit = excluded.unit,
			entitled = excluded.entitled,
			accrued = excluded.accrued,
			taken = excluded.taken,
			pending = excluded.pending,
			available = excluded.available,
			service_start_date = excluded.service_start_date,
			next_accrual_date = excluded.next_accrual_date,
			active = excluded.active,
			version = excluded.version,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	version := b.Version
	if version == 0 {
		version = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.OrgID, b.StaffID, b.LeaveType, b.EmploymentType,
		b.FTE.String(), b.AccrualMethod,
		b.AccrualRate.Value.String(), b.AccrualRate.Unit,
		b.Entitled.Value.String(), b.Accrued.Value.String(),
		b.Taken.Value.String(), b.Pending.Value.String(), b.Available.Value.String(),
		b.ServiceStartDate.Time.Format(dateFormat),
		b.NextAccrualDate.Time.Format(dateFormat),
		b.Active, version, now, now,
	)
	return err
}

func (s *Store) queryBalances(ctx context.Context, query string, args ...any) ([]leave.Balance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []leave.Balance
	for rows.Next() {
		var (
			b                leave.Balance
			fte              string
			rate             string
			unit             string
			entitled         string
			accrued          string
			taken            string
			pending          string
			available        string
			serviceStartDate string
			nextAccrualDate  string
			createdAt        string
			updatedAt        string
		)

		err := rows.Scan(
			&b.ID, &b.OrgID, &b.StaffID, &b.LeaveType, &b.EmploymentType, &fte,
			&b.AccrualMethod, &rate, &unit, &entitled, &accrued, &taken, &pending,
			&available, &serviceStartDate, &nextAccrualDate, &b.Active, &b.Version,
			&createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}

		u := ledger.Unit(unit)
		b.FTE = ledger.MustParseDecimal(fte)
		b.AccrualRate = ledger.NewAmountFromDecimal(ledger.MustParseDecimal(rate), u)
		b.Entitled = ledger.NewAmountFromDecimal(ledger.MustParseDecimal(entitled), u)
		b.Accrued = ledger.NewAmountFromDecimal(ledger.MustParseDecimal(accrued), u)
		b.Taken = ledger.NewAmountFromDecimal(ledger.MustParseDecimal(taken), u)
		b.Pending = ledger.NewAmountFromDecimal(ledger.MustParseDecimal(pending), u)
		b.Available = ledger.NewAmountFromDecimal(ledger.MustParseDecimal(available), u)
		b.ServiceStartDate = parseDate(serviceStartDate)
		b.NextAccrualDate = parseDate(nextAccrualDate)
		b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// =============================================================================
// BUDGET STORE (budget.Store interface)
// =============================================================================

const budgetColumns = `id, org_id, plan_id, participant_id, support_category,
	allocated_cents, spent_cents, committed_cents, available_cents, utilization,
	alert_threshold, has_alert, alert_message, start_date, end_date,
	last_calculated, version, created_at, updated_at`

func (s *Store) GetBudget(ctx context.Context, id ledger.BudgetID) (*budget.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + budgetColumns + ` FROM budgets WHERE id = ?`
	budgets, err := s.queryBudgets(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(budgets) == 0 {
		return nil, ledger.ErrNotFound
	}
	return &budgets[0], nil
}

// ListActiveBudgets returns ledgers whose period covers asOf.
func (s *Store) ListActiveBudgets(ctx context.Context, asOf ledger.Date) ([]budget.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + budgetColumns + `
		FROM budgets
		WHERE start_date <= ? AND end_date >= ?
		ORDER BY id ASC
	`
	day := asOf.Time.Format(dateFormat)
	return s.queryBudgets(ctx, query, day, day)
}

// ServiceTotals sums service costs for a budget, split by status set.
// Status lists mirror budget.SpentStatuses / budget.CommittedStatuses.
func (s *Store) ServiceTotals(ctx context.Context, id ledger.BudgetID) (budget.ServiceTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT
			COALESCE(SUM(CASE WHEN status IN ('completed', 'billed', 'paid')
				THEN total_cost_cents ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('scheduled', 'confirmed', 'in_progress')
				THEN total_cost_cents ELSE 0 END), 0)
		FROM services
		WHERE budget_id = ?
	`

	var t budget.ServiceTotals
	err := s.db.QueryRowContext(ctx, query, id).Scan(&t.Spent, &t.Committed)
	if err != nil {
		return t, fmt.Errorf("failed to sum service totals: %w", err)
	}
	return t, nil
}

// UpdateBudget writes the ledger's derived fields, guarded on version.
func (s *Store) UpdateBudget(ctx context.Context, b budget.Ledger, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastCalculated sql.NullString
	if !b.LastCalculated.IsZero() {
		lastCalculated = sql.NullString{String: b.LastCalculated.UTC().Format(time.RFC3339), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE budgets SET
			spent_cents = ?, committed_cents = ?, available_cents = ?,
			utilization = ?, has_alert = ?, alert_message = ?,
			last_calculated = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		b.Spent, b.Committed, b.Available,
		b.Utilization.String(), b.HasAlert, b.AlertMessage,
		lastCalculated,
		time.Now().UTC().Format(time.RFC3339),
		b.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update budget: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrConcurrentModification
	}
	return nil
}

// SaveBudget inserts or replaces a budget row. Seed/admin path.
func (s *Store) SaveBudget(ctx context.Context, b budget.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastCalculated sql.NullString
	if !b.LastCalculated.IsZero() {
		lastCalculated = sql.NullString{String: b.LastCalculated.UTC().Format(time.RFC3339), Valid: true}
	}

	query := `
		INSERT INTO budgets (` + budgetColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			support_category = excluded.support_category,
			allocated_cents = excluded.allocated_cents,
			spent_cents = excluded.spent_cents,
			committed_cents = excluded.committed_cents,
			available_cents = excluded.available_cents,
			utilization = excluded.utilization,
			alert_threshold = excluded.alert_threshold,
			has_alert = excluded.has_alert,
			alert_message = excluded.alert_message,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			last_calculated = excluded.last_calculated,
			version = excluded.version,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	version := b.Version
	if version == 0 {
		version = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.OrgID, b.PlanID, b.ParticipantID, b.SupportCategory,
		b.Allocated, b.Spent, b.Committed, b.Available,
		b.Utilization.String(), b.AlertThreshold.String(),
		b.HasAlert, b.AlertMessage,
		b.StartDate.Time.Format(dateFormat), b.EndDate.Time.Format(dateFormat),
		lastCalculated, version, now, now,
	)
	return err
}

// SaveService inserts or replaces a service record.
func (s *Store) SaveService(ctx context.Context, svc budget.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO services (id, org_id, budget_id, service_date, total_cost_cents, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_cost_cents = excluded.total_cost_cents,
			status = excluded.status
	`
	_, err := s.db.ExecContext(ctx, query,
		svc.ID, svc.OrgID, svc.BudgetID,
		svc.ServiceDate.Time.Format(dateFormat),
		svc.TotalCost, svc.Status,
	)
	return err
}

func (s *Store) queryBudgets(ctx context.Context, query string, args ...any) ([]budget.Ledger, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query budgets: %w", err)
	}
	defer rows.Close()

	var budgets []budget.Ledger
	for rows.Next() {
		var (
			b              budget.Ledger
			utilization    string
			alertThreshold string
			startDate      string
			endDate        string
			lastCalculated sql.NullString
			createdAt      string
			updatedAt      string
		)

		err := rows.Scan(
			&b.ID, &b.OrgID, &b.PlanID, &b.ParticipantID, &b.SupportCategory,
			&b.Allocated, &b.Spent, &b.Committed, &b.Available,
			&utilization, &alertThreshold, &b.HasAlert, &b.AlertMessage,
			&startDate, &endDate, &lastCalculated, &b.Version,
			&createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}

		b.Utilization = ledger.MustParseDecimal(utilization)
		b.AlertThreshold = ledger.MustParseDecimal(alertThreshold)
		b.StartDate = parseDate(startDate)
		b.EndDate = parseDate(endDate)
		if lastCalculated.Valid {
			b.LastCalculated, _ = time.Parse(time.RFC3339, lastCalculated.String)
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

// =============================================================================
// LIFECYCLE STORE (lifecycle.Store interface)
// =============================================================================

// ListSubjects returns a kind's non-archived subjects.
func (s *Store) ListSubjects(ctx context.Context, kind lifecycle.Kind) ([]lifecycle.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, org_id, status, start_date, end_date, due_date
		FROM lifecycle_subjects
		WHERE kind = ? AND status != 'archived'
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query subjects: %w", err)
	}
	defer rows.Close()

	var subjects []lifecycle.Subject
	for rows.Next() {
		var (
			sub       lifecycle.Subject
			startDate sql.NullString
			endDate   sql.NullString
			dueDate   sql.NullString
		)
		if err := rows.Scan(&sub.ID, &sub.OrgID, &sub.Status, &startDate, &endDate, &dueDate); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		sub.Dates.Start = nullDate(startDate)
		sub.Dates.End = nullDate(endDate)
		sub.Dates.Due = nullDate(dueDate)
		subjects = append(subjects, sub)
	}
	return subjects, rows.Err()
}

// SetStatus applies "from -> to" only if the row is still in "from".
func (s *Store) SetStatus(ctx context.Context, kind lifecycle.Kind, id string, from, to lifecycle.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE lifecycle_subjects SET status = ? WHERE kind = ? AND id = ? AND status = ?",
		to, kind, id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrConcurrentModification
	}
	return nil
}

// SaveSubject inserts or replaces a lifecycle subject. retentionUntil
// applies to documents only; pass nil elsewhere.
func (s *Store) SaveSubject(ctx context.Context, kind lifecycle.Kind, sub lifecycle.Subject, retentionUntil *ledger.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO lifecycle_subjects (kind, id, org_id, status, start_date, end_date, due_date, retention_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			status = excluded.status,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			due_date = excluded.due_date,
			retention_until = excluded.retention_until
	`
	_, err := s.db.ExecContext(ctx, query,
		kind, sub.ID, sub.OrgID, sub.Status,
		dateString(sub.Dates.Start), dateString(sub.Dates.End), dateString(sub.Dates.Due),
		dateString(retentionUntil),
	)
	return err
}

// GetSubjectStatus reads a subject's current status.
func (s *Store) GetSubjectStatus(ctx context.Context, kind lifecycle.Kind, id string) (lifecycle.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var status lifecycle.Status
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM lifecycle_subjects WHERE kind = ? AND id = ?",
		kind, id,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ledger.ErrNotFound
	}
	return status, err
}

// =============================================================================
// ARCHIVER (audit.Archiver interface)
// =============================================================================

// ArchiveExpiredDocuments archives document subjects whose retention
// date has elapsed. Returns the ids archived.
func (s *Store) ArchiveExpiredDocuments(ctx context.Context, asOf ledger.Date) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.archiveWhere(ctx, lifecycle.KindDocument,
		"retention_until IS NOT NULL AND retention_until < ?",
		asOf.Time.Format(dateFormat))
}

// ArchiveExpiredAnnouncements archives announcements already expired
// and past their visibility window.
func (s *Store) ArchiveExpiredAnnouncements(ctx context.Context, asOf ledger.Date) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.archiveWhere(ctx, lifecycle.KindAnnouncement,
		"status = 'expired' AND (end_date IS NULL OR end_date < ?)",
		asOf.Time.Format(dateFormat))
}

func (s *Store) archiveWhere(ctx context.Context, kind lifecycle.Kind, cond string, args ...any) ([]string, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := "SELECT id FROM lifecycle_subjects WHERE kind = ? AND status != 'archived' AND " + cond + " ORDER BY id ASC"
	rows, err := sqlTx.QueryContext(ctx, query, append([]any{kind}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive candidates: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := sqlTx.ExecContext(ctx,
			"UPDATE lifecycle_subjects SET status = 'archived' WHERE kind = ? AND id = ?",
			kind, id,
		); err != nil {
			return nil, fmt.Errorf("failed to archive %s: %w", id, err)
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// =============================================================================
// AUDIT STORE (audit.Store interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	beforeJSON, _ := json.Marshal(rec.Before)
	afterJSON, _ := json.Marshal(rec.After)

	query := `
		INSERT INTO audit_records
		(id, org_id, actor_id, source, action, entity_type, entity_id,
		 before_json, after_json, retention_required, retention_until, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.OrgID, rec.ActorID, rec.Source, rec.Action,
		rec.EntityType, rec.EntityID,
		string(beforeJSON), string(afterJSON),
		rec.RetentionRequired, dateString(rec.RetentionUntil),
		rec.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conds []string
	var args []any
	if f.OrgID != nil {
		conds = append(conds, "org_id = ?")
		args = append(args, *f.OrgID)
	}
	if f.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.From != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.From.UTC().Format(time.RFC3339))
	}
	if f.To != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.To.UTC().Format(time.RFC3339))
	}

	query := `
		SELECT id, org_id, actor_id, source, action, entity_type, entity_id,
		       before_json, after_json, retention_required, retention_until, timestamp
		FROM audit_records
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		var (
			rec            audit.Record
			beforeJSON     sql.NullString
			afterJSON      sql.NullString
			retentionUntil sql.NullString
			timestamp      string
		)
		err := rows.Scan(
			&rec.ID, &rec.OrgID, &rec.ActorID, &rec.Source, &rec.Action,
			&rec.EntityType, &rec.EntityID, &beforeJSON, &afterJSON,
			&rec.RetentionRequired, &retentionUntil, &timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		if beforeJSON.Valid && beforeJSON.String != "" && beforeJSON.String != "null" {
			json.Unmarshal([]byte(beforeJSON.String), &rec.Before)
		}
		if afterJSON.Valid && afterJSON.String != "" && afterJSON.String != "null" {
			json.Unmarshal([]byte(afterJSON.String), &rec.After)
		}
		rec.RetentionUntil = nullDate(retentionUntil)
		rec.Timestamp, _ = time.Parse(time.RFC3339, timestamp)

		records = append(records, rec)
	}
	return records, rows.Err()
}

// PurgeExpiredAudit deletes records whose retention date has elapsed.
// The single sanctioned deletion path on audit_records.
func (s *Store) PurgeExpiredAudit(ctx context.Context, asOf ledger.Date) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_records WHERE retention_until IS NOT NULL AND retention_until < ?",
		asOf.Time.Format(dateFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit records: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// =============================================================================
// RUN STORE (scheduler.RunStore interface)
// =============================================================================

// AcquireRun claims the job's lock by inserting the run. A live
// unfinished run blocks acquisition; a stale one is finalized as failed
// (superseded) and the new run proceeds.
func (s *Store) AcquireRun(ctx context.Context, run scheduler.JobRun, staleness time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	cutoff := run.StartedAt.Add(-staleness).UTC().Format(time.RFC3339)

	var live int
	err = sqlTx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM job_runs WHERE job_name = ? AND finished_at IS NULL AND started_at > ?",
		run.JobName, cutoff,
	).Scan(&live)
	if err != nil {
		return false, err
	}
	if live > 0 {
		return false, nil
	}

	// Presume stale holders crashed and supersede them.
	_, err = sqlTx.ExecContext(ctx, `
		UPDATE job_runs SET
			finished_at = ?, outcome = ?, error = 'superseded: run exceeded staleness window'
		WHERE job_name = ? AND finished_at IS NULL
	`,
		run.StartedAt.UTC().Format(time.RFC3339), scheduler.OutcomeFailed, run.JobName,
	)
	if err != nil {
		return false, err
	}

	_, err = sqlTx.ExecContext(ctx,
		"INSERT INTO job_runs (id, job_name, started_at) VALUES (?, ?, ?)",
		run.ID, run.JobName, run.StartedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, err
	}

	return true, sqlTx.Commit()
}

// FinishRun upserts the finalized run.
func (s *Store) FinishRun(ctx context.Context, run scheduler.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt sql.NullString
	if run.FinishedAt != nil {
		finishedAt = sql.NullString{String: run.FinishedAt.UTC().Format(time.RFC3339), Valid: true}
	}

	query := `
		INSERT INTO job_runs (id, job_name, started_at, finished_at, outcome, items_processed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			outcome = excluded.outcome,
			items_processed = excluded.items_processed,
			error = excluded.error
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.JobName, run.StartedAt.UTC().Format(time.RFC3339),
		finishedAt, run.Outcome, run.ItemsProcessed, run.Error,
	)
	return err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, jobName string, limit int) ([]scheduler.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, job_name, started_at, finished_at, outcome, items_processed, error
		FROM job_runs
	`
	var args []any
	if jobName != "" {
		query += " WHERE job_name = ?"
		args = append(args, jobName)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var runs []scheduler.JobRun
	for rows.Next() {
		var (
			run        scheduler.JobRun
			startedAt  string
			finishedAt sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.JobName, &startedAt, &finishedAt,
			&run.Outcome, &run.ItemsProcessed, &run.Error); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if finishedAt.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAt.String)
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"leave_transactions", "leave_balances", "services", "budgets",
		"lifecycle_subjects", "audit_records", "job_runs",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDate(s string) ledger.Date {
	d, err := ledger.ParseDate(s)
	if err != nil {
		return ledger.Date{}
	}
	return d
}

func nullDate(ns sql.NullString) *ledger.Date {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	d := parseDate(ns.String)
	return &d
}

func dateString(d *ledger.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Time.Format(dateFormat), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
