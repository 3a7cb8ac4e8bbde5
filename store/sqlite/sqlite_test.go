package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caddycharles/caddy-ndis/audit"
	"github.com/caddycharles/caddy-ndis/budget"
	"github.com/caddycharles/caddy-ndis/leave"
	"github.com/caddycharles/caddy-ndis/ledger"
	"github.com/caddycharles/caddy-ndis/lifecycle"
	"github.com/caddycharles/caddy-ndis/scheduler"
	"github.com/caddycharles/caddy-ndis/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testBalance(id string) leave.Balance {
	zero := ledger.NewAmount(0, ledger.UnitDays)
	b := leave.Balance{
		ID: ledger.BalanceID(id), OrgID: "org-1", StaffID: "staff-1",
		LeaveType: leave.LeaveAnnual, EmploymentType: leave.EmploymentFullTime,
		FTE: decimal.NewFromInt(1), AccrualMethod: leave.AccrualMonthly,
		AccrualRate: ledger.NewAmount(2.33, ledger.UnitDays),
		Entitled:    ledger.NewAmount(28, ledger.UnitDays),
		Accrued:     zero, Taken: zero, Pending: zero,
		ServiceStartDate: ledger.NewDate(2024, time.July, 1),
		NextAccrualDate:  ledger.NewDate(2025, time.March, 1),
		Active:           true, Version: 1,
	}
	b.RecomputeAvailable()
	return b
}

func testAccrual(balanceID, periodKey, txID string) leave.Transaction {
	return leave.Transaction{
		ID: ledger.TransactionID(txID), OrgID: "org-1", StaffID: "staff-1",
		BalanceID: ledger.BalanceID(balanceID), Type: leave.TxAccrual,
		LeaveType:       leave.LeaveAnnual,
		Amount:          ledger.NewAmount(2.33, ledger.UnitDays),
		PreviousBalance: ledger.NewAmount(0, ledger.UnitDays),
		NewBalance:      ledger.NewAmount(2.33, ledger.UnitDays),
		EffectiveDate:   ledger.NewDate(2025, time.March, 15),
		PeriodKey:       periodKey,
		ProcessedBy:     "system",
		IdempotencyKey:  leave.AccrualIdempotencyKey(ledger.BalanceID(balanceID), periodKey),
		CreatedAt:       time.Date(2025, time.March, 15, 2, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// LEAVE STORE
// =============================================================================

func TestSQLite_BalanceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBalance(ctx, testBalance("bal-1")))

	got, err := store.GetBalance(ctx, "bal-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.BalanceID("bal-1"), got.ID)
	assert.Equal(t, leave.AccrualMonthly, got.AccrualMethod)
	assert.True(t, got.AccrualRate.Value.Equal(decimal.NewFromFloat(2.33)))
	assert.Equal(t, "2025-03-01", got.NextAccrualDate.String())
	assert.True(t, got.Active)
	assert.Equal(t, int64(1), got.Version)
}

func TestSQLite_GetBalance_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetBalance(context.Background(), "missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSQLite_ListDueBalances(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	due := testBalance("bal-due")
	require.NoError(t, store.SaveBalance(ctx, due))

	future := testBalance("bal-future")
	future.NextAccrualDate = ledger.NewDate(2025, time.May, 1)
	require.NoError(t, store.SaveBalance(ctx, future))

	inactive := testBalance("bal-inactive")
	inactive.Active = false
	require.NoError(t, store.SaveBalance(ctx, inactive))

	none := testBalance("bal-none")
	none.AccrualMethod = leave.AccrualNone
	require.NoError(t, store.SaveBalance(ctx, none))

	balances, err := store.ListDueBalances(ctx, ledger.NewDate(2025, time.March, 15))
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, ledger.BalanceID("bal-due"), balances[0].ID)
}

func TestSQLite_PostAccrual_AppliesAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := testBalance("bal-1")
	require.NoError(t, store.SaveBalance(ctx, b))

	updated := b
	updated.Accrued = ledger.NewAmount(2.33, ledger.UnitDays)
	updated.RecomputeAvailable()
	updated.NextAccrualDate = ledger.NewDate(2025, time.April, 1)

	require.NoError(t, store.PostAccrual(ctx, testAccrual("bal-1", "2025-03", "tx-1"), updated, 1))

	got, err := store.GetBalance(ctx, "bal-1")
	require.NoError(t, err)
	assert.True(t, got.Accrued.Value.Equal(decimal.NewFromFloat(2.33)))
	assert.Equal(t, "2025-04-01", got.NextAccrualDate.String())
	assert.Equal(t, int64(2), got.Version)

	exists, err := store.AccrualExists(ctx, "bal-1", "2025-03")
	require.NoError(t, err)
	assert.True(t, exists)

	txs, err := store.ListTransactions(ctx, "bal-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "2025-03", txs[0].PeriodKey)
}

func TestSQLite_PostAccrual_VersionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := testBalance("bal-1")
	require.NoError(t, store.SaveBalance(ctx, b))

	err := store.PostAccrual(ctx, testAccrual("bal-1", "2025-03", "tx-1"), b, 7)
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)

	// Nothing committed: the transaction is absent too
	exists, _ := store.AccrualExists(ctx, "bal-1", "2025-03")
	assert.False(t, exists)
}

func TestSQLite_PostAccrual_DuplicatePeriodRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := testBalance("bal-1")
	require.NoError(t, store.SaveBalance(ctx, b))
	require.NoError(t, store.PostAccrual(ctx, testAccrual("bal-1", "2025-03", "tx-1"), b, 1))

	// Same period key again, fresh transaction id, correct version
	err := store.PostAccrual(ctx, testAccrual("bal-1", "2025-03", "tx-2"), b, 2)
	require.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	// The rejected posting must not have advanced the balance either
	got, err := store.GetBalance(ctx, "bal-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestSQLite_AdvanceBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := testBalance("bal-1")
	require.NoError(t, store.SaveBalance(ctx, b))

	moved := b
	moved.NextAccrualDate = ledger.NewDate(2025, time.April, 1)
	require.NoError(t, store.AdvanceBalance(ctx, moved, 1))

	got, err := store.GetBalance(ctx, "bal-1")
	require.NoError(t, err)
	assert.Equal(t, "2025-04-01", got.NextAccrualDate.String())
	assert.Equal(t, int64(2), got.Version)

	// No ledger entry accompanies a cursor-only advance
	txs, err := store.ListTransactions(ctx, "bal-1")
	require.NoError(t, err)
	assert.Empty(t, txs)

	// Stale version loses
	err = store.AdvanceBalance(ctx, moved, 1)
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

// =============================================================================
// BUDGET STORE
// =============================================================================

func testBudget(id string) budget.Ledger {
	return budget.Ledger{
		ID: ledger.BudgetID(id), OrgID: "org-1", PlanID: "plan-1", ParticipantID: "participant-1",
		SupportCategory: budget.CoreDailyActivities,
		Allocated:       100000,
		StartDate:       ledger.NewDate(2025, time.January, 1),
		EndDate:         ledger.NewDate(2025, time.December, 31),
		Version:         1,
	}
}

func TestSQLite_ServiceTotals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBudget(ctx, testBudget("bud-1")))
	services := []budget.Service{
		{ID: "svc-1", OrgID: "org-1", BudgetID: "bud-1", ServiceDate: ledger.NewDate(2025, time.May, 1), TotalCost: 40000, Status: budget.ServiceCompleted},
		{ID: "svc-2", OrgID: "org-1", BudgetID: "bud-1", ServiceDate: ledger.NewDate(2025, time.May, 8), TotalCost: 30000, Status: budget.ServiceScheduled},
		{ID: "svc-3", OrgID: "org-1", BudgetID: "bud-1", ServiceDate: ledger.NewDate(2025, time.May, 9), TotalCost: 99999, Status: budget.ServiceCancelled},
	}
	for _, svc := range services {
		require.NoError(t, store.SaveService(ctx, svc))
	}

	totals, err := store.ServiceTotals(ctx, "bud-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Cents(40000), totals.Spent)
	assert.Equal(t, ledger.Cents(30000), totals.Committed)
}

func TestSQLite_UpdateBudget_VersionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := testBudget("bud-1")
	require.NoError(t, store.SaveBudget(ctx, b))

	b.Spent = 40000
	require.NoError(t, store.UpdateBudget(ctx, b, 1))

	err := store.UpdateBudget(ctx, b, 1)
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)

	got, err := store.GetBudget(ctx, "bud-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestSQLite_ListActiveBudgets_PeriodFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBudget(ctx, testBudget("bud-live")))

	ended := testBudget("bud-ended")
	ended.EndDate = ledger.NewDate(2025, time.March, 31)
	require.NoError(t, store.SaveBudget(ctx, ended))

	budgets, err := store.ListActiveBudgets(ctx, ledger.NewDate(2025, time.June, 1))
	require.NoError(t, err)
	require.Len(t, budgets, 1)
	assert.Equal(t, ledger.BudgetID("bud-live"), budgets[0].ID)
}

// =============================================================================
// LIFECYCLE STORE
// =============================================================================

func TestSQLite_SetStatus_GuardsCurrentStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := ledger.NewDate(2025, time.January, 1)
	sub := lifecycle.Subject{
		ID: "plan-1", OrgID: "org-1", Status: lifecycle.StatusDraft,
		Dates: lifecycle.Dates{Start: &start},
	}
	require.NoError(t, store.SaveSubject(ctx, lifecycle.KindPlan, sub, nil))

	require.NoError(t, store.SetStatus(ctx, lifecycle.KindPlan, "plan-1", lifecycle.StatusDraft, lifecycle.StatusActive))

	got, err := store.GetSubjectStatus(ctx, lifecycle.KindPlan, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusActive, got)

	// A second writer assuming draft loses
	err = store.SetStatus(ctx, lifecycle.KindPlan, "plan-1", lifecycle.StatusDraft, lifecycle.StatusActive)
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

func TestSQLite_ListSubjects_SkipsArchived(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSubject(ctx, lifecycle.KindDocument,
		lifecycle.Subject{ID: "doc-live", OrgID: "org-1", Status: lifecycle.StatusActive}, nil))
	require.NoError(t, store.SaveSubject(ctx, lifecycle.KindDocument,
		lifecycle.Subject{ID: "doc-gone", OrgID: "org-1", Status: lifecycle.StatusArchived}, nil))

	subjects, err := store.ListSubjects(ctx, lifecycle.KindDocument)
	require.NoError(t, err)
	require.Len(t, subjects, 1)
	assert.Equal(t, "doc-live", subjects[0].ID)
}

func TestSQLite_ArchiveExpiredDocuments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	elapsed := ledger.NewDate(2025, time.January, 1)
	retained := ledger.NewDate(2030, time.January, 1)
	require.NoError(t, store.SaveSubject(ctx, lifecycle.KindDocument,
		lifecycle.Subject{ID: "doc-elapsed", OrgID: "org-1", Status: lifecycle.StatusExpired}, &elapsed))
	require.NoError(t, store.SaveSubject(ctx, lifecycle.KindDocument,
		lifecycle.Subject{ID: "doc-retained", OrgID: "org-1", Status: lifecycle.StatusExpired}, &retained))

	ids, err := store.ArchiveExpiredDocuments(ctx, ledger.NewDate(2025, time.June, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-elapsed"}, ids)

	got, err := store.GetSubjectStatus(ctx, lifecycle.KindDocument, "doc-elapsed")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusArchived, got)

	// Rerunning finds nothing new
	ids, err = store.ArchiveExpiredDocuments(ctx, ledger.NewDate(2025, time.June, 1))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// =============================================================================
// AUDIT STORE
// =============================================================================

func TestSQLite_AuditAppendQueryPurge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	elapsed := ledger.NewDate(2025, time.January, 1)
	retained := ledger.NewDate(2032, time.January, 1)
	records := []audit.Record{
		{ID: "rec-1", OrgID: "org-1", Source: "system", Action: audit.ActionUpdate,
			EntityType: "leave_balance", EntityID: "bal-1",
			Before:         map[string]any{"accrued": "0"},
			After:          map[string]any{"accrued": "2.33"},
			RetentionUntil: &elapsed,
			Timestamp:      time.Date(2018, time.January, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "rec-2", OrgID: "org-1", Source: "system", Action: audit.ActionStatusChange,
			EntityType: "plan", EntityID: "plan-1",
			RetentionUntil: &retained,
			Timestamp:      time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, rec := range records {
		require.NoError(t, store.AppendAudit(ctx, rec))
	}

	// Entity filter returns the structured payload intact
	trail, err := store.QueryAudit(ctx, audit.Filter{EntityType: "leave_balance", EntityID: "bal-1"})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "2.33", trail[0].After["accrued"])

	// Purge deletes only the elapsed record
	purged, err := store.PurgeExpiredAudit(ctx, ledger.NewDate(2025, time.June, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	all, err := store.QueryAudit(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "rec-2", all[0].ID)
}

// =============================================================================
// RUN STORE
// =============================================================================

func TestSQLite_AcquireRun_Lock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	first := scheduler.JobRun{ID: "run-1", JobName: "nightly", StartedAt: now}
	acquired, err := store.AcquireRun(ctx, first, 15*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// A live holder blocks the second acquisition
	second := scheduler.JobRun{ID: "run-2", JobName: "nightly", StartedAt: now.Add(time.Second)}
	acquired, err = store.AcquireRun(ctx, second, 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Finishing the first frees the lock
	finished := now.Add(time.Minute)
	first.FinishedAt = &finished
	first.Outcome = scheduler.OutcomeSuccess
	first.ItemsProcessed = 4
	require.NoError(t, store.FinishRun(ctx, first))

	acquired, err = store.AcquireRun(ctx, second, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestSQLite_AcquireRun_SupersedesStaleHolder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	crashed := scheduler.JobRun{ID: "run-crashed", JobName: "nightly", StartedAt: now.Add(-time.Hour)}
	acquired, err := store.AcquireRun(ctx, crashed, 15*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	fresh := scheduler.JobRun{ID: "run-fresh", JobName: "nightly", StartedAt: now}
	acquired, err = store.AcquireRun(ctx, fresh, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	runs, err := store.ListRuns(ctx, "nightly", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		if r.ID == "run-crashed" {
			assert.Equal(t, scheduler.OutcomeFailed, r.Outcome)
			assert.Contains(t, r.Error, "superseded")
			assert.NotNil(t, r.FinishedAt)
		}
	}
}

func TestSQLite_ListRuns_NewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, time.June, 1, 2, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		started := base.Add(time.Duration(i) * time.Hour)
		finished := started.Add(time.Minute)
		require.NoError(t, store.FinishRun(ctx, scheduler.JobRun{
			ID: id, JobName: "nightly", StartedAt: started,
			FinishedAt: &finished, Outcome: scheduler.OutcomeSuccess,
		}))
	}

	runs, err := store.ListRuns(ctx, "nightly", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-b", runs[1].ID)
}
