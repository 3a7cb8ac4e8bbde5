/*
Package memory provides the in-memory store (for testing/dev).

PURPOSE:
  One Memory value backs every engine store interface plus the
  scheduler's run store, with the same compare-and-swap semantics the
  sqlite store enforces. Tests exercise the engines against this store;
  it must be a faithful stand-in, not a shortcut.

SEE ALSO:
  - store/sqlite: the production implementation
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/caddycharles/caddy-ndis/audit"
	"github.com/caddycharles/caddy-ndis/budget"
	"github.com/caddycharles/caddy-ndis/leave"
	"github.com/caddycharles/caddy-ndis/ledger"
	"github.com/caddycharles/caddy-ndis/lifecycle"
	"github.com/caddycharles/caddy-ndis/scheduler"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	balances    map[ledger.BalanceID]leave.Balance
	leaveTxs    map[ledger.BalanceID][]leave.Transaction
	idempotency map[string]bool

	budgets  map[ledger.BudgetID]budget.Ledger
	services map[ledger.BudgetID][]budget.Service

	subjects map[lifecycle.Kind]map[string]*subjectRecord

	audits []audit.Record

	runs []scheduler.JobRun
}

// subjectRecord carries the lifecycle view of an entity plus the
// retention date the archiver consults for documents.
type subjectRecord struct {
	subject        lifecycle.Subject
	retentionUntil *ledger.Date
}

func NewMemory() *Memory {
	return &Memory{
		balances:    make(map[ledger.BalanceID]leave.Balance),
		leaveTxs:    make(map[ledger.BalanceID][]leave.Transaction),
		idempotency: make(map[string]bool),
		budgets:     make(map[ledger.BudgetID]budget.Ledger),
		services:    make(map[ledger.BudgetID][]budget.Service),
		subjects:    make(map[lifecycle.Kind]map[string]*subjectRecord),
	}
}

// =============================================================================
// LEAVE STORE
// =============================================================================

func (m *Memory) ListDueBalances(_ context.Context, asOf ledger.Date) ([]leave.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []leave.Balance
	for _, b := range m.balances {
		if b.Active && b.AccrualMethod != leave.AccrualNone && b.NextAccrualDate.BeforeOrEqual(asOf) {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) GetBalance(_ context.Context, id ledger.BalanceID) (*leave.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &b, nil
}

func (m *Memory) ListBalancesByStaff(_ context.Context, staffID ledger.StaffID) ([]leave.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []leave.Balance
	for _, b := range m.balances {
		if b.StaffID == staffID {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) AccrualExists(_ context.Context, balanceID ledger.BalanceID, periodKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[leave.AccrualIdempotencyKey(balanceID, periodKey)], nil
}

// PostAccrual appends the transaction and applies the balance in one
// critical section. Nothing is written on a version or key conflict.
func (m *Memory) PostAccrual(_ context.Context, tx leave.Transaction, updated leave.Balance, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	current, ok := m.balances[updated.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if current.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}

	updated.Version = expectedVersion + 1
	m.balances[updated.ID] = updated
	m.leaveTxs[tx.BalanceID] = append(m.leaveTxs[tx.BalanceID], tx)
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) AdvanceBalance(_ context.Context, updated leave.Balance, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.balances[updated.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if current.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}

	updated.Version = expectedVersion + 1
	m.balances[updated.ID] = updated
	return nil
}

func (m *Memory) ListTransactions(_ context.Context, balanceID ledger.BalanceID) ([]leave.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]leave.Transaction, len(m.leaveTxs[balanceID]))
	copy(result, m.leaveTxs[balanceID])
	return result, nil
}

// PutBalance seeds or replaces a balance. Test/dev helper.
func (m *Memory) PutBalance(b leave.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[b.ID] = b
}

// =============================================================================
// BUDGET STORE
// =============================================================================

func (m *Memory) GetBudget(_ context.Context, id ledger.BudgetID) (*budget.Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.budgets[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &b, nil
}

func (m *Memory) ListActiveBudgets(_ context.Context, asOf ledger.Date) ([]budget.Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []budget.Ledger
	for _, b := range m.budgets {
		if !b.StartDate.IsZero() && asOf.Before(b.StartDate) {
			continue
		}
		if !b.EndDate.IsZero() && asOf.After(b.EndDate) {
			continue
		}
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) ServiceTotals(_ context.Context, id ledger.BudgetID) (budget.ServiceTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var t budget.ServiceTotals
	for _, s := range m.services[id] {
		switch {
		case statusIn(s.Status, budget.SpentStatuses):
			t.Spent = t.Spent.Add(s.TotalCost)
		case statusIn(s.Status, budget.CommittedStatuses):
			t.Committed = t.Committed.Add(s.TotalCost)
		}
	}
	return t, nil
}

func (m *Memory) UpdateBudget(_ context.Context, b budget.Ledger, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.budgets[b.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if current.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	b.Version = expectedVersion + 1
	m.budgets[b.ID] = b
	return nil
}

// PutBudget seeds or replaces a budget ledger. Test/dev helper.
func (m *Memory) PutBudget(b budget.Ledger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets[b.ID] = b
}

// PutService seeds or replaces a service record by id. Test/dev helper.
func (m *Memory) PutService(s budget.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.services[s.BudgetID]
	for i := range list {
		if list[i].ID == s.ID {
			list[i] = s
			return
		}
	}
	m.services[s.BudgetID] = append(list, s)
}

func statusIn(s budget.ServiceStatus, set []budget.ServiceStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

// =============================================================================
// LIFECYCLE STORE
// =============================================================================

func (m *Memory) ListSubjects(_ context.Context, kind lifecycle.Kind) ([]lifecycle.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []lifecycle.Subject
	for _, rec := range m.subjects[kind] {
		result = append(result, rec.subject)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SetStatus(_ context.Context, kind lifecycle.Kind, id string, from, to lifecycle.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.subjects[kind][id]
	if !ok {
		return ledger.ErrNotFound
	}
	if rec.subject.Status != from {
		return ledger.ErrConcurrentModification
	}
	rec.subject.Status = to
	return nil
}

// PutSubject seeds or replaces a lifecycle subject. Test/dev helper.
func (m *Memory) PutSubject(kind lifecycle.Kind, s lifecycle.Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putSubjectLocked(kind, s, nil)
}

// PutDocument seeds a document subject with its retention date, which
// the archiver consults.
func (m *Memory) PutDocument(s lifecycle.Subject, retentionUntil *ledger.Date) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putSubjectLocked(lifecycle.KindDocument, s, retentionUntil)
}

func (m *Memory) putSubjectLocked(kind lifecycle.Kind, s lifecycle.Subject, retentionUntil *ledger.Date) {
	if m.subjects[kind] == nil {
		m.subjects[kind] = make(map[string]*subjectRecord)
	}
	m.subjects[kind][s.ID] = &subjectRecord{subject: s, retentionUntil: retentionUntil}
}

// SubjectStatus reads a subject's current status. Test helper.
func (m *Memory) SubjectStatus(kind lifecycle.Kind, id string) (lifecycle.Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.subjects[kind][id]
	if !ok {
		return "", false
	}
	return rec.subject.Status, true
}

// =============================================================================
// ARCHIVER - Retention targets for the data-retention job
// =============================================================================

func (m *Memory) ArchiveExpiredDocuments(_ context.Context, asOf ledger.Date) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var archived []string
	for id, rec := range m.subjects[lifecycle.KindDocument] {
		if rec.subject.Status == lifecycle.StatusArchived {
			continue
		}
		if rec.retentionUntil == nil || asOf.BeforeOrEqual(*rec.retentionUntil) {
			continue
		}
		rec.subject.Status = lifecycle.StatusArchived
		archived = append(archived, id)
	}
	sort.Strings(archived)
	return archived, nil
}

func (m *Memory) ArchiveExpiredAnnouncements(_ context.Context, asOf ledger.Date) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var archived []string
	for id, rec := range m.subjects[lifecycle.KindAnnouncement] {
		if rec.subject.Status != lifecycle.StatusExpired {
			continue
		}
		if rec.subject.Dates.End != nil && asOf.BeforeOrEqual(*rec.subject.Dates.End) {
			continue
		}
		rec.subject.Status = lifecycle.StatusArchived
		archived = append(archived, id)
	}
	sort.Strings(archived)
	return archived, nil
}

// =============================================================================
// AUDIT STORE
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, rec)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, f audit.Filter) ([]audit.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []audit.Record
	for i := len(m.audits) - 1; i >= 0; i-- { // newest first
		rec := m.audits[i]
		if f.OrgID != nil && rec.OrgID != *f.OrgID {
			continue
		}
		if f.EntityType != "" && rec.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && rec.EntityID != f.EntityID {
			continue
		}
		if f.From != nil && rec.Timestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && rec.Timestamp.After(*f.To) {
			continue
		}
		result = append(result, rec)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) PurgeExpiredAudit(_ context.Context, asOf ledger.Date) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.audits[:0]
	purged := 0
	for _, rec := range m.audits {
		if rec.RetentionUntil != nil && asOf.After(*rec.RetentionUntil) {
			purged++
			continue
		}
		kept = append(kept, rec)
	}
	m.audits = kept
	return purged, nil
}

// =============================================================================
// RUN STORE - Job runs and the per-job lock
// =============================================================================

func (m *Memory) AcquireRun(_ context.Context, run scheduler.JobRun, staleness time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := run.StartedAt.Add(-staleness)
	for i := range m.runs {
		r := &m.runs[i]
		if r.JobName != run.JobName || !r.Running() {
			continue
		}
		if r.StartedAt.After(cutoff) {
			return false, nil // live holder
		}
		// Stale holder: presume crashed and supersede it.
		finished := run.StartedAt
		r.FinishedAt = &finished
		r.Outcome = scheduler.OutcomeFailed
		r.Error = "superseded: run exceeded staleness window"
	}
	m.runs = append(m.runs, run)
	return true, nil
}

func (m *Memory) FinishRun(_ context.Context, run scheduler.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, jobName string, limit int) ([]scheduler.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []scheduler.JobRun
	for _, r := range m.runs {
		if jobName != "" && r.JobName != jobName {
			continue
		}
		result = append(result, r)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
