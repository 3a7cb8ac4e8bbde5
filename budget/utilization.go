/*
utilization.go - The budget utilization engine

PURPOSE:
  Implements RecomputeUtilization (one ledger) and RecomputeAll (the
  hourly checkBudgetAlerts sweep). Spent and committed are re-derived
  from linked service records each run, so the computation is
  deterministic and idempotent: unchanged inputs yield an identical
  ledger, only lastCalculated moves (stamped every run to prove
  liveness).

ALERTS:
  hasAlert flips true when utilization >= threshold (default 80).
  The false -> true transition invokes the AlertFunc hook - the
  notification collaborator lives outside this package.
*/
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/caddycharles/caddy-ndis/audit"
	"github.com/caddycharles/caddy-ndis/ledger"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	GetBudget(ctx context.Context, id ledger.BudgetID) (*Ledger, error)

	// ListActiveBudgets returns ledgers whose period covers asOf.
	ListActiveBudgets(ctx context.Context, asOf ledger.Date) ([]Ledger, error)

	// ServiceTotals sums totalCost of services linked to the budget,
	// split by spent vs committed status sets.
	ServiceTotals(ctx context.Context, id ledger.BudgetID) (ServiceTotals, error)

	// UpdateBudget writes the ledger with compare-and-swap on
	// expectedVersion; a lost race returns ErrConcurrentModification.
	UpdateBudget(ctx context.Context, b Ledger, expectedVersion int64) error
}

// =============================================================================
// UTILIZATION ENGINE
// =============================================================================

// AlertFunc is invoked on the false -> true alert transition. A hook
// point for notifications; failures are the hook's problem, not the
// engine's.
type AlertFunc func(l Ledger)

type Engine struct {
	Store      Store
	Audit      *audit.Recorder
	OnAlert    AlertFunc
	MaxRetries int
	Clock      func() time.Time
}

func NewEngine(store Store, recorder *audit.Recorder) *Engine {
	return &Engine{Store: store, Audit: recorder, MaxRetries: 3, Clock: time.Now}
}

type BudgetError struct {
	BudgetID ledger.BudgetID
	Err      error
}

func (e BudgetError) Error() string {
	return fmt.Sprintf("budget %s: %v", e.BudgetID, e.Err)
}

type SweepResult struct {
	Recomputed int
	Alerts     int // budgets that newly raised an alert this sweep
	Errors     []BudgetError
}

// RecomputeUtilization re-derives one ledger from its service inputs
// and persists it. Returns the updated ledger.
func (e *Engine) RecomputeUtilization(ctx context.Context, id ledger.BudgetID) (*Ledger, error) {
	var updated *Ledger
	err := ledger.WithRetry(ctx, e.retries(), func() error {
		current, err := e.Store.GetBudget(ctx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("budget %s: %w", id, ledger.ErrNotFound)
		}

		totals, err := e.Store.ServiceTotals(ctx, id)
		if err != nil {
			return err
		}

		next := e.recompute(*current, totals)
		if err := e.Store.UpdateBudget(ctx, next, current.Version); err != nil {
			return err
		}
		next.Version = current.Version + 1

		if next.HasAlert && !current.HasAlert && e.OnAlert != nil {
			e.OnAlert(next)
		}
		e.auditRecompute(ctx, *current, next)
		updated = &next
		return nil
	})
	return updated, err
}

// RecomputeAll sweeps every active budget. Per-item failures are
// collected; the sweep never aborts on one bad ledger.
func (e *Engine) RecomputeAll(ctx context.Context, asOf ledger.Date) (SweepResult, error) {
	var result SweepResult

	budgets, err := e.Store.ListActiveBudgets(ctx, asOf)
	if err != nil {
		return result, fmt.Errorf("listing active budgets: %w", err)
	}

	for _, b := range budgets {
		hadAlert := b.HasAlert
		updated, err := e.RecomputeUtilization(ctx, b.ID)
		if err != nil {
			result.Errors = append(result.Errors, BudgetError{BudgetID: b.ID, Err: err})
			continue
		}
		result.Recomputed++
		if updated.HasAlert && !hadAlert {
			result.Alerts++
		}
	}

	return result, nil
}

// recompute applies the ledger invariants to fresh service totals.
func (e *Engine) recompute(current Ledger, totals ServiceTotals) Ledger {
	next := current
	next.Spent = totals.Spent
	next.Committed = totals.Committed
	next.Available = current.Allocated.Sub(totals.Spent).Sub(totals.Committed)
	next.Utilization = UtilizationOf(totals.Spent, totals.Committed, current.Allocated)

	threshold := current.EffectiveThreshold()
	next.HasAlert = next.Utilization.GreaterThanOrEqual(threshold)
	if next.HasAlert {
		next.AlertMessage = fmt.Sprintf("utilization %s%% has reached the %s%% alert threshold",
			next.Utilization.String(), threshold.String())
	} else {
		next.AlertMessage = ""
	}

	now := e.now()
	next.LastCalculated = now
	next.UpdatedAt = now
	return next
}

func (e *Engine) auditRecompute(ctx context.Context, before, after Ledger) {
	if e.Audit == nil {
		return
	}
	// Skip the audit append when nothing but the liveness stamp moved;
	// hourly sweeps over stable budgets would otherwise flood the trail.
	if before.Spent == after.Spent && before.Committed == after.Committed &&
		before.HasAlert == after.HasAlert {
		return
	}
	_ = e.Audit.Record(ctx, audit.Record{
		OrgID:      before.OrgID,
		Action:     audit.ActionUpdate,
		EntityType: "ndis_budget",
		EntityID:   string(before.ID),
		Before: map[string]any{
			"spent":       int64(before.Spent),
			"committed":   int64(before.Committed),
			"available":   int64(before.Available),
			"utilization": before.Utilization.String(),
			"hasAlert":    before.HasAlert,
		},
		After: map[string]any{
			"spent":       int64(after.Spent),
			"committed":   int64(after.Committed),
			"available":   int64(after.Available),
			"utilization": after.Utilization.String(),
			"hasAlert":    after.HasAlert,
		},
		RetentionRequired: true,
	})
}

func (e *Engine) retries() int {
	if e.MaxRetries < 1 {
		return 3
	}
	return e.MaxRetries
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock().UTC()
}
