/*
accrual.go - The scheduled leave accrual engine

PURPOSE:
  Implements the daily processLeaveAccruals job. For every active
  balance due at asOf, computes rate x fte x pro-rata, posts one
  immutable transaction, and applies it to the balance inside the same
  transactional boundary.

FAILURE ISOLATION:
  One malformed balance (negative FTE, missing dates) never aborts the
  batch. Its error is recorded against the staff id and processing
  continues; the run outcome is partial if any errors occurred.

IDEMPOTENCY:
  The period key derived from (method, asOf) is the idempotency key.
  A rerun after a crash recomputes the same key, finds the existing
  transaction, and skips.
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caddycharles/caddy-ndis/audit"
	"github.com/caddycharles/caddy-ndis/ledger"
)

// =============================================================================
// STORE - Persistence required by the engine
// =============================================================================

type Store interface {
	// ListDueBalances returns active balances with an accrual method
	// whose nextAccrualDate <= asOf.
	ListDueBalances(ctx context.Context, asOf ledger.Date) ([]Balance, error)

	GetBalance(ctx context.Context, id ledger.BalanceID) (*Balance, error)

	ListBalancesByStaff(ctx context.Context, staffID ledger.StaffID) ([]Balance, error)

	// AccrualExists reports whether an accrual transaction has already
	// been posted for (balance, period key).
	AccrualExists(ctx context.Context, balanceID ledger.BalanceID, periodKey string) (bool, error)

	// PostAccrual appends the transaction and applies the updated
	// balance atomically. The balance write is compare-and-swap on
	// expectedVersion; a conflicting concurrent write returns
	// ledger.ErrConcurrentModification and nothing is persisted.
	PostAccrual(ctx context.Context, tx Transaction, updated Balance, expectedVersion int64) error

	// AdvanceBalance writes the balance alone, compare-and-swap on
	// expectedVersion. Used to move nextAccrualDate past a period that
	// accrued nothing, so daily runs stop re-listing the balance.
	AdvanceBalance(ctx context.Context, updated Balance, expectedVersion int64) error

	ListTransactions(ctx context.Context, balanceID ledger.BalanceID) ([]Transaction, error)
}

// =============================================================================
// ACCRUAL ENGINE
// =============================================================================

type Engine struct {
	Store      Store
	Audit      *audit.Recorder
	MaxRetries int // optimistic-concurrency retry budget, default 3
	Clock      func() time.Time
}

func NewEngine(store Store, recorder *audit.Recorder) *Engine {
	return &Engine{Store: store, Audit: recorder, MaxRetries: 3, Clock: time.Now}
}

// StaffError records a per-item failure without aborting the batch.
type StaffError struct {
	StaffID ledger.StaffID
	Err     error
}

func (e StaffError) Error() string {
	return fmt.Sprintf("staff %s: %v", e.StaffID, e.Err)
}

type Result struct {
	Processed int
	Skipped   int
	Errors    []StaffError
}

// RunAccrual processes every due balance as of the given date.
// Per-entity order is unspecified; no balance's processing depends on
// another's. The returned error covers only batch-level failures
// (listing balances); per-item failures live in Result.Errors.
func (e *Engine) RunAccrual(ctx context.Context, asOf ledger.Date) (Result, error) {
	var result Result

	balances, err := e.Store.ListDueBalances(ctx, asOf)
	if err != nil {
		return result, fmt.Errorf("listing due balances: %w", err)
	}

	for _, balance := range balances {
		posted, err := e.processBalance(ctx, balance, asOf)
		switch {
		case err != nil:
			result.Errors = append(result.Errors, StaffError{StaffID: balance.StaffID, Err: err})
		case posted:
			result.Processed++
		default:
			result.Skipped++
		}
	}

	return result, nil
}

// processBalance posts one accrual for one balance. Returns false with
// no error when the period was already posted.
func (e *Engine) processBalance(ctx context.Context, balance Balance, asOf ledger.Date) (bool, error) {
	if err := validateBalance(balance); err != nil {
		return false, err
	}

	period, err := PeriodFor(balance.AccrualMethod, asOf, balance.ServiceStartDate)
	if err != nil {
		return false, err
	}

	exists, err := e.Store.AccrualExists(ctx, balance.ID, period.Key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	posted := false
	err = ledger.WithRetry(ctx, e.MaxRetries, func() error {
		// Re-read inside the retry loop: a conflicting writer may have
		// changed the balance since we listed it.
		current, err := e.Store.GetBalance(ctx, balance.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("balance %s: %w", balance.ID, ledger.ErrNotFound)
		}

		tx, updated := e.buildAccrual(*current, period, asOf)
		if tx.Amount.IsZero() {
			// Pro-rata factor zero or zero rate: nothing to post, but
			// the cursor still advances past the period.
			return e.Store.AdvanceBalance(ctx, updated, current.Version)
		}
		if err := e.Store.PostAccrual(ctx, tx, updated, current.Version); err != nil {
			return err
		}
		posted = true
		e.auditPosting(ctx, *current, updated, tx)
		return nil
	})

	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		// Another run won the race for this period. Safe to ignore.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !posted {
		return false, nil
	}
	return true, nil
}

// buildAccrual computes the posting and the resulting balance state.
// Amounts round half-up to 0.01 at posting time.
func (e *Engine) buildAccrual(balance Balance, period Period, asOf ledger.Date) (Transaction, Balance) {
	factor := ProRataFactor(period, balance.ServiceStartDate)
	amount := balance.AccrualRate.Mul(balance.FTE).Mul(factor).Round()

	previous := balance.Available

	updated := balance
	updated.Accrued = balance.Accrued.Add(amount)
	updated.RecomputeAvailable()
	updated.NextAccrualDate = period.End.AddDays(1)
	updated.UpdatedAt = e.Clock().UTC()

	tx := Transaction{
		ID:              ledger.TransactionID(uuid.NewString()),
		OrgID:           balance.OrgID,
		StaffID:         balance.StaffID,
		BalanceID:       balance.ID,
		Type:            TxAccrual,
		LeaveType:       balance.LeaveType,
		Amount:          amount,
		PreviousBalance: previous,
		NewBalance:      updated.Available,
		EffectiveDate:   asOf,
		PeriodKey:       period.Key,
		Calculation: &Calculation{
			PeriodKey:     period.Key,
			Rate:          balance.AccrualRate.Value,
			FTE:           balance.FTE,
			ProRataFactor: factor,
		},
		ProcessedBy:    "system",
		IdempotencyKey: AccrualIdempotencyKey(balance.ID, period.Key),
		CreatedAt:      e.Clock().UTC(),
	}

	return tx, updated
}

func (e *Engine) auditPosting(ctx context.Context, before, after Balance, tx Transaction) {
	if e.Audit == nil {
		return
	}
	_ = e.Audit.Record(ctx, audit.Record{
		OrgID:      before.OrgID,
		Action:     audit.ActionUpdate,
		EntityType: "leave_balance",
		EntityID:   string(before.ID),
		Before: map[string]any{
			"accrued":   before.Accrued.Value.String(),
			"available": before.Available.Value.String(),
		},
		After: map[string]any{
			"accrued":       after.Accrued.Value.String(),
			"available":     after.Available.Value.String(),
			"transactionId": string(tx.ID),
			"periodKey":     tx.PeriodKey,
		},
		RetentionRequired: true,
	})
}

func validateBalance(b Balance) error {
	if !b.FTE.IsPositive() || b.FTE.GreaterThan(oneDecimal) {
		return &ledger.ValidationError{
			Entity: "leave_balance", ID: string(b.ID),
			Field: "fte", Reason: fmt.Sprintf("must be in (0, 1], got %s", b.FTE),
		}
	}
	if b.AccrualRate.IsNegative() {
		return &ledger.ValidationError{
			Entity: "leave_balance", ID: string(b.ID),
			Field: "accrualRate", Reason: "must not be negative",
		}
	}
	if b.AccrualMethod == AccrualNone {
		return &ledger.ValidationError{
			Entity: "leave_balance", ID: string(b.ID),
			Field: "accrualMethod", Reason: "balance with method none is not accruable",
		}
	}
	return nil
}

var oneDecimal = ledger.MustParseDecimal("1")
