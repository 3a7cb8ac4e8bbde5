/*
Package leave implements staff leave balances and the accrual engine.

PURPOSE:
  LeaveBalance rows are the source of truth for entitlements, but they
  are never edited directly: every change arrives as an immutable
  LeaveAccrualTransaction posted append-then-apply inside one
  transactional boundary. The accrual engine runs daily, pro-rates by
  employment fraction, and uses the accrual period key as its
  idempotency key so reruns after a crash are safe.

CRITICAL INVARIANTS:
  1. available = accrued - taken - pending, always.
  2. At most one accrual transaction per (balance, period key). EVER.
  3. Balance updates are versioned compare-and-swap; a lost race is
     retried, never overwritten.

SEE ALSO:
  - period.go:  period keys, bounds, pro-rata math
  - accrual.go: the RunAccrual engine
*/
package leave

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caddycharles/caddy-ndis/ledger"
)

// =============================================================================
// LEAVE TYPES AND ACCRUAL CONFIGURATION
// =============================================================================

type LeaveType string

const (
	LeaveAnnual        LeaveType = "annual"
	LeaveSick          LeaveType = "sick"
	LeavePersonal      LeaveType = "personal"
	LeaveCompassionate LeaveType = "compassionate"
	LeaveParental      LeaveType = "parental"
	LeaveLongService   LeaveType = "long_service"
	LeaveUnpaid        LeaveType = "unpaid"
	LeaveOther         LeaveType = "other"
)

type AccrualMethod string

const (
	AccrualMonthly     AccrualMethod = "monthly"
	AccrualFortnightly AccrualMethod = "fortnightly"
	AccrualAnniversary AccrualMethod = "anniversary"
	AccrualNone        AccrualMethod = "none"
)

type EmploymentType string

const (
	EmploymentFullTime EmploymentType = "full_time"
	EmploymentPartTime EmploymentType = "part_time"
	EmploymentCasual   EmploymentType = "casual"
)

// =============================================================================
// BALANCE - Per (staff, leave type) entitlement state
// =============================================================================

type Balance struct {
	ID      ledger.BalanceID
	OrgID   ledger.OrgID
	StaffID ledger.StaffID

	LeaveType      LeaveType
	EmploymentType EmploymentType
	FTE            decimal.Decimal // 0 < fte <= 1

	AccrualMethod AccrualMethod
	AccrualRate   ledger.Amount // per period

	Entitled  ledger.Amount
	Accrued   ledger.Amount
	Taken     ledger.Amount
	Pending   ledger.Amount
	Available ledger.Amount

	ServiceStartDate ledger.Date
	NextAccrualDate  ledger.Date
	Active           bool

	// Version guards optimistic-concurrency writes.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecomputeAvailable re-derives available from the other balances.
func (b *Balance) RecomputeAvailable() {
	b.Available = b.Accrued.Sub(b.Taken).Sub(b.Pending)
}

// =============================================================================
// TRANSACTION - Immutable ledger line
// =============================================================================

type TransactionType string

const (
	TxAccrual    TransactionType = "accrual"
	TxUsage      TransactionType = "usage"
	TxAdjustment TransactionType = "adjustment"
	TxCarryover  TransactionType = "carryover"
	TxForfeiture TransactionType = "forfeiture"
	TxPayout     TransactionType = "payout"
)

type Transaction struct {
	ID        ledger.TransactionID
	OrgID     ledger.OrgID
	StaffID   ledger.StaffID
	BalanceID ledger.BalanceID

	Type      TransactionType
	LeaveType LeaveType
	Amount    ledger.Amount // signed: credits positive, debits negative

	PreviousBalance ledger.Amount // available before posting
	NewBalance      ledger.Amount // available after posting

	EffectiveDate ledger.Date
	PeriodKey     string
	Calculation   *Calculation

	ProcessedBy    string // "system" or "manual"
	IdempotencyKey string
	CreatedAt      time.Time
}

// Calculation captures how an accrual amount was derived, for audit.
type Calculation struct {
	PeriodKey     string
	Rate          decimal.Decimal
	FTE           decimal.Decimal
	ProRataFactor decimal.Decimal
}

// AccrualIdempotencyKey is the natural key for one accrual posting:
// the (balance, period) pair.
func AccrualIdempotencyKey(balanceID ledger.BalanceID, periodKey string) string {
	return fmt.Sprintf("accrual:%s:%s", balanceID, periodKey)
}
