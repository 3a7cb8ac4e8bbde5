/*
Package ledger provides the shared core for the automation engines.

PURPOSE:
  This package contains the types every engine speaks: quantities (leave
  amounts with a unit, money in cents), day-granularity dates, type-safe
  identifiers, and the error taxonomy. The domain packages (leave, budget,
  lifecycle, audit, scheduler) build on these primitives; none of them
  define their own money or date arithmetic.

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for leave quantities and percentages -
     no floating-point drift in a compliance system.
  2. Money is integer cents. NDIS amounts are exact; there is nothing
     fractional to represent.
  3. Type safety: strong ID types prevent mixing a balance ID with a
     budget ID at compile time.
  4. UTC everywhere. Dates are calendar days in UTC; daylight saving has
     no business in a ledger.

SEE ALSO:
  - date.go: day-granularity time handling
  - errors.go: sentinel and structured errors
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Leave quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitDays  Unit = "days"
	UnitHours Unit = "hours"
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromDecimal(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }

// Round returns the amount rounded half-up to two decimal places.
// All posted ledger quantities go through this - the rounding policy is
// "nearest 0.01 day (or hour), half away from zero".
func (a Amount) Round() Amount {
	return Amount{Value: a.Value.Round(2), Unit: a.Unit}
}

func (a Amount) String() string { return a.Value.String() + " " + string(a.Unit) }

// =============================================================================
// CENTS - Money amounts
// =============================================================================

// Cents is a monetary amount in integer cents (AUD for NDIS budgets).
type Cents int64

func (c Cents) Add(d Cents) Cents { return c + d }
func (c Cents) Sub(d Cents) Cents { return c - d }
func (c Cents) IsNegative() bool  { return c < 0 }
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), 0)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrgID string
type StaffID string
type ParticipantID string
type BalanceID string
type BudgetID string
type PlanID string
type TransactionID string
