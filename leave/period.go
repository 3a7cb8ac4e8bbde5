package leave

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caddycharles/caddy-ndis/ledger"
)

// =============================================================================
// ACCRUAL PERIODS - Keys, bounds, pro-rata
// =============================================================================

// fortnightEpoch anchors fortnight numbering. A fixed Monday; every
// balance shares the same fortnight boundaries so the period key is
// derivable from the date alone.
var fortnightEpoch = ledger.NewDate(2024, time.January, 1)

// Period is one accrual window.
type Period struct {
	Key   string
	Start ledger.Date
	End   ledger.Date
}

// PeriodFor returns the accrual period containing asOf. The key is the
// idempotency anchor: deterministic from (method, asOf, serviceStart)
// alone, so a rerun computes the same key and skips.
func PeriodFor(method AccrualMethod, asOf ledger.Date, serviceStart ledger.Date) (Period, error) {
	switch method {
	case AccrualMonthly:
		return Period{
			Key:   asOf.Time.Format("2006-01"),
			Start: ledger.StartOfMonth(asOf),
			End:   ledger.EndOfMonth(asOf),
		}, nil

	case AccrualFortnightly:
		idx := floorDiv(ledger.DaysBetween(fortnightEpoch, asOf), 14)
		start := fortnightEpoch.AddDays(idx * 14)
		return Period{
			Key:   fmt.Sprintf("FN-%d", idx),
			Start: start,
			End:   start.AddDays(13),
		}, nil

	case AccrualAnniversary:
		if serviceStart.IsZero() {
			return Period{}, fmt.Errorf("%w: anniversary accrual requires a service start date", ledger.ErrConfiguration)
		}
		years := asOf.Year() - serviceStart.Year()
		start := ledger.NewDate(serviceStart.Year()+years, serviceStart.Month(), serviceStart.Day())
		if asOf.Before(start) {
			years--
			start = ledger.NewDate(serviceStart.Year()+years, serviceStart.Month(), serviceStart.Day())
		}
		return Period{
			Key:   fmt.Sprintf("AY-%d", start.Year()),
			Start: start,
			End:   start.AddYears(1).AddDays(-1),
		}, nil

	default:
		return Period{}, fmt.Errorf("%w: no accrual period for method %q", ledger.ErrConfiguration, method)
	}
}

// ProRataFactor is the fraction of the period the staff member was
// employed: linear over actual days in the period. 1 for staff employed
// the whole period; leap-year periods just have more days.
func ProRataFactor(p Period, serviceStart ledger.Date) decimal.Decimal {
	if serviceStart.IsZero() || serviceStart.BeforeOrEqual(p.Start) {
		return decimal.NewFromInt(1)
	}
	if serviceStart.After(p.End) {
		return decimal.Zero
	}
	total := ledger.DaysBetween(p.Start, p.End) + 1
	employed := ledger.DaysBetween(serviceStart, p.End) + 1
	return decimal.NewFromInt(int64(employed)).
		Div(decimal.NewFromInt(int64(total))).
		Round(4)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
