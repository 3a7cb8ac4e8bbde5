package leave_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caddycharles/caddy-ndis/leave"
	"github.com/caddycharles/caddy-ndis/ledger"
)

// =============================================================================
// PERIOD KEYS
// =============================================================================

func TestPeriodFor_Monthly(t *testing.T) {
	period, err := leave.PeriodFor(leave.AccrualMonthly, ledger.NewDate(2025, time.March, 15), ledger.Date{})
	require.NoError(t, err)

	assert.Equal(t, "2025-03", period.Key)
	assert.Equal(t, "2025-03-01", period.Start.String())
	assert.Equal(t, "2025-03-31", period.End.String())
}

func TestPeriodFor_Monthly_February(t *testing.T) {
	// Leap year February still ends on its real last day
	period, err := leave.PeriodFor(leave.AccrualMonthly, ledger.NewDate(2024, time.February, 10), ledger.Date{})
	require.NoError(t, err)

	assert.Equal(t, "2024-02", period.Key)
	assert.Equal(t, "2024-02-29", period.End.String())
}

func TestPeriodFor_Fortnightly(t *testing.T) {
	// The epoch day is in fortnight 0
	period, err := leave.PeriodFor(leave.AccrualFortnightly, ledger.NewDate(2024, time.January, 1), ledger.Date{})
	require.NoError(t, err)
	assert.Equal(t, "FN-0", period.Key)
	assert.Equal(t, "2024-01-01", period.Start.String())
	assert.Equal(t, "2024-01-14", period.End.String())

	// Day 15 starts fortnight 1
	period, err = leave.PeriodFor(leave.AccrualFortnightly, ledger.NewDate(2024, time.January, 15), ledger.Date{})
	require.NoError(t, err)
	assert.Equal(t, "FN-1", period.Key)
	assert.Equal(t, "2024-01-15", period.Start.String())
	assert.Equal(t, "2024-01-28", period.End.String())
}

func TestPeriodFor_Fortnightly_SharedBoundaries(t *testing.T) {
	// GIVEN: Two dates inside the same fortnight
	a, err := leave.PeriodFor(leave.AccrualFortnightly, ledger.NewDate(2025, time.June, 2), ledger.Date{})
	require.NoError(t, err)
	b, err := leave.PeriodFor(leave.AccrualFortnightly, ledger.NewDate(2025, time.June, 8), ledger.Date{})
	require.NoError(t, err)

	// THEN: They resolve to the identical period, so the idempotency
	// key is stable across the days of a run window
	assert.Equal(t, a.Key, b.Key)
	assert.True(t, a.Start.Equal(b.Start))
	assert.True(t, a.End.Equal(b.End))
}

func TestPeriodFor_Anniversary(t *testing.T) {
	serviceStart := ledger.NewDate(2020, time.May, 10)

	// Before this year's anniversary: still the prior service year
	period, err := leave.PeriodFor(leave.AccrualAnniversary, ledger.NewDate(2025, time.March, 1), serviceStart)
	require.NoError(t, err)
	assert.Equal(t, "AY-2024", period.Key)
	assert.Equal(t, "2024-05-10", period.Start.String())
	assert.Equal(t, "2025-05-09", period.End.String())

	// On the anniversary itself: the new service year begins
	period, err = leave.PeriodFor(leave.AccrualAnniversary, ledger.NewDate(2025, time.May, 10), serviceStart)
	require.NoError(t, err)
	assert.Equal(t, "AY-2025", period.Key)
	assert.Equal(t, "2025-05-10", period.Start.String())
}

func TestPeriodFor_Anniversary_RequiresServiceStart(t *testing.T) {
	_, err := leave.PeriodFor(leave.AccrualAnniversary, ledger.NewDate(2025, time.March, 1), ledger.Date{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrConfiguration))
}

func TestPeriodFor_UnknownMethod(t *testing.T) {
	_, err := leave.PeriodFor(leave.AccrualNone, ledger.NewDate(2025, time.March, 1), ledger.Date{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrConfiguration))
}

// =============================================================================
// PRO-RATA
// =============================================================================

func marchPeriod(t *testing.T) leave.Period {
	t.Helper()
	p, err := leave.PeriodFor(leave.AccrualMonthly, ledger.NewDate(2025, time.March, 15), ledger.Date{})
	require.NoError(t, err)
	return p
}

func TestProRataFactor_FullPeriod(t *testing.T) {
	p := marchPeriod(t)

	// Employed before the period starts: full factor
	factor := leave.ProRataFactor(p, ledger.NewDate(2024, time.July, 1))
	assert.True(t, factor.Equal(decimal.NewFromInt(1)))

	// Starting exactly on day one also counts as the full period
	factor = leave.ProRataFactor(p, p.Start)
	assert.True(t, factor.Equal(decimal.NewFromInt(1)))

	// No service start recorded: assume full period
	factor = leave.ProRataFactor(p, ledger.Date{})
	assert.True(t, factor.Equal(decimal.NewFromInt(1)))
}

func TestProRataFactor_MidPeriod(t *testing.T) {
	p := marchPeriod(t)

	// Hired March 17: employed 15 of 31 days
	factor := leave.ProRataFactor(p, ledger.NewDate(2025, time.March, 17))
	assert.True(t, factor.Equal(decimal.NewFromFloat(0.4839)), "got %s", factor)

	// Hired on the last day: 1 of 31 days
	factor = leave.ProRataFactor(p, p.End)
	assert.True(t, factor.Equal(decimal.NewFromFloat(0.0323)), "got %s", factor)
}

func TestProRataFactor_AfterPeriod(t *testing.T) {
	p := marchPeriod(t)

	factor := leave.ProRataFactor(p, p.End.AddDays(1))
	assert.True(t, factor.IsZero())
}
