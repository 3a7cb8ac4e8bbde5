/*
Package budget implements NDIS budget ledgers and utilization recomputation.

PURPOSE:
  A BudgetLedger tracks one (plan, support category) allocation. Its
  derived fields (spent, committed, available, utilization) are never
  hand-edited: the utilization engine re-derives them from linked
  service records, so the ledger is always explainable from its inputs.

CRITICAL INVARIANTS:
  1. available = allocated - spent - committed after every successful
     recomputation.
  2. utilization = (spent + committed) / allocated x 100, zero when
     allocated is zero, never negative.
  3. Ledgers are never deleted; a new plan period gets a new ledger.
  4. Writes are versioned compare-and-swap.
*/
package budget

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/caddycharles/caddy-ndis/ledger"
)

// =============================================================================
// SUPPORT CATEGORIES
// =============================================================================

type SupportCategory string

const (
	// Core supports
	CoreDailyActivities  SupportCategory = "core_daily_activities"
	CoreSocialCommunity  SupportCategory = "core_social_community"
	CoreConsumables      SupportCategory = "core_consumables"
	CoreTransport        SupportCategory = "core_transport"
	// Capacity building
	CBSupportCoordination SupportCategory = "cb_support_coordination"
	CBImprovedLiving      SupportCategory = "cb_improved_living"
	CBImprovedHealth      SupportCategory = "cb_improved_health"
	CBImprovedDailyLiving SupportCategory = "cb_improved_daily_living"
	// Capital
	CapitalAssistiveTechnology SupportCategory = "capital_assistive_technology"
	CapitalHomeModifications   SupportCategory = "capital_home_modifications"
)

// =============================================================================
// SERVICE STATUS - Upstream inputs from service delivery/billing
// =============================================================================

type ServiceStatus string

const (
	ServiceScheduled  ServiceStatus = "scheduled"
	ServiceConfirmed  ServiceStatus = "confirmed"
	ServiceInProgress ServiceStatus = "in_progress"
	ServiceCompleted  ServiceStatus = "completed"
	ServiceCancelled  ServiceStatus = "cancelled"
	ServiceNoShow     ServiceStatus = "no_show"
	ServiceBilled     ServiceStatus = "billed"
	ServicePaid       ServiceStatus = "paid"
)

// SpentStatuses are service states that count toward spent.
var SpentStatuses = []ServiceStatus{ServiceCompleted, ServiceBilled, ServicePaid}

// CommittedStatuses are service states that count toward committed.
var CommittedStatuses = []ServiceStatus{ServiceScheduled, ServiceConfirmed, ServiceInProgress}

// =============================================================================
// LEDGER - One (plan, support category) budget
// =============================================================================

// DefaultAlertThreshold applies when a ledger has no threshold set.
var DefaultAlertThreshold = decimal.NewFromInt(80)

type Ledger struct {
	ID            ledger.BudgetID
	OrgID         ledger.OrgID
	PlanID        ledger.PlanID
	ParticipantID ledger.ParticipantID

	SupportCategory SupportCategory

	// Amounts, all in cents.
	Allocated ledger.Cents
	Spent     ledger.Cents
	Committed ledger.Cents
	Available ledger.Cents

	// Utilization percentage, rounded to 2 dp.
	Utilization decimal.Decimal

	// AlertThreshold is a percentage; zero means "use the default".
	AlertThreshold decimal.Decimal
	HasAlert       bool
	AlertMessage   string

	StartDate ledger.Date
	EndDate   ledger.Date

	LastCalculated time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveThreshold resolves the alert threshold, falling back to the
// default when unset.
func (l *Ledger) EffectiveThreshold() decimal.Decimal {
	if l.AlertThreshold.IsZero() {
		return DefaultAlertThreshold
	}
	return l.AlertThreshold
}

// UtilizationOf computes the percentage per the ledger invariant:
// (spent + committed) / allocated x 100, rounded half-up to 2 dp.
// Zero when nothing is allocated; never negative.
func UtilizationOf(spent, committed, allocated ledger.Cents) decimal.Decimal {
	if allocated <= 0 {
		return decimal.Zero
	}
	used := spent.Add(committed)
	if used < 0 {
		used = 0
	}
	return used.Decimal().
		Mul(decimal.NewFromInt(100)).
		Div(allocated.Decimal()).
		Round(2)
}

// ServiceTotals are the cost sums the engine re-derives spent/committed
// from. Produced by the persistence layer from linked service records.
type ServiceTotals struct {
	Spent     ledger.Cents
	Committed ledger.Cents
}

// Service is the slice of a service-delivery record this package reads:
// the cost delta and its billing status. Produced by the service and
// claims subsystems; read-only here.
type Service struct {
	ID          string
	OrgID       ledger.OrgID
	BudgetID    ledger.BudgetID
	ServiceDate ledger.Date
	TotalCost   ledger.Cents
	Status      ServiceStatus
}
