package lifecycle

import (
	"github.com/caddycharles/caddy-ndis/ledger"
)

// =============================================================================
// STATUSES
// =============================================================================

const (
	StatusDraft        Status = "draft"
	StatusActive       Status = "active"
	StatusExpiringSoon Status = "expiring_soon"
	StatusExpired      Status = "expired"
	StatusScheduled    Status = "scheduled"
	StatusPublished    Status = "published"
	StatusPending      Status = "pending"
	StatusInactive     Status = "inactive"
	StatusCancelled    Status = "cancelled"
	StatusOpen         Status = "open"
	StatusOverdue      Status = "overdue"

	// StatusArchived is terminal and only ever set by the retention
	// job, so no table routes to it.
	StatusArchived Status = "archived"
)

// PlanExpiryWindowDays is how far ahead of its end date a plan is
// flagged expiring_soon.
const PlanExpiryWindowDays = 90

// =============================================================================
// CONDITIONS
// =============================================================================

func startReached(d Dates, asOf ledger.Date) bool {
	return d.Start != nil && asOf.AfterOrEqual(*d.Start)
}

func endPassed(d Dates, asOf ledger.Date) bool {
	return d.End != nil && asOf.After(*d.End)
}

func duePassed(d Dates, asOf ledger.Date) bool {
	return d.Due != nil && asOf.After(*d.Due)
}

// endWithin flags subjects approaching their end date: end - asOf <= n
// days, but not yet past it (past is a different transition).
func endWithin(n int) Condition {
	return func(d Dates, asOf ledger.Date) bool {
		if d.End == nil || asOf.After(*d.End) {
			return false
		}
		return ledger.DaysBetween(asOf, *d.End) <= n
	}
}

// =============================================================================
// TABLES
// =============================================================================

// DefaultTables returns the production transition tables, one per kind.
// Statuses a table doesn't list (replaced, approved, archived...) are
// manual territory; subjects resting in them are never touched.
func DefaultTables() map[Kind]Table {
	return map[Kind]Table{
		KindPlan: NewTable(KindPlan,
			[]Status{StatusDraft, StatusActive, StatusExpiringSoon, StatusExpired},
			Transition{From: StatusDraft, To: StatusActive, When: startReached},
			Transition{From: StatusActive, To: StatusExpired, When: endPassed},
			Transition{From: StatusActive, To: StatusExpiringSoon, When: endWithin(PlanExpiryWindowDays)},
			Transition{From: StatusExpiringSoon, To: StatusExpired, When: endPassed},
		),

		KindDocument: NewTable(KindDocument,
			[]Status{StatusActive, StatusExpired},
			Transition{From: StatusActive, To: StatusExpired, When: endPassed},
		),

		KindAnnouncement: NewTable(KindAnnouncement,
			[]Status{StatusScheduled, StatusPublished, StatusExpired},
			Transition{From: StatusScheduled, To: StatusPublished, When: startReached},
			Transition{From: StatusPublished, To: StatusExpired, When: endPassed},
		),

		KindAvailability: NewTable(KindAvailability,
			[]Status{StatusPending, StatusActive, StatusInactive},
			Transition{From: StatusPending, To: StatusActive, When: startReached},
			Transition{From: StatusActive, To: StatusInactive, When: endPassed},
		),

		// A pending request whose window has already elapsed without a
		// decision is cancelled so rosters stop waiting on it.
		KindLeaveRequest: NewTable(KindLeaveRequest,
			[]Status{StatusPending, StatusCancelled},
			Transition{From: StatusPending, To: StatusCancelled, When: endPassed},
		),

		KindIncident: NewTable(KindIncident,
			[]Status{StatusOpen, StatusOverdue},
			Transition{From: StatusOpen, To: StatusOverdue, When: duePassed},
		),
	}
}
