/*
jobs.go - The production job list

PURPOSE:
  Binds every named automation job to its engine and cadence. Cadences
  mirror the platform's operational windows: critical budget monitoring
  runs hourly, routine maintenance is staggered through the early
  morning UTC hours so resource-intensive sweeps never overlap.
*/
package scheduler

import (
	"context"
	"time"

	"github.com/caddycharles/caddy-ndis/audit"
	"github.com/caddycharles/caddy-ndis/budget"
	"github.com/caddycharles/caddy-ndis/leave"
	"github.com/caddycharles/caddy-ndis/ledger"
	"github.com/caddycharles/caddy-ndis/lifecycle"
)

// Job names. Fixed: JobRun history and the trigger API key off these.
const (
	JobProcessLeaveAccruals       = "processLeaveAccruals"
	JobCheckPlanExpiry            = "checkPlanExpiry"
	JobCheckBudgetAlerts          = "checkBudgetAlerts"
	JobCheckIncidentReminders     = "checkIncidentReminders"
	JobProcessDataRetention       = "processDataRetention"
	JobUpdateAvailabilityPatterns = "updateAvailabilityPatterns"
	JobProcessAnnouncements       = "processAnnouncements"
	JobCheckDocumentExpiry        = "checkDocumentExpiry"
)

// Engines groups the automation engines the jobs drive.
type Engines struct {
	Accrual   *leave.Engine
	Budget    *budget.Engine
	Lifecycle *lifecycle.Engine
	Retention *audit.RetentionEngine
}

// Jobs returns the full production job list with its fixed cadences.
func Jobs(e Engines) []Job {
	return []Job{
		{
			Name:     JobProcessAnnouncements,
			Schedule: Daily(0, 0),
			Run:      sweepJob(e.Lifecycle, lifecycle.KindAnnouncement),
		},
		{
			Name:     JobProcessDataRetention,
			Schedule: Monthly(1, 1, 0),
			Run: func(ctx context.Context, asOf time.Time) (Summary, error) {
				result, err := e.Retention.Run(ctx, ledger.DateOf(asOf))
				return Summary{Processed: result.Total()}, err
			},
		},
		{
			Name:     JobProcessLeaveAccruals,
			Schedule: Daily(2, 0),
			Run: func(ctx context.Context, asOf time.Time) (Summary, error) {
				result, err := e.Accrual.RunAccrual(ctx, ledger.DateOf(asOf))
				return Summary{Processed: result.Processed, Errors: len(result.Errors)}, err
			},
		},
		{
			Name:     JobCheckPlanExpiry,
			Schedule: Daily(3, 0),
			Run:      sweepJob(e.Lifecycle, lifecycle.KindPlan),
		},
		{
			Name:     JobCheckIncidentReminders,
			Schedule: Daily(4, 0),
			Run:      sweepJob(e.Lifecycle, lifecycle.KindIncident),
		},
		{
			Name:     JobCheckDocumentExpiry,
			Schedule: Daily(5, 0),
			Run:      sweepJob(e.Lifecycle, lifecycle.KindDocument),
		},
		{
			Name:     JobCheckBudgetAlerts,
			Schedule: Hourly(0),
			Run: func(ctx context.Context, asOf time.Time) (Summary, error) {
				result, err := e.Budget.RecomputeAll(ctx, ledger.DateOf(asOf))
				return Summary{Processed: result.Recomputed, Errors: len(result.Errors)}, err
			},
		},
		{
			Name:     JobUpdateAvailabilityPatterns,
			Schedule: Weekly(time.Sunday, 23, 0),
			Run: func(ctx context.Context, asOf time.Time) (Summary, error) {
				// Availability sync also expires stale pending leave
				// requests so rosters stop reserving cover for them.
				patterns, err := e.Lifecycle.Sweep(ctx, lifecycle.KindAvailability, ledger.DateOf(asOf))
				if err != nil {
					return Summary{}, err
				}
				requests, err := e.Lifecycle.Sweep(ctx, lifecycle.KindLeaveRequest, ledger.DateOf(asOf))
				return Summary{
					Processed: patterns.Transitioned + requests.Transitioned,
					Errors:    len(patterns.Errors) + len(requests.Errors),
				}, err
			},
		},
	}
}

func sweepJob(e *lifecycle.Engine, kind lifecycle.Kind) JobFunc {
	return func(ctx context.Context, asOf time.Time) (Summary, error) {
		result, err := e.Sweep(ctx, kind, ledger.DateOf(asOf))
		return Summary{Processed: result.Transitioned, Errors: len(result.Errors)}, err
	}
}
