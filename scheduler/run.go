package scheduler

import (
	"context"
	"time"
)

// =============================================================================
// JOB RUN - One row per scheduled invocation
// =============================================================================

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped-concurrent"
)

// JobRun doubles as the observability record and the concurrency lock:
// an unfinished run (FinishedAt == nil) younger than the staleness
// window blocks new runs of the same job.
type JobRun struct {
	ID             string
	JobName        string
	StartedAt      time.Time
	FinishedAt     *time.Time
	Outcome        Outcome
	ItemsProcessed int
	Error          string
}

// Running reports whether the run still holds the job's lock.
func (r JobRun) Running() bool { return r.FinishedAt == nil }

// Duration is zero until the run finishes.
func (r JobRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunStore persists job runs and arbitrates the per-job lock.
type RunStore interface {
	// AcquireRun atomically claims the job's lock by inserting the run.
	// Returns false when an unfinished run younger than the staleness
	// window exists. An unfinished run older than the window is
	// presumed crashed: it is finalized as failed (superseded) and the
	// new run proceeds.
	AcquireRun(ctx context.Context, run JobRun, staleness time.Duration) (bool, error)

	// FinishRun upserts the finalized run (outcome, duration, counts).
	FinishRun(ctx context.Context, run JobRun) error

	// ListRuns returns the most recent runs for a job, newest first.
	// An empty job name means all jobs.
	ListRuns(ctx context.Context, jobName string, limit int) ([]JobRun, error)
}
