package scheduler_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caddycharles/caddy-ndis/ledger"
	"github.com/caddycharles/caddy-ndis/scheduler"
	"github.com/caddycharles/caddy-ndis/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newDispatcher(t *testing.T, jobs ...scheduler.Job) (*scheduler.Dispatcher, *memory.Memory) {
	t.Helper()
	store := memory.NewMemory()
	d, err := scheduler.NewDispatcher(jobs, store, scheduler.Options{
		Staleness:      time.Minute,
		DefaultTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return d, store
}

func countingJob(name string, summary scheduler.Summary, err error) scheduler.Job {
	return scheduler.Job{
		Name:     name,
		Schedule: scheduler.Daily(2, 0),
		Run: func(context.Context, time.Time) (scheduler.Summary, error) {
			return summary, err
		},
	}
}

// =============================================================================
// OUTCOMES
// =============================================================================

func TestDispatch_Success(t *testing.T) {
	// GIVEN: A job that processes three items cleanly
	d, store := newDispatcher(t, countingJob("nightly", scheduler.Summary{Processed: 3}, nil))

	// WHEN: It is dispatched
	run, err := d.Dispatch(context.Background(), "nightly")

	// THEN: The recorded run is a finished success
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeSuccess, run.Outcome)
	assert.Equal(t, 3, run.ItemsProcessed)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.FinishedAt)
	assert.False(t, run.Running())

	runs, err := store.ListRuns(context.Background(), "nightly", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestDispatch_PartialOnItemErrors(t *testing.T) {
	// GIVEN: A job that swallowed two per-item failures
	d, _ := newDispatcher(t, countingJob("nightly", scheduler.Summary{Processed: 5, Errors: 2}, nil))

	// WHEN: It is dispatched
	run, err := d.Dispatch(context.Background(), "nightly")

	// THEN: The run is partial, not failed; progress still counts
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomePartial, run.Outcome)
	assert.Equal(t, 5, run.ItemsProcessed)
	assert.Equal(t, "2 item(s) failed", run.Error)
}

func TestDispatch_FailedOnJobError(t *testing.T) {
	d, _ := newDispatcher(t, countingJob("nightly", scheduler.Summary{}, context.Canceled))

	run, err := d.Dispatch(context.Background(), "nightly")

	require.NoError(t, err, "a failing job is recorded, not surfaced as a dispatch error")
	assert.Equal(t, scheduler.OutcomeFailed, run.Outcome)
	assert.NotEmpty(t, run.Error)
}

func TestDispatch_UnknownJob(t *testing.T) {
	d, _ := newDispatcher(t, countingJob("nightly", scheduler.Summary{}, nil))

	_, err := d.Dispatch(context.Background(), "no-such-job")
	require.ErrorIs(t, err, ledger.ErrConfiguration)
}

// =============================================================================
// FAULT CONTAINMENT
// =============================================================================

func TestDispatch_PanickingJobIsContained(t *testing.T) {
	// GIVEN: A job that panics mid-run
	d, _ := newDispatcher(t, scheduler.Job{
		Name:     "nightly",
		Schedule: scheduler.Daily(2, 0),
		Run: func(context.Context, time.Time) (scheduler.Summary, error) {
			panic("boom")
		},
	})

	// WHEN: It is dispatched
	run, err := d.Dispatch(context.Background(), "nightly")

	// THEN: The dispatcher survives and the run records the panic
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeFailed, run.Outcome)
	assert.Contains(t, run.Error, "job panicked")
	require.NotNil(t, run.FinishedAt)
}

func TestDispatch_TimeoutReleasesLock(t *testing.T) {
	// GIVEN: A job that overruns its timeout
	slow := scheduler.Job{
		Name:     "nightly",
		Schedule: scheduler.Daily(2, 0),
		Timeout:  20 * time.Millisecond,
		Run: func(ctx context.Context, _ time.Time) (scheduler.Summary, error) {
			<-ctx.Done()
			return scheduler.Summary{}, ctx.Err()
		},
	}
	d, _ := newDispatcher(t, slow)

	// WHEN: It is dispatched
	run, err := d.Dispatch(context.Background(), "nightly")

	// THEN: The run fails with the timeout error and the lock is free
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeFailed, run.Outcome)
	assert.Contains(t, run.Error, ledger.ErrJobTimeout.Error())
	require.NotNil(t, run.FinishedAt)

	// AND: The next dispatch acquires the lock normally
	second, err := d.Dispatch(context.Background(), "nightly")
	require.NoError(t, err)
	assert.NotEqual(t, scheduler.OutcomeSkipped, second.Outcome)
}

// =============================================================================
// CONCURRENCY LOCK
// =============================================================================

func TestDispatch_ConcurrentRunSkipped(t *testing.T) {
	// GIVEN: A job currently holding its lock
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := scheduler.Job{
		Name:     "nightly",
		Schedule: scheduler.Daily(2, 0),
		Run: func(context.Context, time.Time) (scheduler.Summary, error) {
			close(started)
			<-release
			return scheduler.Summary{Processed: 1}, nil
		},
	}
	d, _ := newDispatcher(t, blocking)

	first := make(chan scheduler.JobRun, 1)
	go func() {
		run, _ := d.Dispatch(context.Background(), "nightly")
		first <- run
	}()
	<-started

	// WHEN: A second dispatch arrives while the first is in flight
	second, err := d.Dispatch(context.Background(), "nightly")

	// THEN: It is recorded as skipped and does not run the job
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeSkipped, second.Outcome)
	require.NotNil(t, second.FinishedAt)

	close(release)
	assert.Equal(t, scheduler.OutcomeSuccess, (<-first).Outcome)
}

func TestDispatch_StaleLockSuperseded(t *testing.T) {
	// GIVEN: An unfinished run well past the staleness window,
	// as left behind by a crashed process
	d, store := newDispatcher(t, countingJob("nightly", scheduler.Summary{Processed: 1}, nil))
	crashed := scheduler.JobRun{
		ID:        "crashed-run",
		JobName:   "nightly",
		StartedAt: time.Now().UTC().Add(-time.Hour),
	}
	acquired, err := store.AcquireRun(context.Background(), crashed, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// WHEN: A fresh dispatch arrives
	run, err := d.Dispatch(context.Background(), "nightly")

	// THEN: The stale holder is finalized as failed and the new run proceeds
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeSuccess, run.Outcome)

	runs, err := store.ListRuns(context.Background(), "nightly", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	var old scheduler.JobRun
	for _, r := range runs {
		if r.ID == "crashed-run" {
			old = r
		}
	}
	assert.Equal(t, scheduler.OutcomeFailed, old.Outcome)
	assert.True(t, strings.Contains(old.Error, "superseded"))
	require.NotNil(t, old.FinishedAt)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

func TestNewDispatcher_RejectsBadJobLists(t *testing.T) {
	store := memory.NewMemory()
	good := countingJob("nightly", scheduler.Summary{}, nil)

	_, err := scheduler.NewDispatcher([]scheduler.Job{good, good}, store, scheduler.Options{})
	assert.ErrorIs(t, err, ledger.ErrConfiguration, "duplicate names")

	nameless := good
	nameless.Name = ""
	_, err = scheduler.NewDispatcher([]scheduler.Job{nameless}, store, scheduler.Options{})
	assert.ErrorIs(t, err, ledger.ErrConfiguration, "empty name")

	cadenceless := good
	cadenceless.Name = "other"
	cadenceless.Schedule = nil
	_, err = scheduler.NewDispatcher([]scheduler.Job{cadenceless}, store, scheduler.Options{})
	assert.ErrorIs(t, err, ledger.ErrConfiguration, "missing cadence")
}

func TestJobs_RegistrationOrderPreserved(t *testing.T) {
	d, _ := newDispatcher(t,
		countingJob("first", scheduler.Summary{}, nil),
		countingJob("second", scheduler.Summary{}, nil),
		countingJob("third", scheduler.Summary{}, nil),
	)

	jobs := d.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "first", jobs[0].Name)
	assert.Equal(t, "second", jobs[1].Name)
	assert.Equal(t, "third", jobs[2].Name)
}
