package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caddycharles/caddy-ndis/ledger"
	"github.com/caddycharles/caddy-ndis/telemetry"
)

// =============================================================================
// JOBS
// =============================================================================

// Summary is what a job reports back: how many items it touched and how
// many per-item errors it swallowed. Errors > 0 makes the run partial.
type Summary struct {
	Processed int
	Errors    int
}

type JobFunc func(ctx context.Context, asOf time.Time) (Summary, error)

type Job struct {
	Name     string
	Schedule Schedule
	Timeout  time.Duration // zero means the dispatcher default
	Run      JobFunc
}

// Clock abstracts time for the dispatcher so tests drive it with a
// synthetic clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func SystemClock() Clock { return systemClock{} }

// =============================================================================
// DISPATCHER
// =============================================================================

type Options struct {
	// Staleness is how old an unfinished run must be before it is
	// presumed crashed and superseded.
	Staleness time.Duration

	// DefaultTimeout bounds jobs that don't set their own.
	DefaultTimeout time.Duration

	// Workers bounds concurrent job execution across different jobs.
	Workers int

	// TickInterval is how often cadences are checked.
	TickInterval time.Duration

	Clock Clock
}

type Dispatcher struct {
	jobs  map[string]Job
	order []string
	runs  RunStore
	opts  Options

	sem  chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	on   bool
}

// NewDispatcher validates the job list up front: a nameless job, a
// missing cadence, or a duplicate name is a configuration error the
// process should not start with.
func NewDispatcher(jobs []Job, runs RunStore, opts Options) (*Dispatcher, error) {
	if opts.Staleness <= 0 {
		opts.Staleness = 15 * time.Minute
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}

	d := &Dispatcher{
		jobs:  make(map[string]Job, len(jobs)),
		runs:  runs,
		opts:  opts,
		sem:   make(chan struct{}, opts.Workers),
		stop:  make(chan struct{}),
	}
	for _, job := range jobs {
		if job.Name == "" {
			return nil, fmt.Errorf("%w: job with empty name", ledger.ErrConfiguration)
		}
		if job.Schedule == nil {
			return nil, fmt.Errorf("%w: job %s has no cadence", ledger.ErrConfiguration, job.Name)
		}
		if job.Run == nil {
			return nil, fmt.Errorf("%w: job %s has no run function", ledger.ErrConfiguration, job.Name)
		}
		if _, dup := d.jobs[job.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate job name %s", ledger.ErrConfiguration, job.Name)
		}
		d.jobs[job.Name] = job
		d.order = append(d.order, job.Name)
	}
	return d, nil
}

// Jobs returns the configured job names in registration order.
func (d *Dispatcher) Jobs() []Job {
	out := make([]Job, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.jobs[name])
	}
	return out
}

// Start begins the tick loop. Safe to call once.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.on {
		return
	}
	d.on = true

	d.wg.Add(1)
	go d.loop()
	log.Printf("[Scheduler] Started: %d jobs, tick %v", len(d.jobs), d.opts.TickInterval)
}

// Stop halts the tick loop and waits for in-flight jobs.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.on {
		d.mu.Unlock()
		return
	}
	d.on = false
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	now := d.opts.Clock.Now()
	next := make(map[string]time.Time, len(d.jobs))
	for name, job := range d.jobs {
		next[name] = job.Schedule.Next(now)
	}

	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := d.opts.Clock.Now()
			for _, name := range d.order {
				if now.Before(next[name]) {
					continue
				}
				next[name] = d.jobs[name].Schedule.Next(now)
				d.enqueue(name)
			}
		case <-d.stop:
			return
		}
	}
}

// enqueue hands a due job to the worker pool without blocking the tick
// loop.
func (d *Dispatcher) enqueue(name string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		if _, err := d.Dispatch(context.Background(), name); err != nil {
			log.Printf("[Scheduler] %s: dispatch error: %v", name, err)
		}
	}()
}

// Dispatch runs one job immediately, honoring the at-most-one lock.
// The returned JobRun always reflects what was recorded, including a
// skipped-concurrent outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, jobName string) (JobRun, error) {
	job, ok := d.jobs[jobName]
	if !ok {
		return JobRun{}, fmt.Errorf("%w: unknown job %q", ledger.ErrConfiguration, jobName)
	}

	started := d.opts.Clock.Now().UTC()
	run := JobRun{
		ID:        uuid.NewString(),
		JobName:   jobName,
		StartedAt: started,
	}

	acquired, err := d.runs.AcquireRun(ctx, run, d.opts.Staleness)
	if err != nil {
		return run, fmt.Errorf("acquiring lock for %s: %w", jobName, err)
	}
	if !acquired {
		run.Outcome = OutcomeSkipped
		finished := started
		run.FinishedAt = &finished
		if err := d.runs.FinishRun(ctx, run); err != nil {
			return run, err
		}
		telemetry.ObserveJobRun(jobName, string(OutcomeSkipped), 0, 0)
		log.Printf("[Scheduler] %s: skipped, previous run still active", jobName)
		return run, nil
	}

	summary, jobErr := d.execute(ctx, job, started)

	finished := d.opts.Clock.Now().UTC()
	run.FinishedAt = &finished
	run.ItemsProcessed = summary.Processed
	switch {
	case jobErr != nil:
		run.Outcome = OutcomeFailed
		run.Error = jobErr.Error()
	case summary.Errors > 0:
		run.Outcome = OutcomePartial
		run.Error = fmt.Sprintf("%d item(s) failed", summary.Errors)
	default:
		run.Outcome = OutcomeSuccess
	}

	if err := d.runs.FinishRun(ctx, run); err != nil {
		return run, fmt.Errorf("finalizing run for %s: %w", jobName, err)
	}

	telemetry.ObserveJobRun(jobName, string(run.Outcome), finished.Sub(started), summary.Processed)
	log.Printf("[Scheduler] %s: %s, %d processed in %v", jobName, run.Outcome, summary.Processed, finished.Sub(started))
	return run, nil
}

// execute runs the job with its timeout and panic containment. On
// timeout the run is finalized and the lock released even if the job
// goroutine is still unwinding; committed partial progress stands
// (engine transactions are idempotent).
func (d *Dispatcher) execute(ctx context.Context, job Job, asOf time.Time) (Summary, error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		summary Summary
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("job panicked: %v", r)}
			}
		}()
		s, err := job.Run(jobCtx, asOf)
		done <- outcome{summary: s, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return out.summary, fmt.Errorf("%w after %v", ledger.ErrJobTimeout, timeout)
		}
		return out.summary, out.err
	case <-jobCtx.Done():
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return Summary{}, fmt.Errorf("%w after %v", ledger.ErrJobTimeout, timeout)
		}
		return Summary{}, jobCtx.Err()
	}
}
