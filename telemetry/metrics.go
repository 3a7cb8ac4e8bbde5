// Package telemetry exposes Prometheus metrics for the automation engines.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_job_runs_total",
		Help: "Job runs by job name and outcome",
	}, []string{"job", "outcome"})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "automation_job_duration_seconds",
		Help:    "Job run duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	JobItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_job_items_processed_total",
		Help: "Items processed per job",
	}, []string{"job"})

	BudgetAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "automation_budget_alerts_total",
		Help: "Budget alert threshold crossings",
	})
)

// ObserveJobRun records one finished job run.
func ObserveJobRun(job, outcome string, duration time.Duration, items int) {
	JobRuns.WithLabelValues(job, outcome).Inc()
	JobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if items > 0 {
		JobItems.WithLabelValues(job).Add(float64(items))
	}
}

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(JobRuns, JobDuration, JobItems, BudgetAlerts)
	})
	return promhttp.Handler()
}
