/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the NDIS automation engine server. Handles
  configuration, dependency injection, scheduler startup, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and environment configuration
  2. Initialize SQLite store
  3. Wire audit recorder and the four engines
  4. Register the scheduled jobs with the dispatcher
  5. Configure HTTP router
  6. Start server and scheduler with graceful shutdown

CONFIGURATION:
  All config via environment variables (see config/config.go):
  PORT, DB_PATH, SCHEDULER_ENABLED, SCHEDULER_TICK_INTERVAL,
  SCHEDULER_LOCK_STALENESS, SCHEDULER_JOB_TIMEOUT, SCHEDULER_WORKERS,
  ENGINE_MAX_RETRIES, BUDGET_ALERT_THRESHOLD, SERVER_TIMEOUT.
  Use DB_PATH=":memory:" for an in-memory database.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for in-flight jobs)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - scheduler/jobs.go: Job registration and cadences
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/caddycharles/caddy-ndis/api"
	"github.com/caddycharles/caddy-ndis/audit"
	"github.com/caddycharles/caddy-ndis/budget"
	"github.com/caddycharles/caddy-ndis/config"
	"github.com/caddycharles/caddy-ndis/leave"
	"github.com/caddycharles/caddy-ndis/lifecycle"
	"github.com/caddycharles/caddy-ndis/scheduler"
	"github.com/caddycharles/caddy-ndis/store/sqlite"
	"github.com/caddycharles/caddy-ndis/telemetry"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire engines
	recorder := audit.NewRecorder(store)

	accrualEngine := leave.NewEngine(store, recorder)
	accrualEngine.MaxRetries = cfg.Engine.MaxRetries

	if cfg.Engine.AlertThreshold > 0 {
		budget.DefaultAlertThreshold = decimal.NewFromFloat(cfg.Engine.AlertThreshold)
	}
	budgetEngine := budget.NewEngine(store, recorder)
	budgetEngine.MaxRetries = cfg.Engine.MaxRetries
	budgetEngine.OnAlert = func(l budget.Ledger) {
		telemetry.BudgetAlerts.Inc()
		log.Printf("[Budget] alert: budget %s at %s%% utilization", l.ID, l.Utilization)
	}

	lifecycleEngine := lifecycle.NewEngine(store, recorder)

	retentionEngine := &audit.RetentionEngine{
		Audit:    store,
		Archiver: store,
		Recorder: recorder,
	}

	// Register scheduled jobs
	jobs := scheduler.Jobs(scheduler.Engines{
		Accrual:   accrualEngine,
		Budget:    budgetEngine,
		Lifecycle: lifecycleEngine,
		Retention: retentionEngine,
	})

	dispatcher, err := scheduler.NewDispatcher(jobs, store, scheduler.Options{
		Staleness:      cfg.Scheduler.Staleness,
		DefaultTimeout: cfg.Scheduler.JobTimeout,
		Workers:        cfg.Scheduler.Workers,
		TickInterval:   cfg.Scheduler.TickInterval,
	})
	if err != nil {
		log.Fatalf("Failed to configure scheduler: %v", err)
	}

	if cfg.Scheduler.Enabled {
		dispatcher.Start()
		defer dispatcher.Stop()
	} else {
		log.Println("[Scheduler] Disabled, jobs run only on manual trigger")
	}

	// Create router
	handler := &api.Handler{
		Leave:        store,
		Budgets:      store,
		Audit:        store,
		Runs:         store,
		BudgetEngine: budgetEngine,
		Dispatcher:   dispatcher,
	}
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d", cfg.App.Port)
		log.Printf("API available at http://localhost:%d/api", cfg.App.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
