/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers
  and each route to its required permission.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:       Request logging
  2. Recoverer:    Panic recovery (500 instead of crash)
  3. RequestID:    Unique ID per request for tracing
  4. CORS:         Cross-origin requests for the web frontend
  5. Authenticate: Identity extraction (under /api only)

ROUTE GROUPS:
  /healthz        Liveness probe (no identity required)
  /metrics        Prometheus metrics (no identity required)
  /api/leave/*    Leave balance reads    (leave:read)
  /api/budgets/*  Budget reads + recompute (budget:read / budget:update)
  /api/audit      Audit trail query      (audit:read)
  /api/jobs/*     Run history + triggers (job:read / job:run)

SEE ALSO:
  - handlers.go: Handler implementations
  - identity.go: Authenticate and requirePermission
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/caddycharles/caddy-ndis/telemetry"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-User-Role"},
		AllowCredentials: true,
	}))

	// Unauthenticated surface
	r.Get("/healthz", h.Healthz)
	r.Method("GET", "/metrics", telemetry.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate)

		// Leave routes
		r.Route("/leave", func(r chi.Router) {
			r.With(requirePermission("leave:read")).Get("/balances", h.ListBalances)
			r.With(requirePermission("leave:read")).Get("/balances/{id}", h.GetBalance)
			r.With(requirePermission("leave:read")).Get("/balances/{id}/transactions", h.GetBalanceTransactions)
		})

		// Budget routes
		r.Route("/budgets", func(r chi.Router) {
			r.With(requirePermission("budget:read")).Get("/", h.ListBudgets)
			r.With(requirePermission("budget:read")).Get("/{id}", h.GetBudget)
			r.With(requirePermission("budget:update")).Post("/{id}/recompute", h.RecomputeBudget)
		})

		// Audit routes
		r.With(requirePermission("audit:read")).Get("/audit", h.QueryAudit)

		// Job routes
		r.Route("/jobs", func(r chi.Router) {
			r.With(requirePermission("job:read")).Get("/", h.ListJobs)
			r.With(requirePermission("job:read")).Get("/runs", h.ListJobRuns)
			r.With(requirePermission("job:run")).Post("/{name}/run", h.TriggerJob)
		})
	})

	return r
}
