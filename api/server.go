/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. Logger:        Request logging
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. CORS:          Cross-origin requests for frontends
  5. Authenticate:  JWT bearer token -> leave.Caller (/api only)

ROUTE GROUPS:
  /api/requests/*       Request lifecycle
  /api/employees/*      Quotas and grants per employee
  /api/grants           Special grants
  /api/policies         Policy updates
  /api/carryover        Year-end carry-over
  /api/leave-types/*    Leave type administration
  /api/years/*          Year close/reopen and overrides
  /api/holidays/*       Holiday calendar
  /api/day-count        Day-count preview
  /api/audit            Audit trail
  /api/events           Server-Sent Events
  /healthz, /metrics    Unauthenticated operations endpoints

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token parsing
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	JWTSecret   string
	CORSOrigins []string
	// Metrics is served on /metrics when non-nil.
	Metrics prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(opts.JWTSecret))

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/", h.CreateRequest)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/transition", h.TransitionRequest)
			r.Post("/{id}/withdraw", h.WithdrawRequest)
		})

		r.Route("/employees/{id}", func(r chi.Router) {
			r.Get("/quotas", h.GetQuotaSummary)
			r.Put("/quotas", h.AllocateQuota)
			r.Get("/grants", h.ListGrants)
		})

		r.Post("/grants", h.GrantSpecial)
		r.Post("/policies", h.UpdatePolicy)
		r.Post("/carryover", h.RunCarryOver)

		r.Route("/leave-types", func(r chi.Router) {
			r.Get("/", h.ListLeaveTypes)
			r.Post("/", h.CreateLeaveType)
			r.Get("/{id}", h.GetLeaveType)
			r.Put("/{id}/policy", h.UpdateLeaveTypePolicy)
			r.Delete("/{id}", h.DeleteLeaveType)
		})

		r.Route("/years/{year}", func(r chi.Router) {
			r.Get("/", h.GetYearConfig)
			r.Post("/close", h.CloseYear)
			r.Post("/reopen", h.ReopenYear)
			r.Put("/max-consecutive-days", h.SetYearMaxConsecutive)
		})

		r.Route("/holidays", func(r chi.Router) {
			r.Get("/", h.ListHolidays)
			r.Post("/", h.CreateHoliday)
			r.Delete("/{id}", h.DeleteHoliday)
		})

		r.Get("/day-count", h.CountDays)
		r.Get("/audit", h.ListAudit)
		r.Get("/events", h.Events)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no such endpoint", nil)
	})

	return r
}
