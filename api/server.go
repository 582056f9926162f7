/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. httplog:    Structured request logging (ECS schema)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend
  5. jwtauth:    Bearer token verification on /api

ROUTE GROUPS:
  /healthz              Liveness (no auth)
  /api/sales/*          Sale lifecycle events
  /api/earnings         Earnings read model
  /api/transactions     Ledger rows
  /api/deductions       Deduction rows
  /api/admin/*          Administrator commands
  /api/scenarios/*      Demo scenarios (non-production only)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification and actor extraction
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v3"
	"github.com/go-chi/jwtauth/v5"
)

type RouterOptions struct {
	Logger         *slog.Logger
	AllowedOrigins []string
	// EnableScenarios mounts the demo scenario routes.
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Auth, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = h.Logger
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(httplog.RequestLogger(logger, &httplog.Options{
		Level:  slog.LevelInfo,
		Schema: httplog.SchemaECS,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.CleanPath)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.Heartbeat("/healthz"))

	r.Route("/api", func(r chi.Router) {
		r.Use(jwtauth.Verifier(auth.JWTAuth()))
		r.Use(AuthRequired)

		// Sale routes
		r.Route("/sales", func(r chi.Router) {
			r.Get("/", h.ListSales)
			r.Post("/", h.CreateSale)
			r.Get("/{id}", h.GetSale)
			r.Post("/{id}/modify", h.ModifySale)
			r.Post("/{id}/cancel", h.CancelSale)
			r.Post("/{id}/restore", h.RestoreSale)
			r.Post("/{id}/transfer", h.TransferSale)
		})

		// Read models
		r.Get("/earnings", h.GetEarnings)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/deductions", h.ListDeductions)
		r.Get("/periods", h.ListPeriods)
		r.Get("/rates", h.ListRates)
		r.Get("/sale-kinds", h.ListSaleKinds)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminOnly)

			r.Post("/sales/{id}/paid", h.MarkSalePaid)

			r.Route("/deductions", func(r chi.Router) {
				r.Post("/{id}/approve", h.ApproveDeduction)
				r.Post("/{id}/cancel", h.CancelDeduction)
				r.Post("/cleanup", h.CleanupDuplicates)
				r.Post("/carry-forward", h.CarryForward)
			})

			r.Post("/transactions/{id}/period", h.ReassignPeriod)
			r.Post("/periods", h.CreatePeriod)
			r.Post("/periods/{id}/archive", h.ArchivePeriod)
			r.Post("/rates", h.AddRate)
			r.Post("/sale-kinds", h.PutSaleKinds)
			r.Get("/audit", h.QueryAudit)
		})

		// Scenario routes
		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.With(AdminOnly).Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
