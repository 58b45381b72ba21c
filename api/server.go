/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. withActor:  X-Actor-ID header into the ledger context
  3. Logger:     logrus access log carrying request id and actor
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. instrument: Prometheus request count and latency per route
  6. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/coops                     Configured cooperatives
  /api/scenarios                 Demo scenario list
  /api/coops/{coop}/*            One cooperative (see handlers.go)
  /metrics                       Prometheus exposition
  /healthz                       Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/coopledger/serve.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/coop-ledger/metrics"
)

// RouterOptions holds the settings NewRouter needs beyond the handler.
type RouterOptions struct {
	CORSOrigins []string
	Metrics     *metrics.Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(withActor)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(instrument(opts.Metrics))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		ExposedHeaders: []string{"X-Request-Id"},
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/coops", h.ListCoops)
		r.Get("/scenarios", h.ListScenarios)

		r.Route("/coops/{coop}", func(r chi.Router) {
			r.Use(h.withTenant)

			// Member registry
			r.Route("/members", func(r chi.Router) {
				r.Get("/", h.ListMembers)
				r.Post("/", h.CreateMember)
				r.Get("/{id}", h.GetMember)
				r.Put("/{id}", h.UpdateMember)
				r.Delete("/{id}", h.DeleteMember)
			})

			// Crop catalog
			r.Route("/products", func(r chi.Router) {
				r.Get("/", h.ListProducts)
				r.Post("/", h.CreateProduct)
				r.Get("/{name}", h.GetProduct)
				r.Put("/{name}", h.UpdateProduct)
				r.Delete("/{name}", h.DeleteProduct)
			})

			// Derived balances and reports
			r.Get("/balances/stock", h.GetStockBalance)
			r.Get("/balances/stock/positions", h.GetStockPositions)
			r.Get("/balances/accounting", h.GetAccountingBalance)
			r.Get("/reports/synthesis", h.GetSynthesis)
			r.Get("/integrity", h.GetIntegrity)

			// Demo data and whole-cooperative reset
			r.Post("/scenarios/{name}", h.LoadScenario)
			r.Post("/reset", h.RequestReset)
			r.Post("/reset/{token}", h.ConfirmReset)

			// Ledgers
			r.Route("/{ledger}", func(r chi.Router) {
				r.Get("/", h.ListRows)
				r.Post("/", h.CreateRow)
				r.Post("/purge", h.RequestPurge)
				r.Post("/purge/{token}", h.ConfirmPurge)
				r.Get("/{id}", h.GetRow)
				r.Post("/{id}/corrections", h.CorrectRow)
			})
		})
	})

	return r
}
