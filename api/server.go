/*
server.go - HTTP router and middleware configuration

ROUTER: chi

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the storefront / admin frontends

ROUTE GROUPS:
  /api/certificates/*   Certificate registry and ledger operations
  /api/scenarios/*      Demo ledgers
  /api/audit            Last integrity audit report
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. The service is meant to sit behind the
  checkout backend, not to face customers directly.
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. origins lists
// the CORS origins allowed to call the API.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/certificates", func(r chi.Router) {
			r.Get("/", h.ListCertificates)
			r.Post("/", h.CreateCertificate)

			r.Route("/{code}", func(r chi.Router) {
				r.Get("/", h.GetCertificate)
				r.Get("/balance", h.GetBalance)
				r.Get("/transactions", h.GetTransactions)

				r.Post("/authorizations", h.PreAuthorize)
				r.Route("/authorizations/{auth}", func(r chi.Router) {
					r.Put("/", h.ModifyPreAuthorization)
					r.Post("/capture", h.Capture)
					r.Post("/reverse", h.ReversePreAuthorization)
					r.Post("/refunds", h.Refund)
				})
			})
		})

		r.Get("/audit", h.GetAuditReport)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
