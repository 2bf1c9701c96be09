/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     logrus request logging + Prometheus HTTP metrics
  4. CORS:       Cross-origin requests for the web client

ROUTE GROUPS:
  /healthz                      Liveness
  /metrics                      Prometheus
  /webhooks/stripe              Stripe events (signature verified)
  /webhooks/paypal              PayPal events (shared token)
  /api/plans                    Catalog
  /api/accounts/{accountID}/*   Per-account ledger, rewards, plan, usage
  /api/admin/*                  Operator endpoints

SECURITY:
  With a JWT secret configured, /api requires an HS256 bearer token. The
  token subject must match {accountID} unless the token has the admin role.
  With no secret, /api is open (local development only).

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logging and auth middleware
  - cli/serve.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	JWTSecret      string

	// Webhook handlers; nil leaves the route unregistered.
	Stripe http.Handler
	PayPal http.Handler

	Log logrus.FieldLogger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Log
	if log == nil {
		log = h.Log
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		if opts.Stripe != nil {
			r.Method(http.MethodPost, "/stripe", opts.Stripe)
		}
		if opts.PayPal != nil {
			r.Method(http.MethodPost, "/paypal", opts.PayPal)
		}
	})

	r.Route("/api", func(r chi.Router) {
		if opts.JWTSecret != "" {
			r.Use(bearerAuth([]byte(opts.JWTSecret), log))
		} else {
			log.Warn("no JWT secret configured, /api is unauthenticated")
		}

		r.Get("/plans", h.ListPlans)

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Use(requireAccount)

			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/signup", h.Signup)
			r.Post("/login", h.Login)

			r.Route("/rewards", func(r chi.Router) {
				r.Get("/daily", h.DailyRewardStatus)
				r.Post("/daily", h.ClaimDailyReward)
				r.Get("/first-chat", h.FirstChatRewardStatus)
				r.Post("/first-chat", h.ClaimFirstChatReward)
			})

			r.Get("/plan", h.GetCurrentPlan)
			r.Post("/plan/cancel", h.CancelPlan)
			r.Post("/plan/reactivate", h.ReactivatePlan)

			r.Post("/usage", h.RecordUsage)

			r.With(requireAdmin).Get("/verify", h.VerifyLedger)
			r.With(requireAdmin).Post("/adjustments", h.CreateAdjustment)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/activations", h.ActivatePlan)
			r.Post("/jobs/{job}", h.RunJob)
		})
	})

	return r
}
