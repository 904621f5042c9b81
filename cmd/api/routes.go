package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/noah-isme/anticca-payments/internal/auth"
	"github.com/noah-isme/anticca-payments/internal/common"
	"github.com/noah-isme/anticca-payments/internal/health"
	"github.com/noah-isme/anticca-payments/internal/obs"
	"github.com/noah-isme/anticca-payments/internal/order"
	"github.com/noah-isme/anticca-payments/internal/payment"
	"github.com/noah-isme/anticca-payments/internal/ratelimit"
	"github.com/noah-isme/anticca-payments/internal/security"
)

// server carries everything the router needs so it can be assembled in tests
// without a database.
type server struct {
	Logger         zerolog.Logger
	Tracing        bool
	Metrics        *obs.HTTPMetrics
	MetricsHandler http.Handler
	CORSOrigins    []string
	Headers        security.Headers
	BodyLimit      security.BodyLimit
	Auth           auth.Middleware
	Idem           common.Idem
	CreateLimit    ratelimit.Handler
	Payments       *payment.Handler
	Orders         *order.Handler
	OrderAdmin     *order.AdminHandler
	Health         health.Handler
}

func (s server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if s.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if s.Metrics != nil {
		r.Use(obs.HTTPObs{Metrics: s.Metrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: s.Logger}.Middleware)
	r.Use(s.Headers.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(s.CORSOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.MetricsHandler != nil {
		r.Handle("/metrics", s.MetricsHandler)
	}
	r.Get("/health/live", s.Health.Live)
	r.Get("/health/ready", s.Health.Ready)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.BodyLimit.Middleware)

		api.Route("/payments/shopier", func(p chi.Router) {
			p.With(s.CreateLimit.Middleware, s.Auth.Authenticate, s.Idem.Middleware).Post("/create", s.Payments.Create)
			p.Get("/webhook", s.Payments.WebhookHealth)
			p.Post("/webhook", s.Payments.Webhook)
			p.Get("/callback", s.Payments.Callback)
			p.Post("/callback", s.Payments.Callback)
		})

		api.Group(func(authR chi.Router) {
			authR.Use(s.Auth.RequireAuth)
			authR.Get("/orders/{orderId}", s.Orders.Get)
			authR.Post("/orders/{orderId}/cancel", s.Orders.Cancel)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.Auth.RequireAuth)
			admin.Use(s.Auth.RequireAdmin)
			admin.Post("/orders/{orderId}/cancel", s.OrderAdmin.Cancel)
		})
	})

	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
