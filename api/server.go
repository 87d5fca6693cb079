/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request
  2. Logger:     Request-scoped zap logger + access log line
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for operator tooling

ROUTE GROUPS:
  /api/payments/*   Intake, calculation, refunds, disputes
  /api/clients/*    Client directory and splits
  /api/earners/*    Earner directory and statements
  /api/runs/*       Payroll runs
  /api/scenarios/*  Demo data
  /health           Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/logger"
)

// RouterOptions tunes the router; the zero value allows every origin.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.CreatePayment)
			r.Get("/{id}", h.GetPayment)
			r.Post("/{id}/calculate", h.CalculatePayment)
			r.Post("/{id}/recalculate", h.RecalculatePayment)
			r.Get("/{id}/entries", h.GetEntries)
			r.Post("/{id}/refunds", h.ApplyRefund)
			r.Post("/{id}/disputes", h.OpenDispute)
			r.Post("/{id}/disputes/close", h.CloseDispute)
		})

		r.Route("/clients", func(r chi.Router) {
			r.Post("/", h.CreateClient)
			r.Post("/{id}/splits", h.ReplaceSplits)
		})

		r.Route("/earners", func(r chi.Router) {
			r.Post("/", h.CreateEarner)
			r.Get("/{id}/statement", h.GetStatement)
		})

		r.Post("/recalculate", h.RecalculatePeriod)
		r.Post("/calculate", h.CalculateUncalculated)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.AssembleRun)
			r.Post("/due", h.AssembleDue)
			r.Get("/{id}", h.GetRun)
			r.Post("/{id}/{action}", h.TransitionRun)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger attaches a request-scoped logger to the context and logs
// one line per request.
func requestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := base.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), reqLogger)))

			reqLogger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
