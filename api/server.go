/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     zap request log (method, path, status, duration, request_id)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/payroll/*    Preview, runs, entries
  /api/advances/*   Advance lifecycle and history
  /api/scenarios/*  Demo scenarios
  /healthz          Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

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
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/payroll", func(r chi.Router) {
			r.Get("/preview", h.PreviewPayroll)
			r.Get("/preview/{employeeId}", h.PreviewEmployee)

			r.Route("/runs", func(r chi.Router) {
				r.Get("/", h.ListRuns)
				r.Post("/", h.CreateRun)
				r.Get("/{id}", h.GetRun)
				r.Delete("/{id}", h.DeleteRun)
				r.Post("/{id}/commit", h.CommitRun)
				r.Post("/{id}/cancel", h.CancelRun)
				r.Get("/{id}/entries", h.ListEntries)
				r.Get("/{id}/deductions", h.ListRunDeductions)
			})

			r.Get("/entries/{id}", h.GetEntry)
		})

		r.Route("/advances", func(r chi.Router) {
			r.Get("/", h.ListAdvances)
			r.Post("/", h.CreateAdvance)
			r.Get("/{id}", h.GetAdvance)
			r.Delete("/{id}", h.DeleteAdvance)
			r.Post("/{id}/approve", h.ApproveAdvance)
			r.Post("/{id}/reject", h.RejectAdvance)
			r.Post("/{id}/mark-paid", h.MarkAdvancePaid)
			r.Get("/{id}/deductions", h.ListAdvanceDeductions)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// RequestLogger logs one line per request with zap.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()

			defer func() {
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(started)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote_addr", r.RemoteAddr),
				}
				switch {
				case ww.Status() >= 500:
					logger.Error("http request", fields...)
				case ww.Status() >= 400:
					logger.Warn("http request", fields...)
				default:
					logger.Info("http request", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
