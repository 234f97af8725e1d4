package api

import (
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxpert/conveyor/telemetry"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the HTTP routes. Everything under /api requires authentication.
func NewRouter(handlers *Handlers, auth *Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handlers.handleHealth)

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	// Profiling, behind the same key check as the API
	r.Route("/debug/pprof", func(r chi.Router) {
		r.Use(auth.Middleware)
		r.HandleFunc("/", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		r.HandleFunc("/{profile}", pprof.Index)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Post("/enroll", handlers.handleEnroll)

		r.Route("/events", func(r chi.Router) {
			r.Post("/", handlers.handleDispatch)
			r.Get("/{eventID}", handlers.handleGetEvent)
			r.Post("/{eventID}/status", handlers.handleReportStatus)
		})
	})

	return r
}
