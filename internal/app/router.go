// Package app wires the orchestrator process: HTTP router assembly,
// readiness checks and the periodic scheduler tasks.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fiberops/conductor/internal/adapter/httpserver"
	"github.com/fiberops/conductor/internal/adapter/observability"
	"github.com/fiberops/conductor/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. An
// empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the orchestrator HTTP handler with all middlewares
// and routes. The JSON dashboard stays on /metrics per the API contract;
// Prometheus scrapes /metrics/prometheus.
func BuildRouter(cfg config.Config, srv *httpserver.Server, readyChecks ...ReadyCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.Mount(r)

	r.Get("/metrics/prometheus", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})
	r.Get("/readyz", ReadyzHandler(readyChecks...))

	return httpserver.SecurityHeaders(r)
}
