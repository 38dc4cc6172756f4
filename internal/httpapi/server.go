// Package httpapi exposes the minimal operational surface spec §1 scopes
// logging/CLI/config out of the core but SPEC_FULL.md still carries:
// liveness/readiness probes and the Prometheus scrape endpoint. Grounded
// on the teacher's internal/api chi wiring (internal/api/server_routes_wiring.go),
// trimmed to the handful of routes a coordinator process like this one
// actually exposes publicly — no CORS/rate-limit/tracing middleware stack,
// since there is no browser-facing or abuse-prone endpoint here.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ActiveChecker reports whether the dispatcher currently holds the
// active role, surfaced on /readyz.
type ActiveChecker interface {
	IsActive() bool
}

// NewRouter builds the admin HTTP surface: health, readiness, and metrics.
func NewRouter(d ActiveChecker) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", handleReadyz(d))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReadyz(d ActiveChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.IsActive() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "standby"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
