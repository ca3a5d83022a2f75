// Package httpapi exposes the reconciliation core's operator surface:
// startup/status polling, a forced-bypass endpoint, and Prometheus metrics
// (spec.md §7's "external HTTP surface (outside scope) polls
// IsStartupComplete, OverrideContext, and LastResult").
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tradeforge/execgw/internal/reconcile"
)

// NewRouter builds the chi router: request-ID, recoverer, and logger
// middleware; CORS on every route; a dedicated /metrics mount.
func NewRouter(state *reconcile.ServiceState, orchestrator *reconcile.Orchestrator, registry *prometheus.Registry) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", handleHealthz(state))
	r.Get("/status", handleStatus(state))
	r.Post("/bypass", handleBypass(state))
	r.Post("/reconcile/run", handleRunNow(orchestrator))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return r
}

func handleHealthz(state *reconcile.ServiceState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

type statusResponse struct {
	StartupComplete bool     `json:"startup_complete"`
	StartupElapsed  float64  `json:"startup_elapsed_seconds"`
	StartupTimedOut bool     `json:"startup_timed_out"`
	OverrideActive  bool     `json:"override_active"`
	LastResult      any      `json:"last_result,omitempty"`
}

func handleStatus(state *reconcile.ServiceState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			StartupComplete: state.IsStartupComplete(),
			StartupElapsed:  state.StartupElapsedSeconds(),
			StartupTimedOut: state.StartupTimedOut(),
			OverrideActive:  state.OverrideActive(),
			LastResult:      state.LastResult(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn().Err(err).Msg("failed to encode status response")
		}
	}
}

type bypassRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// handleRunNow triggers an out-of-band cycle (spec.md §8 scenario 6 refers
// to a "manual" source alongside "periodic"/"startup"). The reconciliation
// mutex still serializes it against any concurrently running cycle.
func handleRunNow(orchestrator *reconcile.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := orchestrator.RunReconciliationOnce(r.Context(), "manual")
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "failed", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(result)
	}
}

func handleBypass(state *reconcile.ServiceState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bypassRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := state.MarkStartupComplete(true, req.UserID, req.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"override_active": true,
			"override_at":     time.Now().UTC(),
		})
	}
}
