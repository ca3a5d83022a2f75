package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/execgw/internal/config"
	"github.com/tradeforge/execgw/internal/reconcile"
	"github.com/tradeforge/execgw/internal/reconcile/reconciletest"
)

func newTestOrchestrator(dryRun bool) (*reconcile.ServiceState, *reconcile.Orchestrator) {
	state := reconcile.NewServiceState(30*time.Second, dryRun)
	orchestrator := reconcile.New(
		reconciletest.NewFakeStore(),
		reconciletest.NewFakeBroker(),
		reconciletest.NewFakeCache(),
		reconcile.NewMetrics(prometheus.NewRegistry()),
		&config.Config{TimeoutSeconds: 30},
		state,
	)
	return state, orchestrator
}

func TestHandleBypass_RejectsWithoutPriorResult(t *testing.T) {
	state, orchestrator := newTestOrchestrator(false)
	router := NewRouter(state, orchestrator, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodPost, "/bypass", strings.NewReader(`{"user_id":"op","reason":"broker down"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleBypass_SucceedsAfterPriorResult(t *testing.T) {
	state, orchestrator := newTestOrchestrator(false)
	state.RecordReconciliationResult(&reconcile.CycleResult{Status: reconcile.CycleFailed, Error: "broker unreachable"})
	router := NewRouter(state, orchestrator, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodPost, "/bypass", strings.NewReader(`{"user_id":"op","reason":"broker down"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, state.OverrideActive())
}

func TestHandleStatus_ReflectsServiceState(t *testing.T) {
	state, orchestrator := newTestOrchestrator(true)
	router := NewRouter(state, orchestrator, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.StartupComplete)
}

func TestHandleHealthz_AlwaysOK(t *testing.T) {
	state, orchestrator := newTestOrchestrator(false)
	router := NewRouter(state, orchestrator, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
