package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestOpsHandler_Healthz(t *testing.T) {
	h := NewOpsHandler(OpsConfig{Build: BuildInfo{Version: "1.2.0"}}, zap.NewNop())
	rec := serve(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"1.2.0"}`, rec.Body.String())

	rec = serve(t, h, http.MethodGet, "/version")
	assert.JSONEq(t, `{"version":"1.2.0","build_time":"","git_commit":""}`, rec.Body.String())

	rec = serve(t, h, http.MethodPost, "/healthz")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestOpsHandler_Readyz(t *testing.T) {
	ready := true
	h := NewOpsHandler(OpsConfig{
		Checks: []ReadinessCheck{
			{Name: "persistence", Check: func(context.Context) error { return nil }},
			{Name: "registry", Check: func(context.Context) error {
				if !ready {
					return errors.New("not started")
				}
				return nil
			}},
		},
	}, nil)

	rec := serve(t, h, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	ready = false
	rec = serve(t, h, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body readinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "ok", body.Checks["persistence"])
	assert.Equal(t, "not started", body.Checks["registry"])
}

func TestOpsHandler_ReadyzTimeout(t *testing.T) {
	h := NewOpsHandler(OpsConfig{
		CheckTimeout: 10 * time.Millisecond,
		Checks: []ReadinessCheck{{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}},
	}, nil)

	rec := serve(t, h, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "deadline exceeded")
}

func TestOpsHandler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "agentregistry_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := NewOpsHandler(OpsConfig{Gatherer: reg}, nil)
	rec := serve(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentregistry_test_total 1")
}

func TestOpsHandler_LogLevel(t *testing.T) {
	h := NewOpsHandler(OpsConfig{}, nil)
	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/loglevel").Code)

	level := zap.NewAtomicLevel()
	h = NewOpsHandler(OpsConfig{LogLevel: level}, nil)

	rec := serve(t, h, http.MethodGet, "/loglevel")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"level":"info"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/loglevel", strings.NewReader(`{"level":"debug"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, zap.DebugLevel, level.Level())
}
