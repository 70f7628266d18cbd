package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/microcredit_relay/internal/logging"
)

func newTestBase() *BaseService {
	return NewBase(BaseConfig{ID: "metarelay", Name: "Meta Relay", Version: "test", Logger: logging.Discard()})
}

func TestHealthEndpointReportsFailingChecks(t *testing.T) {
	b := newTestBase()
	b.AddHealthCheck("store", func(context.Context) error { return nil })
	b.RegisterStandardRoutes()

	rec := httptest.NewRecorder()
	b.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "Meta Relay", resp.Service)

	b.AddHealthCheck("rpc", func(context.Context) error { return errors.New("dial tcp: refused") })
	rec = httptest.NewRecorder()
	b.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	checks := resp.Details["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["store"])
	assert.Equal(t, "dial tcp: refused", checks["rpc"])
}

func TestInfoEndpointIncludesStatistics(t *testing.T) {
	b := newTestBase()
	m := NewServiceMetrics()
	m.RecordRequest("attest", 200*time.Millisecond, true)
	m.RecordRequest("attest", 2*time.Second, false)
	b.WithStats(m.Export)
	b.RegisterStandardRoutes()

	rec := httptest.NewRecorder()
	b.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp InfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp.Statistics["relays_total"])
	attest := resp.Statistics["operations"].(map[string]interface{})["attest"].(map[string]interface{})
	assert.Equal(t, float64(1), attest["success"])
	assert.Equal(t, float64(50), attest["success_rate"])
	assert.Equal(t, float64(1), attest["latency_buckets"].(map[string]interface{})["lt_5s"])
}

func TestTickerWorkerStopsOnStop(t *testing.T) {
	b := newTestBase()
	var runs atomic.Int32
	b.AddTickerWorker(5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return errors.New("logged and ignored")
	})
	require.NoError(t, b.Start(context.Background()))

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())

	stopped := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, runs.Load(), stopped+1)
}

func TestCronWorker(t *testing.T) {
	b := newTestBase()
	assert.Error(t, b.AddCronWorker("not a schedule", func(context.Context) error { return nil }))

	var runs atomic.Int32
	require.NoError(t, b.AddCronWorker("@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	assert.Equal(t, 1, b.WorkerCount())

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestHydrateErrorFailsStart(t *testing.T) {
	b := newTestBase().WithHydrate(func(context.Context) error { return errors.New("no schema") })
	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hydrate")
}
