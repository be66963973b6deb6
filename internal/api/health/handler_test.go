package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsim/internal/workers"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

func ok(ctx context.Context) error   { return nil }
func down(ctx context.Context) error { return errors.ErrUnavailable }

type staticWorkers []workers.WorkerHealth

func (s staticWorkers) Health() []workers.WorkerHealth { return s }

func serve(t *testing.T, fn http.HandlerFunc) (int, HealthStatus) {
	t.Helper()
	rec := httptest.NewRecorder()
	fn(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	return rec.Code, status
}

func TestReadiness_OptionalFailureStaysReady(t *testing.T) {
	h := New(logger.Nop(), "marketsim", "test").
		AddCheck("postgres", true, ok).
		AddCheck("clickhouse", false, down)

	code, status := serve(t, h.HandleReadiness)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unhealthy", status.Checks["clickhouse"].Status)

	code, status = serve(t, h.HandleHealth)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", status.Status)
}

func TestReadiness_RequiredFailure(t *testing.T) {
	h := New(logger.Nop(), "marketsim", "test").
		AddCheck("engine", true, down).
		AddCheck("redis", false, ok)

	code, status := serve(t, h.HandleReadiness)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["engine"].Error, "unavailable")
}

func TestHealth_AllDownAndWorkers(t *testing.T) {
	h := New(logger.Nop(), "marketsim", "test").
		AddCheck("postgres", true, down).
		WithWorkers(staticWorkers{{Name: "market_tick", RunCount: 3}})

	code, status := serve(t, h.HandleHealth)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	require.Len(t, status.Workers, 1)
	assert.Equal(t, "market_tick", status.Workers[0].Name)
}

func TestLiveness(t *testing.T) {
	h := New(logger.Nop(), "marketsim", "test")
	rec := httptest.NewRecorder()
	h.HandleLiveness(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}
