package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrometheusHandler_ServesRegistry(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, initProvider(ctx, MetricsConfig{Prometheus: true}))
	t.Cleanup(func() { _ = shutdownMetrics(context.Background()) })

	RecordHTTP(ctx, http.MethodGet, "GET /galleries/{gid}/{token}", http.StatusOK, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "gallery_cache_http_requests")
	require.Contains(t, string(body), "go_goroutines")
}

func TestShutdownMetricsDisablesRecording(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, initProvider(ctx, MetricsConfig{}))
	require.NotNil(t, globalMetrics)

	require.NoError(t, shutdownMetrics(ctx))
	require.Nil(t, globalMetrics)
	require.NoError(t, shutdownMetrics(ctx))

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOTLPEndpointOptions(t *testing.T) {
	require.Len(t, otlpEndpointOptions("localhost:4317"), 2)
	require.Len(t, otlpEndpointOptions("https://collector.example.org:4317"), 1)
}
