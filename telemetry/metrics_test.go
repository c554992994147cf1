package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a full instrument set backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// metricData returns the data of the metric called name, if it has type D.
func metricData[D metricdata.Aggregation](rm metricdata.ResourceMetrics, name string) (D, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if d, ok := m.Data.(D); ok && m.Name == name {
				return d, true
			}
		}
	}
	var zero D
	return zero, false
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	sum, _ := metricData[metricdata.Sum[int64]](rm, name)
	return sum.DataPoints
}

func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	g, _ := metricData[metricdata.Gauge[int64]](rm, name)
	return g.DataPoints
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	h, _ := metricData[metricdata.Histogram[float64]](rm, name)
	return h.DataPoints
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordPageFetch(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordPageFetch(ctx, "read", "success", 200*time.Millisecond, 2048)
	RecordPageFetch(ctx, "read", "failed", time.Second, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "gallery_cache_page_fetch_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "mode", "read"))
		require.EqualValues(t, 1, dp.Value)
	}

	bytesDps := findCounter(rm, "gallery_cache_page_fetch_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 2048, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "outcome", "success"))

	histDps := findHistogram(rm, "gallery_cache_page_fetch_duration_seconds")
	require.Len(t, histDps, 2)
}

func TestRecordTokenResolution(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordTokenResolution(ctx, "listing", "success")
	RecordTokenResolution(ctx, "listing", "success")
	RecordTokenResolution(ctx, "viewer", "error")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "gallery_cache_token_resolutions_total")
	require.Len(t, dps, 2)

	for _, dp := range dps {
		if hasAttr(dp.Attributes, "source", "listing") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "source", "viewer"))
			require.True(t, hasAttr(dp.Attributes, "outcome", "error"))
		}
	}
}

func TestDiskCacheMetrics(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordDiskCacheOp(ctx, "gallery_image", "get", "hit")
	RecordDiskCacheEviction(ctx, "gallery_image", 512)
	UpdateDiskCacheSize(ctx, "gallery_image", 1024, 4096)

	rm := collectMetrics(t, reader)

	ops := findCounter(rm, "gallery_cache_disk_cache_ops_total")
	require.Len(t, ops, 1)
	require.True(t, hasAttr(ops[0].Attributes, "op", "get"))
	require.True(t, hasAttr(ops[0].Attributes, "outcome", "hit"))

	evicted := findCounter(rm, "gallery_cache_disk_cache_eviction_bytes_total")
	require.Len(t, evicted, 1)
	require.EqualValues(t, 512, evicted[0].Value)

	size := findGauge(rm, "gallery_cache_disk_cache_size_bytes")
	require.Len(t, size, 1)
	require.EqualValues(t, 1024, size[0].Value)

	maxSize := findGauge(rm, "gallery_cache_disk_cache_max_size_bytes")
	require.Len(t, maxSize, 1)
	require.EqualValues(t, 4096, maxSize[0].Value)
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBackendOp(context.Background(), "gallery_image", "write", "success", time.Millisecond, 100)
	RecordBackendOp(context.Background(), "gallery_image", "read", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "gallery_cache_backend_requests_total"), 2)

	bytesDps := findCounter(rm, "gallery_cache_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 100, bytesDps[0].Value)
}

func TestRecordFunctions_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// Should not panic
	RecordPageFetch(ctx, "read", "success", time.Millisecond, 1)
	RecordTokenResolution(ctx, "listing", "success")
	RecordDecode(ctx, "success", time.Millisecond)
	RecordPromotion(ctx, "success")
	RecordCoordinator(ctx, 1)
	RecordDiskCacheOp(ctx, "c", "get", "hit")
	RecordDiskCacheEviction(ctx, "c", 1)
	UpdateDiskCacheSize(ctx, "c", 1, 2)
	RecordBackendOp(ctx, "c", "read", "success", time.Millisecond, 0)
	RecordHTTP(ctx, http.MethodGet, "/health", http.StatusOK, time.Millisecond)
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordHTTP(ctx, http.MethodGet, "/galleries/{gid}/{token}/pages/{page}", http.StatusOK, 20*time.Millisecond)
	RecordHTTP(ctx, http.MethodGet, "/galleries/{gid}/{token}/pages/{page}", http.StatusNotFound, time.Millisecond)

	rm := collectMetrics(t, reader)
	points := findCounter(rm, "gallery_cache_http_requests_total")
	require.Len(t, points, 2)
	for _, dp := range points {
		require.Equal(t, int64(1), dp.Value)
		class, ok := dp.Attributes.Value(attribute.Key("status_class"))
		require.True(t, ok)
		require.Contains(t, []string{"2xx", "4xx"}, class.AsString())
	}
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{299, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{509, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
