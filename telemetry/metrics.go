// Package telemetry records gallery cache metrics with OpenTelemetry and
// exposes them over OTLP or a Prometheus handler.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	pageFetchTotal      metric.Int64Counter
	pageFetchBytesTotal metric.Int64Counter
	pageFetchDuration   metric.Float64Histogram
	tokenResolveTotal   metric.Int64Counter
	decodeTotal         metric.Int64Counter
	decodeDuration      metric.Float64Histogram
	promotionsTotal     metric.Int64Counter
	coordinatorsActive  metric.Int64UpDownCounter

	diskCacheOpsTotal           metric.Int64Counter
	diskCacheEvictionsTotal     metric.Int64Counter
	diskCacheEvictionBytesTotal metric.Int64Counter
	diskCacheSizeBytes          metric.Int64Gauge
	diskCacheMaxSizeBytes       metric.Int64Gauge

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var globalMetrics *Metrics

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.pageFetchTotal, err = meter.Int64Counter(
		"gallery_cache_page_fetch_total",
		metric.WithDescription("Total number of page fetch jobs by outcome"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, err
	}

	m.pageFetchBytesTotal, err = meter.Int64Counter(
		"gallery_cache_page_fetch_bytes_total",
		metric.WithDescription("Total page bytes persisted to the content store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.pageFetchDuration, err = meter.Float64Histogram(
		"gallery_cache_page_fetch_duration_seconds",
		metric.WithDescription("Duration of page fetch jobs including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return nil, err
	}

	m.tokenResolveTotal, err = meter.Int64Counter(
		"gallery_cache_token_resolutions_total",
		metric.WithDescription("Total page token resolutions by source and outcome"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	m.decodeTotal, err = meter.Int64Counter(
		"gallery_cache_decode_total",
		metric.WithDescription("Total page decodes by outcome"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, err
	}

	m.decodeDuration, err = meter.Float64Histogram(
		"gallery_cache_decode_duration_seconds",
		metric.WithDescription("Duration of page decodes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, err
	}

	m.promotionsTotal, err = meter.Int64Counter(
		"gallery_cache_promotions_total",
		metric.WithDescription("Total copies of pages from the shared cache into a gallery directory"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, err
	}

	m.coordinatorsActive, err = meter.Int64UpDownCounter(
		"gallery_cache_coordinators_active",
		metric.WithDescription("Number of running fetch coordinators"),
		metric.WithUnit("{coordinator}"),
	)
	if err != nil {
		return nil, err
	}

	m.diskCacheOpsTotal, err = meter.Int64Counter(
		"gallery_cache_disk_cache_ops_total",
		metric.WithDescription("Total disk cache operations by cache, op and outcome"),
		metric.WithUnit("{op}"),
	)
	if err != nil {
		return nil, err
	}

	m.diskCacheEvictionsTotal, err = meter.Int64Counter(
		"gallery_cache_disk_cache_evictions_total",
		metric.WithDescription("Total values evicted from a disk cache"),
		metric.WithUnit("{value}"),
	)
	if err != nil {
		return nil, err
	}

	m.diskCacheEvictionBytesTotal, err = meter.Int64Counter(
		"gallery_cache_disk_cache_eviction_bytes_total",
		metric.WithDescription("Total bytes evicted from a disk cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.diskCacheSizeBytes, err = meter.Int64Gauge(
		"gallery_cache_disk_cache_size_bytes",
		metric.WithDescription("Current size of a disk cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.diskCacheMaxSizeBytes, err = meter.Int64Gauge(
		"gallery_cache_disk_cache_max_size_bytes",
		metric.WithDescription("Configured size bound of a disk cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchDuration, err = meter.Float64Histogram(
		"gallery_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchTotal, err = meter.Int64Counter(
		"gallery_cache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"gallery_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.backendRequestDuration, err = meter.Float64Histogram(
		"gallery_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of storage backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	m.backendRequestsTotal, err = meter.Int64Counter(
		"gallery_cache_backend_requests_total",
		metric.WithDescription("Total number of storage backend operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.backendBytesTotal, err = meter.Int64Counter(
		"gallery_cache_backend_bytes_total",
		metric.WithDescription("Total bytes written through storage backends"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.httpRequestsTotal, err = meter.Int64Counter(
		"gallery_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"gallery_cache_http_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests served"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordPageFetch records one completed page fetch job.
// outcome is one of "success", "stored", "token_error", "quota_exceeded"
// and "error".
func RecordPageFetch(ctx context.Context, mode, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	)
	globalMetrics.pageFetchTotal.Add(ctx, 1, attrs)
	globalMetrics.pageFetchDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.pageFetchBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordTokenResolution records a page token lookup.
// source is "descriptor", "listing" or "viewer".
func RecordTokenResolution(ctx context.Context, source, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.tokenResolveTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

// RecordDecode records one page decode.
func RecordDecode(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.decodeTotal.Add(ctx, 1, attrs)
	globalMetrics.decodeDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPromotion records a copy from the shared cache into a gallery directory.
func RecordPromotion(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.promotionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCoordinator adjusts the running coordinator count by delta.
func RecordCoordinator(ctx context.Context, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.coordinatorsActive.Add(ctx, delta)
}

// RecordDiskCacheOp records a disk cache operation.
func RecordDiskCacheOp(ctx context.Context, cache, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.diskCacheOpsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordDiskCacheEviction records a value evicted to keep a cache within bounds.
func RecordDiskCacheEviction(ctx context.Context, cache string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("cache", cache))
	globalMetrics.diskCacheEvictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.diskCacheEvictionBytesTotal.Add(ctx, bytes, attrs)
}

// UpdateDiskCacheSize records the current and maximum size of a cache.
func UpdateDiskCacheSize(ctx context.Context, cache string, size, maxSize int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("cache", cache))
	globalMetrics.diskCacheSizeBytes.Record(ctx, size, attrs)
	globalMetrics.diskCacheMaxSizeBytes.Record(ctx, maxSize, attrs)
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records an upstream fetch request of the given kind.
func RecordUpstreamFetch(ctx context.Context, source, kind string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordHTTP records one served HTTP request.
func RecordHTTP(ctx context.Context, method, route string, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
	)
	globalMetrics.httpRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
