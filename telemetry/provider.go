package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const meterName = "github.com/wolfeidau/gallery-cache"

// MetricsConfig selects the metric exporters.
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is a gRPC collector. A bare host:port is dialled without
	// TLS; an http:// or https:// URL picks transport security from its
	// scheme. Empty disables OTLP export.
	OTLPEndpoint string

	// Prometheus serves the instruments from PrometheusHandler.
	Prometheus bool

	// ExportInterval is the OTLP push interval, 10s when zero.
	ExportInterval time.Duration
}

var (
	initOnce sync.Once
	initErr  error
)

// InitMetrics installs the global meter provider once per process and
// returns its shutdown function. Until it is called every Record function
// is a no-op.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = initProvider(ctx, cfg)
	})
	if initErr != nil {
		return nil, initErr
	}
	return shutdownMetrics, nil
}

func initProvider(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gallery-cache"
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 10 * time.Second
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx, otlpEndpointOptions(cfg.OTLPEndpoint)...)
		if err != nil {
			return err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.ExportInterval))))
	}

	var handler http.Handler
	if cfg.Prometheus {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return err
		}
		opts = append(opts, sdkmetric.WithReader(exp))
		handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return errors.Join(err, mp.Shutdown(ctx))
	}
	m.meterProvider = mp
	m.promHandler = handler
	globalMetrics = m
	return nil
}

func otlpEndpointOptions(endpoint string) []otlpmetricgrpc.Option {
	if strings.Contains(endpoint, "://") {
		return []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpointURL(endpoint)}
	}
	return []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure()}
}

// shutdownMetrics flushes the exporters and turns recording off.
func shutdownMetrics(ctx context.Context) error {
	m := globalMetrics
	if m == nil {
		return nil
	}
	globalMetrics = nil
	return m.meterProvider.Shutdown(ctx)
}

// PrometheusHandler serves the Prometheus exposition. It answers 404 until
// metrics are initialised with Prometheus enabled, so it can be mounted
// before InitMetrics runs.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := globalMetrics
		if m == nil || m.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		m.promHandler.ServeHTTP(w, r)
	})
}
