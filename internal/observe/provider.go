package observe

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "parley".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter

	// Registry receives the Prometheus collectors. When nil a fresh registry
	// is created; read it back from [Providers.Registry].
	Registry *prometheus.Registry
}

// Providers is the result of [InitProvider].
type Providers struct {
	// Registry holds the exported Parley metrics.
	Registry *prometheus.Registry

	// Metrics is built from the installed meter provider.
	Metrics *Metrics

	shutdown []func(context.Context) error
}

// Handler serves the registry in the Prometheus text format.
func (p *Providers) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{Registry: p.Registry})
}

// Shutdown flushes and closes the SDK providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if e := fn(ctx); e != nil {
			errs = append(errs, e)
		}
	}
	return errors.Join(errs...)
}

// InitProvider initialises the OTel SDK with the given config. It sets up:
//
//   - A [sdkmetric.MeterProvider] bridged to a Prometheus registry.
//   - A [sdktrace.TracerProvider] with the configured exporter, if any.
//
// Both providers are registered as the global OTel providers. Call
// [Providers.Shutdown] in a defer from main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "parley"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New(promexporter.WithRegisterer(cfg.Registry))
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	m, err := NewMetrics(mp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, err
	}

	return &Providers{
		Registry: cfg.Registry,
		Metrics:  m,
		shutdown: []func(context.Context) error{mp.Shutdown, tp.Shutdown},
	}, nil
}
