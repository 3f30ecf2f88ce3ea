package observe

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "luna".
	ServiceName string

	// ServiceVersion is the build version reported in telemetry.
	ServiceVersion string

	// TraceExporter receives finished call and request spans. When nil,
	// spans are recorded (so trace IDs reach the logs) but not exported.
	TraceExporter sdktrace.SpanExporter

	// Registerer receives the Prometheus collector of the metrics exporter.
	// When nil, [prometheus.DefaultRegisterer] is used.
	Registerer prometheus.Registerer

	// Logger receives errors raised inside the SDK. Default: [slog.Default].
	Logger *slog.Logger
}

// Telemetry is an initialised SDK. Its providers are installed as the OTel
// globals, and Metrics holds the Luna instruments bound to them.
type Telemetry struct {
	Metrics *Metrics

	meters  *sdkmetric.MeterProvider
	tracers *sdktrace.TracerProvider
	once    sync.Once
	err     error
}

// NewTelemetry sets up a MeterProvider that exports through Prometheus on
// cfg.Registerer and a TracerProvider, installs both globally along with the
// W3C trace-context propagator, and routes SDK errors to the logger.
func NewTelemetry(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "luna"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	switch {
	case errors.Is(err, resource.ErrPartialResource):
		log.Warn("observe: incomplete telemetry resource", "err", err)
	case err != nil:
		return nil, err
	}

	var expOpts []promexporter.Option
	if cfg.Registerer != nil {
		expOpts = append(expOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	exporter, err := promexporter.New(expOpts...)
	if err != nil {
		return nil, err
	}
	meters := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tracers := sdktrace.NewTracerProvider(tpOpts...)

	metrics, err := NewMetrics(meters)
	if err != nil {
		_ = meters.Shutdown(ctx)
		_ = tracers.Shutdown(ctx)
		return nil, err
	}

	otel.SetMeterProvider(meters)
	otel.SetTracerProvider(tracers)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		log.Warn("observe: telemetry error", "err", err)
	}))

	return &Telemetry{Metrics: metrics, meters: meters, tracers: tracers}, nil
}

// Shutdown flushes pending spans and stops both providers. Later calls
// return the first result.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.once.Do(func() {
		t.err = errors.Join(t.tracers.Shutdown(ctx), t.meters.Shutdown(ctx))
	})
	return t.err
}
