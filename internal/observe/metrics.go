// Package observe provides application-wide observability primitives for
// Luna: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [NewTelemetry] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Luna metrics.
const meterName = "github.com/nullxes/luna"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from Connect until the remote
	// acknowledged the session setup.
	ConnectDuration metric.Float64Histogram

	// CallDuration tracks the lifetime of a call from Connect to terminal
	// state. Use with attribute:
	//   attribute.String("outcome", "closed"|"errored")
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts outbound microphone frames sent to the remote.
	FramesSent metric.Int64Counter

	// FramesDropped counts outbound frames discarded because the session was
	// not open. Use with attribute:
	//   attribute.String("state", ...)
	FramesDropped metric.Int64Counter

	// ChunksReceived counts inbound audio chunks.
	ChunksReceived metric.Int64Counter

	// ChunksMalformed counts inbound audio chunks dropped because they could
	// not be decoded.
	ChunksMalformed metric.Int64Counter

	// Interruptions counts remote-initiated interruptions.
	Interruptions metric.Int64Counter

	// PlaybackScheduled accumulates the seconds of speech handed to the
	// output device.
	PlaybackScheduled metric.Float64Counter

	// --- Error counters ---

	// SessionErrors counts fatal session errors. Use with attribute:
	//   attribute.String("kind", "device"|"transport"|"other")
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of calls that are connecting or open.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks operational HTTP request time. Use with
	// attributes:
	//   attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// callBuckets defines histogram bucket boundaries (in seconds) for whole
// call lifetimes.
var callBuckets = []float64{
	1, 10, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("luna.session.connect.duration",
		metric.WithDescription("Latency from connect until the remote acknowledged setup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("luna.session.call.duration",
		metric.WithDescription("Lifetime of a voice call by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("luna.audio.frames_sent",
		metric.WithDescription("Total microphone frames sent to the remote."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("luna.audio.frames_dropped",
		metric.WithDescription("Total microphone frames dropped while the session was not open."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("luna.audio.chunks_received",
		metric.WithDescription("Total speech chunks received from the remote."),
	); err != nil {
		return nil, err
	}
	if met.ChunksMalformed, err = m.Int64Counter("luna.audio.chunks_malformed",
		metric.WithDescription("Total speech chunks dropped because they failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("luna.session.interruptions",
		metric.WithDescription("Total remote-initiated interruptions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackScheduled, err = m.Float64Counter("luna.audio.playback_scheduled",
		metric.WithDescription("Total seconds of speech scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("luna.session.errors",
		metric.WithDescription("Total fatal session errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("luna.active_sessions",
		metric.WithDescription("Number of calls that are connecting or open."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("luna.http.request.duration",
		metric.WithDescription("Operational HTTP request latency by route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordFrameDropped records an outbound frame dropped in the given session
// state.
func (m *Metrics) RecordFrameDropped(ctx context.Context, state string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordSessionError records a fatal session error of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordCallEnd records the lifetime of a finished call.
func (m *Metrics) RecordCallEnd(ctx context.Context, seconds float64, outcome string) {
	m.CallDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
