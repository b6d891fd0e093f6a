// Package observe provides application-wide observability primitives for
// the relay: OpenTelemetry metrics, tracing, and the provider setup that
// bridges them to Prometheus.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a private [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/jwillz7667/realtime-relay"

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveCalls tracks the number of live telephony sessions.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveObservers tracks the number of connected observer sockets.
	ActiveObservers metric.Int64UpDownCounter

	// --- Audio counters ---

	// AudioBytesIn counts decoded caller-audio bytes appended toward the model.
	AudioBytesIn metric.Int64Counter

	// AudioBytesOut counts decoded model-audio bytes forwarded to telephony.
	AudioBytesOut metric.Int64Counter

	// Commits counts input_audio_buffer.commit emissions.
	Commits metric.Int64Counter

	// Truncations counts barge-in truncations.
	Truncations metric.Int64Counter

	// --- Model leg ---

	// ModelReconnects counts model-socket reconnect attempts.
	ModelReconnects metric.Int64Counter

	// ModelConnectDuration tracks model websocket connect latency.
	ModelConnectDuration metric.Float64Histogram

	// --- Function dispatch ---

	// FunctionCalls counts function invocations. Use with attributes:
	//   attribute.String("function", ...), attribute.String("status", ...)
	FunctionCalls metric.Int64Counter

	// FunctionDuration tracks function handler latency.
	FunctionDuration metric.Float64Histogram

	// --- Drops ---

	// DroppedFrames counts frames discarded instead of delivered. Use with:
	//   attribute.String("reason", ...)
	DroppedFrames metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// realtime voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveCalls, err = m.Int64UpDownCounter("relay.calls.active",
		metric.WithDescription("Live telephony sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveObservers, err = m.Int64UpDownCounter("relay.observers.active",
		metric.WithDescription("Connected observer sockets."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesIn, err = m.Int64Counter("relay.audio.in.bytes",
		metric.WithDescription("Caller audio bytes appended toward the model."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesOut, err = m.Int64Counter("relay.audio.out.bytes",
		metric.WithDescription("Model audio bytes forwarded to telephony."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Commits, err = m.Int64Counter("relay.audio.commits",
		metric.WithDescription("Input audio buffer commits."),
	); err != nil {
		return nil, err
	}
	if met.Truncations, err = m.Int64Counter("relay.truncations",
		metric.WithDescription("Barge-in truncations of assistant replies."),
	); err != nil {
		return nil, err
	}
	if met.ModelReconnects, err = m.Int64Counter("relay.model.reconnects",
		metric.WithDescription("Model websocket reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.ModelConnectDuration, err = m.Float64Histogram("relay.model.connect.duration",
		metric.WithDescription("Model websocket connect latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FunctionCalls, err = m.Int64Counter("relay.functions.calls",
		metric.WithDescription("Function-call dispatches."),
	); err != nil {
		return nil, err
	}
	if met.FunctionDuration, err = m.Float64Histogram("relay.functions.duration",
		metric.WithDescription("Function handler latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("relay.frames.dropped",
		metric.WithDescription("Frames discarded instead of delivered."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Nop returns a Metrics instance backed by the no-op meter provider, for
// tests and callers that do not wire observability.
func Nop() *Metrics {
	met, _ := NewMetrics(noop.NewMeterProvider())
	return met
}
