// Package observe provides application-wide observability primitives for
// voicecore: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicecore metrics.
const meterName = "github.com/sitespeak/voicecore"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// VADDecisionDuration tracks the per-frame speech/non-speech decision
	// latency inside the audio callback.
	VADDecisionDuration metric.Float64Histogram

	// BargeInLatency tracks speech-start to stop-playback-signal latency.
	BargeInLatency metric.Float64Histogram

	// FirstTokenLatency tracks turn-final to first response audio latency.
	FirstTokenLatency metric.Float64Histogram

	// EncodeDuration tracks per-frame Opus encode latency.
	EncodeDuration metric.Float64Histogram

	// PoolAcquireDuration tracks connection acquisition latency, warm or
	// dialed.
	PoolAcquireDuration metric.Float64Histogram

	// --- Counters ---

	// FramesDropped counts dropped audio frames. Use with attribute:
	//   attribute.String("reason", "format"|"codec"|"retry")
	FramesDropped metric.Int64Counter

	// Turns counts finalised conversation turns. Use with attribute:
	//   attribute.String("kind", "voice"|"text")
	Turns metric.Int64Counter

	// BargeIns counts barge-in interruptions.
	BargeIns metric.Int64Counter

	// --- Error counters ---

	// Errors counts component errors. Use with attributes:
	//   attribute.String("component", ...), attribute.String("kind", ...)
	Errors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of pooled speech connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The
// low end resolves the frame-scale budgets (20ms VAD, 50ms barge-in), the
// high end the dial and first-response latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.VADDecisionDuration, err = m.Float64Histogram("voicecore.vad.decision.duration",
		metric.WithDescription("Per-frame VAD decision latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInLatency, err = m.Float64Histogram("voicecore.bargein.latency",
		metric.WithDescription("Speech start to stop-playback signal latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstTokenLatency, err = m.Float64Histogram("voicecore.first_token.latency",
		metric.WithDescription("Turn finalisation to first response audio latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EncodeDuration, err = m.Float64Histogram("voicecore.encode.duration",
		metric.WithDescription("Per-frame Opus encode latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PoolAcquireDuration, err = m.Float64Histogram("voicecore.pool.acquire.duration",
		metric.WithDescription("Speech connection acquisition latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesDropped, err = m.Int64Counter("voicecore.frames.dropped",
		metric.WithDescription("Total dropped audio frames by reason."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("voicecore.turns",
		metric.WithDescription("Total finalised conversation turns by kind."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicecore.bargeins",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("voicecore.errors",
		metric.WithDescription("Total component errors by component and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicecore.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voicecore.active_connections",
		metric.WithDescription("Number of pooled speech connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicecore.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameDrop records one dropped frame with its reason.
func (m *Metrics) RecordFrameDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTurn records one finalised turn (kind "voice" or "text").
func (m *Metrics) RecordTurn(ctx context.Context, kind string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordError records one component error.
func (m *Metrics) RecordError(ctx context.Context, component, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("kind", kind),
		),
	)
}

// RecordFirstToken records one turn-final to first-audio latency sample.
func (m *Metrics) RecordFirstToken(ctx context.Context, d time.Duration) {
	m.FirstTokenLatency.Record(ctx, d.Seconds())
}
