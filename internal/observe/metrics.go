// Package observe provides application-wide observability primitives for
// the voice relay: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/tandemly/voicerelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// UpstreamDialDuration tracks provider WebSocket dial latency.
	UpstreamDialDuration metric.Float64Histogram

	// AssessmentDuration tracks pronunciation assessment latency.
	AssessmentDuration metric.Float64Histogram

	// PingLatency tracks learner ping round-trip latency.
	PingLatency metric.Float64Histogram

	// --- Counters ---

	// SessionsStarted counts admitted sessions. Use with attribute:
	//   attribute.String("tenant", ...)
	SessionsStarted metric.Int64Counter

	// SessionsEnded counts ended sessions. Use with attributes:
	//   attribute.String("tenant", ...), attribute.String("reason", ...)
	SessionsEnded metric.Int64Counter

	// Turns counts finalized turns. Use with attribute:
	//   attribute.String("speaker", ...)
	Turns metric.Int64Counter

	// AudioBytes counts relayed audio volume. Use with attribute:
	//   attribute.String("direction", "in"|"out")
	AudioBytes metric.Int64Counter

	// RelayErrors counts relay-side failures. Use with attribute:
	//   attribute.String("code", ...)
	RelayErrors metric.Int64Counter

	// AdmissionRejects counts refused connection attempts. Use with attribute:
	//   attribute.String("cause", ...)
	AdmissionRejects metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.UpstreamDialDuration, err = m.Float64Histogram("voicerelay.upstream.dial.duration",
		metric.WithDescription("Latency of provider WebSocket dials."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AssessmentDuration, err = m.Float64Histogram("voicerelay.assessment.duration",
		metric.WithDescription("Latency of pronunciation assessments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PingLatency, err = m.Float64Histogram("voicerelay.ping.latency",
		metric.WithDescription("Learner ping round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsStarted, err = m.Int64Counter("voicerelay.sessions.started",
		metric.WithDescription("Total admitted sessions by tenant."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("voicerelay.sessions.ended",
		metric.WithDescription("Total ended sessions by tenant and reason."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("voicerelay.turns",
		metric.WithDescription("Total finalized turns by speaker."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voicerelay.audio.bytes",
		metric.WithDescription("Relayed audio volume by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.RelayErrors, err = m.Int64Counter("voicerelay.errors",
		metric.WithDescription("Relay-side failures by error code."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionRejects, err = m.Int64Counter("voicerelay.admission.rejects",
		metric.WithDescription("Refused connection attempts by cause."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicerelay.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicerelay.http.request.duration",
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

// RecordSessionStarted records a session admission.
func (m *Metrics) RecordSessionStarted(ctx context.Context, tenant string) {
	m.SessionsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tenant", tenant)),
	)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnded records a session teardown with its end reason.
func (m *Metrics) RecordSessionEnded(ctx context.Context, tenant, reason string) {
	m.SessionsEnded.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("reason", reason),
		),
	)
	m.ActiveSessions.Add(ctx, -1)
}

// RecordTurn records one finalized turn.
func (m *Metrics) RecordTurn(ctx context.Context, speaker string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordAudio records relayed audio volume. direction is "in" (learner to
// provider) or "out" (provider to learner).
func (m *Metrics) RecordAudio(ctx context.Context, direction string, bytes int64) {
	m.AudioBytes.Add(ctx, bytes,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordError records a relay failure by error code.
func (m *Metrics) RecordError(ctx context.Context, code string) {
	m.RelayErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// RecordReject records a refused connection attempt.
func (m *Metrics) RecordReject(ctx context.Context, cause string) {
	m.AdmissionRejects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
}
