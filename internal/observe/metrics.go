// Package observe provides application-wide observability primitives for
// vouch: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped from [Telemetry.MetricsHandler]. A package-level default
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

// meterName is the instrumentation scope name used for all vouch metrics.
const meterName = "github.com/MrWong99/vouch"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks transcription latency from end of capture to text.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks how long one utterance takes to synthesise and play.
	TTSDuration metric.Float64Histogram

	// ProtocolDuration tracks interview service round trips. Use with
	// attribute:
	//   attribute.String("op", ...)
	ProtocolDuration metric.Float64Histogram

	// --- Counters ---

	// ProtocolRequests counts interview service calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	ProtocolRequests metric.Int64Counter

	// ProviderRequests counts speech provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// TurnsRecorded counts persisted question/answer turns. Use with
	// attributes:
	//   attribute.String("section", ...), attribute.String("status", ...)
	TurnsRecorded metric.Int64Counter

	// StatusTransitions counts interview status changes. Use with attributes:
	//   attribute.String("status", ...), attribute.String("reason", ...)
	StatusTransitions metric.Int64Counter

	// --- Error counters ---

	// ProtocolErrors counts failed interview service calls. Use with
	// attribute:
	//   attribute.String("op", ...)
	ProtocolErrors metric.Int64Counter

	// ProviderErrors counts speech provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ProviderFailovers counts calls that moved past a failing backend. Use
	// with attributes:
	//   attribute.String("kind", ...), attribute.String("from", ...)
	ProviderFailovers metric.Int64Counter

	// --- Gauges ---

	// ActiveInterviews tracks the number of running interviews.
	ActiveInterviews metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for network
// round trips and spoken utterances.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("vouch.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("vouch.tts.duration",
		metric.WithDescription("Duration of synthesising and playing one utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProtocolDuration, err = m.Float64Histogram("vouch.protocol.duration",
		metric.WithDescription("Latency of interview service requests by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProtocolRequests, err = m.Int64Counter("vouch.protocol.requests",
		metric.WithDescription("Total interview service requests by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("vouch.provider.requests",
		metric.WithDescription("Total speech provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.TurnsRecorded, err = m.Int64Counter("vouch.turns.recorded",
		metric.WithDescription("Total answered turns by section and persistence status."),
	); err != nil {
		return nil, err
	}
	if met.StatusTransitions, err = m.Int64Counter("vouch.status.transitions",
		metric.WithDescription("Total interview status transitions by status and reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProtocolErrors, err = m.Int64Counter("vouch.protocol.errors",
		metric.WithDescription("Total failed interview service requests by operation."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("vouch.provider.errors",
		metric.WithDescription("Total speech provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ProviderFailovers, err = m.Int64Counter("vouch.provider.failovers",
		metric.WithDescription("Total failovers away from a speech provider by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveInterviews, err = m.Int64UpDownCounter("vouch.active_interviews",
		metric.WithDescription("Number of running interviews."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vouch.http.request.duration",
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

// RecordProtocolRequest records an interview service request counter
// increment with the standard attribute set.
func (m *Metrics) RecordProtocolRequest(ctx context.Context, op, status string) {
	m.ProtocolRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordProviderRequest records a speech provider request counter increment
// with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a speech provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordFailover records that a kind call left the from backend for the next
// one in line.
func (m *Metrics) RecordFailover(ctx context.Context, kind, from string) {
	m.ProviderFailovers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("from", from),
		),
	)
}

// RecordTurn records a persisted (or failed) turn for section.
func (m *Metrics) RecordTurn(ctx context.Context, section, status string) {
	m.TurnsRecorded.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("section", section),
			attribute.String("status", status),
		),
	)
}

// RecordTransition records an interview status transition.
func (m *Metrics) RecordTransition(ctx context.Context, status, reason string) {
	m.StatusTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("reason", reason),
		),
	)
}
