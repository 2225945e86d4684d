// Package observe provides application-wide observability primitives for
// Kora: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Kora metrics.
const meterName = "github.com/korahq/kora"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use, the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Turn lifecycle ---

	// TurnsStarted counts dispatched conversation turns. Use with
	// attribute.String("mode", "single"|"group").
	TurnsStarted metric.Int64Counter

	// TurnsFinished counts finished turns. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("outcome", "ok"|"error"|"interrupted")
	TurnsFinished metric.Int64Counter

	// TurnDuration tracks wall time of a whole turn, trigger to chain end.
	TurnDuration metric.Float64Histogram

	// TurnsRejected counts triggers rejected because a turn was already
	// active for the same client or group.
	TurnsRejected metric.Int64Counter

	// --- Pipeline stage latencies ---

	// TranscriptionDuration tracks speech-to-text latency.
	TranscriptionDuration metric.Float64Histogram

	// SynthesisDuration tracks per-sentence text-to-speech latency.
	SynthesisDuration metric.Float64Histogram

	// SynthesisFailures counts syntheses that delivered a sentinel payload.
	SynthesisFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveClients tracks connected WebSocket clients.
	ActiveClients metric.Int64UpDownCounter

	// ActiveGroups tracks group conversations with at least two members.
	ActiveGroups metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// turnBuckets covers whole turns, which include playback time and can run
// far longer than a single pipeline stage.
var turnBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnsStarted, err = m.Int64Counter("kora.turns.started",
		metric.WithDescription("Conversation turns dispatched."),
	); err != nil {
		return nil, err
	}
	if met.TurnsFinished, err = m.Int64Counter("kora.turns.finished",
		metric.WithDescription("Conversation turns finished, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("kora.turn.duration",
		metric.WithDescription("Wall time of a whole conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnsRejected, err = m.Int64Counter("kora.turns.rejected",
		metric.WithDescription("Triggers rejected because a turn was already active."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("kora.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("kora.tts.duration",
		metric.WithDescription("Latency of per-sentence speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisFailures, err = m.Int64Counter("kora.tts.failures",
		metric.WithDescription("Syntheses that fell back to a sentinel payload."),
	); err != nil {
		return nil, err
	}
	if met.ActiveClients, err = m.Int64UpDownCounter("kora.clients.active",
		metric.WithDescription("Connected WebSocket clients."),
	); err != nil {
		return nil, err
	}
	if met.ActiveGroups, err = m.Int64UpDownCounter("kora.groups.active",
		metric.WithDescription("Group conversations with at least two members."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("kora.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] instance, built from
// the globally registered meter provider on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// The no-op provider never fails instrument creation; reaching
			// this means a misconfigured SDK, which must surface early.
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordTurnStarted increments the started counter for mode.
func (m *Metrics) RecordTurnStarted(ctx context.Context, mode string) {
	m.TurnsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordTurnFinished records one finished turn with its outcome and
// duration in seconds.
func (m *Metrics) RecordTurnFinished(ctx context.Context, mode, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	)
	m.TurnsFinished.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds, attrs)
}

// RecordTurnRejected increments the busy-rejection counter for mode.
func (m *Metrics) RecordTurnRejected(ctx context.Context, mode string) {
	m.TurnsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordTranscription records one STT call duration in seconds.
func (m *Metrics) RecordTranscription(ctx context.Context, seconds float64) {
	m.TranscriptionDuration.Record(ctx, seconds)
}

// RecordSynthesis records one synthesis duration and whether it failed.
func (m *Metrics) RecordSynthesis(ctx context.Context, seconds float64, failed bool) {
	m.SynthesisDuration.Record(ctx, seconds)
	if failed {
		m.SynthesisFailures.Add(ctx, 1)
	}
}

// AddActiveClients moves the connected-clients gauge by delta.
func (m *Metrics) AddActiveClients(ctx context.Context, delta int64) {
	m.ActiveClients.Add(ctx, delta)
}

// AddActiveGroups moves the active-groups gauge by delta.
func (m *Metrics) AddActiveGroups(ctx context.Context, delta int64) {
	m.ActiveGroups.Add(ctx, delta)
}

// RecordHTTPRequest records one HTTP request duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, seconds float64) {
	m.HTTPRequestDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
}
