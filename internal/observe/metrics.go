// Package observe provides application-wide observability primitives for
// GridTalk: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all GridTalk metrics.
const meterName = "github.com/voximply/gridtalk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks utterance finalization latency, measured from the
	// first buffered transcript fragment to the speech boundary.
	STTDuration metric.Float64Histogram

	// DecisionDuration tracks decision-gateway latency (classification, move
	// proposal, reply generation).
	DecisionDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per queue item.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts finalized utterances. Use with attribute:
	//   attribute.String("speaker_id", ...)
	Utterances metric.Int64Counter

	// Moves counts applied game moves. Use with attributes:
	//   attribute.String("player", ...), attribute.String("source", ...)
	Moves metric.Int64Counter

	// RejectedMoves counts moves rejected by the game.
	RejectedMoves metric.Int64Counter

	// SynthesisRequests counts output-queue items by status
	// ("ok", "error", "interrupted").
	SynthesisRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSpeakers tracks the number of speakers with live ingestion loops.
	ActiveSpeakers metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live game sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks the synthesis output queue depth.
	QueueDepth metric.Int64UpDownCounter

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
	if met.STTDuration, err = m.Float64Histogram("gridtalk.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecisionDuration, err = m.Float64Histogram("gridtalk.decision.duration",
		metric.WithDescription("Latency of decision-gateway calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("gridtalk.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("gridtalk.utterances",
		metric.WithDescription("Total finalized utterances by speaker."),
	); err != nil {
		return nil, err
	}
	if met.Moves, err = m.Int64Counter("gridtalk.moves",
		metric.WithDescription("Total applied game moves by player and source."),
	); err != nil {
		return nil, err
	}
	if met.RejectedMoves, err = m.Int64Counter("gridtalk.moves.rejected",
		metric.WithDescription("Total game moves rejected as invalid."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisRequests, err = m.Int64Counter("gridtalk.synthesis.requests",
		metric.WithDescription("Total synthesis queue items by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("gridtalk.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("gridtalk.active_speakers",
		metric.WithDescription("Number of speakers with live ingestion loops."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("gridtalk.active_sessions",
		metric.WithDescription("Number of live game sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("gridtalk.synthesis.queue_depth",
		metric.WithDescription("Current depth of the synthesis output queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("gridtalk.http.request.duration",
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

// RecordUtterance records one finalized utterance for a speaker.
func (m *Metrics) RecordUtterance(ctx context.Context, speakerID string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker_id", speakerID)),
	)
}

// RecordMove records one applied game move with its input source
// ("voice", "side_channel", "automated").
func (m *Metrics) RecordMove(ctx context.Context, player, source string) {
	m.Moves.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("player", player),
			attribute.String("source", source),
		),
	)
}

// RecordRejectedMove records one silently ignored move attempt.
func (m *Metrics) RecordRejectedMove(ctx context.Context, player, source string) {
	m.RejectedMoves.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("player", player),
			attribute.String("source", source),
		),
	)
}

// RecordSynthesis records one synthesis queue item outcome.
func (m *Metrics) RecordSynthesis(ctx context.Context, status string) {
	m.SynthesisRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
