// Package observe provides application-wide observability primitives for
// phonerelay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all phonerelay metrics.
const meterName = "github.com/MrWong99/phonerelay"

// Turn outcomes used as the "outcome" attribute of [Metrics.Turns].
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Turn latency histograms ---

	// TimeToFirstToken tracks the delay from starting a completion stream to
	// its first non-empty text fragment.
	TimeToFirstToken metric.Float64Histogram

	// TimeToFirstByte tracks the delay from sending a turn's first text to
	// synthesis to forwarding its first audio chunk.
	TimeToFirstByte metric.Float64Histogram

	// SentenceToAudio tracks the delay from the first fragment containing a
	// sentence boundary to the first forwarded audio chunk.
	SentenceToAudio metric.Float64Histogram

	// TurnDuration tracks the lifetime of a turn from start to its end.
	// Use with attribute.String("outcome", ...).
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finished turns. Use with attribute.String("outcome", ...).
	Turns metric.Int64Counter

	// BargeIns counts turns interrupted by a new caller utterance.
	BargeIns metric.Int64Counter

	// DroppedAudioChunks counts synthesized audio chunks discarded because
	// their turn was no longer current.
	DroppedAudioChunks metric.Int64Counter

	// MalformedFrames counts telephony frames that could not be handled.
	// Use with attribute.String("kind", ...).
	MalformedFrames metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live media-stream sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// turnBuckets covers whole spoken replies.
var turnBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 20, 40, 80,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TimeToFirstToken, err = m.Float64Histogram("phonerelay.llm.time_to_first_token",
		metric.WithDescription("Delay from completion start to the first text fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstByte, err = m.Float64Histogram("phonerelay.tts.time_to_first_byte",
		metric.WithDescription("Delay from the first synthesized text to the first forwarded audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SentenceToAudio, err = m.Float64Histogram("phonerelay.turn.sentence_to_audio",
		metric.WithDescription("Delay from the first sentence boundary to the first forwarded audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("phonerelay.turn.duration",
		metric.WithDescription("Lifetime of a turn by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("phonerelay.turns",
		metric.WithDescription("Total turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("phonerelay.barge_ins",
		metric.WithDescription("Total turns interrupted by the caller."),
	); err != nil {
		return nil, err
	}
	if met.DroppedAudioChunks, err = m.Int64Counter("phonerelay.audio.dropped_chunks",
		metric.WithDescription("Total synthesized audio chunks dropped as stale."),
	); err != nil {
		return nil, err
	}
	if met.MalformedFrames, err = m.Int64Counter("phonerelay.telephony.malformed_frames",
		metric.WithDescription("Total telephony frames ignored by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("phonerelay.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("phonerelay.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("phonerelay.active_calls",
		metric.WithDescription("Number of live media-stream sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("phonerelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
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

// RecordTurn records the end of a turn: its outcome counter and duration.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordMalformedFrame records a telephony frame that was ignored.
func (m *Metrics) RecordMalformedFrame(ctx context.Context, kind string) {
	m.MalformedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordLatency records d on h when ok is true. It pairs with the
// (duration, ok) accessors of turn latency samples.
func RecordLatency(ctx context.Context, h metric.Float64Histogram, d time.Duration, ok bool) {
	if ok {
		h.Record(ctx, d.Seconds())
	}
}
