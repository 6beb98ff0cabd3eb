// Package observe carries the telemetry plumbing for rattil: OpenTelemetry
// metric instruments, tracing helpers, and the HTTP middleware that ties
// both to request logs.
//
// Instruments are created through the OTel Metrics API and surface to
// Prometheus through the exporter installed by [InitProvider], so the
// standard /metrics scrape keeps working. Production code shares the
// process-wide [DefaultMetrics] instance; tests build their own with
// [NewMetrics] and a private [metric.MeterProvider].
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all rattil instruments.
const meterName = "github.com/rattil/rattil"

// Metrics bundles every instrument the service records. All fields are
// safe for concurrent use.
type Metrics struct {
	// AlignDuration tracks batch alignment latency.
	AlignDuration metric.Float64Histogram

	// AdvanceDuration tracks per-batch tracker advance latency.
	AdvanceDuration metric.Float64Histogram

	// STTDuration tracks transcription latency (batch call or time from first
	// audio byte to final transcript on streams).
	STTDuration metric.Float64Histogram

	// SessionsStarted counts live sessions opened. Use with attribute:
	//   attribute.String("mode", "text"|"audio")
	SessionsStarted metric.Int64Counter

	// SessionsCompleted counts sessions that revealed their whole passage.
	SessionsCompleted metric.Int64Counter

	// WordsJudged counts judged reference words. Use with attribute:
	//   attribute.String("kind", "correct"|"wrong"|"missing"|"extra")
	WordsJudged metric.Int64Counter

	// Resyncs counts successful forward re-anchors after unmatched words.
	Resyncs metric.Int64Counter

	// ForcedAdvances counts cursor advances forced by the miss threshold.
	ForcedAdvances metric.Int64Counter

	// FlashEvents counts mistake flashes pushed to clients.
	FlashEvents metric.Int64Counter

	// LocateRequests counts verse location attempts. Use with attribute:
	//   attribute.String("status", "match"|"no_match")
	LocateRequests metric.Int64Counter

	// ProviderErrors counts transcription backend errors. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// ActiveSessions tracks the number of live recitation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets holds histogram boundaries in seconds, sized for
// interactive recitation latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics builds all instruments against the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	var errs []error
	latency := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		errs = append(errs, err)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	m := &Metrics{
		AlignDuration:   latency("rattil.align.duration", "Latency of batch recitation alignment."),
		AdvanceDuration: latency("rattil.track.advance.duration", "Latency of one incremental tracker advance."),
		STTDuration:     latency("rattil.stt.duration", "Latency of speech-to-text transcription."),

		SessionsStarted:   counter("rattil.sessions.started", "Total live sessions opened by input mode."),
		SessionsCompleted: counter("rattil.sessions.completed", "Total sessions that revealed their whole passage."),
		WordsJudged:       counter("rattil.words.judged", "Total judged reference words by kind."),
		Resyncs:           counter("rattil.track.resyncs", "Total successful forward re-anchors."),
		ForcedAdvances:    counter("rattil.track.forced_advances", "Total cursor advances forced by the miss threshold."),
		FlashEvents:       counter("rattil.track.flashes", "Total mistake flashes pushed to clients."),
		LocateRequests:    counter("rattil.locate.requests", "Total verse location attempts by result status."),
		ProviderErrors:    counter("rattil.provider.errors", "Total transcription backend errors by provider."),
	}

	active, err := meter.Int64UpDownCounter("rattil.active_sessions",
		metric.WithDescription("Number of live recitation sessions."),
	)
	errs = append(errs, err)
	m.ActiveSessions = active

	// The HTTP histogram keeps the SDK default buckets; request latency is
	// dominated by transcription and needs the coarser range.
	httpDur, err := meter.Float64Histogram("rattil.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	)
	errs = append(errs, err)
	m.HTTPRequestDuration = httpDur

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] instance, built on first
// call from the global meter provider. Instrument creation against the
// global provider cannot fail short of a programming error, so this panics
// instead of returning one.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordSessionStarted counts a session open for the given input mode and
// bumps the active session gauge.
func (m *Metrics) RecordSessionStarted(ctx context.Context, mode string) {
	m.SessionsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionClosed drops the active session gauge and, when the passage
// was fully revealed, counts the completion.
func (m *Metrics) RecordSessionClosed(ctx context.Context, completed bool) {
	m.ActiveSessions.Add(ctx, -1)
	if completed {
		m.SessionsCompleted.Add(ctx, 1)
	}
}

// RecordWordJudged counts one judged reference word of the given kind
// (correct, wrong, missing, or extra).
func (m *Metrics) RecordWordJudged(ctx context.Context, kind string) {
	m.WordsJudged.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordLocate counts a verse location attempt and whether it matched.
func (m *Metrics) RecordLocate(ctx context.Context, matched bool) {
	status := "no_match"
	if matched {
		status = "match"
	}
	m.LocateRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError counts a transcription backend error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
