package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics builds a Metrics instance whose readings are available
// through the returned manual reader.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValue reads an int64 counter, filtered to the data point carrying the
// given attribute when key is non-empty. Missing metrics or points read as
// -1 so tests fail loudly on absent data.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		return -1
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q data is %T, want an int64 sum", name, met.Data)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_LatencyHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	instruments := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"rattil.align.duration", m.AlignDuration},
		{"rattil.track.advance.duration", m.AdvanceDuration},
		{"rattil.stt.duration", m.STTDuration},
	}
	for _, in := range instruments {
		in.h.Record(ctx, 0.003)
		in.h.Record(ctx, 0.045)
	}

	rm := collect(t, reader)
	for _, in := range instruments {
		t.Run(in.name, func(t *testing.T) {
			met := findMetric(rm, in.name)
			if met == nil {
				t.Fatalf("metric %q not found", in.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q data is %T, want a float64 histogram", in.name, met.Data)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatal("no data points")
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordWordJudged(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordWordJudged(ctx, "correct")
	m.RecordWordJudged(ctx, "correct")
	m.RecordWordJudged(ctx, "wrong")
	m.RecordWordJudged(ctx, "missing")

	rm := collect(t, reader)
	for kind, want := range map[string]int64{"correct": 2, "wrong": 1, "missing": 1} {
		if got := sumValue(t, rm, "rattil.words.judged", "kind", kind); got != want {
			t.Errorf("kind=%s count = %d, want %d", kind, got, want)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionStarted(ctx, "audio")
	m.RecordSessionStarted(ctx, "text")
	m.RecordSessionStarted(ctx, "text")
	m.RecordSessionClosed(ctx, true)
	m.RecordSessionClosed(ctx, false)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "rattil.sessions.started", "mode", "text"); got != 2 {
		t.Errorf("mode=text opens = %d, want 2", got)
	}
	if got := sumValue(t, rm, "rattil.sessions.started", "mode", "audio"); got != 1 {
		t.Errorf("mode=audio opens = %d, want 1", got)
	}
	if got := sumValue(t, rm, "rattil.sessions.completed", "", ""); got != 1 {
		t.Errorf("completions = %d, want 1", got)
	}
	// Three opened, two closed: one session remains.
	if got := sumValue(t, rm, "rattil.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestRecordLocate(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLocate(ctx, true)
	m.RecordLocate(ctx, true)
	m.RecordLocate(ctx, false)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "rattil.locate.requests", "status", "match"); got != 2 {
		t.Errorf("status=match count = %d, want 2", got)
	}
	if got := sumValue(t, rm, "rattil.locate.requests", "status", "no_match"); got != 1 {
		t.Errorf("status=no_match count = %d, want 1", got)
	}
}

func TestTrackerEventCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Resyncs.Add(ctx, 1)
	m.ForcedAdvances.Add(ctx, 2)
	m.FlashEvents.Add(ctx, 3)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"rattil.track.resyncs":         1,
		"rattil.track.forced_advances": 2,
		"rattil.track.flashes":         3,
	} {
		if got := sumValue(t, rm, name, "", ""); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestRecordProviderError(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordProviderError(context.Background(), "deepgram")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "rattil.provider.errors", "provider", "deepgram"); got != 1 {
		t.Errorf("provider=deepgram errors = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.HTTPRequestDuration.Record(context.Background(), 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "rattil.http.request.duration")
	if met == nil {
		t.Fatal("rattil.http.request.duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want a float64 histogram", met.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("data points = %+v, want one point with one sample", hist.DataPoints)
	}
}

func TestDefaultMetrics_SamePointer(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
