package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
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

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumByAttr adds up the data points of an int64 sum whose attribute key
// equals value.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	var total int64
	found := false
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
			found = true
		}
	}
	if !found {
		t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	}
	return total
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"murmur.tts.duration", m.TTSDuration},
		{"murmur.http.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordTTSRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTTSRequest(ctx, "elevenlabs", "ok")
	m.RecordTTSRequest(ctx, "elevenlabs", "ok")
	m.RecordTTSRequest(ctx, "elevenlabs", "error")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "murmur.tts.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "murmur.tts.requests", "status", "error"); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerTransition(ctx, "elevenlabs", "open")
	m.RecordBreakerTransition(ctx, "elevenlabs", "half-open")
	m.RecordBreakerTransition(ctx, "openai", "open")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "murmur.tts.breaker_transitions", "state", "open"); got != 2 {
		t.Errorf("open transitions = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "murmur.tts.breaker_transitions", "provider", "elevenlabs"); got != 2 {
		t.Errorf("elevenlabs transitions = %d, want 2", got)
	}
}

func TestPlaybackRecorder(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunk(ctx, "queued")
	m.RecordChunk(ctx, "queued")
	m.RecordChunk(ctx, "aborted")
	m.RecordSynthesis(ctx, 250*time.Millisecond, "queued")
	m.AddQueueDepth(ctx, 3)
	m.AddQueueDepth(ctx, -1)

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "murmur.playback.chunks", "outcome", "queued"); got != 2 {
		t.Errorf("queued chunks = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "murmur.playback.chunks", "outcome", "aborted"); got != 1 {
		t.Errorf("aborted chunks = %d, want 1", got)
	}

	met := findMetric(rm, "murmur.playback.queue_depth")
	if met == nil {
		t.Fatal("queue depth metric not found")
	}
	depth, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(depth.DataPoints) == 0 || depth.DataPoints[0].Value != 2 {
		t.Errorf("queue depth = %+v, want 2", met.Data)
	}

	hist, ok := findMetric(rm, "murmur.tts.duration").Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 || hist.DataPoints[0].Sum != 0.25 {
		t.Errorf("synthesis duration = %+v", hist)
	}
}

func TestVADCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAutoStop(ctx, "silence")
	m.RecordAutoStop(ctx, "maxDuration")
	m.RecordAutoStop(ctx, "silence")
	m.RecordVoiceSegment(ctx)

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "murmur.vad.auto_stops", "reason", "silence"); got != 2 {
		t.Errorf("silence stops = %d, want 2", got)
	}
	seg, ok := findMetric(rm, "murmur.vad.voice_segments").Data.(metricdata.Sum[int64])
	if !ok || len(seg.DataPoints) == 0 || seg.DataPoints[0].Value != 1 {
		t.Errorf("voice segments = %+v", seg)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(2) as Add(2).
	m.ControlClients.Add(ctx, 1)
	m.ControlClients.Add(ctx, 1)

	rm := collect(t, reader)
	met := findMetric(rm, "murmur.control.clients")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("metric is not a sum with data points")
	}
	if got := sum.DataPoints[0].Value; got != 2 {
		t.Errorf("gauge value = %d, want 2", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
