// Package observe holds murmur's telemetry: OpenTelemetry instruments for
// detection, playback and synthesis, spans for synthesis requests and
// control sessions, and the HTTP middleware that joins both to the logs.
//
// [Init] installs the global providers and a Prometheus registry that
// /metrics scrapes. [DefaultMetrics] records against whatever global
// provider is installed; tests build their own with [NewMetrics] and a
// manual reader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/murmur/pkg/playback"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Synthesis ---

	// TTSDuration tracks time from request to decoded audio. Use with attribute:
	//   attribute.String("status", ...)
	TTSDuration metric.Float64Histogram

	// TTSRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	TTSRequests metric.Int64Counter

	// TTSBreakerTransitions counts circuit breaker state changes per
	// synthesis backend and target state.
	TTSBreakerTransitions metric.Int64Counter

	// --- Playback ---

	// PlaybackChunks counts finished playback requests by outcome
	// (queued, aborted, decode_error, failed).
	PlaybackChunks metric.Int64Counter

	// PlaybackQueueDepth tracks decoded buffers waiting to play.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// --- Voice activity ---

	// VADAutoStops counts automatic detection stops by reason.
	VADAutoStops metric.Int64Counter

	// VADVoiceSegments counts detected voice segments.
	VADVoiceSegments metric.Int64Counter

	// ControlClients tracks connected control-surface websocket clients.
	ControlClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequests counts handled requests by mux route and status.
	HTTPRequests metric.Int64Counter

	// HTTPRequestDuration tracks request latency by mux route.
	HTTPRequestDuration metric.Float64Histogram
}

// Metrics feeds the playback controller's measurements.
var _ playback.Recorder = (*Metrics)(nil)

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for synthesis latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp. Instrument errors are joined
// so one bad registration does not hide another.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	gauge := func(name, desc string) metric.Int64UpDownCounter {
		g, err := m.Int64UpDownCounter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return g
	}
	seconds := func(name, desc string, buckets ...float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if len(buckets) > 0 {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := m.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}

	met := &Metrics{
		TTSDuration:           seconds("murmur.tts.duration", "Latency from synthesis request to decoded audio.", latencyBuckets...),
		TTSRequests:           counter("murmur.tts.requests", "Total synthesis requests by provider and status."),
		TTSBreakerTransitions: counter("murmur.tts.breaker_transitions", "Circuit breaker state changes by backend and target state."),
		PlaybackChunks:        counter("murmur.playback.chunks", "Total playback requests by outcome."),
		PlaybackQueueDepth:    gauge("murmur.playback.queue_depth", "Decoded buffers waiting for playback."),
		VADAutoStops:          counter("murmur.vad.auto_stops", "Total automatic detection stops by reason."),
		VADVoiceSegments:      counter("murmur.vad.voice_segments", "Total detected voice segments."),
		ControlClients:        gauge("murmur.control.clients", "Connected control websocket clients."),
		HTTPRequests:          counter("murmur.http.requests", "Total HTTP requests by route and status."),
		HTTPRequestDuration:   seconds("murmur.http.duration", "HTTP request latency by route."),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics], built on first use from
// [otel.GetMeterProvider]. Call it after [Init] so the instruments land in
// the scraped registry.
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

// RecordTTSRequest records a provider request with the standard attribute set.
func (m *Metrics) RecordTTSRequest(ctx context.Context, provider, status string) {
	m.TTSRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition counts one breaker state change of a synthesis
// backend.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.TTSBreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", backend),
			attribute.String("state", state),
		),
	)
}

// RecordChunk implements [playback.Recorder].
func (m *Metrics) RecordChunk(ctx context.Context, outcome string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSynthesis implements [playback.Recorder].
func (m *Metrics) RecordSynthesis(ctx context.Context, d time.Duration, status string) {
	m.TTSDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// AddQueueDepth implements [playback.Recorder].
func (m *Metrics) AddQueueDepth(ctx context.Context, delta int64) {
	m.PlaybackQueueDepth.Add(ctx, delta)
}

// RecordAutoStop counts one automatic detection stop.
func (m *Metrics) RecordAutoStop(ctx context.Context, reason string) {
	m.VADAutoStops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordVoiceSegment counts one detected voice segment.
func (m *Metrics) RecordVoiceSegment(ctx context.Context) {
	m.VADVoiceSegments.Add(ctx, 1)
}
