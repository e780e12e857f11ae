package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanSynthesize     = "murmur.tts.synthesize"
	SpanControlSession = "murmur.control.session"
)

// instrumentation scope shared by spans and meters.
const scopeName = "github.com/MrWong99/murmur"

// Tracer resolves the murmur tracer from the global provider on every call,
// so tests that swap the provider see their spans.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartSynthesis opens a client span around one provider call.
func StartSynthesis(ctx context.Context, provider, voice string, chars int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanSynthesize,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("murmur.tts.provider", provider),
			attribute.String("murmur.tts.voice", voice),
			attribute.Int("murmur.tts.chars", chars),
		),
	)
}

// StartControlSession opens a span covering one control websocket client.
func StartControlSession(ctx context.Context, clientID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanControlSession,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("murmur.control.client", clientID)),
	)
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the hex trace ID carried by ctx, or "".
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithTrace adds trace_id and span_id from ctx to base. A nil base means
// [slog.Default]. Without a span, base is returned as is.
func WithTrace(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
