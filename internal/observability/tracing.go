// Package observability provides tracing, metrics, logging and chat event
// recording for groundchat.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the instrumentation name for groundchat spans.
	TracerName = "github.com/efebarandurmaz/groundchat"
)

// TracingConfig configures the OpenTelemetry tracing.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string // dev, staging, prod

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, tracing is disabled.
	OTLPEndpoint string

	// SampleRate is the trace sampling rate (0.0 to 1.0)
	SampleRate float64
}

// DefaultTracingConfig returns a default tracing configuration.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName:    "groundchat",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing initializes OpenTelemetry tracing.
// Returns a no-op tracer if OTLPEndpoint is empty.
func InitTracing(ctx context.Context, cfg TracingConfig) (*TracerProvider, error) {
	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{
			tracer: otel.Tracer(TracerName),
		}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(TracerName),
	}, nil
}

// Shutdown flushes and stops the exporter, if any.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the underlying tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartChatSpan starts the root span for one chat turn.
func StartChatSpan(ctx context.Context, sessionID string, useRAG bool, k int) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "chat.turn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("chat.session_id", sessionID),
			attribute.Bool("chat.use_rag", useRAG),
			attribute.Int("chat.k", k),
		),
	)
}

// RecordGrounding records the retrieval outcome on a chat span.
func RecordGrounding(span trace.Span, grounded bool, citations int) {
	span.SetAttributes(
		attribute.Bool("chat.grounded", grounded),
		attribute.Int("chat.citations", citations),
	)
}

// StartRetrievalSpan starts a span for a retrieval pass.
func StartRetrievalSpan(ctx context.Context, k, fetch int) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "retrieval.retrieve",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int("retrieval.k", k),
			attribute.Int("retrieval.fetch", fetch),
		),
	)
}

// RecordRetrievalResult records how many matches survived filtering.
func RecordRetrievalResult(span trace.Span, matched, kept int) {
	span.SetAttributes(
		attribute.Int("retrieval.matched", matched),
		attribute.Int("retrieval.kept", kept),
	)
}

// StartEmbedSpan starts a span for one embedding batch.
func StartEmbedSpan(ctx context.Context, provider string, batch int) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "embedding.embed",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.Int("embedding.batch_size", batch),
		),
	)
}

// StartLLMSpan starts a span for a chat completion call.
func StartLLMSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "llm.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		),
	)
}

// RecordLLMMetrics records token usage and latency on a span. Missing counts
// are left off.
func RecordLLMMetrics(span trace.Span, inputTokens, outputTokens *int, duration time.Duration) {
	if inputTokens != nil {
		span.SetAttributes(attribute.Int("llm.input_tokens", *inputTokens))
	}
	if outputTokens != nil {
		span.SetAttributes(attribute.Int("llm.output_tokens", *outputTokens))
	}
	span.SetAttributes(attribute.Int64("llm.duration_ms", duration.Milliseconds()))
}

// StartMemorySpan starts a span for a conversation memory operation.
func StartMemorySpan(ctx context.Context, op, backend string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "memory."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("memory.backend", backend)),
	)
}

// StartIngestSpan starts a span for ingesting one file.
func StartIngestSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "ingest.file",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("ingest.path", path)),
	)
}

// RecordIngestResult records chunk count for an ingested file.
func RecordIngestResult(span trace.Span, pages, chunks int) {
	span.SetAttributes(
		attribute.Int("ingest.pages", pages),
		attribute.Int("ingest.chunks", chunks),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
