package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanWorkerRun = "strata.worker.run"
	SpanSummarize = "strata.summarize"
	SpanMerge     = "strata.merge"
)

// Standard attribute keys for strata spans and metrics.
var (
	AttrAgentID    = attribute.Key("strata.agent.id")
	AttrRunID      = attribute.Key("strata.run.id")
	AttrSessionID  = attribute.Key("strata.session.id")
	AttrLevel      = attribute.Key("strata.level")
	AttrEntryID    = attribute.Key("strata.entry.id")
	AttrChunkSize  = attribute.Key("strata.chunk.tokens")
	AttrModel      = attribute.Key("strata.llm.model")
	AttrOutcome    = attribute.Key("strata.outcome")
	AttrErrorClass = attribute.Key("strata.error.class")

	// Resource attributes.
	AttrCommand = attribute.Key("strata.command")
	AttrHome    = attribute.Key("strata.home")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call to a summarization backend.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
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
