package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	}, Process{Command: "run"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.RunDuration == nil || m.ChunksSummarized == nil || m.TokensSummarized == nil ||
		m.MergesPerformed == nil || m.RunsSkipped == nil || m.RunFailures == nil || m.LLMCallDuration == nil {
		t.Fatalf("expected every instrument to be created: %+v", m)
	}

	ctx := context.Background()
	m.ObserveRun(ctx, "main", "success", time.Second)
	m.AddChunk(ctx, "main", 1200)
	m.AddMerge(ctx, "main", "L1")
	m.AddSkip(ctx, "main", "lock_held")
	m.AddFailure(ctx, "main", "AUTH")
	m.ObserveLLM(ctx, "summarize", "claude-haiku-4-5", 2*time.Second)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.ObserveRun(ctx, "main", "failure", time.Millisecond)
	m.AddChunk(ctx, "main", 10)
	m.AddMerge(ctx, "main", "L2")
	m.AddSkip(ctx, "main", "disabled")
	m.AddFailure(ctx, "main", "UNKNOWN")
	m.ObserveLLM(ctx, "merge", "m", time.Millisecond)
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, Process{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer(TracerName)

	_, span := StartSpan(context.Background(), tracer, SpanMerge, AttrLevel.String("L1"))
	EndSpan(span, errors.New("boom"))
	_, ok := StartClientSpan(context.Background(), tracer, SpanSummarize)
	EndSpan(ok, nil)

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(ended))
	}
	if ended[0].Name() != SpanMerge || ended[0].Status().Code != codes.Error {
		t.Fatalf("unexpected failed span: name=%s status=%v", ended[0].Name(), ended[0].Status())
	}
	if ended[1].Status().Code == codes.Error {
		t.Fatalf("successful span marked as error")
	}
}
