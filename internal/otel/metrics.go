package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the strata metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RunDuration      metric.Float64Histogram
	ChunksSummarized metric.Int64Counter
	TokensSummarized metric.Int64Counter
	MergesPerformed  metric.Int64Counter
	RunsSkipped      metric.Int64Counter
	RunFailures      metric.Int64Counter
	LLMCallDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("strata.run.duration",
		metric.WithDescription("Worker run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ChunksSummarized, err = meter.Int64Counter("strata.chunks.summarized",
		metric.WithDescription("Transcript chunks summarized into L1 entries"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensSummarized, err = meter.Int64Counter("strata.chunks.tokens",
		metric.WithDescription("Estimated transcript tokens covered by new L1 entries"),
	)
	if err != nil {
		return nil, err
	}

	m.MergesPerformed, err = meter.Int64Counter("strata.merges",
		metric.WithDescription("Level merges performed"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsSkipped, err = meter.Int64Counter("strata.runs.skipped",
		metric.WithDescription("Worker runs skipped, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.RunFailures, err = meter.Int64Counter("strata.runs.failed",
		metric.WithDescription("Worker runs that failed, by error class"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("strata.llm.duration",
		metric.WithDescription("Summarization backend call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveRun records the duration of a finished run.
func (m *Metrics) ObserveRun(ctx context.Context, agentID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrAgentID.String(agentID),
		AttrOutcome.String(outcome),
	))
}

// AddChunk records one summarized chunk of the given size.
func (m *Metrics) AddChunk(ctx context.Context, agentID string, tokens int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrAgentID.String(agentID))
	m.ChunksSummarized.Add(ctx, 1, attrs)
	m.TokensSummarized.Add(ctx, int64(tokens), attrs)
}

// AddMerge records a merge out of level.
func (m *Metrics) AddMerge(ctx context.Context, agentID, level string) {
	if m == nil {
		return
	}
	m.MergesPerformed.Add(ctx, 1, metric.WithAttributes(
		AttrAgentID.String(agentID),
		AttrLevel.String(level),
	))
}

// AddSkip records a skipped run.
func (m *Metrics) AddSkip(ctx context.Context, agentID, reason string) {
	if m == nil {
		return
	}
	m.RunsSkipped.Add(ctx, 1, metric.WithAttributes(
		AttrAgentID.String(agentID),
		attribute.String("reason", reason),
	))
}

// AddFailure records a failed run under its error class.
func (m *Metrics) AddFailure(ctx context.Context, agentID, class string) {
	if m == nil {
		return
	}
	m.RunFailures.Add(ctx, 1, metric.WithAttributes(
		AttrAgentID.String(agentID),
		AttrErrorClass.String(class),
	))
}

// ObserveLLM records one backend call. op is "summarize" or "merge".
func (m *Metrics) ObserveLLM(ctx context.Context, op, model string, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		AttrModel.String(model),
	))
}
