package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/strata/internal/lock"
	strataotel "github.com/basket/strata/internal/otel"
	"github.com/basket/strata/internal/shared"
	"github.com/basket/strata/internal/tokenutil"
	"github.com/basket/strata/internal/transcript"
)

// Settings are the resolved memory settings of one agent.
type Settings struct {
	Enabled               bool
	ChunkTokens           int
	PruningBoundaryTokens int
	MergeThreshold        int
	Model                 string
}

// SessionSource resolves the transcript a run should read.
type SessionSource interface {
	Current(agentID string) (transcript.Session, bool, error)
}

// RunRecord is handed to a Recorder after every run, skips included.
type RunRecord struct {
	RunID     string
	AgentID   string
	SessionID string
	StartedAt time.Time
	Result    Result
}

// Recorder keeps a history of runs.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// WorkerConfig wires a Worker. Index, Content, Locks, Sessions, Summarizer
// and Settings are required.
type WorkerConfig struct {
	Index      *IndexStore
	Content    *ContentStore
	Locks      lock.Locker
	Sessions   SessionSource
	Summarizer Summarizer
	Settings   func(agentID string) Settings

	Recorder Recorder
	Metrics  *strataotel.Metrics
	Tracer   trace.Tracer
	// ClassifyError labels failures for metrics. Defaults to "UNKNOWN".
	ClassifyError func(error) string
	Logger        *slog.Logger
	// Now stamps entries and worker health. Defaults to time.Now.
	Now func() time.Time
}

// Worker runs the summarize-then-merge pipeline for one agent at a time.
// A Worker holds no per-agent state; every run loads what it needs.
type Worker struct {
	cfg    WorkerConfig
	logger *slog.Logger
	tracer trace.Tracer
}

// NewWorker builds a worker from cfg.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(strataotel.TracerName)
	}
	if cfg.ClassifyError == nil {
		cfg.ClassifyError = func(error) string { return "UNKNOWN" }
	}
	return &Worker{cfg: cfg, logger: logger, tracer: tracer}
}

func (w *Worker) now() time.Time {
	if w.cfg.Now != nil {
		return w.cfg.Now().UTC()
	}
	return time.Now().UTC()
}

// Run performs one summarization pass for agentID and reports the outcome.
// It never panics and never returns an error: every failure is folded into
// the Result.
func (w *Worker) Run(ctx context.Context, agentID string) (res Result) {
	began := time.Now()
	startedAt := w.now()
	runID := shared.NewRunID()
	ctx = shared.WithRunID(shared.WithAgentID(ctx, agentID), runID)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, runID)
	}
	ctx, span := strataotel.StartSpan(ctx, w.tracer, strataotel.SpanWorkerRun,
		strataotel.AttrAgentID.String(agentID),
		strataotel.AttrRunID.String(runID),
	)
	logger := w.logger.With(shared.LogAttrs(ctx)...)

	var sessionID string
	var runErr error
	defer func() {
		res.DurationMs = time.Since(began).Milliseconds()
		span.SetAttributes(strataotel.AttrOutcome.String(res.Outcome()))
		strataotel.EndSpan(span, runErr)
		w.report(ctx, logger, RunRecord{
			RunID:     runID,
			AgentID:   agentID,
			SessionID: sessionID,
			StartedAt: startedAt,
			Result:    res,
		}, runErr, time.Since(began))
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("summary worker panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			runErr = fmt.Errorf("panic: %v", r)
			res = Result{Success: false, Error: runErr.Error()}
		}
	}()

	settings := w.cfg.Settings(agentID)
	if !settings.Enabled {
		return Result{Success: true, Skipped: SkipDisabled}
	}

	guard, err := w.cfg.Locks.TryAcquire(ctx, agentID)
	if errors.Is(err, lock.ErrLockHeld) {
		logger.Info("summary run skipped; lock held", "detail", err.Error())
		return Result{Success: true, Skipped: SkipLockHeld}
	}
	if err != nil {
		runErr = fmt.Errorf("acquire lock: %w", err)
		return Result{Success: false, Error: runErr.Error()}
	}
	defer func() {
		if err := guard.Release(); err != nil {
			logger.Error("release summary lock", "error", err)
		}
	}()

	session, ok, err := w.cfg.Sessions.Current(agentID)
	if err != nil {
		runErr = fmt.Errorf("resolve session: %w", err)
		return Result{Success: false, Error: runErr.Error()}
	}
	if !ok {
		return Result{Success: true, Skipped: SkipNoSession}
	}
	sessionID = session.ID
	ctx = shared.WithSessionID(ctx, session.ID)
	logger = logger.With("session_id", session.ID)
	span.SetAttributes(strataotel.AttrSessionID.String(session.ID))

	p := &pass{w: w, agentID: agentID, session: session, settings: settings, logger: logger}
	runErr = p.execute(ctx)
	if runErr != nil {
		p.recordFailure(runErr)
		return Result{
			Success:         false,
			ChunksProcessed: p.chunks,
			MergesPerformed: p.merges,
			Error:           runErr.Error(),
		}
	}
	return Result{Success: true, ChunksProcessed: p.chunks, MergesPerformed: p.merges}
}

func (w *Worker) report(ctx context.Context, logger *slog.Logger, rec RunRecord, runErr error, elapsed time.Duration) {
	res := rec.Result
	m := w.cfg.Metrics
	m.ObserveRun(ctx, rec.AgentID, res.Outcome(), elapsed)
	switch {
	case !res.Success:
		class := w.cfg.ClassifyError(runErr)
		m.AddFailure(ctx, rec.AgentID, class)
		logger.Error("summary run failed", "error", res.Error, "error_class", class,
			"chunks", res.ChunksProcessed, "merges", res.MergesPerformed, "duration_ms", res.DurationMs)
	case res.Skipped != "":
		m.AddSkip(ctx, rec.AgentID, string(res.Skipped))
		logger.Debug("summary run skipped", "reason", string(res.Skipped))
	default:
		logger.Info("summary run complete", "chunks", res.ChunksProcessed,
			"merges", res.MergesPerformed, "duration_ms", res.DurationMs)
	}

	if w.cfg.Recorder != nil {
		if err := w.cfg.Recorder.RecordRun(ctx, rec); err != nil {
			logger.Warn("record summary run", "error", err)
		}
	}
}

// pass is the state of one locked run.
type pass struct {
	w        *Worker
	agentID  string
	session  transcript.Session
	settings Settings
	logger   *slog.Logger

	idx    *Index
	chunks int
	merges int
}

func (p *pass) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("summary run panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	w := p.w
	idx, err := w.cfg.Index.Load(p.agentID)
	if err != nil {
		return err
	}
	p.idx = idx

	cursorID, cursorSession := idx.Cursor()
	var found FindResult
	tr, err := transcript.Open(p.session.Path)
	if err != nil {
		p.logger.Warn("transcript unreadable; no chunks this run", "path", p.session.Path, "error", err)
	} else {
		if tr.Skipped > 0 {
			p.logger.Debug("skipped malformed transcript lines", "count", tr.Skipped)
		}
		found = FindChunks(tr.Entries(), Cursor{EntryID: cursorID, SessionID: cursorSession}, ChunkConfig{
			ChunkTokens:           p.settings.ChunkTokens,
			PruningBoundaryTokens: p.settings.PruningBoundaryTokens,
		}, p.session.ID)
	}
	if found.CursorLost {
		p.logger.Warn("summary cursor not found in transcript; rescanning from the start, earlier history may be summarized again",
			"cursor", cursorID)
	}

	summarizer := instrumented{inner: w.cfg.Summarizer, tracer: w.tracer, metrics: w.cfg.Metrics}
	for _, chunk := range found.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.summarizeChunk(ctx, summarizer, chunk); err != nil {
			return err
		}
	}

	merger := &Merger{
		Content:        w.cfg.Content,
		Summarizer:     summarizer,
		MergeThreshold: p.settings.MergeThreshold,
		Model:          p.settings.Model,
		Now:            w.now,
	}
	for _, level := range []Level{L1, L2} {
		if err := ctx.Err(); err != nil {
			return err
		}
		merged, err := merger.MergeLevel(ctx, p.agentID, idx, level)
		if err != nil {
			return fmt.Errorf("merge %s: %w", level, err)
		}
		if merged {
			p.merges++
			w.cfg.Metrics.AddMerge(ctx, p.agentID, string(level))
		}
	}

	now := w.now()
	idx.Worker.LastRunAt = &now
	idx.Worker.LastError = nil
	return w.cfg.Index.Save(p.agentID, idx)
}

func (p *pass) summarizeChunk(ctx context.Context, s Summarizer, chunk Chunk) error {
	w := p.w
	prior, err := priorSummaries(w.cfg.Content, p.agentID, p.idx)
	if err != nil {
		return err
	}
	text, err := s.Summarize(ctx, SummarizeRequest{
		AgentID:        p.agentID,
		Model:          p.settings.Model,
		Messages:       chunk.Messages,
		PriorSummaries: prior,
	})
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("summarize chunk ending at %s: backend returned an empty summary", chunk.LastEntryID())
	}

	entry := Entry{
		ID:              p.idx.NextID(L1),
		Level:           L1,
		CreatedAt:       w.now(),
		TokenEstimate:   tokenutil.EstimateTokens(text),
		SourceLevel:     L0,
		SourceIDs:       append([]string(nil), chunk.EntryIDs...),
		SourceSessionID: chunk.SessionID,
	}
	if err := w.cfg.Content.Write(p.agentID, entry, text); err != nil {
		return err
	}
	p.idx.Append(entry)
	p.idx.advanceCursor(chunk.LastEntryID(), chunk.SessionID)
	p.chunks++
	w.cfg.Metrics.AddChunk(ctx, p.agentID, chunk.TokenEstimate)
	p.logger.Debug("summarized chunk", "entry_id", entry.ID, "messages", len(chunk.Messages),
		"tokens", chunk.TokenEstimate, "summary_tokens", entry.TokenEstimate)
	return nil
}

// recordFailure stores runErr in the index health block. It only runs when
// the index was loaded, so a corrupt index is never overwritten. A failure
// here is logged and dropped.
func (p *pass) recordFailure(runErr error) {
	if p.idx == nil {
		return
	}
	now := p.w.now()
	msg := shared.Redact(runErr.Error())
	p.idx.Worker.LastRunAt = &now
	p.idx.Worker.LastError = &msg
	if err := p.w.cfg.Index.Save(p.agentID, p.idx); err != nil {
		p.logger.Error("save index after failed run", "error", err, "run_error", msg)
	}
}

// instrumented wraps backend calls in client spans and duration metrics.
type instrumented struct {
	inner   Summarizer
	tracer  trace.Tracer
	metrics *strataotel.Metrics
}

func (s instrumented) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	ctx, span := strataotel.StartClientSpan(ctx, s.tracer, strataotel.SpanSummarize,
		strataotel.AttrAgentID.String(req.AgentID),
		strataotel.AttrModel.String(req.Model),
		strataotel.AttrLevel.String(string(L1)),
	)
	start := time.Now()
	text, err := s.inner.Summarize(ctx, req)
	s.metrics.ObserveLLM(ctx, "summarize", req.Model, time.Since(start))
	strataotel.EndSpan(span, err)
	return text, err
}

func (s instrumented) Merge(ctx context.Context, req MergeRequest) (string, error) {
	ctx, span := strataotel.StartClientSpan(ctx, s.tracer, strataotel.SpanMerge,
		strataotel.AttrAgentID.String(req.AgentID),
		strataotel.AttrModel.String(req.Model),
		strataotel.AttrLevel.String(string(req.To)),
	)
	start := time.Now()
	text, err := s.inner.Merge(ctx, req)
	s.metrics.ObserveLLM(ctx, "merge", req.Model, time.Since(start))
	strataotel.EndSpan(span, err)
	return text, err
}
