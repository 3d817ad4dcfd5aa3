package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/basket/strata/internal/config"
	"github.com/basket/strata/internal/engine"
	"github.com/basket/strata/internal/lock"
	strataotel "github.com/basket/strata/internal/otel"
	"github.com/basket/strata/internal/persistence"
	"github.com/basket/strata/internal/summary"
	"github.com/basket/strata/internal/telemetry"
	"github.com/basket/strata/internal/transcript"
)

const dbFileName = "strata.db"

// app holds the process-wide pieces every subcommand shares.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	index   *summary.IndexStore
	content *summary.ContentStore
	store   *persistence.Store
	otel    *strataotel.Provider
	metrics *strataotel.Metrics

	closers []func() error
}

// loadApp loads config.yaml and opens the stores for command. Quiet keeps
// logs out of stderr so command output stays readable.
func loadApp(ctx context.Context, command string, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	return newApp(ctx, cfg, command, quiet)
}

func newApp(ctx context.Context, cfg config.Config, command string, quiet bool) (*app, error) {
	a := &app{cfg: cfg}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	a.closers = append(a.closers, closer.Close)
	a.logger = logger
	slog.SetDefault(logger)

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, dbFileName))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open run ledger: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.store = store

	prov, err := strataotel.Init(ctx, cfg.Telemetry, strataotel.Process{
		Command: command,
		HomeDir: cfg.HomeDir,
		Version: Version,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("otel init: %w", err)
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return prov.Shutdown(shutdownCtx)
	})
	a.otel = prov

	metrics, err := strataotel.NewMetrics(prov.Meter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("otel metrics: %w", err)
	}
	a.metrics = metrics

	a.index = summary.NewIndexStore(cfg.MemoryDir)
	a.content = summary.NewContentStore(cfg.MemoryDir, logger)
	return a, nil
}

// Close releases everything opened by newApp, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// locker opens the configured lock backend. A postgres pool is closed with
// the app.
func (a *app) locker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.Lock.Backend == config.LockBackendPostgres {
		pl, err := lock.NewPostgresLocker(ctx, a.cfg.Lock.PostgresURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			pl.Close()
			return nil
		})
		return pl, nil
	}
	return lock.NewFileLocker(a.cfg.MemoryDir), nil
}

// engineConfig maps the llm section of cfg onto a backend config.
func engineConfig(cfg config.Config, logger *slog.Logger) engine.Config {
	provider := cfg.LLM.Provider
	if cfg.LLM.Backend == engine.BackendAnthropic {
		provider = "anthropic"
	}
	return engine.Config{
		Backend:                  cfg.LLM.Backend,
		Provider:                 provider,
		Model:                    cfg.LLM.Model,
		APIKey:                   cfg.ProviderAPIKey(provider),
		BaseURL:                  cfg.ProviderBaseURL(provider),
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
		MaxTokens:                cfg.LLM.MaxTokens,
		Timeout:                  cfg.LLMTimeout(),
		Logger:                   logger,
	}
}

// newWorker builds a summary worker. settings is consulted on every run so
// the daemon can swap configs underneath it.
func (a *app) newWorker(locks lock.Locker, s summary.Summarizer, settings func(string) summary.Settings) *summary.Worker {
	return summary.NewWorker(summary.WorkerConfig{
		Index:         a.index,
		Content:       a.content,
		Locks:         locks,
		Sessions:      transcript.SessionDir{Root: a.cfg.SessionsDir},
		Summarizer:    s,
		Settings:      settings,
		Recorder:      a.store,
		Metrics:       a.metrics,
		Tracer:        a.otel.Tracer,
		ClassifyError: engine.ClassName,
		Logger:        a.logger,
	})
}

// buildWorker wires a worker from the app's current config.
func (a *app) buildWorker(ctx context.Context) (*summary.Worker, error) {
	locks, err := a.locker(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock backend: %w", err)
	}
	s, err := engine.New(ctx, engineConfig(a.cfg, a.logger))
	if err != nil {
		return nil, fmt.Errorf("summarization backend: %w", err)
	}
	return a.newWorker(locks, s, a.cfg.SettingsFor), nil
}
