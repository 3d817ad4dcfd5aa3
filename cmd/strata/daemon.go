package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/strata/internal/config"
	"github.com/basket/strata/internal/cron"
	"github.com/basket/strata/internal/engine"
	"github.com/basket/strata/internal/summary"
)

const (
	reloadDebounce = 250 * time.Millisecond
	pruneInterval  = 24 * time.Hour
)

type daemonOptions struct {
	Interval   time.Duration
	RunOnStart bool
}

func runDaemonCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	interval := fs.Duration("interval", 30*time.Second, "scheduler tick interval")
	runOnStart := fs.Bool("run-on-start", false, "run every agent once at startup")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 0 || *interval <= 0 {
		fmt.Fprintln(os.Stderr, "usage: strata daemon [-interval 30s] [-run-on-start]")
		return exitUsage
	}

	a, err := loadApp(ctx, "daemon", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	defer a.Close()

	d, err := newDaemon(ctx, a, daemonOptions{Interval: *interval, RunOnStart: *runOnStart})
	if err != nil {
		a.logger.Error("daemon startup failed", "error", err)
		return exitFailure
	}
	d.Run(ctx)
	return exitOK
}

// swappableSummarizer lets a config reload replace the backend while runs
// are in flight. A run keeps the backend it started a call with.
type swappableSummarizer struct {
	mu  sync.RWMutex
	cur summary.Summarizer
}

func (s *swappableSummarizer) get() summary.Summarizer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *swappableSummarizer) set(next summary.Summarizer) {
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
}

func (s *swappableSummarizer) Summarize(ctx context.Context, req summary.SummarizeRequest) (string, error) {
	return s.get().Summarize(ctx, req)
}

func (s *swappableSummarizer) Merge(ctx context.Context, req summary.MergeRequest) (string, error) {
	return s.get().Merge(ctx, req)
}

type daemon struct {
	app    *app
	logger *slog.Logger

	cfg         atomic.Pointer[config.Config]
	fingerprint string
	backend     *swappableSummarizer
	worker      *summary.Worker
	sched       *cron.Scheduler

	// newSummarizer builds a backend from config; replaced in tests.
	newSummarizer func(ctx context.Context, cfg config.Config) (summary.Summarizer, error)
}

func newDaemon(ctx context.Context, a *app, opts daemonOptions) (*daemon, error) {
	d := &daemon{
		app:         a,
		logger:      a.logger,
		fingerprint: a.cfg.Fingerprint(),
		backend:     &swappableSummarizer{},
	}
	d.newSummarizer = func(ctx context.Context, cfg config.Config) (summary.Summarizer, error) {
		return engine.New(ctx, engineConfig(cfg, d.logger))
	}
	cfg := a.cfg
	d.cfg.Store(&cfg)

	s, err := d.newSummarizer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("summarization backend: %w", err)
	}
	d.backend.set(s)

	locks, err := a.locker(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock backend: %w", err)
	}
	d.worker = a.newWorker(locks, d.backend, d.settingsFor)
	d.sched = cron.NewScheduler(cron.Config{
		Run:         d.worker.Run,
		Logger:      d.logger,
		Interval:    opts.Interval,
		MaxParallel: cfg.MaxParallelAgents,
		RunOnStart:  opts.RunOnStart,
	})
	d.sched.SetSchedules(schedulesFor(cfg))
	return d, nil
}

func (d *daemon) settingsFor(agentID string) summary.Settings {
	return d.cfg.Load().SettingsFor(agentID)
}

// schedulesFor maps every enabled agent to its cron spec.
func schedulesFor(cfg config.Config) map[string]string {
	out := make(map[string]string)
	for _, id := range cfg.AgentIDs() {
		out[id] = cfg.ScheduleFor(id)
	}
	return out
}

// Run schedules agents until ctx is done, then waits for in-flight runs.
func (d *daemon) Run(ctx context.Context) {
	cfg := d.cfg.Load()
	d.logger.Info("daemon started",
		"version", Version,
		"agents", len(cfg.AgentIDs()),
		"llm_backend", cfg.LLM.Backend,
		"lock_backend", cfg.Lock.Backend,
		"fingerprint", d.fingerprint,
	)

	var events <-chan config.ReloadEvent
	watcher := config.NewWatcher(cfg.HomeDir, d.logger)
	if err := watcher.Start(ctx); err != nil {
		d.logger.Warn("config watcher disabled", "error", err)
	} else {
		events = watcher.Events()
	}

	d.sched.Start(ctx)
	d.prune(ctx)

	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	var debounce *time.Timer
	var reloadC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("shutdown requested, waiting for in-flight runs")
			d.sched.Stop()
			d.logger.Info("daemon stopped")
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.logger.Debug("config change detected", "path", ev.Path, "op", ev.Op.String())
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			reloadC = debounce.C
		case <-reloadC:
			reloadC = nil
			d.reload(ctx)
		case <-pruneTicker.C:
			d.prune(ctx)
		}
	}
}

// reload re-reads config.yaml. An invalid file or a backend that cannot be
// built leaves the running config in place.
func (d *daemon) reload(ctx context.Context) bool {
	prev := d.cfg.Load()
	next, err := config.LoadFrom(prev.HomeDir)
	if err != nil {
		d.logger.Error("config reload failed, keeping previous config", "error", err)
		return false
	}
	fp := next.Fingerprint()
	if fp == d.fingerprint {
		d.logger.Debug("config unchanged", "fingerprint", fp)
		return false
	}

	// Credentials and endpoints count as backend changes.
	if engineConfig(next, d.logger) != engineConfig(*prev, d.logger) {
		s, err := d.newSummarizer(ctx, next)
		if err != nil {
			d.logger.Error("config reload rejected: summarization backend", "error", err)
			return false
		}
		d.backend.set(s)
	}
	if next.Lock != prev.Lock || next.MemoryDir != prev.MemoryDir || next.SessionsDir != prev.SessionsDir {
		d.logger.Warn("lock and directory changes take effect after restart")
	}

	d.cfg.Store(&next)
	d.fingerprint = fp
	d.sched.SetSchedules(schedulesFor(next))
	d.logger.Info("config reloaded", "fingerprint", fp, "agents", len(next.AgentIDs()))
	return true
}

func (d *daemon) prune(ctx context.Context) {
	days := d.cfg.Load().RetentionRunsDays
	n, err := d.app.store.PruneRuns(ctx, days, time.Now())
	if err != nil {
		d.logger.Error("run ledger prune failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("run ledger pruned", "deleted", n, "retention_days", days)
	}
}
