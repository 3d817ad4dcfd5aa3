// Package cron runs the summary worker for every configured agent on its
// cron schedule.
package cron

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/basket/strata/internal/summary"
)

// RunFunc performs one summary run for an agent.
type RunFunc func(ctx context.Context, agentID string) summary.Result

// Config holds the dependencies for the scheduler.
type Config struct {
	Run    RunFunc
	Logger *slog.Logger
	// Interval is the tick interval; defaults to 30 seconds.
	Interval time.Duration
	// MaxParallel bounds how many agents run at once; defaults to 1.
	MaxParallel int
	// RunOnStart makes every schedule due immediately instead of at its
	// first cron time.
	RunOnStart bool
	Now        func() time.Time
}

type entry struct {
	spec string
	next time.Time
}

// Scheduler ticks at a fixed interval and runs every agent whose schedule
// is due. A tick waits for its runs, so an agent never overlaps itself
// within one process; across processes the worker's lock handles that.
type Scheduler struct {
	run         RunFunc
	logger      *slog.Logger
	interval    time.Duration
	maxParallel int
	runOnStart  bool
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		run:         cfg.Run,
		logger:      logger,
		interval:    interval,
		maxParallel: maxParallel,
		runOnStart:  cfg.RunOnStart,
		now:         now,
		entries:     map[string]*entry{},
	}
}

// SetSchedules replaces the agent schedules (agent id to cron spec).
// Agents whose spec is unchanged keep their next run time. Invalid specs
// are logged and the agent is dropped.
func (s *Scheduler) SetSchedules(specs map[string]string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*entry, len(specs))
	for agentID, spec := range specs {
		if old, ok := s.entries[agentID]; ok && old.spec == spec {
			next[agentID] = old
			continue
		}
		at := now
		if !s.runOnStart {
			t, err := NextRunTime(spec, now)
			if err != nil {
				s.logger.Error("cron: invalid schedule", "agent_id", agentID, "schedule", spec, "error", err)
				continue
			}
			at = t
		} else if _, err := cronlib.ParseStandard(spec); err != nil {
			s.logger.Error("cron: invalid schedule", "agent_id", agentID, "schedule", spec, "error", err)
			continue
		}
		next[agentID] = &entry{spec: spec, next: at}
	}
	s.entries = next
	s.logger.Info("cron: schedules updated", "agents", len(next))
}

// NextRun returns the next scheduled run of agentID.
func (s *Scheduler) NextRun(agentID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[agentID]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "max_parallel", s.maxParallel)
}

// Stop cancels the scheduler loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// due returns the agents whose next run is at or before now and advances
// their next run time.
func (s *Scheduler) due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for agentID, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		out = append(out, agentID)
		next, err := NextRunTime(e.spec, now)
		if err != nil {
			// Validated in SetSchedules.
			next = now.Add(s.interval)
		}
		e.next = next
	}
	sort.Strings(out)
	return out
}

// tick runs every due agent, at most maxParallel at a time.
func (s *Scheduler) tick(ctx context.Context) {
	agents := s.due(s.now())
	if len(agents) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(s.maxParallel)
	for _, agentID := range agents {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res := s.run(ctx, agentID)
			s.logger.Info("cron: agent run finished",
				"agent_id", agentID,
				"outcome", res.Outcome(),
				"skipped", string(res.Skipped),
				"chunks", res.ChunksProcessed,
				"merges", res.MergesPerformed,
			)
			return nil
		})
	}
	_ = g.Wait()
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time. Standard 5-field expressions and descriptors such
// as "@hourly" or "@every 15m" are accepted.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronlib.ParseStandard(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
