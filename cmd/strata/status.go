package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/strata/internal/cron"
	"github.com/basket/strata/internal/persistence"
	"github.com/basket/strata/internal/shared"
	"github.com/basket/strata/internal/summary"
)

type levelStatus struct {
	Total    int `json:"total"`
	Unmerged int `json:"unmerged"`
	Tokens   int `json:"unmerged_tokens"`
}

type agentStatus struct {
	AgentID       string                        `json:"agent_id"`
	Configured    bool                          `json:"configured"`
	Enabled       bool                          `json:"enabled"`
	Schedule      string                        `json:"schedule"`
	NextRun       *time.Time                    `json:"next_run,omitempty"`
	LastRunAt     *time.Time                    `json:"last_run_at"`
	LastError     *string                       `json:"last_error"`
	CursorEntryID string                        `json:"cursor_entry_id,omitempty"`
	CursorSession string                        `json:"cursor_session_id,omitempty"`
	Levels        map[summary.Level]levelStatus `json:"levels"`
	LastRun       *persistence.RunRow           `json:"last_run,omitempty"`
}

func runStatusCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "print JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "usage: strata status <agent> [-json]")
		return exitUsage
	}
	agentID := positional[0]
	if err := shared.ValidateAgentID(agentID); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return exitUsage
	}

	a, err := loadApp(ctx, "status", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	defer a.Close()

	st, err := collectStatus(ctx, a, agentID, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return exitFailure
	}

	if *jsonOutput {
		if err := writeJSON(stdout, st); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return exitFailure
		}
		return exitOK
	}
	renderStatus(stdout, st, newStyles(isTerminal(stdout)))
	return exitOK
}

func collectStatus(ctx context.Context, a *app, agentID string, now time.Time) (agentStatus, error) {
	idx, err := a.index.Load(agentID)
	if err != nil {
		return agentStatus{}, err
	}

	st := agentStatus{
		AgentID:   agentID,
		Enabled:   a.cfg.SettingsFor(agentID).Enabled,
		Schedule:  a.cfg.ScheduleFor(agentID),
		LastRunAt: idx.Worker.LastRunAt,
		LastError: idx.Worker.LastError,
		Levels:    make(map[summary.Level]levelStatus, len(summary.Levels)),
	}
	if entry, ok := a.cfg.Agent(agentID); ok {
		st.Configured = true
		st.Enabled = st.Enabled && entry.IsEnabled()
	}
	st.CursorEntryID, st.CursorSession = idx.Cursor()

	if st.Configured && st.Enabled {
		if next, err := cron.NextRunTime(st.Schedule, now); err == nil {
			st.NextRun = &next
		}
	}

	for _, level := range summary.Levels {
		ls := levelStatus{Total: len(idx.Entries(level))}
		for _, e := range idx.Unmerged(level) {
			ls.Unmerged++
			ls.Tokens += e.TokenEstimate
		}
		st.Levels[level] = ls
	}

	last, ok, err := a.store.LastRun(ctx, agentID)
	if err != nil {
		return agentStatus{}, fmt.Errorf("last run: %w", err)
	}
	if ok {
		st.LastRun = &last
	}
	return st, nil
}

type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	err   lipgloss.Style
	dim   lipgloss.Style
}

// newStyles returns colored styles for a terminal and unstyled ones
// otherwise.
func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{title: plain, label: plain, ok: plain, warn: plain, err: plain, dim: plain}
	}
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		label: lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		err:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func renderStatus(w io.Writer, st agentStatus, s styles) {
	fmt.Fprintln(w, s.title.Render("Agent "+st.AgentID))

	row := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", s.label.Render(fmt.Sprintf("%-12s", label+":")), value)
	}

	switch {
	case !st.Configured:
		row("enabled", s.dim.Render("not configured"))
	case st.Enabled:
		row("enabled", s.ok.Render("yes"))
	default:
		row("enabled", s.warn.Render("no"))
	}
	row("schedule", st.Schedule)
	if st.NextRun != nil {
		row("next run", st.NextRun.Local().Format(time.RFC3339))
	}

	if st.LastRunAt == nil {
		row("last run", s.dim.Render("never"))
	} else {
		row("last run", st.LastRunAt.Local().Format(time.RFC3339))
	}
	if st.LastError != nil {
		row("last error", s.err.Render(*st.LastError))
	} else {
		row("last error", s.dim.Render("none"))
	}

	cursor := s.dim.Render("start of transcript")
	if st.CursorEntryID != "" {
		cursor = st.CursorEntryID
		if st.CursorSession != "" {
			cursor += " (session " + st.CursorSession + ")"
		}
	}
	row("cursor", cursor)

	fmt.Fprintln(w)
	fmt.Fprintln(w, s.title.Render("Levels"))
	for _, level := range summary.Levels {
		ls := st.Levels[level]
		fmt.Fprintf(w, "  %s %3d total  %3d unmerged  %6d tokens\n",
			s.label.Render(string(level)), ls.Total, ls.Unmerged, ls.Tokens)
	}

	if st.LastRun != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, s.title.Render("Last recorded run"))
		fmt.Fprintf(w, "  %s\n", formatRunRow(*st.LastRun, s))
	}
}

func formatRunRow(r persistence.RunRow, s styles) string {
	var outcome string
	switch r.Outcome {
	case "success":
		outcome = s.ok.Render(r.Outcome)
	case "skipped":
		outcome = s.warn.Render("skipped:" + r.SkipReason)
	default:
		outcome = s.err.Render(r.Outcome)
	}
	parts := []string{
		r.StartedAt.Local().Format(time.RFC3339),
		outcome,
		fmt.Sprintf("chunks=%d", r.ChunksProcessed),
		fmt.Sprintf("merges=%d", r.MergesPerformed),
		fmt.Sprintf("%dms", r.DurationMs),
	}
	if r.Error != "" {
		parts = append(parts, s.err.Render(r.Error))
	}
	return strings.Join(parts, "  ")
}
