package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/strata/internal/shared"
	"github.com/basket/strata/internal/summary"
)

// RunRow is one recorded worker run.
type RunRow struct {
	RunID           string    `json:"run_id"`
	AgentID         string    `json:"agent_id"`
	SessionID       string    `json:"session_id,omitempty"`
	Outcome         string    `json:"outcome"`
	SkipReason      string    `json:"skip_reason,omitempty"`
	ChunksProcessed int       `json:"chunks_processed"`
	MergesPerformed int       `json:"merges_performed"`
	Error           string    `json:"error,omitempty"`
	DurationMs      int64     `json:"duration_ms"`
	StartedAt       time.Time `json:"started_at"`
}

// RecordRun appends a run to the ledger. It implements summary.Recorder.
// Error text is redacted before it is stored.
func (s *Store) RecordRun(ctx context.Context, rec summary.RunRecord) error {
	res := rec.Result
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO summary_runs (
				run_id, agent_id, session_id, outcome, skip_reason,
				chunks_processed, merges_performed, error, duration_ms, started_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.RunID, rec.AgentID, rec.SessionID, res.Outcome(), string(res.Skipped),
			res.ChunksProcessed, res.MergesPerformed, shared.Redact(res.Error), res.DurationMs,
			rec.StartedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert summary run: %w", err)
		}
		return nil
	})
}

// ListRuns returns the most recent runs of agentID, newest first.
func (s *Store) ListRuns(ctx context.Context, agentID string, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, agent_id, session_id, outcome, skip_reason,
			chunks_processed, merges_performed, error, duration_ms, started_at
		FROM summary_runs
		WHERE agent_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list summary runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.RunID, &r.AgentID, &r.SessionID, &r.Outcome, &r.SkipReason,
			&r.ChunksProcessed, &r.MergesPerformed, &r.Error, &r.DurationMs, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan summary run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary runs: %w", err)
	}
	return out, nil
}

// LastRun returns the newest run of agentID. The boolean is false when the
// agent has never run.
func (s *Store) LastRun(ctx context.Context, agentID string) (RunRow, bool, error) {
	runs, err := s.ListRuns(ctx, agentID, 1)
	if err != nil {
		return RunRow{}, false, err
	}
	if len(runs) == 0 {
		return RunRow{}, false, nil
	}
	return runs[0], true, nil
}

// PruneRuns deletes runs that started before now minus retentionDays. A
// non-positive retention keeps everything.
func (s *Store) PruneRuns(ctx context.Context, retentionDays int, now time.Time) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	var res sql.Result
	err := retryOnBusy(ctx, busyRetries, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `DELETE FROM summary_runs WHERE started_at < ?;`, cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune summary runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
