package summary

import "encoding/json"

// SkipReason tags a run that ended without doing work. Skips are not
// failures.
type SkipReason string

const (
	SkipDisabled  SkipReason = "disabled"
	SkipLockHeld  SkipReason = "lock_held"
	SkipNoSession SkipReason = "no_session"
)

// Result is the outcome of one worker run.
type Result struct {
	Success         bool       `json:"success"`
	Skipped         SkipReason `json:"skipped,omitempty"`
	ChunksProcessed int        `json:"chunksProcessed,omitempty"`
	MergesPerformed int        `json:"mergesPerformed,omitempty"`
	Error           string     `json:"error,omitempty"`
	DurationMs      int64      `json:"durationMs"`
}

// Outcome returns "success", "skipped" or "failure".
func (r Result) Outcome() string {
	switch {
	case !r.Success:
		return "failure"
	case r.Skipped != "":
		return "skipped"
	default:
		return "success"
	}
}

// MarshalJSON always reports the counters of a completed run, even when
// they are zero, and omits them for skips.
func (r Result) MarshalJSON() ([]byte, error) {
	type wire struct {
		Success         bool       `json:"success"`
		Skipped         SkipReason `json:"skipped,omitempty"`
		ChunksProcessed *int       `json:"chunksProcessed,omitempty"`
		MergesPerformed *int       `json:"mergesPerformed,omitempty"`
		Error           string     `json:"error,omitempty"`
		DurationMs      int64      `json:"durationMs"`
	}
	w := wire{
		Success:    r.Success,
		Skipped:    r.Skipped,
		Error:      r.Error,
		DurationMs: r.DurationMs,
	}
	switch {
	case r.Success && r.Skipped == "":
		w.ChunksProcessed = &r.ChunksProcessed
		w.MergesPerformed = &r.MergesPerformed
	case !r.Success:
		if r.ChunksProcessed > 0 {
			w.ChunksProcessed = &r.ChunksProcessed
		}
		if r.MergesPerformed > 0 {
			w.MergesPerformed = &r.MergesPerformed
		}
	}
	return json.Marshal(w)
}
