package summary

import (
	"context"

	"github.com/basket/strata/internal/transcript"
)

// SummarizeRequest asks a backend to condense one chunk into an L1 body.
type SummarizeRequest struct {
	AgentID  string
	Model    string
	Messages []transcript.Message
	// PriorSummaries are the active summaries, most abstract first: L3
	// bodies, then L2, then L1, oldest first within a level.
	PriorSummaries []string
}

// MergeRequest asks a backend to fold several summaries of one level into a
// single summary of the next level.
type MergeRequest struct {
	AgentID string
	Model   string
	From    Level
	To      Level
	// Summaries are the bodies being merged, oldest first.
	Summaries []string
	// OlderContext holds the bodies one level above To (L3 when producing
	// L2), for continuity. Empty when producing L3.
	OlderContext []string
}

// Summarizer is the summarization backend. Errors are returned as-is and
// abort the run.
type Summarizer interface {
	Summarize(ctx context.Context, req SummarizeRequest) (string, error)
	Merge(ctx context.Context, req MergeRequest) (string, error)
}

// priorSummaries collects the active bodies of every level in the order
// SummarizeRequest.PriorSummaries expects.
func priorSummaries(content *ContentStore, agentID string, idx *Index) ([]string, error) {
	var out []string
	for _, level := range []Level{L3, L2, L1} {
		bodies, err := content.ReadMany(agentID, idx.Unmerged(level))
		if err != nil {
			return nil, err
		}
		out = append(out, bodies...)
	}
	return out, nil
}
