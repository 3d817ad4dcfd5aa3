package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/strata/internal/tokenutil"
)

// Merger folds the unmerged entries of a level into one entry of the next
// level once MergeThreshold of them have accumulated.
type Merger struct {
	Content        *ContentStore
	Summarizer     Summarizer
	MergeThreshold int
	Model          string
	Now            func() time.Time
}

// MergeLevel merges every unmerged entry at level into a single new entry
// at the next level. It reports false without doing anything when level is
// terminal or holds fewer than MergeThreshold unmerged entries.
//
// The new body is written before the entry is appended, and the absorbed
// entries are marked only after the append.
func (m *Merger) MergeLevel(ctx context.Context, agentID string, idx *Index, level Level) (bool, error) {
	next, ok := level.Next()
	if !ok {
		return false, nil
	}
	unmerged := idx.Unmerged(level)
	if len(unmerged) == 0 || len(unmerged) < m.MergeThreshold {
		return false, nil
	}

	bodies, err := m.Content.ReadMany(agentID, unmerged)
	if err != nil {
		return false, fmt.Errorf("read %s summaries: %w", level, err)
	}
	var older []string
	if above, ok := next.Next(); ok {
		older, err = m.Content.ReadMany(agentID, idx.Entries(above))
		if err != nil {
			return false, fmt.Errorf("read %s summaries: %w", above, err)
		}
	}

	text, err := m.Summarizer.Merge(ctx, MergeRequest{
		AgentID:      agentID,
		Model:        m.Model,
		From:         level,
		To:           next,
		Summaries:    bodies,
		OlderContext: older,
	})
	if err != nil {
		return false, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false, fmt.Errorf("merge %s into %s: backend returned an empty summary", level, next)
	}

	ids := make([]string, len(unmerged))
	for i, e := range unmerged {
		ids[i] = e.ID
	}
	entry := Entry{
		ID:              idx.NextID(next),
		Level:           next,
		CreatedAt:       m.now(),
		TokenEstimate:   tokenutil.EstimateTokens(text),
		SourceLevel:     level,
		SourceIDs:       ids,
		SourceSessionID: commonSession(unmerged),
	}
	if err := m.Content.Write(agentID, entry, text); err != nil {
		return false, err
	}
	idx.Append(entry)
	idx.markMerged(level, ids, entry.ID)
	return true, nil
}

func (m *Merger) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// commonSession returns the session shared by every entry, or "" when the
// entries span sessions.
func commonSession(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	s := entries[0].SourceSessionID
	for _, e := range entries[1:] {
		if e.SourceSessionID != s {
			return ""
		}
	}
	return s
}
