// Package summary implements hierarchical compaction of agent transcripts:
// token-bounded chunks of raw conversation become L1 summaries, and once
// enough of them accumulate they are merged into L2, then L3.
package summary

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/basket/strata/internal/transcript"
)

// IndexVersion is the on-disk layout version written by Save.
const IndexVersion = 1

// Level is a summary tier. L0 names the raw transcript and only ever appears
// as an entry's SourceLevel.
type Level string

const (
	L0 Level = "L0"
	L1 Level = "L1"
	L2 Level = "L2"
	L3 Level = "L3"
)

// Levels lists the persisted tiers, finest first.
var Levels = []Level{L1, L2, L3}

// Next returns the tier a merge at l produces. L3 is terminal.
func (l Level) Next() (Level, bool) {
	switch l {
	case L1:
		return L2, true
	case L2:
		return L3, true
	default:
		return "", false
	}
}

// Entry is one summary in the index. Its body lives in the content store
// under ID.
type Entry struct {
	ID              string    `json:"id"`
	Level           Level     `json:"level"`
	CreatedAt       time.Time `json:"created_at"`
	TokenEstimate   int       `json:"token_estimate"`
	SourceLevel     Level     `json:"source_level"`
	SourceIDs       []string  `json:"source_ids"`
	SourceSessionID string    `json:"source_session_id,omitempty"`
	// MergedInto is set once, when the entry is absorbed by a merge.
	MergedInto *string `json:"merged_into"`
}

// Merged reports whether the entry has been absorbed into a higher tier.
func (e Entry) Merged() bool {
	return e.MergedInto != nil
}

// LevelEntries holds the entries of each tier in creation order.
type LevelEntries struct {
	L1 []Entry `json:"L1"`
	L2 []Entry `json:"L2"`
	L3 []Entry `json:"L3"`
}

// WorkerHealth records the outcome of the most recent run.
type WorkerHealth struct {
	LastRunAt *time.Time `json:"last_run_at"`
	LastError *string    `json:"last_error"`
}

// Index is the persisted per-agent summary state: the entries of every tier,
// the resume cursor and worker health.
type Index struct {
	Version                 int             `json:"version"`
	AgentID                 string          `json:"agent_id"`
	Levels                  LevelEntries    `json:"levels"`
	LastSummarizedEntryID   *string         `json:"last_summarized_entry_id"`
	LastSummarizedSessionID *string         `json:"last_summarized_session_id"`
	NextSeq                 map[Level]int64 `json:"next_seq"`
	Worker                  WorkerHealth    `json:"worker"`
}

// NewIndex returns an empty index for agentID.
func NewIndex(agentID string) *Index {
	return &Index{
		Version: IndexVersion,
		AgentID: agentID,
		Levels: LevelEntries{
			L1: []Entry{},
			L2: []Entry{},
			L3: []Entry{},
		},
		NextSeq: map[Level]int64{L1: 0, L2: 0, L3: 0},
	}
}

func (idx *Index) slot(level Level) *[]Entry {
	switch level {
	case L1:
		return &idx.Levels.L1
	case L2:
		return &idx.Levels.L2
	case L3:
		return &idx.Levels.L3
	default:
		panic(fmt.Sprintf("summary: invalid level %q", level))
	}
}

// Entries returns the entries at level in creation order.
func (idx *Index) Entries(level Level) []Entry {
	return *idx.slot(level)
}

// Unmerged returns the entries at level that have not been merged yet,
// oldest first.
func (idx *Index) Unmerged(level Level) []Entry {
	var out []Entry
	for _, e := range idx.Entries(level) {
		if !e.Merged() {
			out = append(out, e)
		}
	}
	return out
}

// Append adds entry to its level.
func (idx *Index) Append(entry Entry) {
	s := idx.slot(entry.Level)
	*s = append(*s, entry)
}

// Lookup returns the entry with the given id, searching every level.
func (idx *Index) Lookup(id string) (Entry, bool) {
	for _, level := range Levels {
		for _, e := range idx.Entries(level) {
			if e.ID == id {
				return e, true
			}
		}
	}
	return Entry{}, false
}

// markMerged sets MergedInto on the listed entries of level. Entries that
// are already merged keep their original target.
func (idx *Index) markMerged(level Level, ids []string, into string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	s := *idx.slot(level)
	for i := range s {
		if _, ok := want[s[i].ID]; !ok || s[i].MergedInto != nil {
			continue
		}
		target := into
		s[i].MergedInto = &target
	}
}

// Cursor returns the resume point, or empty strings when nothing has been
// summarized yet.
func (idx *Index) Cursor() (entryID, sessionID string) {
	if idx.LastSummarizedEntryID != nil {
		entryID = *idx.LastSummarizedEntryID
	}
	if idx.LastSummarizedSessionID != nil {
		sessionID = *idx.LastSummarizedSessionID
	}
	return entryID, sessionID
}

func (idx *Index) advanceCursor(entryID, sessionID string) {
	e, s := entryID, sessionID
	idx.LastSummarizedEntryID = &e
	idx.LastSummarizedSessionID = &s
}

// Chunk is a contiguous, turn-aligned run of transcript messages selected
// for summarization. It is never persisted.
type Chunk struct {
	Messages      []transcript.Message
	EntryIDs      []string
	SessionID     string
	TokenEstimate int
	// StartOffset and EndOffset are absolute token offsets into the
	// transcript's message stream.
	StartOffset int
	EndOffset   int
}

// LastEntryID returns the transcript id the cursor moves to once the chunk
// has been summarized.
func (c Chunk) LastEntryID() string {
	return c.EntryIDs[len(c.EntryIDs)-1]
}

func formatID(level Level, seq int64) string {
	return fmt.Sprintf("%s-%06d", level, seq)
}

// parseSeq extracts the numeric suffix of an entry id. ok is false for ids
// that do not belong to level.
func parseSeq(level Level, id string) (int64, bool) {
	rest, found := strings.CutPrefix(id, string(level)+"-")
	if !found {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
