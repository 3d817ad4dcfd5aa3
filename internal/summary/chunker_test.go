package summary

import (
	"reflect"
	"testing"

	"github.com/basket/strata/internal/transcript"
)

func chunkIDs(chunks []Chunk) [][]string {
	out := make([][]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.EntryIDs
	}
	return out
}

func TestFindChunks(t *testing.T) {
	withOther := []transcript.Entry{
		transcript.OtherEntry{ID: "hdr", Kind: "session"},
		msg("u1", transcript.RoleUser, 50),
		msg("a1", transcript.RoleAssistant, 50),
		transcript.OtherEntry{ID: "mc", Kind: "model_change"},
		msg("u2", transcript.RoleUser, 50),
		msg("a2", transcript.RoleAssistant, 50),
	}

	tests := []struct {
		name    string
		entries []transcript.Entry
		cursor  Cursor
		cfg     ChunkConfig
		want    [][]string
		lost    bool
	}{
		{
			name:    "two chunks, live tail untouched",
			entries: pairs(6, 50),
			cfg:     ChunkConfig{ChunkTokens: 200, PruningBoundaryTokens: 200},
			want:    [][]string{{"u1", "a1", "u2", "a2"}, {"u3", "a3", "u4", "a4"}},
		},
		{
			name:    "not enough history",
			entries: pairs(2, 50),
			cfg:     ChunkConfig{ChunkTokens: 50, PruningBoundaryTokens: 200},
			want:    [][]string{},
		},
		{
			name:    "boundary below zero",
			entries: pairs(2, 50),
			cfg:     ChunkConfig{ChunkTokens: 50, PruningBoundaryTokens: 250},
			want:    [][]string{},
		},
		{
			name:    "partial trailing chunk discarded",
			entries: pairs(6, 50),
			cfg:     ChunkConfig{ChunkTokens: 300, PruningBoundaryTokens: 200},
			want:    [][]string{{"u1", "a1", "u2", "a2", "u3", "a3"}},
		},
		{
			name: "chunk waits for an assistant message",
			entries: []transcript.Entry{
				msg("u1", transcript.RoleUser, 500),
				msg("a1", transcript.RoleAssistant, 10),
				msg("u2", transcript.RoleUser, 10),
				msg("a2", transcript.RoleAssistant, 10),
				msg("u3", transcript.RoleUser, 600),
			},
			cfg:  ChunkConfig{ChunkTokens: 100, PruningBoundaryTokens: 100},
			want: [][]string{{"u1", "a1"}},
		},
		{
			name: "user message over the boundary stops the scan",
			entries: []transcript.Entry{
				msg("u1", transcript.RoleUser, 100),
				msg("a1", transcript.RoleAssistant, 100),
				msg("u2", transcript.RoleUser, 100),
				msg("a2", transcript.RoleAssistant, 100),
				msg("u3", transcript.RoleUser, 100),
			},
			cfg:  ChunkConfig{ChunkTokens: 150, PruningBoundaryTokens: 150},
			want: [][]string{{"u1", "a1"}},
		},
		{
			name:    "resumes after cursor",
			entries: pairs(6, 50),
			cursor:  Cursor{EntryID: "a2", SessionID: "s1"},
			cfg:     ChunkConfig{ChunkTokens: 100, PruningBoundaryTokens: 200},
			want:    [][]string{{"u3", "a3"}, {"u4", "a4"}},
		},
		{
			name:    "cursor missing from transcript restarts and flags",
			entries: pairs(4, 50),
			cursor:  Cursor{EntryID: "gone", SessionID: "s1"},
			cfg:     ChunkConfig{ChunkTokens: 100, PruningBoundaryTokens: 100},
			want:    [][]string{{"u1", "a1"}, {"u2", "a2"}, {"u3", "a3"}},
			lost:    true,
		},
		{
			name:    "cursor from another session starts fresh without flag",
			entries: pairs(3, 50),
			cursor:  Cursor{EntryID: "a9", SessionID: "old"},
			cfg:     ChunkConfig{ChunkTokens: 100, PruningBoundaryTokens: 100},
			want:    [][]string{{"u1", "a1"}, {"u2", "a2"}},
		},
		{
			name:    "non-message entries are skipped",
			entries: withOther,
			cfg:     ChunkConfig{ChunkTokens: 100, PruningBoundaryTokens: 50},
			want:    [][]string{{"u1", "a1"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindChunks(tt.entries, tt.cursor, tt.cfg, "s1")
			ids := chunkIDs(got.Chunks)
			if (len(ids) != 0 || len(tt.want) != 0) && !reflect.DeepEqual(ids, tt.want) {
				t.Fatalf("chunks = %v, want %v", ids, tt.want)
			}
			if got.CursorLost != tt.lost {
				t.Fatalf("CursorLost = %v, want %v", got.CursorLost, tt.lost)
			}
		})
	}
}

// Every emitted chunk must end on an assistant message, reach ChunkTokens
// and stay clear of the live tail.
func TestFindChunks_BoundaryProperties(t *testing.T) {
	var entries []transcript.Entry
	sizes := []int{30, 70, 10, 120, 45, 45, 300, 20, 80, 60, 15, 90, 200, 40, 5, 75}
	for i, n := range sizes {
		role := transcript.RoleUser
		if i%3 == 2 || i%5 == 4 {
			role = transcript.RoleAssistant
		}
		entries = append(entries, msg(string(rune('a'+i)), role, n))
	}

	for _, cfg := range []ChunkConfig{
		{ChunkTokens: 50, PruningBoundaryTokens: 100},
		{ChunkTokens: 150, PruningBoundaryTokens: 300},
		{ChunkTokens: 400, PruningBoundaryTokens: 50},
		{ChunkTokens: 1, PruningBoundaryTokens: 0},
	} {
		res := FindChunks(entries, Cursor{}, cfg, "s1")
		roles := map[string]string{}
		for _, e := range entries {
			m := e.(transcript.MessageEntry)
			roles[m.ID] = m.Message.Role
		}
		prevEnd := 0
		for _, c := range res.Chunks {
			last := c.EntryIDs[len(c.EntryIDs)-1]
			if roles[last] != transcript.RoleAssistant {
				t.Fatalf("cfg %+v: chunk ends on %s message %s", cfg, roles[last], last)
			}
			if c.TokenEstimate < cfg.ChunkTokens {
				t.Fatalf("cfg %+v: chunk below ChunkTokens: %d", cfg, c.TokenEstimate)
			}
			if c.EndOffset > res.PruningBoundary {
				t.Fatalf("cfg %+v: chunk ends at %d past boundary %d", cfg, c.EndOffset, res.PruningBoundary)
			}
			if c.StartOffset != prevEnd {
				t.Fatalf("cfg %+v: chunks not contiguous: start %d after end %d", cfg, c.StartOffset, prevEnd)
			}
			if c.EndOffset-c.StartOffset != c.TokenEstimate {
				t.Fatalf("cfg %+v: offsets disagree with estimate", cfg)
			}
			prevEnd = c.EndOffset
		}
	}
}

func TestFindChunks_CarriesSessionAndMessages(t *testing.T) {
	res := FindChunks(pairs(3, 50), Cursor{}, ChunkConfig{ChunkTokens: 100, PruningBoundaryTokens: 100}, "sess-9")
	if len(res.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(res.Chunks))
	}
	c := res.Chunks[0]
	if c.SessionID != "sess-9" || len(c.Messages) != 2 || c.Messages[1].Role != transcript.RoleAssistant {
		t.Fatalf("unexpected chunk: %+v", c)
	}
	if c.LastEntryID() != "a1" {
		t.Fatalf("LastEntryID = %q", c.LastEntryID())
	}
	if res.TotalTokens != 300 || res.PruningBoundary != 200 {
		t.Fatalf("total=%d boundary=%d", res.TotalTokens, res.PruningBoundary)
	}
}
