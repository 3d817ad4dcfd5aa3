package summary

import (
	"github.com/basket/strata/internal/tokenutil"
	"github.com/basket/strata/internal/transcript"
)

// ChunkConfig bounds chunk selection.
type ChunkConfig struct {
	// ChunkTokens is the minimum size of an emitted chunk.
	ChunkTokens int
	// PruningBoundaryTokens is the size of the live tail of the transcript
	// that is never summarized.
	PruningBoundaryTokens int
}

// Cursor is the resume point of the previous run.
type Cursor struct {
	EntryID   string
	SessionID string
}

// FindResult is the outcome of a chunk scan.
type FindResult struct {
	Chunks []Chunk
	// TotalTokens is the token estimate of every message in the transcript.
	TotalTokens int
	// PruningBoundary is the absolute token offset where live context starts.
	PruningBoundary int
	// CursorLost is set when the cursor belonged to this session but its
	// entry is no longer in the transcript, forcing a rescan from the start.
	CursorLost bool
}

// FindChunks selects the transcript chunks that are ready to summarize.
//
// Scanning starts right after cursor and walks message entries only. It
// stops before the first message that would reach past the pruning
// boundary. A chunk is cut once it holds at least ChunkTokens and ends on an
// assistant message; whatever is left over when the scan stops is dropped
// so the next run can extend it.
func FindChunks(entries []transcript.Entry, cursor Cursor, cfg ChunkConfig, sessionID string) FindResult {
	var res FindResult

	tokens := make([]int, len(entries))
	for i, e := range entries {
		if m, ok := e.(transcript.MessageEntry); ok {
			tokens[i] = tokenutil.EstimateTokens(m.Message.Content)
			res.TotalTokens += tokens[i]
		}
	}
	res.PruningBoundary = res.TotalTokens - cfg.PruningBoundaryTokens
	if res.PruningBoundary <= 0 {
		return res
	}

	start := 0
	if cursor.EntryID != "" && (cursor.SessionID == "" || cursor.SessionID == sessionID) {
		pos := -1
		for i, e := range entries {
			if e.EntryID() == cursor.EntryID {
				pos = i
				break
			}
		}
		if pos >= 0 {
			start = pos + 1
		} else {
			res.CursorLost = true
		}
	}

	offset := 0
	for i := 0; i < start; i++ {
		offset += tokens[i]
	}

	var cur Chunk
	for i := start; i < len(entries); i++ {
		var msg transcript.MessageEntry
		switch e := entries[i].(type) {
		case transcript.MessageEntry:
			msg = e
		case transcript.OtherEntry:
			continue
		default:
			continue
		}

		if offset+tokens[i] > res.PruningBoundary {
			break
		}
		if len(cur.EntryIDs) == 0 {
			cur = Chunk{SessionID: sessionID, StartOffset: offset}
		}
		cur.Messages = append(cur.Messages, msg.Message)
		cur.EntryIDs = append(cur.EntryIDs, msg.ID)
		cur.TokenEstimate += tokens[i]
		offset += tokens[i]
		cur.EndOffset = offset

		if cur.TokenEstimate >= cfg.ChunkTokens && msg.Message.Role == transcript.RoleAssistant {
			res.Chunks = append(res.Chunks, cur)
			cur = Chunk{}
		}
	}
	return res
}
