package summary

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/strata/internal/shared"
)

// ErrContentNotFound is returned by Read when an entry has no stored body.
var ErrContentNotFound = errors.New("summary: content not found")

// ContentStore keeps summary bodies at <root>/<agent>/summaries/<id>.md.
// A body is written before its entry is added to the index and is never
// rewritten afterwards by the worker.
type ContentStore struct {
	root   string
	logger *slog.Logger
}

// NewContentStore returns a store rooted at root, normally <home>/memory.
func NewContentStore(root string, logger *slog.Logger) *ContentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContentStore{root: root, logger: logger}
}

// Path returns the blob location for an entry id.
func (s *ContentStore) Path(agentID, entryID string) string {
	return filepath.Join(s.root, agentID, "summaries", entryID+".md")
}

// Write durably stores content for entry.
func (s *ContentStore) Write(agentID string, entry Entry, content string) error {
	if err := shared.ValidateAgentID(agentID); err != nil {
		return fmt.Errorf("write content: %w", err)
	}
	if _, ok := parseSeq(entry.Level, entry.ID); !ok {
		return fmt.Errorf("write content: invalid entry id %q", entry.ID)
	}
	if err := writeFileAtomic(s.Path(agentID, entry.ID), []byte(content), nil); err != nil {
		return fmt.Errorf("write content %s: %w", entry.ID, err)
	}
	return nil
}

// Read returns the body of entry.
func (s *ContentStore) Read(agentID string, entry Entry) (string, error) {
	data, err := os.ReadFile(s.Path(agentID, entry.ID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrContentNotFound, entry.ID)
		}
		return "", fmt.Errorf("read content %s: %w", entry.ID, err)
	}
	return string(data), nil
}

// ReadMany returns the bodies of entries in the same order. Entries whose
// body is missing are skipped with a warning; any other read failure is
// returned.
func (s *ContentStore) ReadMany(agentID string, entries []Entry) ([]string, error) {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		body, err := s.Read(agentID, e)
		if errors.Is(err, ErrContentNotFound) {
			s.logger.Warn("summary content missing; skipping entry",
				"agent_id", agentID, "entry_id", e.ID, "level", string(e.Level))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	return out, nil
}
