package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Session identifies one transcript file of an agent.
type Session struct {
	ID        string
	Path      string
	UpdatedAt time.Time
}

// SessionDir resolves the active session of an agent under Root, laid out as
// <root>/<agent>/sessions/{sessions.json,<id>.jsonl}.
type SessionDir struct {
	Root string
}

type sessionRecord struct {
	SessionID   string `json:"sessionId"`
	UpdatedAt   int64  `json:"updatedAt"`
	SessionFile string `json:"sessionFile"`
}

func (d SessionDir) sessionsPath(agentID string) string {
	return filepath.Join(d.Root, agentID, "sessions")
}

// Current returns the most recently updated session of agentID. The boolean
// is false when the agent has no session at all.
func (d SessionDir) Current(agentID string) (Session, bool, error) {
	dir := d.sessionsPath(agentID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("stat sessions dir: %w", err)
	}

	if s, ok := d.fromStore(dir); ok {
		return s, true, nil
	}
	return newestJSONL(dir)
}

// fromStore consults sessions.json. Any problem with the store falls through
// to the directory scan.
func (d SessionDir) fromStore(dir string) (Session, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "sessions.json"))
	if err != nil {
		return Session{}, false
	}
	var records map[string]sessionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return Session{}, false
	}

	var best *sessionRecord
	for key := range records {
		rec := records[key]
		if strings.TrimSpace(rec.SessionID) == "" {
			continue
		}
		if best == nil || rec.UpdatedAt > best.UpdatedAt ||
			(rec.UpdatedAt == best.UpdatedAt && rec.SessionID > best.SessionID) {
			r := rec
			best = &r
		}
	}
	if best == nil {
		return Session{}, false
	}

	path := best.SessionFile
	if path == "" {
		path = filepath.Join(dir, best.SessionID+".jsonl")
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return Session{}, false
	}
	return Session{
		ID:        best.SessionID,
		Path:      path,
		UpdatedAt: time.UnixMilli(best.UpdatedAt).UTC(),
	}, true
}

func newestJSONL(dir string) (Session, bool, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return Session{}, false, fmt.Errorf("glob sessions: %w", err)
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var cands []candidate
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		cands = append(cands, candidate{path: m, mod: info.ModTime()})
	}
	if len(cands) == 0 {
		return Session{}, false, nil
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].mod.Equal(cands[j].mod) {
			return cands[i].path > cands[j].path
		}
		return cands[i].mod.After(cands[j].mod)
	})
	top := cands[0]
	return Session{
		ID:        strings.TrimSuffix(filepath.Base(top.path), ".jsonl"),
		Path:      top.path,
		UpdatedAt: top.mod.UTC(),
	}, true, nil
}
