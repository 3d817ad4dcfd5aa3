package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/strata/internal/lock"
	"github.com/basket/strata/internal/transcript"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSummarizer is a hand-written Summarizer that records its calls.
type fakeSummarizer struct {
	mu             sync.Mutex
	summarizeCalls []SummarizeRequest
	mergeCalls     []MergeRequest
	summarizeErr   error
	mergeErr       error
	panicMsg       string
	onSummarize    func(n int)
}

func (f *fakeSummarizer) Summarize(_ context.Context, req SummarizeRequest) (string, error) {
	f.mu.Lock()
	f.summarizeCalls = append(f.summarizeCalls, req)
	n := len(f.summarizeCalls)
	hook := f.onSummarize
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.mu.Lock()
	err := f.summarizeErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("summary %d of %d messages", n, len(req.Messages)), nil
}

func (f *fakeSummarizer) Merge(_ context.Context, req MergeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeCalls = append(f.mergeCalls, req)
	if f.mergeErr != nil {
		return "", f.mergeErr
	}
	return fmt.Sprintf("merged %d %s summaries into %s", len(req.Summaries), req.From, req.To), nil
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []RunRecord
}

func (r *recordingRecorder) RecordRun(_ context.Context, rec RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// harness wires a Worker over a temp home with a file transcript.
type harness struct {
	t        *testing.T
	memRoot  string
	sessDir  string
	index    *IndexStore
	content  *ContentStore
	locks    *lock.FileLocker
	sum      *fakeSummarizer
	recorder *recordingRecorder
	settings Settings
	worker   *Worker
	pairs    int
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	home := t.TempDir()
	h := &harness{
		t:        t,
		memRoot:  filepath.Join(home, "memory"),
		sessDir:  filepath.Join(home, "agents"),
		sum:      &fakeSummarizer{},
		recorder: &recordingRecorder{},
		settings: settings,
	}
	h.index = NewIndexStore(h.memRoot)
	h.content = NewContentStore(h.memRoot, nil)
	h.locks = lock.NewFileLocker(h.memRoot)
	h.worker = NewWorker(WorkerConfig{
		Index:      h.index,
		Content:    h.content,
		Locks:      h.locks,
		Sessions:   transcript.SessionDir{Root: h.sessDir},
		Summarizer: h.sum,
		Settings:   func(string) Settings { return h.settings },
		Recorder:   h.recorder,
		Now:        func() time.Time { return fixedNow },
	})
	return h
}

func (h *harness) transcriptPath() string {
	return filepath.Join(h.sessDir, "main", "sessions", "s1.jsonl")
}

// addPairs appends n user/assistant exchanges of 50 tokens per message.
func (h *harness) addPairs(n int) {
	h.t.Helper()
	path := h.transcriptPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		h.t.Fatal(err)
	}
	defer f.Close()
	for i := 0; i < n; i++ {
		h.pairs++
		p := h.pairs
		for _, line := range []string{
			messageLine(fmt.Sprintf("u%d", p), "user", strings.Repeat("q", 200)),
			messageLine(fmt.Sprintf("a%d", p), "assistant", strings.Repeat("r", 200)),
		} {
			if _, err := f.WriteString(line + "\n"); err != nil {
				h.t.Fatal(err)
			}
		}
	}
}

func (h *harness) run() Result {
	h.t.Helper()
	return h.worker.Run(context.Background(), "main")
}

func (h *harness) load() *Index {
	h.t.Helper()
	idx, err := h.index.Load("main")
	if err != nil {
		h.t.Fatalf("Load: %v", err)
	}
	return idx
}

func (h *harness) indexBytes() []byte {
	h.t.Helper()
	data, err := os.ReadFile(h.index.Path("main"))
	if err != nil {
		h.t.Fatalf("read index: %v", err)
	}
	return data
}

func messageLine(id, role, content string) string {
	line, _ := json.Marshal(map[string]any{
		"type": "message",
		"id":   id,
		"message": map[string]any{
			"role":    role,
			"content": content,
		},
	})
	return string(line)
}

// msg builds an in-memory message entry whose content is tokens*4 bytes.
func msg(id, role string, tokens int) transcript.Entry {
	return transcript.MessageEntry{
		ID:      id,
		Message: transcript.Message{Role: role, Content: strings.Repeat("x", tokens*4)},
	}
}

// pairs builds n user/assistant exchanges of tokens per message.
func pairs(n, tokens int) []transcript.Entry {
	var out []transcript.Entry
	for i := 1; i <= n; i++ {
		out = append(out,
			msg(fmt.Sprintf("u%d", i), transcript.RoleUser, tokens),
			msg(fmt.Sprintf("a%d", i), transcript.RoleAssistant, tokens),
		)
	}
	return out
}
