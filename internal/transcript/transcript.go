// Package transcript reads agent session transcripts. A transcript is a JSONL
// file with one entry per line; only "message" entries carry conversation
// content, everything else (session headers, model changes, custom records)
// is surfaced as an OtherEntry so callers can skip it explicitly.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	// KindMessage is the entry type that carries a conversation message.
	KindMessage = "message"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "toolResult"

	maxLineBytes = 16 * 1024 * 1024
)

// Entry is one transcript line. The set of implementations is closed:
// MessageEntry and OtherEntry.
type Entry interface {
	EntryID() string
	isEntry()
}

// Message is the role/content pair of a message entry.
type Message struct {
	Role    string
	Content string
}

// MessageEntry is a transcript line of type "message".
type MessageEntry struct {
	ID        string
	Timestamp time.Time
	Message   Message
}

// OtherEntry is any transcript line that is not a message.
type OtherEntry struct {
	ID   string
	Kind string
}

func (e MessageEntry) EntryID() string { return e.ID }
func (e OtherEntry) EntryID() string   { return e.ID }

func (MessageEntry) isEntry() {}
func (OtherEntry) isEntry()   {}

// Transcript is an opened, fully parsed session file.
type Transcript struct {
	Path    string
	entries []Entry
	// Skipped counts lines that could not be parsed or had no id.
	Skipped int
}

// Entries returns the parsed entries in file order.
func (t *Transcript) Entries() []Entry {
	return t.entries
}

type rawLine struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

// Open reads and parses the transcript at path. Malformed lines are skipped
// and counted; an unreadable file is an error.
func Open(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %q: %w", path, err)
	}
	defer f.Close()

	t := &Transcript{Path: path}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		entry, ok := parseLine(line)
		if !ok {
			t.Skipped++
			continue
		}
		t.entries = append(t.entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("transcript: scan %q: %w", path, err)
	}
	return t, nil
}

func parseLine(line []byte) (Entry, bool) {
	var item rawLine
	if err := json.Unmarshal(line, &item); err != nil {
		return nil, false
	}
	if item.ID == "" {
		return nil, false
	}
	if item.Type != KindMessage {
		return OtherEntry{ID: item.ID, Kind: item.Type}, true
	}

	var msg rawMessage
	if len(item.Message) == 0 {
		return nil, false
	}
	if err := json.Unmarshal(item.Message, &msg); err != nil {
		return nil, false
	}
	ts, _ := time.Parse(time.RFC3339Nano, strings.TrimSpace(item.Timestamp))
	return MessageEntry{
		ID:        item.ID,
		Timestamp: ts,
		Message: Message{
			Role:    normalizeRole(msg.Role),
			Content: strings.TrimSpace(contentText(msg.Content)),
		},
	}, true
}

func normalizeRole(role string) string {
	r := strings.TrimSpace(role)
	switch strings.ToLower(r) {
	case "user":
		return RoleUser
	case "assistant":
		return RoleAssistant
	case "system":
		return RoleSystem
	case "toolresult", "tool":
		return RoleTool
	default:
		return r
	}
}

// contentText flattens message content, which is either a plain string or
// an array of typed parts.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []rawPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		var text string
		switch p.Type {
		case "text":
			text = p.Text
		case "toolCall", "tool_use":
			text = fmt.Sprintf("[tool call: %s]", p.Name)
		default:
			continue
		}
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text)
	}
	return b.String()
}
