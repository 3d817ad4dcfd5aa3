package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/strata/internal/summary"
	"github.com/basket/strata/internal/transcript"
)

const staticSnippetRunes = 160

// StaticBackend is a deterministic extractive backend. It needs no network
// and produces the same output for the same input, which makes it suitable
// for dry runs and tests.
type StaticBackend struct{}

func NewStaticBackend() *StaticBackend {
	return &StaticBackend{}
}

// Summarize keeps the first line of every user and assistant message.
func (StaticBackend) Summarize(ctx context.Context, req summary.SummarizeRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation segment (%d messages):\n", len(req.Messages))
	for _, m := range req.Messages {
		if m.Role != transcript.RoleUser && m.Role != transcript.RoleAssistant {
			continue
		}
		line := snippet(m.Content)
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", roleLabel(m.Role), line)
	}
	return finish(b.String())
}

// Merge concatenates the first line of each summary under a header.
func (StaticBackend) Merge(ctx context.Context, req summary.MergeRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s digest of %d %s summaries:\n", req.To, len(req.Summaries), req.From)
	for _, s := range req.Summaries {
		if line := firstContentLine(s); line != "" {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return finish(b.String())
}

func snippet(s string) string {
	line := strings.TrimSpace(s)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	r := []rune(line)
	if len(r) > staticSnippetRunes {
		return string(r[:staticSnippetRunes]) + "..."
	}
	return line
}

// firstContentLine skips the header line static summaries start with.
func firstContentLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if i == 0 && strings.HasSuffix(l, ":") && len(lines) > 1 {
			continue
		}
		return snippet(strings.TrimPrefix(l, "- "))
	}
	return ""
}
