package engine

import (
	"fmt"
	"strings"

	"github.com/basket/strata/internal/summary"
	"github.com/basket/strata/internal/transcript"
)

const chunkSystemPrompt = `You maintain long-term memory for an AI agent by compacting its conversation history.

Summarize the conversation segment you are given. Capture:
- decisions that were made and the reasons given
- facts learned about the user, their projects and their preferences
- tasks started, finished or left open
- file names, commands, identifiers and numbers that may be needed later

Write plain prose or short bullet lists. Do not invent details. Do not repeat
what the previous context already says unless the segment changes it.
Output only the summary.`

const mergeSystemPrompt = `You maintain long-term memory for an AI agent by compacting its conversation history.

You are given several consecutive summaries of the same tier, oldest first.
Fold them into one denser summary that keeps every durable fact, decision and
open task, drops details that were superseded later, and preserves the order
in which things happened. Do not invent details. Output only the summary.`

// roleLabel renders a transcript role the way the prompts present it.
func roleLabel(role string) string {
	switch role {
	case transcript.RoleUser:
		return "User"
	case transcript.RoleAssistant:
		return "Assistant"
	case transcript.RoleSystem:
		return "System"
	case transcript.RoleTool:
		return "Tool result"
	default:
		if role == "" {
			return "Unknown"
		}
		return role
	}
}

func formatConversation(messages []transcript.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s:\n%s", roleLabel(m.Role), m.Content)
	}
	return b.String()
}

func writeSection(b *strings.Builder, tag string, bodies []string) {
	if len(bodies) == 0 {
		return
	}
	fmt.Fprintf(b, "<%s>\n", tag)
	for i, body := range bodies {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(strings.TrimSpace(body))
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "</%s>\n\n", tag)
}

// buildChunkPrompt renders the user turn for a chunk summarization.
func buildChunkPrompt(req summary.SummarizeRequest) string {
	var b strings.Builder
	writeSection(&b, "previous_context", req.PriorSummaries)
	b.WriteString("<conversation_to_summarize>\n")
	b.WriteString(formatConversation(req.Messages))
	b.WriteString("\n</conversation_to_summarize>")
	return b.String()
}

// buildMergePrompt renders the user turn for a level merge.
func buildMergePrompt(req summary.MergeRequest) string {
	var b strings.Builder
	writeSection(&b, "previous_context", req.OlderContext)
	fmt.Fprintf(&b, "Merge these %d %s summaries into a single %s summary.\n\n", len(req.Summaries), req.From, req.To)
	b.WriteString("<summaries_to_merge>\n")
	for i, s := range req.Summaries {
		fmt.Fprintf(&b, "<summary index=\"%d\">\n%s\n</summary>\n", i+1, strings.TrimSpace(s))
	}
	b.WriteString("</summaries_to_merge>")
	return b.String()
}

// escapeFormat protects prompt text passed to genkit options, which run it
// through fmt.Sprintf.
func escapeFormat(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}
