// Package tokenutil estimates token counts without a tokenizer. The chunk
// finder, the summarizer prompts and recall all use the same heuristic so
// their budgets agree.
package tokenutil

import (
	"strings"
	"unicode/utf8"
)

const (
	tokensPerWord = 1.33
	bytesPerToken = 4
)

// EstimateTokens returns a word-based token estimate.
// Uses max(words*1.33, len/4) so code and non-English text are not undercounted.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * tokensPerWord)
	charEstimate := len(content) / bytesPerToken
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// EstimateAll sums EstimateTokens over texts.
func EstimateAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += EstimateTokens(t)
	}
	return total
}

// Truncate shortens content so that its byte length does not exceed
// budget*4, cutting on a rune boundary. A non-positive budget yields "".
func Truncate(content string, budget int) string {
	if budget <= 0 {
		return ""
	}
	limit := budget * bytesPerToken
	if len(content) <= limit {
		return content
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
