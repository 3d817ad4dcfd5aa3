// Package memory renders the active summary hierarchy of an agent into a
// prompt-ready recall block.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/strata/internal/summary"
	"github.com/basket/strata/internal/tokenutil"
)

// DefaultRecallBudget is the token budget used when none is given.
const DefaultRecallBudget = 4000

// ContentReader loads summary bodies. *summary.ContentStore satisfies it.
type ContentReader interface {
	Read(agentID string, entry summary.Entry) (string, error)
}

// RecallItem is one summary selected for recall.
type RecallItem struct {
	ID        string        `json:"id"`
	Level     summary.Level `json:"level"`
	CreatedAt time.Time     `json:"created_at"`
	Tokens    int           `json:"tokens"`
	Body      string        `json:"body"`
}

// RecallResult is the output of BuildRecall.
type RecallResult struct {
	AgentID string `json:"agent_id"`
	// Items are L3 first, then L2, then L1; oldest first within a level.
	Items       []RecallItem `json:"items"`
	TotalTokens int          `json:"total_tokens"`
	Budget      int          `json:"budget"`
	Omitted     int          `json:"omitted"` // active summaries that did not fit the budget
	Missing     int          `json:"missing"` // active summaries whose body could not be found
}

// BuildRecall selects the active (unmerged) summaries of idx that fit in
// budget tokens. Abstract levels win: every L3 and L2 summary that fits is
// taken first, then the newest L1 summaries fill what is left. A
// non-positive budget selects everything.
func BuildRecall(reader ContentReader, idx *summary.Index, budget int) (RecallResult, error) {
	res := RecallResult{AgentID: idx.AgentID, Budget: budget}
	fits := func(tokens int) bool {
		return budget <= 0 || res.TotalTokens+tokens <= budget
	}

	load := func(e summary.Entry) (RecallItem, bool, error) {
		body, err := reader.Read(idx.AgentID, e)
		if errors.Is(err, summary.ErrContentNotFound) {
			res.Missing++
			return RecallItem{}, false, nil
		}
		if err != nil {
			return RecallItem{}, false, fmt.Errorf("recall %s: %w", e.ID, err)
		}
		body = strings.TrimSpace(body)
		return RecallItem{
			ID:        e.ID,
			Level:     e.Level,
			CreatedAt: e.CreatedAt,
			Tokens:    tokenutil.EstimateTokens(body),
			Body:      body,
		}, true, nil
	}

	for _, level := range []summary.Level{summary.L3, summary.L2} {
		for _, e := range idx.Unmerged(level) {
			item, ok, err := load(e)
			if err != nil {
				return RecallResult{}, err
			}
			if !ok {
				continue
			}
			if !fits(item.Tokens) {
				res.Omitted++
				continue
			}
			res.Items = append(res.Items, item)
			res.TotalTokens += item.Tokens
		}
	}

	// Walk L1 newest to oldest, collecting those that fit.
	l1 := idx.Unmerged(summary.L1)
	var recent []RecallItem
	for i := len(l1) - 1; i >= 0; i-- {
		item, ok, err := load(l1[i])
		if err != nil {
			return RecallResult{}, err
		}
		if !ok {
			continue
		}
		if !fits(item.Tokens) {
			res.Omitted += i + 1
			break
		}
		recent = append(recent, item)
		res.TotalTokens += item.Tokens
	}
	// Reverse to get oldest-first order.
	for i := 0; i < len(recent)/2; i++ {
		j := len(recent) - 1 - i
		recent[i], recent[j] = recent[j], recent[i]
	}
	res.Items = append(res.Items, recent...)
	return res, nil
}

var levelTitles = map[summary.Level]string{
	summary.L3: "Long-term memory",
	summary.L2: "Earlier sessions",
	summary.L1: "Recent history",
}

// Render formats the result as markdown, one section per level.
func (r RecallResult) Render() string {
	if len(r.Items) == 0 {
		return ""
	}
	var b strings.Builder
	var current summary.Level
	for _, item := range r.Items {
		if item.Level != current {
			current = item.Level
			fmt.Fprintf(&b, "## %s (%s)\n\n", levelTitles[item.Level], item.Level)
		}
		fmt.Fprintf(&b, "%s\n\n", item.Body)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
