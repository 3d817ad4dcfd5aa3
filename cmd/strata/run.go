package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/basket/strata/internal/shared"
	"github.com/basket/strata/internal/summary"
)

// agentResult is one line of `run -all` output.
type agentResult struct {
	AgentID string         `json:"agent_id"`
	Result  summary.Result `json:"result"`
}

func runRunCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	all := fs.Bool("all", false, "run every enabled agent")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return exitUsage
	}
	if *all == (len(positional) == 1) || len(positional) > 1 {
		fmt.Fprintln(os.Stderr, "usage: strata run <agent> | strata run -all")
		return exitUsage
	}
	if !*all {
		if err := shared.ValidateAgentID(positional[0]); err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			return exitUsage
		}
	}

	a, err := loadApp(ctx, "run", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	defer a.Close()

	worker, err := a.buildWorker(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitFailure
	}

	if !*all {
		res := worker.Run(ctx, positional[0])
		if err := writeJSON(stdout, res); err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			return exitFailure
		}
		return exitCodeFor(res)
	}

	agents := a.cfg.AgentIDs()
	results := runAll(ctx, agents, a.cfg.MaxParallelAgents, worker.Run)
	if err := writeJSON(stdout, results); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitFailure
	}
	code := exitOK
	for _, r := range results {
		if c := exitCodeFor(r.Result); c != exitOK {
			code = c
		}
	}
	return code
}

// runAll runs every agent with at most limit runs in flight. Results keep
// the order of agents.
func runAll(ctx context.Context, agents []string, limit int, run func(context.Context, string) summary.Result) []agentResult {
	results := make([]agentResult, len(agents))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, agentID := range agents {
		g.Go(func() error {
			results[i] = agentResult{AgentID: agentID, Result: run(ctx, agentID)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func exitCodeFor(res summary.Result) int {
	if res.Success {
		return exitOK
	}
	return exitFailure
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseInterspersed parses flags that may appear before or after positional
// arguments, e.g. `history main -limit 5`.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}
