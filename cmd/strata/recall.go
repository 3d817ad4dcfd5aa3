package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/strata/internal/memory"
	"github.com/basket/strata/internal/shared"
)

func runRecallCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("recall", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	budget := fs.Int("budget", memory.DefaultRecallBudget, "token budget, 0 for unlimited")
	jsonOutput := fs.Bool("json", false, "print JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(positional) != 1 || *budget < 0 {
		fmt.Fprintln(os.Stderr, "usage: strata recall <agent> [-budget N] [-json]")
		return exitUsage
	}
	agentID := positional[0]
	if err := shared.ValidateAgentID(agentID); err != nil {
		fmt.Fprintf(os.Stderr, "recall: %v\n", err)
		return exitUsage
	}

	a, err := loadApp(ctx, "recall", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	defer a.Close()

	idx, err := a.index.Load(agentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recall: %v\n", err)
		return exitFailure
	}
	res, err := memory.BuildRecall(a.content, idx, *budget)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recall: %v\n", err)
		return exitFailure
	}
	if res.Missing > 0 {
		a.logger.Warn("recall skipped entries with missing content", "agent_id", agentID, "missing", res.Missing)
	}

	if *jsonOutput {
		if err := writeJSON(stdout, res); err != nil {
			fmt.Fprintf(os.Stderr, "recall: %v\n", err)
			return exitFailure
		}
		return exitOK
	}
	if len(res.Items) == 0 {
		fmt.Fprintf(stdout, "no summaries for %s\n", agentID)
		return exitOK
	}
	fmt.Fprint(stdout, res.Render())
	if res.Omitted > 0 {
		fmt.Fprintf(stdout, "\n(%d older summaries omitted to fit %d tokens)\n", res.Omitted, res.Budget)
	}
	return exitOK
}
