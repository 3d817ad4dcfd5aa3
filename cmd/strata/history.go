package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/strata/internal/shared"
)

func runHistoryCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 20, "number of runs to show")
	jsonOutput := fs.Bool("json", false, "print JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(positional) != 1 || *limit <= 0 {
		fmt.Fprintln(os.Stderr, "usage: strata history <agent> [-limit N] [-json]")
		return exitUsage
	}
	agentID := positional[0]
	if err := shared.ValidateAgentID(agentID); err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return exitUsage
	}

	a, err := loadApp(ctx, "history", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	defer a.Close()

	rows, err := a.store.ListRuns(ctx, agentID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return exitFailure
	}

	if *jsonOutput {
		if err := writeJSON(stdout, rows); err != nil {
			fmt.Fprintf(os.Stderr, "history: %v\n", err)
			return exitFailure
		}
		return exitOK
	}
	if len(rows) == 0 {
		fmt.Fprintf(stdout, "no runs recorded for %s\n", agentID)
		return exitOK
	}
	s := newStyles(isTerminal(stdout))
	for _, r := range rows {
		fmt.Fprintln(stdout, formatRunRow(r, s))
	}
	return exitOK
}
