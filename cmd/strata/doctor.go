package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/strata/internal/config"
	"github.com/basket/strata/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "print JSON")
	offline := fs.Bool("offline", false, "skip the provider DNS check")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: strata doctor [-json] [-offline]")
		return exitUsage
	}

	// A config that fails validation is still diagnosed.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version, doctor.Options{SkipNetwork: *offline})

	if *jsonOutput {
		if err := writeJSON(stdout, diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return exitFailure
		}
		if diag.Failed() {
			return exitFailure
		}
		return exitOK
	}

	s := newStyles(isTerminal(stdout))
	fmt.Fprintln(stdout, s.title.Render(fmt.Sprintf("Strata Doctor Report (%s)", diag.Timestamp.Format(time.RFC3339))))
	fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(stdout, "---")

	for _, res := range diag.Results {
		var status string
		switch res.Status {
		case doctor.StatusFail:
			status = s.err.Render(res.Status)
		case doctor.StatusWarn:
			status = s.warn.Render(res.Status)
		case doctor.StatusSkip:
			status = s.dim.Render(res.Status)
		default:
			status = s.ok.Render(res.Status)
		}
		fmt.Fprintf(stdout, "%s %-12s: %s\n", status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "     %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return exitFailure
	}
	return exitOK
}
