package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func printUsage(w io.Writer) {
	name := "strata"
	fmt.Fprintf(w, `Usage of %s:

SUBCOMMANDS:
  %s run <agent>              Summarize one agent's transcript now
  %s run -all                 Summarize every enabled agent
  %s daemon                   Run scheduled summarization until interrupted
  %s status <agent> [-json]   Show index health, cursor and level counts
  %s history <agent>          List recent runs
                              Flags: -limit N (default 20), -json
  %s recall <agent>           Print the agent's active summaries
                              Flags: -budget N tokens (default 4000), -json
  %s doctor [-json]           Run installation checks
                              Flags: -offline skips the DNS check
  %s version                  Print the version

ENVIRONMENT VARIABLES:
  STRATA_HOME             Data directory (default: ~/.strata)
  STRATA_LOG_LEVEL        debug, info, warn or error
  STRATA_LLM_BACKEND      genkit, anthropic or static
  GEMINI_API_KEY          Key for the google provider
  ANTHROPIC_API_KEY       Key for the anthropic provider and backend

EXIT CODES:
  0 success or skip, 1 failure, 2 usage error
`, name, name, name, name, name, name, name, name, name)
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := dispatch(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

func dispatch(ctx context.Context, args []string, stdout io.Writer) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return exitUsage
	}
	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	case "version", "-version", "--version":
		fmt.Fprintln(stdout, Version)
		return exitOK
	case "run":
		return runRunCommand(ctx, rest, stdout)
	case "daemon":
		return runDaemonCommand(ctx, rest)
	case "status":
		return runStatusCommand(ctx, rest, stdout)
	case "history":
		return runHistoryCommand(ctx, rest, stdout)
	case "recall":
		return runRecallCommand(ctx, rest, stdout)
	case "doctor":
		return runDoctorCommand(ctx, rest, stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return exitUsage
	}
}

// loadDotEnv sets variables from a .env file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
