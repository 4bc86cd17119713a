package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/assure/pkg/config"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "worker":
		return runWorkerCmd(args[2:], stdout, stderr)
	case "schedule":
		return runScheduleCmd(args[2:], stdout, stderr)
	case "collect":
		return runCollectCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "failed":
		return runFailedCmd(args[2:], stdout, stderr)
	case "integration":
		return runIntegrationCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "assure %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "assure %s: compliance evidence pipeline\n\n", version)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  assure <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "worker", "Run collection and check workers plus the scheduler")
	printCommand(w, "schedule", "Enqueue due checks (--customer, --drain)")
	printCommand(w, "collect", "Collect evidence for one control (--customer, --integration, --control, --now)")
	printCommand(w, "verify", "Verify evidence chains (--customer, --control, --json)")
	printCommand(w, "failed", "List failed jobs (--queue)")
	printCommand(w, "integration", "Register an integration (add --customer --type [--default] --config k=v)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}

// setupLogging installs a JSON slog handler at the configured level.
func setupLogging(cfg *config.Config, w io.Writer) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}
