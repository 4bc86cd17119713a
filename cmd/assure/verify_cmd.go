package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/assure/pkg/ledger"
)

// runVerifyCmd implements `assure verify`.
//
// Walks the evidence chain of one control, or of every catalog control when
// --control is omitted, recomputing each hash and link.
//
// Exit codes:
//
//	0 = all chains valid
//	1 = a chain is broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		customer   string
		control    string
		jsonOutput bool
	)
	cmd.StringVar(&customer, "customer", "", "Customer ID (REQUIRED)")
	cmd.StringVar(&control, "control", "", "Control ID (default: every control)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output reports as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if customer == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --customer is required")
		return 2
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 2
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close()

	controlIDs := []string{control}
	if control == "" {
		controls, err := a.catalog.ListControls(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		controlIDs = controlIDs[:0]
		for _, c := range controls {
			controlIDs = append(controlIDs, c.ID)
		}
	}

	reports := make([]*ledger.ChainReport, 0, len(controlIDs))
	valid := true
	for _, id := range controlIDs {
		report, err := a.ledger.VerifyChain(ctx, customer, id)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: verify %s: %v\n", id, err)
			return 2
		}
		valid = valid && report.Valid
		reports = append(reports, report)
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(reports)
	} else {
		for _, r := range reports {
			if r.Valid {
				_, _ = fmt.Fprintf(stdout, "OK      %-8s %d record(s)\n", r.ControlID, r.Length)
				continue
			}
			_, _ = fmt.Fprintf(stdout, "BROKEN  %-8s at %s: %s\n", r.ControlID, r.BrokenAt, r.Reason)
		}
	}

	if !valid {
		return 1
	}
	return 0
}
