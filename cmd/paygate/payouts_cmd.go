package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
)

func runPayouts(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: paygate payouts <list|drain> [flags]")
		return 2
	}
	sub := args[0]
	if sub != "list" && sub != "drain" {
		_, _ = fmt.Fprintf(stderr, "Unknown payouts subcommand: %s\n", sub)
		return 2
	}

	fs := flag.NewFlagSet("payouts "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		cf         configFlags
		limit      int
		jsonOutput bool
	)
	cf.register(fs)
	fs.IntVar(&limit, "limit", 100, "Maximum payouts to process")
	fs.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, logger, err := cf.load(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ctx := context.Background()
	a, err := buildLedger(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	if sub == "drain" {
		res, err := a.ledger.DrainPayouts(ctx, limit)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: drain failed: %v\n", err)
			return 1
		}
		if jsonOutput {
			return writeJSON(stdout, stderr, res)
		}
		_, _ = fmt.Fprintf(stdout, "settled=%d deferred=%d resumed=%d\n", res.Settled, res.Deferred, res.Resumed)
		if res.Deferred > 0 {
			return 3
		}
		return 0
	}

	pending, err := a.store.PendingPayouts(ctx, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if jsonOutput {
		return writeJSON(stdout, stderr, pending)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tTASK\tKIND\tATTEMPTS\tLAST ERROR")
	for _, p := range pending {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n", p.Key, p.TaskID, p.Kind, p.Attempts, p.LastError)
	}
	_ = tw.Flush()
	return 0
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
