package main

import (
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Mindburn-Labs/paygate/pkg/pricing"
)

func runPrices(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "verify" {
		_, _ = fmt.Fprintln(stderr, "Usage: paygate prices verify --file <prices.yaml> [--min-version X.Y.Z] [--json]")
		return 2
	}
	fs := flag.NewFlagSet("prices verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		path       string
		minVersion string
		jsonOutput bool
	)
	fs.StringVar(&path, "file", "configs/prices.yaml", "Price table to verify")
	fs.StringVar(&minVersion, "min-version", "", "Fail if the table is older than this version")
	fs.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	table, err := pricing.Load(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if minVersion != "" {
		if err := table.RequireAtLeast(minVersion); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if jsonOutput {
		return writeJSON(stdout, stderr, map[string]any{
			"version":    table.Version(),
			"hash":       table.Hash(),
			"operations": table.Operations(),
		})
	}
	_, _ = fmt.Fprintf(stdout, "version %s  hash %s  challenge validity %s\n", table.Version(), table.Hash(), table.ChallengeValidity())
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "OPERATION\tKIND\tPRICE\tNETWORK")
	for _, p := range table.Operations() {
		price := p.Amount.String()
		if p.Free() {
			price = "free"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Operation, p.Kind, price, p.Network)
	}
	_ = tw.Flush()
	return 0
}
