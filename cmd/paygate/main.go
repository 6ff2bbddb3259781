// Command paygate serves pay-per-call operations and the escrow task ledger behind them.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/paygate/pkg/config"
	"github.com/Mindburn-Labs/paygate/pkg/observability"
)

var version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "mcp":
		return runMCP(args[2:], stdout, stderr)
	case "payouts":
		return runPayouts(args[2:], stdout, stderr)
	case "prices":
		return runPrices(args[2:], stdout, stderr)
	case "token":
		return runToken(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "paygate %s\n", version)
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
	_, _ = fmt.Fprintf(w, "paygate %s\n\n", version)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  paygate <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the HTTP API, payout worker and mirror reconciler")
	printCommand(w, "mcp", "Serve priced operations as MCP tools over stdio")
	printCommand(w, "payouts", "Inspect or drain the payout outbox (list|drain)")
	printCommand(w, "prices", "Validate and print a price table (verify)")
	printCommand(w, "token", "Issue a caller bearer token for development")
	printCommand(w, "version", "Show version information")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from --config, then PAYGATE_ environment variables")
	_, _ = fmt.Fprintln(w, "(PAYGATE_GATE__SIGNING_SECRET sets gate.signing_secret).")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

// configFlags registers the flags every long-running command shares.
type configFlags struct {
	path    string
	profile string
}

func (c *configFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.path, "config", os.Getenv("PAYGATE_CONFIG"), "Path to the YAML config file")
	fs.StringVar(&c.profile, "profile", os.Getenv("PAYGATE_PROFILE"), "Profile overlay (config.<profile>.yaml)")
}

// load reads, validates and applies logging configuration. Logs go to logOut.
func (c *configFlags) load(logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.path, c.profile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	logger := observability.ConfigureSlog(logOut, cfg.Log.Level, cfg.Log.Format)
	return cfg, logger, nil
}
