package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/paygate/pkg/auth"
	"github.com/Mindburn-Labs/paygate/pkg/mcp"
)

// runMCP serves over stdin/stdout, so every log line goes to stderr.
func runMCP(args []string, _, stderr io.Writer) int {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		cf    configFlags
		token string
	)
	cf.register(fs)
	fs.StringVar(&token, "token", os.Getenv("PAYGATE_TOKEN"), "Bearer token identifying the agent for escrow actions")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := cf.load(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var caller string
	if token != "" {
		v, err := auth.NewJWTValidator([]byte(cfg.Auth.Secret))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --token needs auth.secret: %v\n", err)
			return 1
		}
		p, err := v.Validate(token)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid --token: %v\n", err)
			return 1
		}
		caller = p.ID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	srv, err := mcp.NewServer(a.router, a.prices, version, mcp.WithCaller(caller), mcp.WithLogger(logger.With("component", "mcp")))
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	wait := a.start(ctx)
	defer wait()
	defer stop()
	logger.Info("paygate mcp serving on stdio", "tools", len(srv.Tools()), "caller", caller)
	if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Error("mcp server failed", "error", err)
		return 1
	}
	return 0
}
