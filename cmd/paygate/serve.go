package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/api"
	"github.com/Mindburn-Labs/paygate/pkg/auth"
	"github.com/Mindburn-Labs/paygate/pkg/server"
)

func runServe(args []string, _, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var cf configFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := cf.load(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	var validator *auth.JWTValidator
	if cfg.Auth.Secret != "" {
		if validator, err = auth.NewJWTValidator([]byte(cfg.Auth.Secret)); err != nil {
			logger.Error("startup failed", "error", err)
			return 1
		}
	}

	limiter := api.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst)
	a.background = append(a.background, limiter.Cleanup)

	opts := []server.Option{
		server.WithLogger(logger.With("component", "http")),
		server.WithPayoutDrainer(a.ledger, cfg.Payouts.Batch),
	}
	for name, check := range a.checks {
		opts = append(opts, server.WithHealthCheck(name, check))
	}
	handler := server.New(a.router, a.prices, opts...).Handler(
		api.RequestID,
		limiter.Middleware,
		auth.NewMiddleware(validator, auth.MiddlewareOptions{
			PublicPaths: []string{"/health", "/v1/prices"},
			Optional:    cfg.Auth.Optional,
		}),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	wait := a.start(ctx)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("paygate listening", "addr", cfg.HTTP.Addr, "prices", a.prices.Version(), "price_hash", a.prices.Hash())
		errCh <- srv.ListenAndServe()
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			code = 1
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	wait()
	return code
}
