package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/auditlog"
	"github.com/Mindburn-Labs/paygate/pkg/config"
	"github.com/Mindburn-Labs/paygate/pkg/custody"
	"github.com/Mindburn-Labs/paygate/pkg/escrow"
	"github.com/Mindburn-Labs/paygate/pkg/observability"
	"github.com/Mindburn-Labs/paygate/pkg/paygate"
	"github.com/Mindburn-Labs/paygate/pkg/pricing"
	"github.com/Mindburn-Labs/paygate/pkg/reconcile"
	"github.com/Mindburn-Labs/paygate/pkg/router"
	"github.com/Mindburn-Labs/paygate/pkg/server"
	"github.com/Mindburn-Labs/paygate/pkg/settlement"
	"github.com/Mindburn-Labs/paygate/pkg/tools"
	"github.com/Mindburn-Labs/paygate/pkg/util/resiliency"
	"github.com/Mindburn-Labs/paygate/pkg/util/sqldb"
)

// app is every long-lived component of one paygate process.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	prices    *pricing.Table
	telemetry *observability.Provider
	db        *sql.DB
	dialect   sqldb.Dialect
	store     escrow.Store
	ledger    *escrow.Ledger
	audit     *auditlog.Log
	gate      *paygate.Gate
	router    *router.Router

	checks     map[string]server.HealthCheck
	background []func(ctx context.Context)
	closers    []func() error
}

// buildLedger wires the escrow side: store, custody, audit log and telemetry.
func buildLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, checks: make(map[string]server.HealthCheck)}

	tel := observability.DefaultConfig()
	tel.ServiceVersion = version
	tel.Enabled = cfg.Telemetry.Enabled
	tel.OTLPEndpoint = cfg.Telemetry.Endpoint
	tel.Insecure = cfg.Telemetry.Insecure
	tel.SampleRate = cfg.Telemetry.SampleRate
	tel.Environment = cfg.Telemetry.Environment
	var err error
	if a.telemetry, err = observability.New(ctx, tel); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.telemetry.Shutdown(shutdownCtx)
	})

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.audit = auditlog.New()
	if cfg.Audit.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.File), 0o750); err != nil {
			a.Close()
			return nil, fmt.Errorf("create audit log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.Audit.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.audit.WithWriter(f)
		a.closers = append(a.closers, f.Close)
	}

	var cust escrow.Custody
	switch cfg.Custody.Backend {
	case "http":
		cust = custody.NewHTTP(cfg.Custody.URL, resiliency.NewClient("custody", cfg.Custody.Timeout, bearer(cfg.Custody.APIKey)...))
	default:
		logger.Warn("using in-memory custody; balances are lost on restart")
		cust = custody.NewMemory(false)
	}

	a.ledger = escrow.NewLedger(a.store, cust,
		escrow.WithLogger(logger.With("component", "escrow")),
		escrow.WithFeeAccount(cfg.Custody.FeeAccount),
		escrow.WithEvents(escrow.MultiSink{
			escrow.LogSink{Logger: logger.With("component", "escrow-events")},
			a.audit,
			a.telemetry,
		}),
	)
	a.background = append(a.background, func(ctx context.Context) {
		a.ledger.RunPayoutWorker(ctx, cfg.Payouts.Interval, cfg.Payouts.Batch)
	})

	if cfg.Mirror.DSN != "" {
		mirror, err := reconcile.NewPGMirror(ctx, cfg.Mirror.DSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() error { mirror.Close(); return nil })
		a.checks["mirror"] = mirror.Ping
		rec := reconcile.New(a.store, mirror, cfg.Mirror.Batch, logger)
		a.background = append(a.background, func(ctx context.Context) { rec.Run(ctx, cfg.Mirror.Interval) })
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Store.Driver == "memory" {
		a.logger.Warn("using in-memory escrow store; tasks are lost on restart")
		a.store = escrow.NewMemoryStore()
		return nil
	}
	d, err := sqldb.ParseDialect(a.cfg.Store.Driver)
	if err != nil {
		return err
	}
	db, err := sqldb.Open(ctx, d, a.cfg.Store.DSN)
	if err != nil {
		return err
	}
	a.db, a.dialect = db, d
	a.closers = append(a.closers, db.Close)
	a.checks["database"] = db.PingContext

	s := escrow.NewSQLStore(db, d)
	if err := s.Init(ctx); err != nil {
		return fmt.Errorf("init escrow store: %w", err)
	}
	a.store = s
	return nil
}

// buildApp wires the full payment path on top of buildLedger.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a, err := buildLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.buildGate(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) buildGate(ctx context.Context) error {
	cfg := a.cfg
	prices, err := pricing.Load(cfg.Pricing.File)
	if err != nil {
		return err
	}
	if cfg.Pricing.MinVersion != "" {
		if err := prices.RequireAtLeast(cfg.Pricing.MinVersion); err != nil {
			return err
		}
	}
	a.prices = prices

	consumed, err := a.consumedStore(ctx)
	if err != nil {
		return err
	}

	var facilitator settlement.Facilitator
	switch cfg.Settlement.Facilitator {
	case "http":
		facilitator = settlement.NewHTTPFacilitator(cfg.Settlement.URL,
			resiliency.NewClient("facilitator", cfg.Settlement.Timeout, bearer(cfg.Settlement.APIKey)...))
	default:
		a.logger.Warn("using the local facilitator; proofs are not checked against any chain")
		facilitator = settlement.NewLocal()
	}
	settler := settlement.NewClient(facilitator, cfg.Settlement.Timeout).WithLogger(a.logger.With("component", "settlement"))

	keys, err := paygate.NewKeySet(cfg.Gate.KeyID, []byte(cfg.Gate.SigningSecret))
	if err != nil {
		return err
	}
	previous, err := cfg.Gate.ParsePreviousKeys()
	if err != nil {
		return err
	}
	for kid, secret := range previous {
		keys.AddVerificationKey(kid, secret)
	}

	a.gate = paygate.NewGate(prices, settler, consumed, keys,
		paygate.WithGrace(cfg.Gate.Grace),
		paygate.WithRetryPolicy(paygate.RetryPolicy{
			MaxAttempts:     cfg.Gate.RetryAttempts,
			InitialInterval: cfg.Gate.RetryInitial,
			MaxInterval:     cfg.Gate.RetryMax,
		}),
		paygate.WithLogger(a.logger.With("component", "paygate")),
		paygate.WithRecorder(a.telemetry),
	)

	registry, err := a.toolRegistry(ctx)
	if err != nil {
		return err
	}
	a.router, err = router.New(a.gate, a.ledger, registry,
		router.WithLogger(a.logger.With("component", "router")),
		router.WithTracker(a.telemetry),
	)
	return err
}

func (a *app) consumedStore(ctx context.Context) (paygate.ConsumedStore, error) {
	cfg := a.cfg.Consumed
	switch cfg.Backend {
	case "redis":
		s := paygate.NewRedisConsumedStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := s.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis consumed-proof store: %w", err)
		}
		a.checks["redis"] = s.Ping
		return s, nil
	case "sql":
		if a.db == nil {
			return nil, errors.New("consumed.backend sql needs a sql escrow store")
		}
		s := paygate.NewSQLConsumedStore(a.db, a.dialect)
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("init consumed-proof store: %w", err)
		}
		a.background = append(a.background, func(ctx context.Context) {
			sweepEvery(ctx, cfg.SweepInterval, func() {
				if n, err := s.Sweep(ctx); err != nil {
					a.logger.WarnContext(ctx, "consumed-proof sweep failed", "error", err)
				} else if n > 0 {
					a.logger.DebugContext(ctx, "consumed-proof sweep", "removed", n)
				}
			})
		})
		return s, nil
	default:
		s := paygate.NewMemoryConsumedStore()
		a.background = append(a.background, func(ctx context.Context) { s.RunSweeper(ctx, cfg.SweepInterval) })
		return s, nil
	}
}

// toolRegistry registers the configured executors and checks every priced tool has one.
func (a *app) toolRegistry(ctx context.Context) (*tools.Registry, error) {
	cfg := a.cfg.Tools
	reg := tools.NewRegistry()
	for name, url := range cfg.HTTP {
		reg.Register(name, tools.NewHTTPExecutor(name, url, resiliency.NewClient("tool-"+name, cfg.Timeout)))
	}

	if needsBlobs(a.prices) {
		blobs, err := tools.NewBlobStore(ctx, tools.BlobConfig{
			Backend: tools.BlobBackend(cfg.Blob.Backend),
			Dir:     cfg.Blob.Dir,
			S3:      tools.S3Config{Bucket: cfg.Blob.Bucket, Region: cfg.Blob.Region, Endpoint: cfg.Blob.Endpoint, Prefix: cfg.Blob.Prefix},
			GCS:     tools.GCSConfig{Bucket: cfg.Blob.Bucket, Prefix: cfg.Blob.Prefix},
		})
		if err != nil {
			return nil, err
		}
		if c, ok := blobs.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
		reg.Register(tools.StoreFileTool, tools.StoreFile(blobs))
		reg.Register(tools.FetchFileTool, tools.FetchFile(blobs))
	}

	registered := make(map[string]bool)
	for _, n := range reg.Names() {
		registered[n] = true
	}
	for _, p := range a.prices.Operations() {
		if p.Kind == pricing.KindTool && !registered[p.Operation] {
			return nil, fmt.Errorf("price table: tool %q has no executor configured", p.Operation)
		}
	}
	return reg, nil
}

func needsBlobs(prices *pricing.Table) bool {
	for _, name := range []string{tools.StoreFileTool, tools.FetchFileTool} {
		if _, err := prices.Lookup(name); err == nil {
			return true
		}
	}
	return false
}

func sweepEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func bearer(key string) []resiliency.Option {
	if key == "" {
		return nil
	}
	return []resiliency.Option{resiliency.WithHeader("Authorization", "Bearer "+key)}
}

// start runs every background worker until ctx is done. The returned wait blocks until they
// have all returned.
func (a *app) start(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	for _, run := range a.background {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	return wg.Wait
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
