package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paygate/pkg/auth"
	"github.com/Mindburn-Labs/paygate/pkg/config"
	"github.com/Mindburn-Labs/paygate/pkg/observability"
)

const testPrices = `
version: 2.0.0
currency: USDC
network: base-sepolia
recipient: "0x3333333333333333333333333333333333333333"
operations:
  analyze-wallet:
    price: "0.01"
  store-file:
    price: "0.002"
  get-task:
    price: "0"
    kind: escrow
`

const testSecret = "0123456789abcdef0123456789abcdef"

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"paygate"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Dispatch(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "serve")
	assert.Contains(t, out, "payouts")

	code, out, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)

	code, _, errOut := run("launch")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: launch")

	code, _, _ = run()
	assert.Equal(t, 2, code)
}

func TestRun_PricesVerify(t *testing.T) {
	path := writeTemp(t, "prices.yaml", testPrices)

	code, out, errOut := run("prices", "verify", "--file", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "version 2.0.0")
	assert.Contains(t, out, "analyze-wallet")
	assert.Contains(t, out, "0.010000 USDC")
	assert.Contains(t, out, "free")

	code, _, errOut = run("prices", "verify", "--file", path, "--min-version", "3.0.0")
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, errOut)

	code, _, _ = run("prices", "verify", "--file", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 1, code)

	code, _, _ = run("prices")
	assert.Equal(t, 2, code)
}

func TestRun_Token(t *testing.T) {
	code, out, errOut := run("token", "--subject", "alice", "--roles", "requester, operator", "--secret", testSecret)
	require.Equal(t, 0, code, errOut)

	v, err := auth.NewJWTValidator([]byte(testSecret))
	require.NoError(t, err)
	p, err := v.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID)
	assert.True(t, p.HasRole(auth.RoleOperator))

	code, _, _ = run("token", "--secret", testSecret)
	assert.Equal(t, 2, code)

	code, _, _ = run("token", "--subject", "alice", "--secret", "short")
	assert.Equal(t, 1, code)
}

func TestRun_PayoutsDrainOnEmptyOutbox(t *testing.T) {
	t.Setenv("PAYGATE_GATE__SIGNING_SECRET", testSecret)
	path := writeTemp(t, "paygate.yaml", "log:\n  level: error\n")

	code, out, errOut := run("payouts", "drain", "--config", path)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "settled=0 deferred=0 resumed=0\n", out)

	code, out, errOut = run("payouts", "list", "--config", path, "--json")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, []string{"null\n", "[]\n"}, out)

	code, _, _ = run("payouts", "retry")
	assert.Equal(t, 2, code)
}

func TestRun_InvalidConfig(t *testing.T) {
	path := writeTemp(t, "paygate.yaml", "store:\n  driver: mysql\n")
	code, _, errOut := run("serve", "--config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "store.driver")
}

func testConfig(t *testing.T, prices string) *config.Config {
	t.Helper()
	cfg, err := config.Load("", "")
	require.NoError(t, err)
	cfg.Gate.SigningSecret = testSecret
	cfg.Pricing.File = writeTemp(t, "prices.yaml", prices)
	cfg.Tools.Blob.Dir = t.TempDir()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildApp(t *testing.T) {
	cfg := testConfig(t, testPrices)
	cfg.Tools.HTTP = map[string]string{"analyze-wallet": "http://127.0.0.1:1/run"}
	logger := observability.ConfigureSlog(&bytes.Buffer{}, "error", "text")

	a, err := buildApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.router)
	assert.Equal(t, "2.0.0", a.prices.Version())
	assert.Len(t, a.background, 2, "payout worker and consumed-proof sweeper")

	ctx, cancel := context.WithCancel(context.Background())
	wait := a.start(ctx)
	cancel()
	wait()
}

func TestBuildApp_PricedToolWithoutExecutor(t *testing.T) {
	cfg := testConfig(t, testPrices)
	logger := observability.ConfigureSlog(&bytes.Buffer{}, "error", "text")

	_, err := buildApp(context.Background(), cfg, logger)
	assert.ErrorContains(t, err, `tool "analyze-wallet" has no executor`)
}

func TestBuildApp_SQLiteStore(t *testing.T) {
	cfg := testConfig(t, testPrices)
	cfg.Tools.HTTP = map[string]string{"analyze-wallet": "http://127.0.0.1:1/run"}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "paygate.db")
	cfg.Consumed.Backend = "sql"
	cfg.Audit.File = filepath.Join(t.TempDir(), "audit.jsonl")
	logger := observability.ConfigureSlog(&bytes.Buffer{}, "error", "text")

	a, err := buildApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.Close()
	assert.Contains(t, a.checks, "database")
}
