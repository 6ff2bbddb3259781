package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Minute, cfg.Gate.Grace)
	assert.Equal(t, uint(3), cfg.Gate.RetryAttempts)
	assert.Equal(t, "memory", cfg.Consumed.Backend)
	assert.Equal(t, "platform", cfg.Custody.FeeAccount)
	assert.Equal(t, "fs", cfg.Tools.Blob.Backend)
	assert.False(t, cfg.Telemetry.Enabled)

	// No signing secret by default.
	assert.ErrorContains(t, cfg.Validate(), "gate.signing_secret")
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "paygate.yaml", `
http:
  addr: ":9090"
gate:
  signing_secret: "`+testSecret+`"
  grace: 2m
store:
  driver: sqlite
  dsn: file:paygate.db
tools:
  http:
    analyze-wallet: http://analyzer:8000/run
`)
	t.Setenv("PAYGATE_HTTP__ADDR", ":7070")
	t.Setenv("PAYGATE_GATE__RETRY_ATTEMPTS", "5")
	t.Setenv("PAYGATE_CUSTODY__FEE_ACCOUNT", "treasury")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7070", cfg.HTTP.Addr, "env wins over file")
	assert.Equal(t, 2*time.Minute, cfg.Gate.Grace)
	assert.Equal(t, uint(5), cfg.Gate.RetryAttempts)
	assert.Equal(t, "treasury", cfg.Custody.FeeAccount)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "http://analyzer:8000/run", cfg.Tools.HTTP["analyze-wallet"])
}

func TestLoadProfileOverlay(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "paygate.yaml", `
log:
  level: info
  format: json
`)
	writeFile(t, dir, "paygate.dev.yaml", `
log:
  level: debug
`)

	tests := []struct {
		profile    string
		wantLevel  string
		wantFormat string
	}{
		{"", "info", "json"},
		{"dev", "debug", "json"},
		{"staging", "info", "json"},
	}
	for _, tc := range tests {
		t.Run("profile="+tc.profile, func(t *testing.T) {
			cfg, err := Load(base, tc.profile)
			require.NoError(t, err)
			assert.Equal(t, tc.wantLevel, cfg.Log.Level)
			assert.Equal(t, tc.wantFormat, cfg.Log.Format)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("", "")
		require.NoError(t, err)
		cfg.Gate.SigningSecret = testSecret
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"mandatory auth without secret", func(c *Config) { c.Auth.Optional = false }, "auth.secret is required"},
		{"short auth secret", func(c *Config) { c.Auth.Secret = "short" }, "auth.secret"},
		{"sql consumed on memory store", func(c *Config) { c.Consumed.Backend = "sql" }, "consumed.backend sql"},
		{"unknown consumed backend", func(c *Config) { c.Consumed.Backend = "etcd" }, "consumed.backend"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"http facilitator without url", func(c *Config) { c.Settlement.Facilitator = "http" }, "settlement.url"},
		{"http custody without url", func(c *Config) { c.Custody.Backend = "http" }, "custody.url"},
		{"zero retries", func(c *Config) { c.Gate.RetryAttempts = 0 }, "retry_attempts"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestParsePreviousKeys(t *testing.T) {
	keys, err := GateConfig{PreviousKeys: []string{"k0=" + testSecret}}.ParsePreviousKeys()
	require.NoError(t, err)
	assert.Equal(t, []byte(testSecret), keys["k0"])

	_, err = GateConfig{PreviousKeys: []string{"nokid"}}.ParsePreviousKeys()
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "gate.signing_secret", envKey("PAYGATE_GATE__SIGNING_SECRET"))
	assert.Equal(t, "tools.blob.backend", envKey("PAYGATE_TOOLS__BLOB__BACKEND"))
}
