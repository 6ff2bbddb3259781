// Package config loads paygate configuration: built-in defaults, then an optional YAML file
// and profile overlay, then PAYGATE_ environment variables.
//
// Environment keys use a double underscore as the section separator, so
// PAYGATE_GATE__SIGNING_SECRET sets gate.signing_secret.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PAYGATE_"

type Config struct {
	Log        LogConfig        `koanf:"log"`
	HTTP       HTTPConfig       `koanf:"http"`
	Auth       AuthConfig       `koanf:"auth"`
	Pricing    PricingConfig    `koanf:"pricing"`
	Gate       GateConfig       `koanf:"gate"`
	Consumed   ConsumedConfig   `koanf:"consumed"`
	Store      StoreConfig      `koanf:"store"`
	Settlement SettlementConfig `koanf:"settlement"`
	Custody    CustodyConfig    `koanf:"custody"`
	Payouts    PayoutsConfig    `koanf:"payouts"`
	Tools      ToolsConfig      `koanf:"tools"`
	Mirror     MirrorConfig     `koanf:"mirror"`
	Audit      AuditConfig      `koanf:"audit"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type HTTPConfig struct {
	Addr           string        `koanf:"addr"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	RateLimitRPS   float64       `koanf:"rate_limit_rps"`
	RateLimitBurst int           `koanf:"rate_limit_burst"`
}

type AuthConfig struct {
	Secret string `koanf:"secret"`
	// Optional admits anonymous callers; escrow actions still need a principal.
	Optional bool `koanf:"optional"`
}

type PricingConfig struct {
	File string `koanf:"file"`
	// MinVersion refuses to start on an older price table.
	MinVersion string `koanf:"min_version"`
}

type GateConfig struct {
	KeyID         string        `koanf:"key_id"`
	SigningSecret string        `koanf:"signing_secret"`
	PreviousKeys  []string      `koanf:"previous_keys"` // kid=secret, verification only
	Grace         time.Duration `koanf:"grace"`
	RetryAttempts uint          `koanf:"retry_attempts"`
	RetryInitial  time.Duration `koanf:"retry_initial"`
	RetryMax      time.Duration `koanf:"retry_max"`
}

type ConsumedConfig struct {
	Backend       string        `koanf:"backend"` // memory, sql, redis
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // memory, sqlite, postgres
	DSN    string `koanf:"dsn"`
}

type SettlementConfig struct {
	Facilitator string        `koanf:"facilitator"` // local, http
	URL         string        `koanf:"url"`
	APIKey      string        `koanf:"api_key"`
	Timeout     time.Duration `koanf:"timeout"`
}

type CustodyConfig struct {
	Backend    string        `koanf:"backend"` // memory, http
	URL        string        `koanf:"url"`
	APIKey     string        `koanf:"api_key"`
	Timeout    time.Duration `koanf:"timeout"`
	FeeAccount string        `koanf:"fee_account"`
}

type PayoutsConfig struct {
	Interval time.Duration `koanf:"interval"`
	Batch    int           `koanf:"batch"`
}

type ToolsConfig struct {
	// HTTP maps tool name to the URL it is forwarded to.
	HTTP    map[string]string `koanf:"http"`
	Timeout time.Duration     `koanf:"timeout"`
	Blob    BlobConfig        `koanf:"blob"`
}

type BlobConfig struct {
	Backend  string `koanf:"backend"` // fs, s3, gcs
	Dir      string `koanf:"dir"`
	Bucket   string `koanf:"bucket"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
	Prefix   string `koanf:"prefix"`
}

type MirrorConfig struct {
	DSN      string        `koanf:"dsn"` // empty disables the mirror
	Interval time.Duration `koanf:"interval"`
	Batch    int           `koanf:"batch"`
}

type AuditConfig struct {
	File string `koanf:"file"` // JSON lines; empty keeps the log in memory only
}

type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	Environment string  `koanf:"environment"`
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":               "info",
		"log.format":              "text",
		"http.addr":               ":8080",
		"http.read_timeout":       10 * time.Second,
		"http.write_timeout":      30 * time.Second,
		"http.rate_limit_rps":     20.0,
		"http.rate_limit_burst":   40,
		"auth.optional":           true,
		"pricing.file":            "configs/prices.yaml",
		"gate.key_id":             "k1",
		"gate.grace":              10 * time.Minute,
		"gate.retry_attempts":     3,
		"gate.retry_initial":      200 * time.Millisecond,
		"gate.retry_max":          2 * time.Second,
		"consumed.backend":        "memory",
		"consumed.redis_addr":     "localhost:6379",
		"consumed.sweep_interval": time.Minute,
		"store.driver":            "memory",
		"settlement.facilitator":  "local",
		"settlement.timeout":      8 * time.Second,
		"custody.backend":         "memory",
		"custody.timeout":         10 * time.Second,
		"custody.fee_account":     "platform",
		"payouts.interval":        30 * time.Second,
		"payouts.batch":           50,
		"tools.timeout":           15 * time.Second,
		"tools.blob.backend":      "fs",
		"tools.blob.dir":          "data/blobs",
		"mirror.interval":         time.Minute,
		"mirror.batch":            500,
		"telemetry.endpoint":      "localhost:4317",
		"telemetry.sample_rate":   1.0,
		"telemetry.environment":   "development",
	}
}

// Load builds the configuration. path may be empty. A non-empty profile overlays
// <dir>/<name>.<profile>.yaml on top of path when that file exists.
func Load(path, profile string) (*Config, error) {
	k := koanf.New(".")
	for key, v := range defaults() {
		if err := k.Set(key, v); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if profile != "" {
			overlay := profilePath(path, profile)
			if _, err := os.Stat(overlay); err == nil {
				if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
					return nil, fmt.Errorf("load profile %q: %w", overlay, err)
				}
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// envKey maps PAYGATE_GATE__SIGNING_SECRET to gate.signing_secret.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func profilePath(path, profile string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + profile + ext
}

// Validate reports every problem that would stop serve from starting.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Gate.SigningSecret) < 32 {
		errs = append(errs, errors.New("gate.signing_secret must be at least 32 bytes"))
	}
	switch {
	case c.Auth.Secret == "" && !c.Auth.Optional:
		errs = append(errs, errors.New("auth.secret is required unless auth.optional is set"))
	case c.Auth.Secret != "" && len(c.Auth.Secret) < 32:
		errs = append(errs, errors.New("auth.secret must be at least 32 bytes"))
	}
	if c.Pricing.File == "" {
		errs = append(errs, errors.New("pricing.file is required"))
	}
	switch c.Consumed.Backend {
	case "memory", "redis":
	case "sql":
		if c.Store.Driver == "memory" {
			errs = append(errs, errors.New("consumed.backend sql needs store.driver sqlite or postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("consumed.backend %q is not memory, sql or redis", c.Consumed.Backend))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not memory, sqlite or postgres", c.Store.Driver))
	}
	if c.Settlement.Facilitator == "http" && c.Settlement.URL == "" {
		errs = append(errs, errors.New("settlement.url is required for the http facilitator"))
	}
	if c.Custody.Backend == "http" && c.Custody.URL == "" {
		errs = append(errs, errors.New("custody.url is required for http custody"))
	}
	if c.Gate.RetryAttempts == 0 {
		errs = append(errs, errors.New("gate.retry_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// ParsePreviousKeys parses gate.previous_keys entries of the form kid=secret.
func (g GateConfig) ParsePreviousKeys() (map[string][]byte, error) {
	out := make(map[string][]byte, len(g.PreviousKeys))
	for _, entry := range g.PreviousKeys {
		kid, secret, ok := strings.Cut(entry, "=")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("gate.previous_keys entry %q is not kid=secret", entry)
		}
		out[kid] = []byte(secret)
	}
	return out, nil
}
