// Package pricing holds the static operation price table. The table is loaded once at
// startup, never mutated afterwards, and identified by a semver version plus a canonical
// content hash so that every issued challenge can be traced back to the exact prices in force.
package pricing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/paygate/pkg/finance"
)

var (
	ErrUnknownOperation = errors.New("pricing: unknown operation")
	ErrInvalidParams    = errors.New("pricing: invalid params")
)

// Kind selects which collaborator executes an operation once paid.
type Kind string

const (
	KindTool   Kind = "tool"
	KindEscrow Kind = "escrow"
)

// DefaultValidity is used when the table does not set challenge_validity.
const DefaultValidity = 5 * time.Minute

// Price is the immutable pricing entry for one operation.
type Price struct {
	Operation   string        `json:"operation"`
	Amount      finance.Money `json:"amount"`
	Network     string        `json:"network"`
	Recipient   string        `json:"recipient"`
	Kind        Kind          `json:"kind"`
	Description string        `json:"description,omitempty"`

	schema    *jsonschema.Schema
	rawSchema json.RawMessage
}

// ParamsSchema returns the JSON schema for the operation's params, or nil if none is set.
func (p Price) ParamsSchema() json.RawMessage {
	if p.rawSchema == nil {
		return nil
	}
	return append(json.RawMessage(nil), p.rawSchema...)
}

// Free reports whether the operation is served without a payment challenge.
func (p Price) Free() bool {
	return p.Amount.IsZero()
}

// ValidateParams checks params against the operation's JSON schema, if one is configured.
func (p Price) ValidateParams(params map[string]any) error {
	if p.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := p.schema.Validate(params); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, p.Operation, err)
	}
	return nil
}

// Table maps operation names to prices.
type Table struct {
	version  *semver.Version
	hash     string
	validity time.Duration
	entries  map[string]Price
}

type fileEntry struct {
	Price       string         `yaml:"price"`
	Currency    string         `yaml:"currency"`
	Network     string         `yaml:"network"`
	Recipient   string         `yaml:"recipient"`
	Kind        Kind           `yaml:"kind"`
	Description string         `yaml:"description"`
	Schema      map[string]any `yaml:"schema"`
}

type file struct {
	Version           string               `yaml:"version"`
	Currency          string               `yaml:"currency"`
	Network           string               `yaml:"network"`
	Recipient         string               `yaml:"recipient"`
	ChallengeValidity string               `yaml:"challenge_validity"`
	Operations        map[string]fileEntry `yaml:"operations"`
}

// Load reads and parses a price table YAML file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load price table %q: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse price table %q: %w", path, err)
	}
	return t, nil
}

// Parse builds a Table from YAML. Per-operation currency, network and recipient fall back to
// the table-level defaults.
func Parse(data []byte) (*Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Version == "" {
		return nil, errors.New("version is required")
	}
	v, err := semver.NewVersion(f.Version)
	if err != nil {
		return nil, fmt.Errorf("version %q: %w", f.Version, err)
	}
	if len(f.Operations) == 0 {
		return nil, errors.New("no operations priced")
	}

	validity := DefaultValidity
	if f.ChallengeValidity != "" {
		validity, err = time.ParseDuration(f.ChallengeValidity)
		if err != nil || validity <= 0 {
			return nil, fmt.Errorf("challenge_validity %q is not a positive duration", f.ChallengeValidity)
		}
	}

	t := &Table{version: v, validity: validity, entries: make(map[string]Price, len(f.Operations))}
	for name, e := range f.Operations {
		p, err := buildPrice(name, e, f)
		if err != nil {
			return nil, err
		}
		t.entries[name] = p
	}

	t.hash, err = contentHash(f)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func buildPrice(name string, e fileEntry, f file) (Price, error) {
	if strings.TrimSpace(name) == "" {
		return Price{}, errors.New("operation name must not be empty")
	}
	currency := firstNonEmpty(e.Currency, f.Currency)
	network := firstNonEmpty(e.Network, f.Network)
	recipient := firstNonEmpty(e.Recipient, f.Recipient)
	if currency == "" || network == "" {
		return Price{}, fmt.Errorf("operation %q: currency and network are required", name)
	}
	amount, err := finance.ParseAmount(e.Price, currency)
	if err != nil {
		return Price{}, fmt.Errorf("operation %q: %w", name, err)
	}
	if amount.IsNegative() {
		return Price{}, fmt.Errorf("operation %q: negative price", name)
	}
	if !amount.IsZero() && recipient == "" {
		return Price{}, fmt.Errorf("operation %q: recipient is required for priced operations", name)
	}

	kind := e.Kind
	if kind == "" {
		kind = KindTool
	}
	if kind != KindTool && kind != KindEscrow {
		return Price{}, fmt.Errorf("operation %q: unknown kind %q", name, kind)
	}

	p := Price{
		Operation:   name,
		Amount:      amount,
		Network:     network,
		Recipient:   recipient,
		Kind:        kind,
		Description: e.Description,
	}
	if len(e.Schema) > 0 {
		p.schema, p.rawSchema, err = compileSchema(name, e.Schema)
		if err != nil {
			return Price{}, err
		}
	}
	return p, nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, json.RawMessage, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, nil, fmt.Errorf("operation %q: schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://paygate.schemas.local/operations/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, nil, fmt.Errorf("operation %q: schema load failed: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, nil, fmt.Errorf("operation %q: schema compile failed: %w", name, err)
	}
	return compiled, raw, nil
}

func contentHash(f file) (string, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize price table: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Lookup returns the price for operation or ErrUnknownOperation.
func (t *Table) Lookup(operation string) (Price, error) {
	p, ok := t.entries[operation]
	if !ok {
		return Price{}, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
	return p, nil
}

// Operations returns all entries sorted by name.
func (t *Table) Operations() []Price {
	out := make([]Price, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Version returns the table's semantic version.
func (t *Table) Version() string { return t.version.String() }

// Hash returns the canonical content hash of the source document.
func (t *Table) Hash() string { return t.hash }

// ChallengeValidity is how long an issued challenge may be answered.
func (t *Table) ChallengeValidity() time.Duration { return t.validity }

// RequireAtLeast fails if the table is older than min; used to refuse stale deployments.
func (t *Table) RequireAtLeast(min string) error {
	c, err := semver.NewConstraint(">= " + min)
	if err != nil {
		return fmt.Errorf("minimum version %q: %w", min, err)
	}
	if !c.Check(t.version) {
		return fmt.Errorf("price table %s is older than required %s", t.version, min)
	}
	return nil
}
