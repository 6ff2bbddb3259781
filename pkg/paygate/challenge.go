package paygate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/paygate/pkg/finance"
)

const tokenIssuer = "paygate"

// Challenge is the payment-required answer for an unpaid request. It is stateless: every term
// is bound into Token, so any instance can validate a proof answering it.
type Challenge struct {
	Operation string    `json:"operation"`
	Price     string    `json:"price"`
	Currency  string    `json:"currency"`
	Network   string    `json:"network"`
	Recipient string    `json:"recipient"`
	Resource  string    `json:"resource"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	PriceList string    `json:"priceList"`
	Token     string    `json:"token"`

	amount finance.Money
}

// Amount is the price in minor units.
func (c Challenge) Amount() finance.Money { return c.amount }

// challengeClaims are the signed terms of a Challenge.
type challengeClaims struct {
	jwt.RegisteredClaims
	Operation   string `json:"op"`
	AmountMinor int64  `json:"amt"`
	Currency    string `json:"cur"`
	Network     string `json:"net"`
	Recipient   string `json:"to"`
	Resource    string `json:"res"`
	PriceList   string `json:"pl"`
}

// ResourceReference is the canonical hash of an operation and its exact parameters. A proof
// paid for one resource can never authorize another.
func ResourceReference(operation string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(struct {
		Operation string         `json:"operation"`
		Params    map[string]any `json:"params"`
	}{operation, params})
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// KeySet signs and verifies challenge tokens. Older keys stay valid for verification after
// rotation so outstanding challenges survive a key change.
type KeySet struct {
	mu     sync.RWMutex
	active string
	keys   map[string][]byte
}

var ErrNoSigningKey = errors.New("paygate: no challenge signing key")

// NewKeySet creates a key set whose active key is kid.
func NewKeySet(kid string, secret []byte) (*KeySet, error) {
	ks := &KeySet{keys: make(map[string][]byte)}
	if err := ks.Rotate(kid, secret); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate makes kid the active signing key, keeping previous keys for verification.
func (ks *KeySet) Rotate(kid string, secret []byte) error {
	if kid == "" || len(secret) < 32 {
		return fmt.Errorf("%w: kid must be set and secret at least 32 bytes", ErrNoSigningKey)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[kid] = append([]byte(nil), secret...)
	ks.active = kid
	return nil
}

// AddVerificationKey accepts tokens signed by kid without signing with it.
func (ks *KeySet) AddVerificationKey(kid string, secret []byte) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[kid] = append([]byte(nil), secret...)
}

func (ks *KeySet) sign(claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid, key := ks.active, ks.keys[ks.active]
	ks.mu.RUnlock()
	if len(key) == 0 {
		return "", ErrNoSigningKey
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = kid
	return tok.SignedString(key)
}

func (ks *KeySet) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return key, nil
}
