package paygate

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Proof is a caller's payment evidence: the opaque payload produced by their wallet and the
// challenge token it answers. A proof is single use.
type Proof struct {
	ChallengeToken string
	Payload        []byte
}

// Empty reports whether no proof was supplied.
func (p *Proof) Empty() bool {
	return p == nil || len(p.Payload) == 0
}

// ID is the keccak-256 of the payload; it identifies the proof in the consumed set and is the
// idempotency key sent to the facilitator.
func (p *Proof) ID() string {
	h := sha3.NewLegacyKeccak256()
	h.Write(p.Payload)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// DecodeProof builds a Proof from transport headers: the base64 payload and the challenge token.
func DecodeProof(payloadB64, token string) (*Proof, error) {
	payloadB64 = strings.TrimSpace(payloadB64)
	if payloadB64 == "" {
		return nil, nil
	}
	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		payload, err = base64.RawURLEncoding.DecodeString(payloadB64)
		if err != nil {
			return nil, fmt.Errorf("payment proof is not base64: %w", err)
		}
	}
	return &Proof{ChallengeToken: strings.TrimSpace(token), Payload: payload}, nil
}
