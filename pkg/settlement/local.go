package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/paygate/pkg/finance"
)

// LocalPayload is the proof format accepted by the Local facilitator.
type LocalPayload struct {
	Payer    string `json:"payer"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Network  string `json:"network"`
	PayTo    string `json:"pay_to"`
	Resource string `json:"resource"`
	Nonce    string `json:"nonce"`
}

// Local is an in-process facilitator for development. It accepts a JSON LocalPayload whose
// terms match the request exactly and settles each proof id once. A repeated proof id gets the
// original receipt only when it answers the same challenge.
type Local struct {
	mu      sync.Mutex
	settled map[string]Receipt
	calls   int
}

func NewLocal() *Local {
	return &Local{settled: make(map[string]Receipt)}
}

// Calls returns how many settle calls reached the facilitator.
func (l *Local) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *Local) Settle(_ context.Context, req Request) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++

	if r, ok := l.settled[req.ProofID]; ok {
		if r.Nonce != req.Nonce || r.Resource != req.Resource {
			return Receipt{Reason: "proof answers a different challenge"}, nil
		}
		return r, nil
	}

	var p LocalPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return Receipt{Reason: "malformed proof"}, nil
	}
	amount, err := finance.ParseAmount(p.Amount, p.Currency)
	if err != nil {
		return Receipt{Reason: "malformed amount"}, nil
	}
	switch {
	case p.Payer == "":
		return Receipt{Reason: "missing payer"}, nil
	case !amount.Equal(req.Amount):
		return Receipt{Reason: fmt.Sprintf("paid %s, expected %s", amount, req.Amount)}, nil
	case p.Network != req.Network:
		return Receipt{Reason: "wrong network"}, nil
	case p.PayTo != req.Recipient:
		return Receipt{Reason: "wrong recipient"}, nil
	case p.Resource != req.Resource:
		return Receipt{Reason: "proof bound to a different resource"}, nil
	case p.Nonce != req.Nonce:
		return Receipt{Reason: "proof answers a different challenge"}, nil
	}

	r := Receipt{
		Settled:     true,
		Reference:   "local-" + uuid.NewString(),
		AmountMinor: amount.AmountMinor,
		Currency:    amount.Currency,
		Network:     p.Network,
		Recipient:   p.PayTo,
		Payer:       p.Payer,
		Resource:    p.Resource,
		Nonce:       p.Nonce,
	}
	l.settled[req.ProofID] = r
	return r, nil
}
