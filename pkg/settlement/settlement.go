// Package settlement verifies payment proofs against the facilitator and settles them.
// The facilitator is authoritative but untrusted: every settlement receipt is cross-checked
// against what was asked for before a payment is considered good.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/finance"
	"github.com/Mindburn-Labs/paygate/pkg/util/resiliency"
)

// Category classifies a failed settlement.
type Category string

const (
	// CatRetryable failures had no side effects; the same proof may be presented again.
	CatRetryable Category = "RETRYABLE"
	// CatPermanent failures will never succeed for this proof.
	CatPermanent Category = "PERMANENT"
)

var (
	ErrRetryable = errors.New("settlement: retryable failure")
	ErrPermanent = errors.New("settlement: proof permanently invalid")
)

// Error is a classified settlement failure.
type Error struct {
	Category Category
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Reason, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrRetryable / ErrPermanent by category.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRetryable:
		return e.Category == CatRetryable
	case ErrPermanent:
		return e.Category == CatPermanent
	}
	return false
}

func retryable(reason string, err error) error {
	return &Error{Category: CatRetryable, Reason: reason, Err: err}
}

func permanent(reason string, err error) error {
	return &Error{Category: CatPermanent, Reason: reason, Err: err}
}

// Request is what the facilitator must settle: the opaque proof plus the exact terms of the
// challenge it answers.
type Request struct {
	ProofID   string        `json:"proof_id"`
	Payload   []byte        `json:"payload"`
	Operation string        `json:"operation"`
	Resource  string        `json:"resource"`
	Amount    finance.Money `json:"amount"`
	Network   string        `json:"network"`
	Recipient string        `json:"recipient"`
	Nonce     string        `json:"nonce"`
}

// Receipt is the facilitator's answer.
type Receipt struct {
	Settled     bool   `json:"settled"`
	Reference   string `json:"reference"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Network     string `json:"network"`
	Recipient   string `json:"recipient"`
	Payer       string `json:"payer,omitempty"`
	Reason      string `json:"reason,omitempty"`
	// Resource and Nonce echo the challenge the settled payment answered, when the
	// facilitator reports them.
	Resource string `json:"resource,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
}

// Facilitator performs proof verification and value transfer. Implementations must be
// idempotent on Request.ProofID, and must not confirm a repeated proof id for a request whose
// Nonce or Resource differs from the one it settled.
type Facilitator interface {
	Settle(ctx context.Context, req Request) (Receipt, error)
}

// Result is a confirmed settlement.
type Result struct {
	Reference string        `json:"reference"`
	Amount    finance.Money `json:"amount"`
	Network   string        `json:"network"`
	Payer     string        `json:"payer,omitempty"`
	SettledAt time.Time     `json:"settled_at"`
}

// Client wraps a Facilitator with a per-call timeout and result classification.
type Client struct {
	facilitator Facilitator
	timeout     time.Duration
	logger      *slog.Logger
	clock       func() time.Time
}

// DefaultTimeout bounds one settlement attempt.
const DefaultTimeout = 8 * time.Second

func NewClient(f Facilitator, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		facilitator: f,
		timeout:     timeout,
		logger:      slog.Default().With("component", "settlement"),
		clock:       time.Now,
	}
}

// WithLogger overrides the logger.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.logger = l
	return c
}

// VerifyAndSettle asks the facilitator to settle req and cross-checks the receipt. It never
// retries; a timeout is reported as retryable.
func (c *Client) VerifyAndSettle(ctx context.Context, req Request) (Result, error) {
	if req.ProofID == "" || len(req.Payload) == 0 {
		return Result{}, permanent("empty proof", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	receipt, err := c.facilitator.Settle(callCtx, req)
	if err != nil {
		if errors.Is(err, ErrPermanent) || errors.Is(err, ErrRetryable) {
			return Result{}, err
		}
		if resiliency.IsRetryable(err) || callCtx.Err() != nil {
			c.logger.WarnContext(ctx, "settlement attempt failed", "proof_id", req.ProofID, "error", err)
			return Result{}, retryable("facilitator unavailable", err)
		}
		return Result{}, permanent("facilitator rejected proof", err)
	}

	if !receipt.Settled {
		reason := receipt.Reason
		if reason == "" {
			reason = "not settled"
		}
		return Result{}, permanent(reason, nil)
	}
	if (receipt.Nonce != "" && receipt.Nonce != req.Nonce) || (receipt.Resource != "" && receipt.Resource != req.Resource) {
		c.logger.WarnContext(ctx, "settled payment answers another challenge", "proof_id", req.ProofID, "reference", receipt.Reference)
		return Result{}, permanent("proof answers a different challenge", nil)
	}
	if err := crossCheck(req, receipt); err != nil {
		c.logger.ErrorContext(ctx, "settlement receipt mismatch", "proof_id", req.ProofID, "reference", receipt.Reference, "error", err)
		return Result{}, permanent("receipt mismatch", err)
	}

	return Result{
		Reference: receipt.Reference,
		Amount:    req.Amount,
		Network:   receipt.Network,
		Payer:     receipt.Payer,
		SettledAt: c.clock().UTC(),
	}, nil
}

func crossCheck(req Request, r Receipt) error {
	switch {
	case r.Reference == "":
		return errors.New("missing settlement reference")
	case r.AmountMinor != req.Amount.AmountMinor || r.Currency != req.Amount.Currency:
		return fmt.Errorf("settled %d %s, expected %d %s", r.AmountMinor, r.Currency, req.Amount.AmountMinor, req.Amount.Currency)
	case r.Network != req.Network:
		return fmt.Errorf("settled on %q, expected %q", r.Network, req.Network)
	case r.Recipient != "" && r.Recipient != req.Recipient:
		return fmt.Errorf("paid to %q, expected %q", r.Recipient, req.Recipient)
	}
	return nil
}
