// Package paygate issues payment challenges for priced operations and authorizes calls that
// present a valid, unused, settled proof of payment.
package paygate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/paygate/pkg/pricing"
	"github.com/Mindburn-Labs/paygate/pkg/settlement"
)

// Decision is the outcome of Authorize.
type Decision string

const (
	Authorized         Decision = "AUTHORIZED"
	ChallengeRequired  Decision = "CHALLENGE_REQUIRED"
	ChallengeExpired   Decision = "CHALLENGE_EXPIRED"
	ReplayRejected     Decision = "REPLAY_REJECTED"
	PermanentlyInvalid Decision = "PERMANENTLY_INVALID"
	Retryable          Decision = "RETRYABLE"
)

// PaymentRequired reports whether the caller should be answered with a fresh challenge.
func (d Decision) PaymentRequired() bool {
	return d == ChallengeRequired || d == ChallengeExpired
}

// Result is the outcome of an authorization attempt.
type Result struct {
	Decision   Decision           `json:"decision"`
	Challenge  *Challenge         `json:"challenge,omitempty"`
	Settlement *settlement.Result `json:"settlement,omitempty"`
	ProofID    string             `json:"proofId,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	RetryAfter time.Duration      `json:"-"`
}

// Settler verifies and settles one proof. *settlement.Client implements it.
type Settler interface {
	VerifyAndSettle(ctx context.Context, req settlement.Request) (settlement.Result, error)
}

// Recorder observes authorization decisions, e.g. for metrics.
type Recorder interface {
	RecordDecision(ctx context.Context, operation string, d Decision)
}

// RetryPolicy bounds settlement retries.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries a transient settlement failure twice.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second}

// DefaultGrace extends the consumed-proof record past challenge expiry to cover clock skew
// and in-flight settlements.
const DefaultGrace = 10 * time.Minute

// Gate issues challenges and authorizes proofs.
type Gate struct {
	prices   *pricing.Table
	settler  Settler
	consumed ConsumedStore
	keys     *KeySet
	retry    RetryPolicy
	grace    time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	recorder Recorder
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides clock for testing.
func WithClock(clock func() time.Time) Option { return func(g *Gate) { g.clock = clock } }

func WithRetryPolicy(p RetryPolicy) Option { return func(g *Gate) { g.retry = p } }

func WithGrace(d time.Duration) Option { return func(g *Gate) { g.grace = d } }

func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

func WithRecorder(r Recorder) Option { return func(g *Gate) { g.recorder = r } }

func NewGate(prices *pricing.Table, settler Settler, consumed ConsumedStore, keys *KeySet, opts ...Option) *Gate {
	g := &Gate{
		prices:   prices,
		settler:  settler,
		consumed: consumed,
		keys:     keys,
		retry:    DefaultRetryPolicy,
		grace:    DefaultGrace,
		clock:    time.Now,
		logger:   slog.Default().With("component", "paygate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Prices exposes the table the gate charges from.
func (g *Gate) Prices() *pricing.Table { return g.prices }

// Challenge issues a signed challenge for operation with exactly these params.
// It fails with pricing.ErrUnknownOperation or pricing.ErrInvalidParams.
func (g *Gate) Challenge(_ context.Context, operation string, params map[string]any) (*Challenge, error) {
	price, err := g.prices.Lookup(operation)
	if err != nil {
		return nil, err
	}
	if err := price.ValidateParams(params); err != nil {
		return nil, err
	}
	return g.issue(price, params)
}

func (g *Gate) issue(price pricing.Price, params map[string]any) (*Challenge, error) {
	resource, err := ResourceReference(price.Operation, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pricing.ErrInvalidParams, err)
	}
	issued := g.clock().UTC().Truncate(time.Second)
	expires := issued.Add(g.prices.ChallengeValidity())
	nonce := uuid.NewString()

	token, err := g.keys.sign(challengeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   price.Operation,
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Operation:   price.Operation,
		AmountMinor: price.Amount.AmountMinor,
		Currency:    price.Amount.Currency,
		Network:     price.Network,
		Recipient:   price.Recipient,
		Resource:    resource,
		PriceList:   g.prices.Hash(),
	})
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}

	return &Challenge{
		Operation: price.Operation,
		Price:     price.Amount.Decimal(),
		Currency:  price.Amount.Currency,
		Network:   price.Network,
		Recipient: price.Recipient,
		Resource:  resource,
		Nonce:     nonce,
		IssuedAt:  issued,
		ExpiresAt: expires,
		PriceList: g.prices.Hash(),
		Token:     token,
		amount:    price.Amount,
	}, nil
}

// Authorize decides whether a call may run. A nil error always comes with a Result; errors are
// reserved for unknown operations, invalid params and store failures, all of which fail closed.
func (g *Gate) Authorize(ctx context.Context, operation string, params map[string]any, proof *Proof) (Result, error) {
	res, err := g.authorize(ctx, operation, params, proof)
	if err == nil && g.recorder != nil {
		g.recorder.RecordDecision(ctx, operation, res.Decision)
	}
	return res, err
}

func (g *Gate) authorize(ctx context.Context, operation string, params map[string]any, proof *Proof) (Result, error) {
	price, err := g.prices.Lookup(operation)
	if err != nil {
		return Result{}, err
	}
	if err := price.ValidateParams(params); err != nil {
		return Result{}, err
	}
	if price.Free() {
		return Result{Decision: Authorized}, nil
	}

	if proof.Empty() {
		return g.challengeResult(price, params, ChallengeRequired, "")
	}

	proofID := proof.ID()
	reserved, err := g.consumed.Reserve(ctx, proofID, g.recordTTL())
	if err != nil {
		return Result{}, fmt.Errorf("consumed proof store: %w", err)
	}
	if !reserved {
		g.logger.WarnContext(ctx, "payment proof replay rejected", "operation", operation, "proof_id", proofID)
		return Result{Decision: ReplayRejected, ProofID: proofID, Reason: "payment proof already used"}, nil
	}

	res, err := g.settle(ctx, price, params, proof, proofID)
	if err != nil || res.Decision != Authorized {
		if rerr := g.consumed.Release(context.WithoutCancel(ctx), proofID); rerr != nil {
			g.logger.ErrorContext(ctx, "failed to release proof reservation", "proof_id", proofID, "error", rerr)
		}
	}
	return res, err
}

// settle validates the challenge the proof answers and settles it. The proof is reserved.
func (g *Gate) settle(ctx context.Context, price pricing.Price, params map[string]any, proof *Proof, proofID string) (Result, error) {
	claims, err := g.verifyToken(proof.ChallengeToken)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return g.challengeResult(price, params, ChallengeExpired, "challenge expired")
	}
	if err != nil {
		return Result{Decision: PermanentlyInvalid, ProofID: proofID, Reason: "invalid challenge token"}, nil
	}

	resource, err := ResourceReference(price.Operation, params)
	if err != nil {
		return Result{}, err
	}
	if reason := mismatch(claims, price, resource, g.prices.Hash()); reason != "" {
		g.logger.WarnContext(ctx, "challenge does not match request", "operation", price.Operation, "proof_id", proofID, "reason", reason)
		return Result{Decision: PermanentlyInvalid, ProofID: proofID, Reason: reason}, nil
	}

	req := settlement.Request{
		ProofID:   proofID,
		Payload:   proof.Payload,
		Operation: price.Operation,
		Resource:  resource,
		Amount:    price.Amount,
		Network:   price.Network,
		Recipient: price.Recipient,
		Nonce:     claims.ID,
	}

	// Once settlement starts the caller can no longer cancel it.
	settleCtx := context.WithoutCancel(ctx)
	result, err := backoff.Retry(settleCtx, func() (settlement.Result, error) {
		r, err := g.settler.VerifyAndSettle(settleCtx, req)
		if err != nil && !errors.Is(err, settlement.ErrRetryable) {
			return r, backoff.Permanent(err)
		}
		return r, err
	},
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     g.retry.InitialInterval,
			RandomizationFactor: 0.2,
			Multiplier:          2,
			MaxInterval:         g.retry.MaxInterval,
		}),
		backoff.WithMaxTries(g.retry.MaxAttempts),
	)
	switch {
	case err == nil:
	case errors.Is(err, settlement.ErrRetryable):
		return Result{Decision: Retryable, ProofID: proofID, Reason: "settlement temporarily unavailable", RetryAfter: g.retry.MaxInterval}, nil
	case errors.Is(err, settlement.ErrPermanent):
		var se *settlement.Error
		reason := "payment rejected"
		if errors.As(err, &se) {
			reason = se.Reason
		}
		return Result{Decision: PermanentlyInvalid, ProofID: proofID, Reason: reason}, nil
	default:
		return Result{}, fmt.Errorf("settle: %w", err)
	}

	// A facilitator that answers an old payload with its original receipt must not buy a
	// second execution.
	fresh, err := g.consumed.Reserve(settleCtx, referenceKey(result.Reference), ReferenceTTL)
	if err != nil {
		return Result{}, fmt.Errorf("consumed proof store: %w", err)
	}
	if !fresh {
		g.logger.WarnContext(ctx, "settlement reference already used", "operation", price.Operation,
			"proof_id", proofID, "reference", result.Reference)
		return Result{Decision: ReplayRejected, ProofID: proofID, Reason: "payment already used"}, nil
	}
	if err := g.consumed.Commit(settleCtx, referenceKey(result.Reference), proofID, ReferenceTTL); err != nil {
		g.logger.ErrorContext(ctx, "failed to commit settlement reference", "reference", result.Reference, "error", err)
	}

	if err := g.consumed.Commit(settleCtx, proofID, result.Reference, g.recordTTL()); err != nil {
		// The reservation already blocks replays for the same TTL.
		g.logger.ErrorContext(ctx, "failed to commit consumed proof", "proof_id", proofID, "reference", result.Reference, "error", err)
	}
	g.logger.InfoContext(ctx, "payment settled", "operation", price.Operation, "proof_id", proofID,
		"reference", result.Reference, "amount", result.Amount.String())
	return Result{Decision: Authorized, ProofID: proofID, Settlement: &result}, nil
}

func (g *Gate) challengeResult(price pricing.Price, params map[string]any, d Decision, reason string) (Result, error) {
	ch, err := g.issue(price, params)
	if err != nil {
		return Result{}, err
	}
	return Result{Decision: d, Challenge: ch, Reason: reason}, nil
}

func (g *Gate) verifyToken(token string) (*challengeClaims, error) {
	if token == "" {
		return nil, errors.New("missing challenge token")
	}
	claims := &challengeClaims{}
	_, err := jwt.ParseWithClaims(token, claims, g.keys.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.clock),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// mismatch compares the signed terms with what the request would be charged now.
func mismatch(c *challengeClaims, price pricing.Price, resource, priceList string) string {
	switch {
	case c.Operation != price.Operation:
		return "challenge issued for a different operation"
	case c.Resource != resource:
		return "challenge issued for different parameters"
	case c.AmountMinor != price.Amount.AmountMinor || c.Currency != price.Amount.Currency:
		return "price changed since challenge was issued"
	case c.Network != price.Network:
		return "network mismatch"
	case c.Recipient != price.Recipient:
		return "recipient mismatch"
	case c.PriceList != priceList:
		return "price list changed since challenge was issued"
	}
	return ""
}

// ReferenceTTL is how long a settlement reference stays in the consumed set. It outlives the
// proof record so a lapsed proof cannot reuse a settled payment.
const ReferenceTTL = 7 * 24 * time.Hour

func referenceKey(reference string) string { return "ref:" + reference }

// recordTTL is how long a proof id stays in the consumed set.
func (g *Gate) recordTTL() time.Duration {
	return g.prices.ChallengeValidity() + g.grace
}
