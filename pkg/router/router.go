// Package router is the front door for priced operations. Each call passes through the
// payment gate and, once authorized, runs exactly once against either the escrow ledger or a
// tool executor.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/paygate/pkg/escrow"
	"github.com/Mindburn-Labs/paygate/pkg/paygate"
	"github.com/Mindburn-Labs/paygate/pkg/pricing"
	"github.com/Mindburn-Labs/paygate/pkg/settlement"
	"github.com/Mindburn-Labs/paygate/pkg/tools"
)

var (
	ErrReplayRejected     = errors.New("payment proof already used")
	ErrPermanentlyInvalid = errors.New("payment proof rejected")
	ErrSettlementRetry    = errors.New("settlement temporarily unavailable")
	ErrExecutionFailed    = errors.New("operation failed after payment")
)

// PaymentError is an authorization failure other than a challenge. Nothing was executed.
type PaymentError struct {
	Decision   paygate.Decision
	Reason     string
	ProofID    string
	RetryAfter time.Duration
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Decision, e.Reason)
}

func (e *PaymentError) Is(target error) bool {
	switch target {
	case ErrReplayRejected:
		return e.Decision == paygate.ReplayRejected
	case ErrPermanentlyInvalid:
		return e.Decision == paygate.PermanentlyInvalid
	case ErrSettlementRetry:
		return e.Decision == paygate.Retryable
	}
	return false
}

// ExecutionError reports that an operation failed after its payment settled. Settlement
// identifies the charge so it can be reconciled.
type ExecutionError struct {
	Operation  string
	Settlement *settlement.Result
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *ExecutionError) Unwrap() []error { return []error{ErrExecutionFailed, e.Err} }

// Outcome distinguishes an executed call from a payment-required answer.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomePaymentRequired Outcome = "payment_required"
)

// Request is one invocation. Caller is the authenticated principal, never taken from params.
type Request struct {
	Operation string
	Params    map[string]any
	Caller    string
	Proof     *paygate.Proof
}

// Response is the result of Invoke.
type Response struct {
	Operation      string             `json:"operation"`
	Outcome        Outcome            `json:"outcome"`
	Result         any                `json:"result,omitempty"`
	Challenge      *paygate.Challenge `json:"challenge,omitempty"`
	Expired        bool               `json:"expired,omitempty"`
	Settlement     *settlement.Result `json:"settlement,omitempty"`
	PayoutDeferred bool               `json:"payoutDeferred,omitempty"`
}

// Authorizer is the payment gate as seen by the router.
type Authorizer interface {
	Authorize(ctx context.Context, operation string, params map[string]any, proof *paygate.Proof) (paygate.Result, error)
	Prices() *pricing.Table
}

// Tracker wraps an operation in a span. observability.Provider implements it.
type Tracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

type nopTracker struct{}

func (nopTracker) TrackOperation(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Router dispatches authorized calls.
type Router struct {
	gate     Authorizer
	ledger   *escrow.Ledger
	tools    tools.Dispatcher
	currency string
	clock    func() time.Time
	logger   *slog.Logger
	tracker  Tracker
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides clock for testing.
func WithClock(clock func() time.Time) Option { return func(r *Router) { r.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

func WithTracker(t Tracker) Option { return func(r *Router) { r.tracker = t } }

// WithBudgetCurrency sets the currency create-task budgets are denominated in when the
// params do not name one.
func WithBudgetCurrency(c string) Option { return func(r *Router) { r.currency = c } }

// New checks that every escrow-kind price names a known escrow operation and that tool
// operations have a dispatcher.
func New(gate Authorizer, ledger *escrow.Ledger, dispatcher tools.Dispatcher, opts ...Option) (*Router, error) {
	r := &Router{
		gate:     gate,
		ledger:   ledger,
		tools:    dispatcher,
		currency: "USDC",
		clock:    time.Now,
		logger:   slog.Default().With("component", "router"),
		tracker:  nopTracker{},
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, p := range gate.Prices().Operations() {
		switch p.Kind {
		case pricing.KindEscrow:
			if _, ok := escrowOps[p.Operation]; !ok {
				return nil, fmt.Errorf("price table: %q is not an escrow operation", p.Operation)
			}
			if ledger == nil {
				return nil, fmt.Errorf("price table: %q needs an escrow ledger", p.Operation)
			}
		case pricing.KindTool:
			if dispatcher == nil {
				return nil, fmt.Errorf("price table: %q needs a tool dispatcher", p.Operation)
			}
		}
	}
	return r, nil
}

// Invoke authorizes req and, if authorized, executes it exactly once.
func (r *Router) Invoke(ctx context.Context, req Request) (resp Response, err error) {
	ctx, done := r.tracker.TrackOperation(ctx, "router.invoke", attribute.String("operation", req.Operation))
	defer func() { done(err) }()

	if err := requireCaller(req); err != nil {
		return Response{}, err
	}
	auth, err := r.gate.Authorize(ctx, req.Operation, req.Params, req.Proof)
	if err != nil {
		return Response{}, err
	}

	switch auth.Decision {
	case paygate.Authorized:
	case paygate.ChallengeRequired, paygate.ChallengeExpired:
		return Response{
			Operation: req.Operation,
			Outcome:   OutcomePaymentRequired,
			Challenge: auth.Challenge,
			Expired:   auth.Decision == paygate.ChallengeExpired,
		}, nil
	default:
		return Response{}, &PaymentError{Decision: auth.Decision, Reason: auth.Reason, ProofID: auth.ProofID, RetryAfter: auth.RetryAfter}
	}

	price, err := r.gate.Prices().Lookup(req.Operation)
	if err != nil {
		return Response{}, err
	}

	resp = Response{Operation: req.Operation, Outcome: OutcomeOK, Settlement: auth.Settlement}
	var result any
	if price.Kind == pricing.KindEscrow {
		result, err = r.invokeEscrow(ctx, req)
	} else {
		result, err = r.tools.Dispatch(ctx, req.Operation, req.Params)
	}

	switch {
	case err == nil:
	case errors.Is(err, escrow.ErrPayoutDeferred):
		resp.PayoutDeferred = true
	case auth.Settlement != nil:
		r.logger.ErrorContext(ctx, "operation failed after payment settled",
			"operation", req.Operation, "reference", auth.Settlement.Reference, "error", err)
		return Response{}, &ExecutionError{Operation: req.Operation, Settlement: auth.Settlement, Err: err}
	default:
		return Response{}, err
	}
	resp.Result = result
	return resp, nil
}
