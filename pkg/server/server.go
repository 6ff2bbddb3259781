// Package server exposes the router over HTTP. Paid calls follow the x402 shape: an unpaid
// request gets 402 with a signed challenge, and the retry carries the proof in X-PAYMENT.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/api"
	"github.com/Mindburn-Labs/paygate/pkg/auth"
	"github.com/Mindburn-Labs/paygate/pkg/escrow"
	"github.com/Mindburn-Labs/paygate/pkg/paygate"
	"github.com/Mindburn-Labs/paygate/pkg/pricing"
	"github.com/Mindburn-Labs/paygate/pkg/router"
	"github.com/Mindburn-Labs/paygate/pkg/tools"
)

const (
	PaymentHeader         = "X-PAYMENT"
	ChallengeHeader       = "X-PAYMENT-CHALLENGE"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"

	maxBodyBytes = 1 << 20
)

// Invoker runs one priced call. *router.Router implements it.
type Invoker interface {
	Invoke(ctx context.Context, req router.Request) (router.Response, error)
}

// PayoutDrainer re-drives the escrow payout outbox. *escrow.Ledger implements it.
type PayoutDrainer interface {
	DrainPayouts(ctx context.Context, limit int) (escrow.DrainResult, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Server holds the HTTP handlers.
type Server struct {
	invoker Invoker
	prices  *pricing.Table
	checks  map[string]HealthCheck
	logger  *slog.Logger

	drainer    PayoutDrainer
	drainBatch int
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithHealthCheck adds a dependency probe reported by /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithPayoutDrainer exposes POST /v1/payouts/drain to operators.
func WithPayoutDrainer(d PayoutDrainer, batch int) Option {
	return func(s *Server) { s.drainer, s.drainBatch = d, batch }
}

func New(invoker Invoker, prices *pricing.Table, opts ...Option) *Server {
	s := &Server{
		invoker: invoker,
		prices:  prices,
		checks:  make(map[string]HealthCheck),
		logger:  slog.Default().With("component", "http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes registers the API routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/invoke/{operation}", s.handleInvoke)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /v1/prices", s.handlePrices)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.drainer != nil {
		mux.HandleFunc("POST /v1/payouts/drain", s.handleDrainPayouts)
	}
}

// Handler returns the routes wrapped in middleware, outermost first.
func (s *Server) Handler(middleware ...func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	var h http.Handler = mux
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParams(r)
	if err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	proof, err := paygate.DecodeProof(r.Header.Get(PaymentHeader), r.Header.Get(ChallengeHeader))
	if err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	s.invoke(w, r, router.Request{
		Operation: r.PathValue("operation"),
		Params:    params,
		Caller:    auth.CallerID(r.Context()),
		Proof:     proof,
	})
}

// handleGetTask is get-task over a REST path; it is priced like any other operation.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	proof, err := paygate.DecodeProof(r.Header.Get(PaymentHeader), r.Header.Get(ChallengeHeader))
	if err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	s.invoke(w, r, router.Request{
		Operation: router.OpGetTask,
		Params:    map[string]any{"taskId": r.PathValue("id")},
		Caller:    auth.CallerID(r.Context()),
		Proof:     proof,
	})
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request, req router.Request) {
	resp, err := s.invoker.Invoke(r.Context(), req)
	if err != nil {
		s.writeInvokeError(w, r, req, err)
		return
	}

	if resp.Outcome == router.OutcomePaymentRequired {
		writePaymentRequired(w, resp)
		return
	}

	if resp.Settlement != nil {
		if raw, err := json.Marshal(resp.Settlement); err == nil {
			w.Header().Set(PaymentResponseHeader, base64.StdEncoding.EncodeToString(raw))
		}
	}
	status := http.StatusOK
	if resp.PayoutDeferred {
		status = http.StatusAccepted
	}
	api.WriteJSON(w, status, resp)
}

// paymentRequired is the 402 body: the challenge terms plus why a new one was issued.
type paymentRequired struct {
	*paygate.Challenge
	Error string `json:"error"`
}

func writePaymentRequired(w http.ResponseWriter, resp router.Response) {
	body := paymentRequired{Challenge: resp.Challenge, Error: "payment required"}
	if resp.Expired {
		body.Error = "challenge expired"
	}
	api.WriteJSON(w, http.StatusPaymentRequired, body)
}

func (s *Server) writeInvokeError(w http.ResponseWriter, r *http.Request, req router.Request, err error) {
	var payErr *router.PaymentError
	if errors.As(err, &payErr) {
		switch payErr.Decision {
		case paygate.ReplayRejected:
			p := api.NewProblem(http.StatusConflict, "payment proof has already been used")
			p.Reason = payErr.Reason
			api.WriteProblem(w, r, p)
		case paygate.Retryable:
			api.WriteRetryLater(w, r, http.StatusServiceUnavailable, payErr.RetryAfter,
				"settlement is temporarily unavailable; retry with the same proof")
		default:
			p := api.NewProblem(http.StatusPaymentRequired, "payment proof rejected")
			p.Reason = payErr.Reason
			api.WriteProblem(w, r, p)
		}
		return
	}

	var reference string
	var execErr *router.ExecutionError
	if errors.As(err, &execErr) && execErr.Settlement != nil {
		reference = execErr.Settlement.Reference
	}

	status, detail := classify(err)
	if status == http.StatusForbidden && req.Caller == "" {
		status, detail = http.StatusUnauthorized, "authentication required"
	}
	switch {
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		s.logger.WarnContext(r.Context(), "unauthorized escrow action",
			"operation", req.Operation, "caller", req.Caller, "error", err)
	case status >= http.StatusInternalServerError && reference == "":
		api.WriteInternal(w, r, err)
		return
	case status >= http.StatusInternalServerError:
		s.logger.ErrorContext(r.Context(), "operation failed after payment",
			"operation", req.Operation, "reference", reference, "error", err)
	}
	p := api.NewProblem(status, detail)
	p.Reference = reference
	api.WriteProblem(w, r, p)
}

// classify maps domain errors to a status and a client-safe detail.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, pricing.ErrUnknownOperation), errors.Is(err, tools.ErrUnknownTool):
		return http.StatusNotFound, "unknown operation"
	case errors.Is(err, pricing.ErrInvalidParams), errors.Is(err, tools.ErrBadParams),
		errors.Is(err, escrow.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, "task not found"
	case errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict, "task is not in a state that allows this action"
	case errors.Is(err, escrow.ErrNotWithdrawable):
		return http.StatusConflict, "task is not withdrawable"
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden, "caller is not permitted to perform this action"
	case errors.Is(err, router.ErrExecutionFailed):
		return http.StatusBadGateway, "operation failed after payment settled"
	}
	return http.StatusInternalServerError, ""
}

func decodeParams(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	params := map[string]any{}
	if len(body) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(body, &params); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return params, nil
}

type priceView struct {
	Operation   string       `json:"operation"`
	Price       string       `json:"price"`
	Currency    string       `json:"currency"`
	Network     string       `json:"network,omitempty"`
	Recipient   string       `json:"recipient,omitempty"`
	Kind        pricing.Kind `json:"kind"`
	Free        bool         `json:"free"`
	Description string       `json:"description,omitempty"`
}

func (s *Server) handlePrices(w http.ResponseWriter, _ *http.Request) {
	ops := s.prices.Operations()
	views := make([]priceView, 0, len(ops))
	for _, p := range ops {
		views = append(views, priceView{
			Operation:   p.Operation,
			Price:       p.Amount.Decimal(),
			Currency:    p.Amount.Currency,
			Network:     p.Network,
			Recipient:   p.Recipient,
			Kind:        p.Kind,
			Free:        p.Free(),
			Description: p.Description,
		})
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"version":           s.prices.Version(),
		"hash":              s.prices.Hash(),
		"challengeValidity": s.prices.ChallengeValidity().String(),
		"operations":        views,
	})
}

func (s *Server) handleDrainPayouts(w http.ResponseWriter, r *http.Request) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, r, "")
		return
	}
	if !p.HasRole(auth.RoleOperator) {
		s.logger.WarnContext(r.Context(), "payout drain refused", "caller", p.ID)
		api.WriteError(w, r, http.StatusForbidden, "operator role required")
		return
	}
	res, err := s.drainer.DrainPayouts(r.Context(), s.drainBatch)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "payout drain", "caller", p.ID,
		"settled", res.Settled, "deferred", res.Deferred, "resumed", res.Resumed)
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.logger.WarnContext(ctx, "health check failed", "check", name, "error", err)
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	api.WriteJSON(w, status, map[string]any{
		"status":    state,
		"priceList": s.prices.Version(),
		"checks":    checks,
	})
}
