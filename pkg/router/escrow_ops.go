package router

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/escrow"
	"github.com/Mindburn-Labs/paygate/pkg/finance"
)

// Escrow operation names as priced in the table.
const (
	OpCreateTask        = "create-task"
	OpClaimTask         = "claim-task"
	OpSubmitWork        = "submit-work"
	OpVerifyWork        = "verify-work"
	OpEmergencyWithdraw = "emergency-withdraw"
	OpGetTask           = "get-task"
)

type escrowOp func(r *Router, ctx context.Context, req Request) (escrow.Task, error)

var escrowOps = map[string]escrowOp{
	OpCreateTask:        (*Router).createTask,
	OpClaimTask:         (*Router).claimTask,
	OpSubmitWork:        (*Router).submitWork,
	OpVerifyWork:        (*Router).verifyWork,
	OpEmergencyWithdraw: (*Router).emergencyWithdraw,
	OpGetTask:           (*Router).getTask,
}

// IsEscrowOperation reports whether name is served by the escrow ledger.
func IsEscrowOperation(name string) bool {
	_, ok := escrowOps[name]
	return ok
}

// requireCaller rejects anonymous escrow actions before any challenge or payment. Only get-task
// is open to anonymous callers.
func requireCaller(req Request) error {
	if req.Caller != "" || req.Operation == OpGetTask || !IsEscrowOperation(req.Operation) {
		return nil
	}
	return fmt.Errorf("%w: %s requires an authenticated caller", escrow.ErrUnauthorized, req.Operation)
}

func (r *Router) invokeEscrow(ctx context.Context, req Request) (any, error) {
	op, ok := escrowOps[req.Operation]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an escrow operation", escrow.ErrInvalidInput, req.Operation)
	}
	t, err := op(r, ctx, req)
	if err != nil && t.ID == 0 {
		return nil, err
	}
	return t, err
}

func (r *Router) createTask(ctx context.Context, req Request) (escrow.Task, error) {
	currency := r.currency
	if c, ok := req.Params["currency"].(string); ok && c != "" {
		currency = strings.ToUpper(c)
	}
	budget, err := moneyParam(req.Params, "budget", currency)
	if err != nil {
		return escrow.Task{}, err
	}
	deadline, err := timeParam(req.Params, "deadline", r.clock())
	if err != nil {
		return escrow.Task{}, err
	}
	title, _ := req.Params["title"].(string)
	description, _ := req.Params["description"].(string)

	return r.ledger.CreateTask(ctx, escrow.NewTask{
		Requester:   req.Caller,
		Title:       title,
		Description: description,
		Budget:      budget,
		Deadline:    deadline,
	})
}

func (r *Router) claimTask(ctx context.Context, req Request) (escrow.Task, error) {
	id, err := taskIDParam(req.Params)
	if err != nil {
		return escrow.Task{}, err
	}
	return r.ledger.ClaimTask(ctx, id, req.Caller)
}

func (r *Router) submitWork(ctx context.Context, req Request) (escrow.Task, error) {
	id, err := taskIDParam(req.Params)
	if err != nil {
		return escrow.Task{}, err
	}
	proofHash, _ := req.Params["proofHash"].(string)
	return r.ledger.SubmitWork(ctx, id, req.Caller, proofHash)
}

func (r *Router) verifyWork(ctx context.Context, req Request) (escrow.Task, error) {
	id, err := taskIDParam(req.Params)
	if err != nil {
		return escrow.Task{}, err
	}
	approved, ok := req.Params["approved"].(bool)
	if !ok {
		return escrow.Task{}, fmt.Errorf("%w: approved must be a boolean", escrow.ErrInvalidInput)
	}
	return r.ledger.VerifyWork(ctx, id, req.Caller, approved)
}

func (r *Router) emergencyWithdraw(ctx context.Context, req Request) (escrow.Task, error) {
	id, err := taskIDParam(req.Params)
	if err != nil {
		return escrow.Task{}, err
	}
	return r.ledger.EmergencyWithdraw(ctx, id, req.Caller)
}

func (r *Router) getTask(ctx context.Context, req Request) (escrow.Task, error) {
	id, err := taskIDParam(req.Params)
	if err != nil {
		return escrow.Task{}, err
	}
	return r.ledger.GetTask(ctx, id)
}

// taskIDParam accepts a JSON number, json.Number or decimal string.
func taskIDParam(params map[string]any) (int64, error) {
	var (
		id  int64
		err error
	)
	switch v := params["taskId"].(type) {
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt64 {
			return 0, fmt.Errorf("%w: taskId must be an integer", escrow.ErrInvalidInput)
		}
		id = int64(v)
	case int:
		id = int64(v)
	case int64:
		id = v
	case json.Number:
		id, err = v.Int64()
	case string:
		id, err = strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("%w: taskId is required", escrow.ErrInvalidInput)
	}
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid taskId", escrow.ErrInvalidInput)
	}
	return id, nil
}

// moneyParam reads a decimal amount. Strings are preferred; numbers are formatted without
// exponent so "1.0" and 1.0 parse the same.
func moneyParam(params map[string]any, key, currency string) (finance.Money, error) {
	var s string
	switch v := params[key].(type) {
	case string:
		s = v
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		s = v.String()
	default:
		return finance.Money{}, fmt.Errorf("%w: %s is required", escrow.ErrInvalidInput, key)
	}
	m, err := finance.ParseAmount(s, currency)
	if err != nil {
		return finance.Money{}, fmt.Errorf("%w: %s: %v", escrow.ErrInvalidInput, key, err)
	}
	return m, nil
}

// timeParam accepts RFC 3339 or a relative duration such as "+1h" measured from now.
func timeParam(params map[string]any, key string, now time.Time) (time.Time, error) {
	s, ok := params[key].(string)
	if !ok || s == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", escrow.ErrInvalidInput, key)
	}
	if rel, ok := strings.CutPrefix(s, "+"); ok {
		d, err := time.ParseDuration(rel)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s: %v", escrow.ErrInvalidInput, key, err)
		}
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339 or +duration", escrow.ErrInvalidInput, key)
	}
	return t, nil
}
