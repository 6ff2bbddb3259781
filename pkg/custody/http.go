package custody

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/escrow"
	"github.com/Mindburn-Labs/paygate/pkg/finance"
	"github.com/Mindburn-Labs/paygate/pkg/util/resiliency"
)

// HTTP forwards custody operations to the chain facilitator's custody endpoints.
type HTTP struct {
	baseURL string
	client  *resiliency.Client
}

func NewHTTP(baseURL string, client *resiliency.Client) *HTTP {
	return &HTTP{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type lockRequest struct {
	Key     string        `json:"key"`
	Account string        `json:"account"`
	Amount  finance.Money `json:"amount"`
}

type transferRequest struct {
	Key    string       `json:"key"`
	TaskID int64        `json:"task_id"`
	Kind   string       `json:"kind"`
	Legs   []escrow.Leg `json:"legs"`
}

type custodyResponse struct {
	Reference string `json:"reference"`
}

func (h *HTTP) Lock(ctx context.Context, key, account string, amount finance.Money) (string, error) {
	var out custodyResponse
	if err := h.client.PostJSON(ctx, h.baseURL+"/lock", key, lockRequest{Key: key, Account: account, Amount: amount}, &out); err != nil {
		return "", fmt.Errorf("custody lock %s: %w", key, err)
	}
	if out.Reference == "" {
		return "", fmt.Errorf("custody lock %s: empty reference", key)
	}
	return out.Reference, nil
}

func (h *HTTP) Transfer(ctx context.Context, p escrow.Payout) (string, error) {
	req := transferRequest{Key: p.Key, TaskID: p.TaskID, Kind: string(p.Kind), Legs: p.Legs}
	var out custodyResponse
	if err := h.client.PostJSON(ctx, h.baseURL+"/transfer", p.Key, req, &out); err != nil {
		return "", fmt.Errorf("custody transfer %s: %w", p.Key, err)
	}
	if out.Reference == "" {
		return "", fmt.Errorf("custody transfer %s: empty reference", p.Key)
	}
	return out.Reference, nil
}

// DefaultTimeout bounds a single custody call.
const DefaultTimeout = 10 * time.Second

var _ escrow.Custody = (*HTTP)(nil)
