package settlement

import (
	"context"
	"errors"
	"strings"

	"github.com/Mindburn-Labs/paygate/pkg/util/resiliency"
)

// HTTPFacilitator settles proofs through a remote facilitator's /settle endpoint.
type HTTPFacilitator struct {
	baseURL string
	client  *resiliency.Client
}

func NewHTTPFacilitator(baseURL string, client *resiliency.Client) *HTTPFacilitator {
	return &HTTPFacilitator{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type settleRequest struct {
	IdempotencyKey string  `json:"idempotencyKey"`
	Proof          []byte  `json:"proof"`
	Requirements   Request `json:"requirements"`
}

func (h *HTTPFacilitator) Settle(ctx context.Context, req Request) (Receipt, error) {
	body := settleRequest{IdempotencyKey: req.ProofID, Proof: req.Payload, Requirements: req}
	body.Requirements.Payload = nil

	var receipt Receipt
	err := h.client.PostJSON(ctx, h.baseURL+"/settle", req.ProofID, body, &receipt)
	if err == nil {
		return receipt, nil
	}
	var se *resiliency.StatusError
	if errors.As(err, &se) && !se.Temporary() {
		return Receipt{}, permanent("facilitator rejected proof: "+se.Body, err)
	}
	return Receipt{}, err
}
