package tools

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/paygate/pkg/util/resiliency"
)

// HTTPExecutor forwards a tool call to a remote service: POST url {"tool", "params"}, and the
// JSON response body is the result.
type HTTPExecutor struct {
	tool   string
	url    string
	client *resiliency.Client
}

func NewHTTPExecutor(tool, url string, client *resiliency.Client) *HTTPExecutor {
	return &HTTPExecutor{tool: tool, url: url, client: client}
}

type toolRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

func (h *HTTPExecutor) Execute(ctx context.Context, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	var out any
	if err := h.client.PostJSON(ctx, h.url, "", toolRequest{Tool: h.tool, Params: params}, &out); err != nil {
		return nil, fmt.Errorf("tool %s: %w", h.tool, err)
	}
	return out, nil
}
