package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paygate/pkg/custody"
	"github.com/Mindburn-Labs/paygate/pkg/escrow"
	"github.com/Mindburn-Labs/paygate/pkg/paygate"
	"github.com/Mindburn-Labs/paygate/pkg/pricing"
	"github.com/Mindburn-Labs/paygate/pkg/router"
	"github.com/Mindburn-Labs/paygate/pkg/settlement"
	"github.com/Mindburn-Labs/paygate/pkg/tools"
)

const mcpPrices = `
version: 1.0.0
currency: USDC
network: base-sepolia
recipient: "0x3333333333333333333333333333333333333333"
operations:
  analyze-wallet:
    price: "0.01"
    description: Wallet risk analysis
    schema:
      type: object
      required: [address]
      properties:
        address:
          type: string
  claim-task:
    price: "0"
    kind: escrow
  get-task:
    price: "0"
    kind: escrow
`

func newServer(t *testing.T, caller string) (*Server, *settlement.Local) {
	t.Helper()
	local := settlement.NewLocal()
	prices, err := pricing.Parse([]byte(mcpPrices))
	require.NoError(t, err)
	keys, err := paygate.NewKeySet("k1", []byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	gate := paygate.NewGate(prices, settlement.NewClient(local, time.Second), paygate.NewMemoryConsumedStore(), keys)
	ledger := escrow.NewLedger(escrow.NewMemoryStore(), custody.NewMemory(false))

	reg := tools.NewRegistry()
	reg.Register("analyze-wallet", tools.ExecutorFunc(func(_ context.Context, params map[string]any) (any, error) {
		return map[string]any{"address": params["address"], "risk": "low"}, nil
	}))
	rt, err := router.New(gate, ledger, reg)
	require.NoError(t, err)

	s, err := NewServer(rt, prices, "test", WithCaller(caller))
	require.NoError(t, err)
	return s, local
}

func call(t *testing.T, s *Server, tool string, args map[string]any) *mcpgo.CallToolResult {
	t.Helper()
	req := mcpgo.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := s.handler(tool)(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func text(t *testing.T, res *mcpgo.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcpgo.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestTools(t *testing.T) {
	s, _ := newServer(t, "")
	tools := s.Tools()
	require.Len(t, tools, 3)

	byName := make(map[string]mcpgo.Tool)
	for _, tool := range tools {
		byName[tool.Name] = tool
	}

	paid := byName["analyze-wallet"]
	assert.Contains(t, paid.Description, "Wallet risk analysis")
	assert.Contains(t, paid.Description, "0.010000 USDC on base-sepolia")
	var schema map[string]any
	require.NoError(t, json.Unmarshal(paid.RawInputSchema, &schema))
	props := schema["properties"].(map[string]any)
	assert.Contains(t, props, "address")
	assert.Contains(t, props, PaymentArg)
	assert.Contains(t, props, ChallengeArg)
	assert.Equal(t, []any{"address"}, schema["required"])

	free := byName["get-task"]
	assert.Contains(t, free.Description, "Free")
	require.NoError(t, json.Unmarshal(free.RawInputSchema, &schema))
	assert.NotContains(t, schema["properties"].(map[string]any), PaymentArg)
}

func TestPaidToolCall(t *testing.T) {
	s, local := newServer(t, "agent-1")
	args := map[string]any{"address": "0xabc"}

	res := call(t, s, "analyze-wallet", args)
	require.True(t, res.IsError)
	var ch paygate.Challenge
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &ch))
	assert.Equal(t, "0.010000", ch.Price)
	assert.Contains(t, text(t, res), `"error":"payment required"`)

	payload, err := json.Marshal(settlement.LocalPayload{
		Payer: "0xagent", Amount: ch.Price, Currency: ch.Currency, Network: ch.Network,
		PayTo: ch.Recipient, Resource: ch.Resource, Nonce: ch.Nonce,
	})
	require.NoError(t, err)
	paid := map[string]any{
		"address":    "0xabc",
		PaymentArg:   base64.StdEncoding.EncodeToString(payload),
		ChallengeArg: ch.Token,
	}

	res = call(t, s, "analyze-wallet", paid)
	require.False(t, res.IsError, text(t, res))
	resp, ok := res.StructuredContent.(router.Response)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"address": "0xabc", "risk": "low"}, resp.Result)

	res = call(t, s, "analyze-wallet", paid)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), string(paygate.ReplayRejected))
	assert.Equal(t, 1, local.Calls())
}

func TestToolErrors(t *testing.T) {
	s, _ := newServer(t, "")

	res := call(t, s, "analyze-wallet", map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "invalid params")

	res = call(t, s, "analyze-wallet", map[string]any{"address": "0xabc", PaymentArg: "%%%"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "base64")

	res = call(t, s, "claim-task", map[string]any{"taskId": 1})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not permitted")

	res = call(t, s, "get-task", map[string]any{"taskId": 7})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not found")
}
