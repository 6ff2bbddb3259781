// Package mcp exposes every priced operation as an MCP tool. Payment travels in two reserved
// arguments: _payment (base64 proof) and _challenge (the token it answers). A call that needs
// payment returns an error result whose structured content is the challenge.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Mindburn-Labs/paygate/pkg/escrow"
	"github.com/Mindburn-Labs/paygate/pkg/paygate"
	"github.com/Mindburn-Labs/paygate/pkg/pricing"
	"github.com/Mindburn-Labs/paygate/pkg/router"
)

const (
	PaymentArg   = "_payment"
	ChallengeArg = "_challenge"
)

// Invoker runs one priced call. *router.Router implements it.
type Invoker interface {
	Invoke(ctx context.Context, req router.Request) (router.Response, error)
}

// Server wraps the mcp-go server.
type Server struct {
	mcpServer *mcpserver.MCPServer
	invoker   Invoker
	caller    string
	logger    *slog.Logger
	tools     []mcpgo.Tool
}

type Option func(*Server)

// WithCaller attributes every call on this server to caller. A stdio session belongs to one
// agent, so identity is fixed when the server starts.
func WithCaller(caller string) Option { return func(s *Server) { s.caller = caller } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer registers one tool per operation in prices.
func NewServer(invoker Invoker, prices *pricing.Table, version string, opts ...Option) (*Server, error) {
	s := &Server{
		mcpServer: mcpserver.NewMCPServer("paygate", version, mcpserver.WithToolCapabilities(false)),
		invoker:   invoker,
		logger:    slog.Default().With("component", "mcp"),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, p := range prices.Operations() {
		schema, err := toolSchema(p)
		if err != nil {
			return nil, err
		}
		tool := mcpgo.NewToolWithRawSchema(p.Operation, describe(p), schema)
		s.mcpServer.AddTool(tool, s.handler(p.Operation))
		s.tools = append(s.tools, tool)
	}
	return s, nil
}

// Tools lists the registered tools sorted by operation name.
func (s *Server) Tools() []mcpgo.Tool {
	return append([]mcpgo.Tool(nil), s.tools...)
}

// ServeStdio serves until ctx is done or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return mcpserver.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

func describe(p pricing.Price) string {
	var b strings.Builder
	if p.Description != "" {
		b.WriteString(strings.TrimSuffix(p.Description, "."))
		b.WriteString(". ")
	}
	if p.Free() {
		b.WriteString("Free.")
		return b.String()
	}
	fmt.Fprintf(&b, "Costs %s on %s. Call without %s to receive a payment challenge, then retry with %s and %s.",
		p.Amount.String(), p.Network, PaymentArg, PaymentArg, ChallengeArg)
	return b.String()
}

// toolSchema is the params schema plus the two payment arguments.
func toolSchema(p pricing.Price) (json.RawMessage, error) {
	schema := map[string]any{"type": "object"}
	if raw := p.ParamsSchema(); raw != nil {
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("operation %q: schema: %w", p.Operation, err)
		}
	}
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	if !p.Free() {
		props[PaymentArg] = map[string]any{"type": "string", "description": "Base64 payment proof answering the challenge."}
		props[ChallengeArg] = map[string]any{"type": "string", "description": "Challenge token the proof answers."}
	}
	schema["properties"] = props
	return json.Marshal(schema)
}

func (s *Server) handler(operation string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		params := make(map[string]any, len(args))
		var payment, token string
		for k, v := range args {
			switch k {
			case PaymentArg:
				payment, _ = v.(string)
			case ChallengeArg:
				token, _ = v.(string)
			default:
				params[k] = v
			}
		}

		proof, err := paygate.DecodeProof(payment, token)
		if err != nil {
			return errorResult(map[string]any{"error": err.Error()}), nil
		}
		resp, err := s.invoker.Invoke(ctx, router.Request{Operation: operation, Params: params, Caller: s.caller, Proof: proof})
		if err != nil {
			return s.failure(ctx, operation, err), nil
		}
		if resp.Outcome == router.OutcomePaymentRequired {
			reason := "payment required"
			if resp.Expired {
				reason = "challenge expired"
			}
			return errorResult(paymentRequired{Challenge: resp.Challenge, Error: reason}), nil
		}
		return result(resp, false), nil
	}
}

type paymentRequired struct {
	*paygate.Challenge
	Error string `json:"error"`
}

// failure renders err as a tool error. Internal details are logged, never returned.
func (s *Server) failure(ctx context.Context, operation string, err error) *mcpgo.CallToolResult {
	body := map[string]any{}

	var payErr *router.PaymentError
	var execErr *router.ExecutionError
	switch {
	case errors.As(err, &payErr):
		body["error"] = string(payErr.Decision)
		body["reason"] = payErr.Reason
		if payErr.Decision == paygate.Retryable {
			body["retryAfterSeconds"] = payErr.RetryAfter.Seconds()
		}
	case errors.Is(err, pricing.ErrUnknownOperation):
		body["error"] = "unknown operation"
	case errors.Is(err, pricing.ErrInvalidParams), errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrNotWithdrawable):
		body["error"] = err.Error()
	case errors.Is(err, escrow.ErrUnauthorized):
		s.logger.WarnContext(ctx, "unauthorized escrow action", "operation", operation, "caller", s.caller, "error", err)
		body["error"] = "caller is not permitted to perform this action"
	default:
		s.logger.ErrorContext(ctx, "tool call failed", "operation", operation, "error", err)
		body["error"] = "operation failed"
	}
	if errors.As(err, &execErr) && execErr.Settlement != nil {
		body["settlementReference"] = execErr.Settlement.Reference
	}
	return errorResult(body)
}

func errorResult(v any) *mcpgo.CallToolResult {
	return result(v, true)
}

func result(v any, isError bool) *mcpgo.CallToolResult {
	text, err := json.Marshal(v)
	if err != nil {
		text = []byte(`{"error":"unencodable result"}`)
	}
	return &mcpgo.CallToolResult{
		Content:           []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: string(text)}},
		StructuredContent: v,
		IsError:           isError,
	}
}
