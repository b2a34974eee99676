package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/mcp"
	"github.com/riverventures/solana-agent-pay/validation"
)

// Transport wraps an MCP transport and pays for tool calls answered with a
// 402 error. A call is retried at most once.
type Transport struct {
	baseTransport transport.Interface
	config        *Config
}

// NewTransport creates a paying transport over streamable HTTP.
func NewTransport(serverURL string, opts ...Option) (*Transport, error) {
	config := DefaultConfig(serverURL)
	for _, opt := range opts {
		opt(config)
	}

	var httpOpts []transport.StreamableHTTPCOption
	if config.HTTPClient != nil {
		httpOpts = append(httpOpts, transport.WithHTTPBasicClient(config.HTTPClient))
	}
	base, err := transport.NewStreamableHTTP(serverURL, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create base transport: %w", err)
	}
	return newTransport(base, config), nil
}

// WrapTransport adds payment handling to an existing MCP transport, such as
// a stdio or SSE transport.
func WrapTransport(base transport.Interface, opts ...Option) *Transport {
	config := DefaultConfig("")
	for _, opt := range opts {
		opt(config)
	}
	return newTransport(base, config)
}

func newTransport(base transport.Interface, config *Config) *Transport {
	if config.Selector == nil {
		config.Selector = x402.NewDefaultPaymentSelector()
	}
	return &Transport{baseTransport: base, config: config}
}

// Start starts the MCP connection.
func (t *Transport) Start(ctx context.Context) error {
	return t.baseTransport.Start(ctx)
}

// SendRequest implements transport.Interface by intercepting requests and handling 402 errors.
func (t *Transport) SendRequest(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	resp, err := t.baseTransport.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error == nil || resp.Error.Code != mcp.CodePaymentRequired {
		return resp, nil
	}

	tool := toolName(req)
	challenge, err := extractPaymentRequired(resp.Error.Data)
	if err != nil {
		return resp, mcp.WrapX402Error(err, tool)
	}

	start := time.Now()
	ev := x402.PaymentEvent{Method: "MCP", Resource: tool}
	payment, selected, err := x402.Pay(ctx, t.config.Selector, t.config.Signers, challenge.Accepts)
	if selected != nil {
		ev.Amount = selected.MaxAmountRequired
		ev.Asset = selected.Asset
		ev.Network = selected.Network
		ev.Scheme = selected.Scheme
		ev.Recipient = selected.PayTo
		ev.Metadata = map[string]interface{}{"requirement_resource": selected.Resource}
	}
	if err != nil {
		t.fail(ev, err, start)
		return resp, mcp.WrapX402Error(err, tool)
	}

	ev.Type = x402.PaymentEventAttempt
	t.emit(t.config.OnPaymentAttempt, ev)

	paid, err := injectPaymentMeta(req, payment)
	if err != nil {
		t.fail(ev, err, start)
		return resp, fmt.Errorf("failed to inject payment: %w", err)
	}
	return t.retryWithPayment(ctx, paid, ev, start)
}

func (t *Transport) retryWithPayment(ctx context.Context, req transport.JSONRPCRequest, ev x402.PaymentEvent, start time.Time) (*transport.JSONRPCResponse, error) {
	resp, err := t.baseTransport.SendRequest(ctx, req)
	if err != nil {
		t.fail(ev, x402.NewPaymentError(x402.ErrCodeNetworkError, "paid request failed", err), start)
		return resp, err
	}

	if resp.Error != nil {
		t.fail(ev, x402.NewPaymentError(x402.ErrCodeVerificationFailed, "payment not accepted", nil).
			WithDetails("code", resp.Error.Code).
			WithDetails("message", resp.Error.Message), start)
		return resp, nil
	}

	if receipt := ReceiptFromResult(resp.Result); receipt != nil {
		ev.Transaction = receipt.Transaction
		ev.Payer = receipt.Payer
	}
	ev.Type = x402.PaymentEventSuccess
	ev.Duration = time.Since(start)
	t.emit(t.config.OnPaymentSuccess, ev)
	return resp, nil
}

// SendNotification sends a notification to the server.
func (t *Transport) SendNotification(ctx context.Context, notif mcpproto.JSONRPCNotification) error {
	return t.baseTransport.SendNotification(ctx, notif)
}

// SetNotificationHandler sets the notification handler.
func (t *Transport) SetNotificationHandler(handler func(mcpproto.JSONRPCNotification)) {
	t.baseTransport.SetNotificationHandler(handler)
}

// Close closes the transport.
func (t *Transport) Close() error {
	return t.baseTransport.Close()
}

// GetSessionId returns the session ID.
func (t *Transport) GetSessionId() string {
	return t.baseTransport.GetSessionId()
}

func (t *Transport) fail(ev x402.PaymentEvent, err error, start time.Time) {
	ev.Type = x402.PaymentEventFailure
	ev.Error = err
	ev.Duration = time.Since(start)
	t.emit(t.config.OnPaymentFailure, ev)
}

func (t *Transport) emit(cb x402.PaymentCallback, ev x402.PaymentEvent) {
	x402.Emit([]x402.PaymentCallback{cb}, ev)
}

// extractPaymentRequired decodes and validates the challenge carried in a
// 402 error's data.
func extractPaymentRequired(data interface{}) (*mcp.PaymentRequired, error) {
	if data == nil {
		return nil, mcp.ErrNoPaymentRequirements
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error data: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, mcp.ErrNoPaymentRequirements
	}

	var pr mcp.PaymentRequired
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "failed to decode payment requirements", err)
	}
	if pr.X402Version != x402.X402Version {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements,
			fmt.Sprintf("unsupported x402 version: %d (expected %d)", pr.X402Version, x402.X402Version), x402.ErrInvalidRequirements)
	}
	if len(pr.Accepts) == 0 {
		return nil, mcp.ErrNoPaymentRequirements
	}
	if err := validation.ValidatePaymentRequired(pr); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "invalid payment requirements", err)
	}
	return &pr, nil
}

// injectPaymentMeta puts the payment into params._meta without touching the
// caller's params.
func injectPaymentMeta(req transport.JSONRPCRequest, payment *x402.PaymentPayload) (transport.JSONRPCRequest, error) {
	params := make(map[string]interface{})
	if req.Params != nil {
		data, err := json.Marshal(req.Params)
		if err != nil {
			return req, fmt.Errorf("failed to marshal params: %w", err)
		}
		if err := json.Unmarshal(data, &params); err != nil {
			return req, fmt.Errorf("%w: params must be an object", mcp.ErrInvalidRequest)
		}
	}

	meta, ok := params["_meta"].(map[string]interface{})
	if !ok {
		meta = make(map[string]interface{})
	}
	meta[mcp.MetaPayment] = payment
	params["_meta"] = meta

	paid := req
	paid.Params = params
	return paid, nil
}

// ReceiptFromResult returns the receipt in a tool result's _meta, or nil.
func ReceiptFromResult(result interface{}) *x402.Receipt {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	var envelope struct {
		Meta map[string]json.RawMessage `json:"_meta"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	data, ok := envelope.Meta[mcp.MetaPaymentResponse]
	if !ok {
		return nil
	}
	var receipt x402.Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil
	}
	return &receipt
}

func toolName(req transport.JSONRPCRequest) string {
	raw, err := json.Marshal(req.Params)
	if err != nil {
		return req.Method
	}
	var p struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &p) != nil || p.Name == "" {
		return req.Method
	}
	return p.Name
}
