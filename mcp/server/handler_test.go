package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/dedupe"
	"github.com/riverventures/solana-agent-pay/encoding"
	"github.com/riverventures/solana-agent-pay/gateway"
	"github.com/riverventures/solana-agent-pay/mcp"
)

type mockFacilitator struct {
	verifies atomic.Int32
	settles  atomic.Int32
	invalid  string
}

func (m *mockFacilitator) Verify(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	m.verifies.Add(1)
	if m.invalid != "" {
		return &x402.VerifyResponse{InvalidReason: m.invalid}, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "payer"}, nil
}

func (m *mockFacilitator) Settle(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.SettleResponse, error) {
	m.settles.Add(1)
	return &x402.SettleResponse{Success: true, Transaction: "5sig", Network: x402.NetworkSolanaDevnet, Payer: "payer"}, nil
}

func (m *mockFacilitator) Supported(context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{}, nil
}

// mockMCPHandler simulates an MCP server response.
type mockMCPHandler struct {
	response interface{}
	calls    atomic.Int32
	lastBody []byte
}

func (h *mockMCPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls.Add(1)
	h.lastBody, _ = io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.response)
}

var testMerchant = gateway.Merchant{
	Network:  x402.NetworkSolanaDevnet,
	Asset:    x402.SolanaDevnet.USDCAddress,
	PayTo:    "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
	Decimals: 6,
}

func newHandler(t *testing.T, fac *mockFacilitator, next http.Handler) *X402Handler {
	t.Helper()
	table, err := gateway.NewPriceTable(testMerchant, []gateway.Price{{Path: toolPath("search"), Price: "0.01"}})
	if err != nil {
		t.Fatal(err)
	}
	gw, err := gateway.New(gateway.Config{BaseURL: DefaultBaseURL, Prices: table}, fac, dedupe.NewMemoryStore(), toolProvider{next: next})
	if err != nil {
		t.Fatal(err)
	}
	return NewX402Handler(next, gw, nil)
}

func toolCall(t *testing.T, name string, payment interface{}) *http.Request {
	t.Helper()
	params := map[string]interface{}{"name": name, "arguments": map[string]interface{}{"q": "go"}}
	if payment != nil {
		params["_meta"] = map[string]interface{}{mcp.MetaPayment: payment}
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"id":      7,
		"params":  params,
	})
	if err != nil {
		t.Fatal(err)
	}
	return httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
}

func testPayment() x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkSolanaDevnet,
		Payload:     x402.SVMPayload{Transaction: "AQIDBA=="},
	}
}

type rpcResponse struct {
	ID     interface{}            `json:"id"`
	Result map[string]interface{} `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func decodeRPC(t *testing.T, w *httptest.ResponseRecorder) rpcResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("http status = %d", w.Code)
	}
	var resp rpcResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v (%s)", err, w.Body.String())
	}
	return resp
}

func okTool() *mockMCPHandler {
	return &mockMCPHandler{response: map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      7,
		"result":  map[string]interface{}{"content": []interface{}{map[string]interface{}{"type": "text", "text": "found"}}},
	}}
}

func TestHandler_FreeToolPassesThrough(t *testing.T) {
	next := okTool()
	fac := &mockFacilitator{}
	h := newHandler(t, fac, next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, toolCall(t, "echo", nil))

	resp := decodeRPC(t, w)
	if resp.Error != nil || next.calls.Load() != 1 {
		t.Fatalf("resp = %+v calls = %d", resp, next.calls.Load())
	}
	if fac.verifies.Load() != 0 {
		t.Error("free tool reached the facilitator")
	}
}

func TestHandler_PaidToolWithoutPayment(t *testing.T) {
	next := okTool()
	h := newHandler(t, &mockFacilitator{}, next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, toolCall(t, "search", nil))

	resp := decodeRPC(t, w)
	if resp.Error == nil || resp.Error.Code != mcp.CodePaymentRequired {
		t.Fatalf("resp = %+v", resp)
	}
	var pr mcp.PaymentRequired
	if err := json.Unmarshal(resp.Error.Data, &pr); err != nil {
		t.Fatal(err)
	}
	if pr.X402Version != 1 || len(pr.Accepts) != 1 {
		t.Fatalf("challenge = %+v", pr)
	}
	if pr.Accepts[0].Resource != "mcp://tools/search" || pr.Accepts[0].MaxAmountRequired != "10000" {
		t.Errorf("requirement = %+v", pr.Accepts[0])
	}
	if next.calls.Load() != 0 {
		t.Error("tool ran without payment")
	}
}

func TestHandler_PaidToolWithPayment(t *testing.T) {
	tests := []struct {
		name    string
		payment interface{}
	}{
		{"object", testPayment()},
		{"encoded string", mustEncode(t, testPayment())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := okTool()
			fac := &mockFacilitator{}
			h := newHandler(t, fac, next)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, toolCall(t, "search", tt.payment))

			resp := decodeRPC(t, w)
			if resp.Error != nil {
				t.Fatalf("error = %+v", resp.Error)
			}
			if resp.ID != float64(7) {
				t.Errorf("id = %v", resp.ID)
			}
			if _, ok := resp.Result["content"]; !ok {
				t.Errorf("result = %v", resp.Result)
			}
			meta, _ := resp.Result["_meta"].(map[string]interface{})
			receipt, _ := meta[mcp.MetaPaymentResponse].(map[string]interface{})
			if receipt["success"] != true || receipt["transaction"] != "5sig" {
				t.Errorf("receipt = %v", receipt)
			}
			if fac.settles.Load() != 1 {
				t.Errorf("settles = %d", fac.settles.Load())
			}
			// the tool sees the original JSON-RPC message
			var forwarded map[string]interface{}
			if err := json.Unmarshal(next.lastBody, &forwarded); err != nil || forwarded["method"] != "tools/call" {
				t.Errorf("forwarded = %s", next.lastBody)
			}
		})
	}
}

func TestHandler_ReplayRejected(t *testing.T) {
	next := okTool()
	fac := &mockFacilitator{}
	h := newHandler(t, fac, next)

	h.ServeHTTP(httptest.NewRecorder(), toolCall(t, "search", testPayment()))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, toolCall(t, "search", testPayment()))
	resp := decodeRPC(t, w)
	if resp.Error == nil || resp.Error.Code != mcp.CodeInvalidParams {
		t.Fatalf("resp = %+v", resp)
	}
	var body gateway.ErrorBody
	if err := json.Unmarshal(resp.Error.Data, &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != x402.ErrCodeDuplicatePayment {
		t.Errorf("code = %q", body.Code)
	}
	if next.calls.Load() != 1 || fac.settles.Load() != 1 {
		t.Errorf("calls = %d settles = %d", next.calls.Load(), fac.settles.Load())
	}
}

func TestHandler_InvalidPayment(t *testing.T) {
	next := okTool()
	h := newHandler(t, &mockFacilitator{invalid: x402.InvalidReasonInsufficientFunds}, next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, toolCall(t, "search", testPayment()))

	resp := decodeRPC(t, w)
	if resp.Error == nil || resp.Error.Code != mcp.CodePaymentRequired {
		t.Fatalf("resp = %+v", resp)
	}
	var pr mcp.PaymentRequired
	json.Unmarshal(resp.Error.Data, &pr)
	if pr.Error != x402.InvalidReasonInsufficientFunds {
		t.Errorf("error = %q", pr.Error)
	}
	if next.calls.Load() != 0 {
		t.Error("tool ran for an invalid payment")
	}
}

func TestHandler_MalformedPaymentMeta(t *testing.T) {
	h := newHandler(t, &mockFacilitator{}, okTool())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, toolCall(t, "search", 42))

	resp := decodeRPC(t, w)
	if resp.Error == nil || resp.Error.Code != mcp.CodeInvalidParams {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandler_ToolErrorNotSettled(t *testing.T) {
	tests := []struct {
		name     string
		response interface{}
	}{
		{
			name: "jsonrpc error",
			response: map[string]interface{}{
				"jsonrpc": "2.0", "id": 7,
				"error": map[string]interface{}{"code": -32603, "message": "boom"},
			},
		},
		{
			name: "isError result",
			response: map[string]interface{}{
				"jsonrpc": "2.0", "id": 7,
				"result": map[string]interface{}{"isError": true, "content": []interface{}{}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fac := &mockFacilitator{}
			h := newHandler(t, fac, &mockMCPHandler{response: tt.response})

			w := httptest.NewRecorder()
			h.ServeHTTP(w, toolCall(t, "search", testPayment()))

			resp := decodeRPC(t, w)
			if resp.Error == nil || resp.Error.Code != mcp.CodeInternalError {
				t.Fatalf("resp = %+v", resp)
			}
			if fac.settles.Load() != 0 {
				t.Errorf("settles = %d", fac.settles.Load())
			}
		})
	}
}

func TestHandler_NonToolMessages(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
	}{
		{"get", http.MethodGet, ""},
		{"initialize", http.MethodPost, `{"jsonrpc":"2.0","method":"initialize","id":1}`},
		{"batch", http.MethodPost, `[{"jsonrpc":"2.0","method":"tools/list","id":1}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := okTool()
			h := newHandler(t, &mockFacilitator{}, next)
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, "/mcp", bytes.NewBufferString(tt.body)))
			if next.calls.Load() != 1 {
				t.Errorf("calls = %d", next.calls.Load())
			}
		})
	}
}

func TestX402Server_AddPayableTool(t *testing.T) {
	s := NewX402Server("test", "1.0.0", Config{Merchant: testMerchant})
	handler := func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		return mcpproto.NewToolResultText("ok"), nil
	}
	var _ mcpserver.ToolHandlerFunc = handler

	if err := s.AddPayableTool(mcpproto.NewTool("search"), gateway.Price{Price: "0.01"}, handler); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPayableTool(mcpproto.NewTool("search"), gateway.Price{Price: "0.02"}, handler); err == nil {
		t.Error("duplicate tool accepted")
	}
	if err := s.AddPayableTool(mcpproto.NewTool("bad"), gateway.Price{Price: "abc"}, handler); err == nil {
		t.Error("invalid price accepted")
	}
	if _, err := s.Handler(); err == nil {
		t.Error("handler built without facilitator")
	}

	s.config.Facilitator = &mockFacilitator{}
	s.config.Store = dedupe.NewMemoryStore()
	if _, err := s.Handler(); err != nil {
		t.Fatal(err)
	}
}

func mustEncode(t *testing.T, p x402.PaymentPayload) string {
	t.Helper()
	h, err := encoding.EncodePayment(p)
	if err != nil {
		t.Fatal(err)
	}
	return h
}
