package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/gateway"
	"github.com/riverventures/solana-agent-pay/mcp"
	"github.com/riverventures/solana-agent-pay/provider"
)

// maxRequestBody caps an inbound JSON-RPC message.
const maxRequestBody = 4 << 20

// X402Handler intercepts tools/call for paid tools and runs them through
// the gateway. Every other message goes straight to the MCP handler.
type X402Handler struct {
	mcpHandler http.Handler
	gateway    *gateway.Gateway
	logger     *slog.Logger
}

// NewX402Handler wraps mcpHandler. gw must have been built with a
// toolProvider over the same mcpHandler; X402Server.Handler does this.
func NewX402Handler(mcpHandler http.Handler, gw *gateway.Gateway, logger *slog.Logger) *X402Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &X402Handler{mcpHandler: mcpHandler, gateway: gw, logger: logger}
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type toolCallParams struct {
	Name string                     `json:"name"`
	Meta map[string]json.RawMessage `json:"_meta"`
}

// ServeHTTP implements http.Handler.
func (h *X402Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, nil, mcp.CodeParseError, "Parse error", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Method != "tools/call" {
		// Batches and non-tool messages are the MCP server's business.
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(w, req.ID, mcp.CodeInvalidParams, "Invalid params", nil)
		return
	}
	path := toolPath(params.Name)
	if params.Name == "" || !h.gateway.Priced(path) {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	paymentHeader, err := paymentFromMeta(params.Meta)
	if err != nil {
		writeError(w, req.ID, mcp.CodeInvalidParams, err.Error(), gateway.ErrorBody{
			X402Version: x402.X402Version,
			Error:       err.Error(),
			Code:        x402.ErrCodeMalformedPayload,
		})
		return
	}

	ctx := context.WithValue(r.Context(), inboundKey{}, r)
	out := h.gateway.Handle(ctx, &gateway.Request{
		Path:          path,
		Method:        r.Method,
		Header:        r.Header.Clone(),
		Body:          body,
		PaymentHeader: paymentHeader,
		Transport:     "MCP",
	})
	h.writeOutcome(w, req.ID, out)
}

// paymentFromMeta returns the payload in _meta["x402/payment"] as an
// X-PAYMENT style header value. The payload may be sent as a JSON object or
// as an already encoded string.
func paymentFromMeta(meta map[string]json.RawMessage) (string, error) {
	raw, ok := meta[mcp.MetaPayment]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		return encoded, nil
	}
	if raw[0] != '{' {
		return "", fmt.Errorf("%s must be an object or string", mcp.MetaPayment)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (h *X402Handler) writeOutcome(w http.ResponseWriter, id interface{}, out *gateway.Outcome) {
	if out.RequestID != "" {
		w.Header().Set("X-Request-ID", out.RequestID)
	}
	switch {
	case out.Status == http.StatusOK:
		result := map[string]interface{}{}
		if err := json.Unmarshal(out.Response.Body, &result); err != nil {
			h.logger.Warn("tool result is not an object", "request_id", out.RequestID, "error", err)
			result = map[string]interface{}{}
		}
		meta, _ := result["_meta"].(map[string]interface{})
		if meta == nil {
			meta = map[string]interface{}{}
		}
		meta[mcp.MetaPaymentResponse] = out.Receipt
		result["_meta"] = meta
		writeJSON(w, map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})

	case out.Status == http.StatusPaymentRequired:
		message := "Payment required"
		if out.Challenge != nil && out.Challenge.Error != "" {
			message = "Payment required: " + out.Challenge.Error
		}
		writeError(w, id, mcp.CodePaymentRequired, message, out.Challenge)

	default:
		code := mcp.CodeInvalidParams
		if out.Status >= http.StatusInternalServerError {
			code = mcp.CodeInternalError
		}
		writeError(w, id, code, out.Message, gateway.ErrorBody{
			X402Version: x402.X402Version,
			Error:       out.Message,
			Code:        out.Code,
		})
	}
}

// writeError writes a JSON-RPC error response. JSON-RPC errors use status 200.
func writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	errObj := map[string]interface{}{"code": code, "message": message}
	if data != nil {
		errObj["data"] = data
	}
	writeJSON(w, map[string]interface{}{"jsonrpc": "2.0", "id": id, "error": errObj})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

type inboundKey struct{}

// toolProvider runs a paid tool call against the wrapped MCP handler. A
// JSON-RPC error or a result flagged isError counts as a failed call, so the
// payment is not settled.
type toolProvider struct {
	next http.Handler
}

func (p toolProvider) Call(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	inbound, ok := ctx.Value(inboundKey{}).(*http.Request)
	if !ok {
		return nil, fmt.Errorf("%w: tool call outside an MCP request", x402.ErrProviderUnavailable)
	}
	call := inbound.Clone(ctx)
	call.Body = io.NopCloser(bytes.NewReader(req.Body))
	call.ContentLength = int64(len(req.Body))

	rec := newResponseRecorder()
	p.next.ServeHTTP(rec, call)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.body.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("%w: unreadable tool response (status %d): %v", x402.ErrProviderUnavailable, rec.statusCode, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: tool error %d: %s", x402.ErrProviderUnavailable, resp.Error.Code, resp.Error.Message)
	}
	var flagged struct {
		IsError bool `json:"isError"`
	}
	if json.Unmarshal(resp.Result, &flagged) == nil && flagged.IsError {
		return nil, fmt.Errorf("%w: tool reported an error", x402.ErrProviderUnavailable)
	}
	return &provider.Response{StatusCode: http.StatusOK, ContentType: "application/json", Body: resp.Result}, nil
}

// responseRecorder captures the MCP handler's response.
type responseRecorder struct {
	headerMap  http.Header
	body       bytes.Buffer
	statusCode int
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{headerMap: make(http.Header), statusCode: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header {
	return r.headerMap
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}
