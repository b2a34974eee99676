package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/dedupe"
	"github.com/riverventures/solana-agent-pay/encoding"
	"github.com/riverventures/solana-agent-pay/gateway"
	"github.com/riverventures/solana-agent-pay/provider"
)

type mockFacilitator struct {
	settles atomic.Int32
	invalid string
}

func (m *mockFacilitator) Verify(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.VerifyResponse, error) {
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

func newGateway(t *testing.T, fac *mockFacilitator) *gateway.Gateway {
	t.Helper()
	table, err := gateway.NewPriceTable(gateway.Merchant{
		Network:  x402.NetworkSolanaDevnet,
		Asset:    x402.SolanaDevnet.USDCAddress,
		PayTo:    "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Decimals: 6,
	}, []gateway.Price{{Path: "/v1/chat", Price: "0.01"}})
	if err != nil {
		t.Fatal(err)
	}
	prov := provider.Func(func(context.Context, *provider.Request) (*provider.Response, error) {
		return &provider.Response{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"reply":"hello"}`)}, nil
	})
	gw, err := gateway.New(gateway.Config{BaseURL: "https://api.example.com", Prices: table}, fac, dedupe.NewMemoryStore(), prov)
	if err != nil {
		t.Fatal(err)
	}
	return gw
}

func paymentHeader(t *testing.T, tx string) string {
	t.Helper()
	h, err := encoding.EncodePayment(x402.PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkSolanaDevnet,
		Payload:     x402.SVMPayload{Transaction: tx},
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestGinMiddleware_NoPaymentReturns402(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewX402Middleware(newGateway(t, &mockFacilitator{}), Config{}))
	r.POST("/v1/chat", func(c *gin.Context) { t.Error("handler reached without payment") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{}`)))

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", w.Code)
	}
	var pr x402.PaymentRequired
	if err := json.Unmarshal(w.Body.Bytes(), &pr); err != nil {
		t.Fatal(err)
	}
	if pr.X402Version != 1 || len(pr.Accepts) != 1 || pr.Accepts[0].MaxAmountRequired != "10000" {
		t.Errorf("challenge = %+v", pr)
	}
	if pr.Accepts[0].Resource != "https://api.example.com/v1/chat" {
		t.Errorf("resource = %q", pr.Accepts[0].Resource)
	}
}

func TestGinMiddleware_PaidRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fac := &mockFacilitator{}
	r := gin.New()
	var seen *gateway.Outcome
	r.Use(func(c *gin.Context) {
		c.Next()
		seen = GetOutcome(c)
	})
	r.Use(NewX402Middleware(newGateway(t, fac), Config{}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{}`))
	req.Header.Set(x402.HeaderPayment, paymentHeader(t, "AQIDBA=="))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get(x402.HeaderPaymentResponse) == "" {
		t.Error("missing receipt header")
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	payment, _ := body["payment"].(map[string]interface{})
	if body["reply"] != "hello" || payment["settled"] != true || payment["transaction"] != "5sig" {
		t.Errorf("body = %v", body)
	}
	if seen == nil || seen.Receipt == nil || !seen.Receipt.Success {
		t.Errorf("outcome = %+v", seen)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{}`))
	req.Header.Set(x402.HeaderPayment, paymentHeader(t, "AQIDBA=="))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("replay status = %d", w.Code)
	}
	if fac.settles.Load() != 1 {
		t.Errorf("settles = %d", fac.settles.Load())
	}
}

func TestGinMiddleware_FreeRoutesPassThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewX402Middleware(newGateway(t, &mockFacilitator{}), Config{}))
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}

func TestGinMiddleware_InvalidProof(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewX402Middleware(newGateway(t, &mockFacilitator{invalid: x402.InvalidReasonInsufficientFunds}), Config{}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set(x402.HeaderPayment, paymentHeader(t, "AQID"))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", w.Code)
	}
	var pr x402.PaymentRequired
	json.Unmarshal(w.Body.Bytes(), &pr)
	if pr.Error != x402.InvalidReasonInsufficientFunds || len(pr.Accepts) != 1 {
		t.Errorf("challenge = %+v", pr)
	}
}

func TestGinMiddleware_InvalidPaymentHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewX402Middleware(newGateway(t, &mockFacilitator{}), Config{}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set(x402.HeaderPayment, "garbage")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	var body gateway.ErrorBody
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Code != x402.ErrCodeMalformedPayload {
		t.Errorf("code = %q", body.Code)
	}
}

func TestGinMiddleware_BodyTooLarge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fac := &mockFacilitator{}
	r := gin.New()
	r.Use(NewX402Middleware(newGateway(t, fac), Config{MaxBodyBytes: 16}))
	r.POST("/v1/chat", func(c *gin.Context) { t.Error("handler reached after oversized body") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(strings.Repeat("a", 64)))
	req.Header.Set(x402.HeaderPayment, paymentHeader(t, "dHg="))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d; want 413", w.Code)
	}
	var body gateway.ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != x402.ErrCodeInvalidRequest {
		t.Errorf("code = %q; want %q", body.Code, x402.ErrCodeInvalidRequest)
	}
	if fac.settles.Load() != 0 {
		t.Error("oversized request settled")
	}
}

func TestMount_RouterGroup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	Mount(r, newGateway(t, &mockFacilitator{}), Config{})

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, "/v1/chat", nil))
		if w.Code != http.StatusPaymentRequired {
			t.Errorf("%s status = %d", method, w.Code)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/other", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unmounted status = %d", w.Code)
	}
}
