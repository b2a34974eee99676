package http

import (
	"context"
	"encoding/base64"
	"math/big"
	"strconv"
	"sync/atomic"
	"testing"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/dedupe"
	"github.com/riverventures/solana-agent-pay/gateway"
	"github.com/riverventures/solana-agent-pay/provider"
)

const (
	testPayTo = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testPayer = "5oNDL3swdJJF1g9DzJiZ4ynHXgszjAEpUkxVYejchzrY"
)

// mockSigner implements x402.Signer and, when balance is set,
// x402.BalanceChecker.
type mockSigner struct {
	network   string
	maxAmount *big.Int
	priority  int
	signCalls atomic.Int32
	tx        string
}

func (m *mockSigner) Network() string { return m.network }
func (m *mockSigner) Scheme() string  { return x402.SchemeExact }
func (m *mockSigner) GetPriority() int {
	return m.priority
}
func (m *mockSigner) GetTokens() []x402.TokenConfig {
	return []x402.TokenConfig{{Address: x402.SolanaDevnet.USDCAddress, Symbol: "USDC", Decimals: 6}}
}
func (m *mockSigner) GetMaxAmount() *big.Int { return m.maxAmount }
func (m *mockSigner) CanSign(req *x402.PaymentRequirements) bool {
	return x402.SameNetwork(req.Network, m.network) && req.Asset == x402.SolanaDevnet.USDCAddress
}
func (m *mockSigner) Sign(_ context.Context, req *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	n := m.signCalls.Add(1)
	tx := m.tx
	if tx == "" {
		tx = base64.StdEncoding.EncodeToString([]byte{0x01, byte(n), 0x02, 0x03})
	}
	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload:     x402.SVMPayload{Transaction: tx},
	}, nil
}

type balanceSigner struct {
	mockSigner
	balance *big.Int
}

func (b *balanceSigner) Balance(context.Context, string) (*big.Int, error) {
	return b.balance, nil
}

type mockFacilitator struct {
	verifyCalls atomic.Int32
	settleCalls atomic.Int32
	invalid     string
}

func (m *mockFacilitator) Verify(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	m.verifyCalls.Add(1)
	if m.invalid != "" {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: m.invalid}, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: testPayer}, nil
}

func (m *mockFacilitator) Settle(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.SettleResponse, error) {
	m.settleCalls.Add(1)
	return &x402.SettleResponse{Success: true, Transaction: "5sig", Network: x402.NetworkSolanaDevnet, Payer: testPayer}, nil
}

func (m *mockFacilitator) Supported(context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{}, nil
}

// newTestGateway prices /v1/chat at 10000 atomic USDC on devnet. The
// provider echoes the request body inside a JSON object.
func newTestGateway(t *testing.T, fac *mockFacilitator, baseURL string) *gateway.Gateway {
	t.Helper()
	table, err := gateway.NewPriceTable(gateway.Merchant{
		Network:  x402.NetworkSolanaDevnet,
		Asset:    x402.SolanaDevnet.USDCAddress,
		PayTo:    testPayTo,
		Decimals: 6,
	}, []gateway.Price{{Path: "/v1/chat", Amount: "10000"}})
	if err != nil {
		t.Fatal(err)
	}
	prov := provider.Func(func(_ context.Context, req *provider.Request) (*provider.Response, error) {
		return &provider.Response{
			StatusCode:  200,
			ContentType: "application/json",
			Body:        []byte(`{"echo":` + strconv.Quote(string(req.Body)) + `}`),
		}, nil
	})
	gw, err := gateway.New(gateway.Config{BaseURL: baseURL, Prices: table}, fac, dedupe.NewMemoryStore(), prov)
	if err != nil {
		t.Fatal(err)
	}
	return gw
}
