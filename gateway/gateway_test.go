package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/dedupe"
	"github.com/riverventures/solana-agent-pay/encoding"
	"github.com/riverventures/solana-agent-pay/provider"
)

const (
	testPayTo = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testPayer = "5oNDL3swdJJF1g9DzJiZ4ynHXgszjAEpUkxVYejchzrY"
)

type mockFacilitator struct {
	verifyCalls atomic.Int32
	settleCalls atomic.Int32

	// networks records the payload network of every verify and settle call.
	mu       sync.Mutex
	networks []string

	verify func(ctx context.Context) (*x402.VerifyResponse, error)
	settle func(ctx context.Context) (*x402.SettleResponse, error)
}

func (m *mockFacilitator) record(p x402.PaymentPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networks = append(m.networks, p.Network)
}

func (m *mockFacilitator) seenNetworks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.networks...)
}

func (m *mockFacilitator) Verify(ctx context.Context, p x402.PaymentPayload, _ x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	m.verifyCalls.Add(1)
	m.record(p)
	if m.verify != nil {
		return m.verify(ctx)
	}
	return &x402.VerifyResponse{IsValid: true, Payer: testPayer}, nil
}

func (m *mockFacilitator) Settle(ctx context.Context, p x402.PaymentPayload, _ x402.PaymentRequirements) (*x402.SettleResponse, error) {
	m.settleCalls.Add(1)
	m.record(p)
	if m.settle != nil {
		return m.settle(ctx)
	}
	return &x402.SettleResponse{Success: true, Transaction: "5sig", Network: x402.NetworkSolanaDevnet, Payer: testPayer}, nil
}

func (m *mockFacilitator) Supported(context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{Kinds: []x402.SupportedKind{{X402Version: 1, Scheme: "exact", Network: x402.NetworkSolanaDevnet}}}, nil
}

type mockProvider struct {
	calls atomic.Int32
	err   error
	body  string
}

func (m *mockProvider) Call(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	body := m.body
	if body == "" {
		body = `{"reply":"hello"}`
	}
	return &provider.Response{StatusCode: 200, ContentType: "application/json", Body: []byte(body)}, nil
}

func newTestGateway(t *testing.T, fac *mockFacilitator, prov *mockProvider, opts ...Option) (*Gateway, *dedupe.MemoryStore) {
	t.Helper()
	table, err := NewPriceTable(Merchant{
		Network:  x402.NetworkSolanaDevnet,
		Asset:    x402.SolanaDevnet.USDCAddress,
		PayTo:    testPayTo,
		Decimals: 6,
	}, []Price{{Path: "/v1/chat", Amount: "10000", Description: "chat completion"}})
	if err != nil {
		t.Fatalf("NewPriceTable() error = %v", err)
	}
	store := dedupe.NewMemoryStore()
	g, err := New(Config{BaseURL: "https://api.example.com", Prices: table}, fac, store, prov, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g, store
}

func paymentHeader(t *testing.T, tx string, network string) string {
	t.Helper()
	h, err := encoding.EncodePayment(x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     network,
		Payload:     x402.SVMPayload{Transaction: base64.StdEncoding.EncodeToString([]byte(tx))},
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func chatRequest(header string) *Request {
	return &Request{Path: "/v1/chat", Method: http.MethodPost, Header: http.Header{}, Body: []byte(`{"q":"hi"}`), PaymentHeader: header}
}

func TestGateway_ChatScenario(t *testing.T) {
	fac := &mockFacilitator{}
	prov := &mockProvider{}
	g, store := newTestGateway(t, fac, prov)
	ctx := context.Background()

	out := g.Handle(ctx, chatRequest(""))
	if out.Status != http.StatusPaymentRequired {
		t.Fatalf("unpaid status = %d; want 402", out.Status)
	}
	var challenge x402.PaymentRequired
	if err := json.Unmarshal(out.Body, &challenge); err != nil {
		t.Fatal(err)
	}
	if challenge.X402Version != 1 || len(challenge.Accepts) != 1 {
		t.Fatalf("challenge = %+v", challenge)
	}
	req := challenge.Accepts[0]
	if req.MaxAmountRequired != "10000" || req.Resource != "https://api.example.com/v1/chat" || req.PayTo != testPayTo {
		t.Errorf("accepts[0] = %+v", req)
	}
	if fac.verifyCalls.Load() != 0 || prov.calls.Load() != 0 {
		t.Error("unpaid request reached facilitator or provider")
	}

	header := paymentHeader(t, "signed-transfer-1", x402.NetworkSolanaDevnet)
	out = g.Handle(ctx, chatRequest(header))
	if out.Status != http.StatusOK {
		t.Fatalf("paid status = %d body=%s", out.Status, out.Body)
	}
	var body struct {
		Reply   string         `json:"reply"`
		Payment PaymentSummary `json:"payment"`
	}
	if err := json.Unmarshal(out.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Reply != "hello" || !body.Payment.Settled || body.Payment.Transaction == nil || *body.Payment.Transaction != "5sig" {
		t.Errorf("paid body = %s", out.Body)
	}
	if body.Payment.Network != x402.NetworkSolanaDevnet || body.Payment.Payer != testPayer {
		t.Errorf("payment = %+v", body.Payment)
	}
	receipt, err := encoding.DecodeReceipt(out.Header().Get(x402.HeaderPaymentResponse))
	if err != nil || !receipt.Success || receipt.Transaction != "5sig" {
		t.Errorf("receipt = %+v, %v", receipt, err)
	}
	if e, _ := store.Lookup(ctx, out.Fingerprint); e == nil || e.State != dedupe.StateSettled {
		t.Errorf("ledger entry = %+v", e)
	}

	out = g.Handle(ctx, chatRequest(header))
	if out.Status != http.StatusConflict || out.Code != x402.ErrCodeDuplicatePayment {
		t.Errorf("replay = %d %s", out.Status, out.Code)
	}
	if got := fac.settleCalls.Load(); got != 1 {
		t.Errorf("settle calls = %d; want 1", got)
	}
	if got := prov.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d; want 1", got)
	}
}

func TestGateway_RejectsBeforeFacilitator(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		header string
		status int
		code   x402.ErrorCode
	}{
		{"unpriced path", "/v1/other", "x", http.StatusNotFound, x402.ErrCodeResourceNotFound},
		{"malformed header", "/v1/chat", "%%%not-base64", http.StatusBadRequest, x402.ErrCodeMalformedPayload},
		{"wrong network", "/v1/chat", "", http.StatusBadRequest, x402.ErrCodeRequirementMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fac := &mockFacilitator{}
			prov := &mockProvider{}
			g, _ := newTestGateway(t, fac, prov)

			header := tt.header
			if header == "" {
				header = paymentHeader(t, "tx", x402.NetworkSolana)
			}
			req := chatRequest(header)
			req.Path = tt.path
			out := g.Handle(context.Background(), req)

			if out.Status != tt.status || out.Code != tt.code {
				t.Errorf("Handle() = %d %s; want %d %s", out.Status, out.Code, tt.status, tt.code)
			}
			var body ErrorBody
			if err := json.Unmarshal(out.Body, &body); err != nil || body.Code != tt.code || body.X402Version != 1 {
				t.Errorf("error body = %s", out.Body)
			}
			if fac.verifyCalls.Load() != 0 || prov.calls.Load() != 0 {
				t.Error("rejected request reached facilitator or provider")
			}
		})
	}
}

func TestGateway_InvalidProofReleasesReservation(t *testing.T) {
	fac := &mockFacilitator{}
	fac.verify = func(ctx context.Context) (*x402.VerifyResponse, error) {
		if fac.verifyCalls.Load() == 1 {
			return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.InvalidReasonInsufficientFunds}, nil
		}
		return &x402.VerifyResponse{IsValid: true, Payer: testPayer}, nil
	}
	prov := &mockProvider{}
	g, store := newTestGateway(t, fac, prov)
	ctx := context.Background()

	out := g.Handle(ctx, chatRequest(paymentHeader(t, "underfunded", x402.NetworkSolanaDevnet)))
	if out.Status != http.StatusPaymentRequired || out.Code != x402.ErrCodeVerificationFailed {
		t.Fatalf("Handle() = %d %s", out.Status, out.Code)
	}
	if out.Challenge == nil || out.Challenge.Error != x402.InvalidReasonInsufficientFunds || len(out.Challenge.Accepts) != 1 {
		t.Errorf("challenge = %+v", out.Challenge)
	}
	if prov.calls.Load() != 0 || fac.settleCalls.Load() != 0 {
		t.Error("invalid proof reached provider or settle")
	}
	if _, err := store.Lookup(ctx, out.Fingerprint); !errors.Is(err, dedupe.ErrNotFound) {
		t.Errorf("reservation not released: %v", err)
	}

	out = g.Handle(ctx, chatRequest(paymentHeader(t, "funded", x402.NetworkSolanaDevnet)))
	if out.Status != http.StatusOK {
		t.Errorf("retry with different payload = %d", out.Status)
	}
}

func TestGateway_FacilitatorUnreachable(t *testing.T) {
	fac := &mockFacilitator{verify: func(ctx context.Context) (*x402.VerifyResponse, error) {
		return nil, x402.ErrFacilitatorUnavailable
	}}
	prov := &mockProvider{}
	g, store := newTestGateway(t, fac, prov)

	header := paymentHeader(t, "tx", x402.NetworkSolanaDevnet)
	out := g.Handle(context.Background(), chatRequest(header))
	if out.Status != http.StatusServiceUnavailable || out.Code != x402.ErrCodeFacilitatorUnavailable {
		t.Fatalf("Handle() = %d %s", out.Status, out.Code)
	}
	if store.Len() != 0 {
		t.Error("reservation kept after facilitator failure")
	}

	fac.verify = nil
	if out := g.Handle(context.Background(), chatRequest(header)); out.Status != http.StatusOK {
		t.Errorf("retry of same payload = %d; want 200", out.Status)
	}
}

func TestGateway_ProviderFailureSkipsSettle(t *testing.T) {
	fac := &mockFacilitator{}
	prov := &mockProvider{err: x402.ErrProviderUnavailable}
	g, store := newTestGateway(t, fac, prov)

	out := g.Handle(context.Background(), chatRequest(paymentHeader(t, "tx", x402.NetworkSolanaDevnet)))
	if out.Status != http.StatusBadGateway || out.Code != x402.ErrCodeProviderUnavailable {
		t.Fatalf("Handle() = %d %s", out.Status, out.Code)
	}
	if fac.settleCalls.Load() != 0 {
		t.Error("settle called after provider failure")
	}
	if store.Len() != 0 {
		t.Error("reservation kept after provider failure")
	}
}

func TestGateway_SettleFailureStillDelivers(t *testing.T) {
	tests := []struct {
		name   string
		settle func(ctx context.Context) (*x402.SettleResponse, error)
		reason string
	}{
		{"rejected", func(context.Context) (*x402.SettleResponse, error) {
			return &x402.SettleResponse{Success: false, ErrorReason: "blockhash_expired"}, nil
		}, "blockhash_expired"},
		{"unreachable", func(context.Context) (*x402.SettleResponse, error) {
			return nil, x402.ErrFacilitatorUnavailable
		}, "settlement_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fac := &mockFacilitator{settle: tt.settle}
			prov := &mockProvider{body: "plain text answer"}
			g, store := newTestGateway(t, fac, prov)

			out := g.Handle(context.Background(), chatRequest(paymentHeader(t, "tx", x402.NetworkSolanaDevnet)))
			if out.Status != http.StatusOK {
				t.Fatalf("Handle() = %d", out.Status)
			}
			var body struct {
				Result  string         `json:"result"`
				Payment PaymentSummary `json:"payment"`
			}
			if err := json.Unmarshal(out.Body, &body); err != nil {
				t.Fatal(err)
			}
			if body.Result != "plain text answer" || body.Payment.Settled || body.Payment.Transaction != nil {
				t.Errorf("body = %s", out.Body)
			}
			if body.Payment.ErrorReason != tt.reason || body.Payment.Payer != testPayer {
				t.Errorf("payment = %+v", body.Payment)
			}
			e, err := store.Lookup(context.Background(), out.Fingerprint)
			if err != nil || e.State != dedupe.StateFailed {
				t.Errorf("ledger = %+v, %v", e, err)
			}
		})
	}
}

// stallingStore blocks the selected calls until their context ends.
type stallingStore struct {
	*dedupe.MemoryStore
	stallReserve bool
	stallRecord  bool
}

func (s *stallingStore) Reserve(ctx context.Context, fp x402.Fingerprint, resource string) (bool, error) {
	if s.stallReserve {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return s.MemoryStore.Reserve(ctx, fp, resource)
}

func (s *stallingStore) Record(ctx context.Context, fp x402.Fingerprint, result dedupe.Result) error {
	if s.stallRecord {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.MemoryStore.Record(ctx, fp, result)
}

func TestGateway_StalledLedgerIsBounded(t *testing.T) {
	table, err := NewPriceTable(Merchant{
		Network:  x402.NetworkSolanaDevnet,
		Asset:    x402.SolanaDevnet.USDCAddress,
		PayTo:    testPayTo,
		Decimals: 6,
	}, []Price{{Path: "/v1/chat", Amount: "10000"}})
	if err != nil {
		t.Fatal(err)
	}
	timeouts := x402.DefaultTimeouts.WithLedgerTimeout(20 * time.Millisecond)

	tests := []struct {
		name       string
		store      *stallingStore
		wantStatus int
		wantSettle int32
	}{
		{"reserve", &stallingStore{MemoryStore: dedupe.NewMemoryStore(), stallReserve: true}, http.StatusServiceUnavailable, 0},
		{"record", &stallingStore{MemoryStore: dedupe.NewMemoryStore(), stallRecord: true}, http.StatusOK, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fac := &mockFacilitator{}
			g, err := New(Config{BaseURL: "https://api.example.com", Prices: table, Timeouts: timeouts}, fac, tt.store, &mockProvider{})
			if err != nil {
				t.Fatal(err)
			}

			req := chatRequest(paymentHeader(t, "tx-"+tt.name, x402.NetworkSolanaDevnet))
			done := make(chan *Outcome, 1)
			go func() { done <- g.Handle(context.Background(), req) }()
			select {
			case out := <-done:
				if out.Status != tt.wantStatus {
					t.Errorf("Handle() = %d; want %d", out.Status, tt.wantStatus)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Handle() did not return while the ledger stalled")
			}
			if got := fac.settleCalls.Load(); got != tt.wantSettle {
				t.Errorf("settle calls = %d; want %d", got, tt.wantSettle)
			}
		})
	}
}

func TestGateway_AliasNetworkForwardedAsIssued(t *testing.T) {
	fac := &mockFacilitator{}
	g, _ := newTestGateway(t, fac, &mockProvider{})

	out := g.Handle(context.Background(), chatRequest(paymentHeader(t, "tx-alias", x402.CAIP2SolanaDevnet)))
	if out.Status != http.StatusOK {
		t.Fatalf("Handle() = %d %s", out.Status, out.Body)
	}
	got := fac.seenNetworks()
	if len(got) != 2 {
		t.Fatalf("facilitator calls = %v; want verify and settle", got)
	}
	for _, n := range got {
		if n != x402.NetworkSolanaDevnet {
			t.Errorf("facilitator saw network %q; want %q", n, x402.NetworkSolanaDevnet)
		}
	}
}

func TestWithPayment(t *testing.T) {
	tx := "5sig"
	summary := PaymentSummary{Settled: true, Transaction: &tx, Network: x402.NetworkSolanaDevnet, Payer: testPayer}

	tests := []struct {
		name       string
		body       string
		wantResult string
		wantKeys   []string
	}{
		{"object", `{"x":1}`, "", []string{"x", "payment"}},
		{"object with payment key", `{"payment":"upstream-owned","x":1}`, `{"payment":"upstream-owned","x":1}`, []string{"result", "payment"}},
		{"array", `[1,2]`, `[1,2]`, []string{"result", "payment"}},
		{"text", `plain`, `"plain"`, []string{"result", "payment"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got map[string]json.RawMessage
			if err := json.Unmarshal(withPayment([]byte(tt.body), summary), &got); err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.wantKeys) {
				t.Errorf("keys = %v; want %v", got, tt.wantKeys)
			}
			for _, k := range tt.wantKeys {
				if _, ok := got[k]; !ok {
					t.Errorf("missing key %q in %v", k, got)
				}
			}
			if tt.wantResult != "" && string(got["result"]) != tt.wantResult {
				t.Errorf("result = %s; want %s", got["result"], tt.wantResult)
			}
			var payment PaymentSummary
			if err := json.Unmarshal(got["payment"], &payment); err != nil {
				t.Fatalf("payment is not a summary: %s", got["payment"])
			}
			if !payment.Settled || payment.Transaction == nil || *payment.Transaction != tx {
				t.Errorf("payment = %+v", payment)
			}
		})
	}
}

func TestGateway_ConcurrentSameFingerprint(t *testing.T) {
	fac := &mockFacilitator{verify: func(ctx context.Context) (*x402.VerifyResponse, error) {
		time.Sleep(10 * time.Millisecond)
		return &x402.VerifyResponse{IsValid: true, Payer: testPayer}, nil
	}}
	prov := &mockProvider{}
	g, _ := newTestGateway(t, fac, prov)
	header := paymentHeader(t, "same-tx", x402.NetworkSolanaDevnet)

	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch out := g.Handle(context.Background(), chatRequest(header)); out.Status {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusConflict:
				dup.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || dup.Load() != 15 {
		t.Errorf("ok=%d dup=%d; want 1 and 15", ok.Load(), dup.Load())
	}
	if fac.settleCalls.Load() != 1 {
		t.Errorf("settle calls = %d; want 1", fac.settleCalls.Load())
	}
}

func TestGateway_ClientCancelDoesNotAbandonSettle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fac := &mockFacilitator{}
	fac.settle = func(sctx context.Context) (*x402.SettleResponse, error) {
		if err := sctx.Err(); err != nil {
			return nil, err
		}
		return &x402.SettleResponse{Success: true, Transaction: "5sig"}, nil
	}
	prov := &mockProvider{}
	wrapped := provider.Func(func(pctx context.Context, req *provider.Request) (*provider.Response, error) {
		resp, err := prov.Call(pctx, req)
		cancel()
		return resp, err
	})

	table, _ := NewPriceTable(Merchant{Network: x402.NetworkSolanaDevnet, Asset: "mint", PayTo: testPayTo}, []Price{{Path: "/v1/chat", Amount: "1"}})
	g, err := New(Config{BaseURL: "https://api.example.com", Prices: table}, fac, dedupe.NewMemoryStore(), wrapped)
	if err != nil {
		t.Fatal(err)
	}
	out := g.Handle(ctx, chatRequest(paymentHeader(t, "tx", x402.NetworkSolanaDevnet)))
	if out.Receipt == nil || !out.Receipt.Success {
		t.Errorf("receipt = %+v; settle should survive client cancellation", out.Receipt)
	}
}

func TestGateway_Events(t *testing.T) {
	var mu sync.Mutex
	var types []x402.PaymentEventType
	cb := func(ev x402.PaymentEvent) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, ev.Type)
		if ev.RequestID == "" || ev.Fingerprint == "" || ev.Timestamp.IsZero() {
			t.Errorf("incomplete event %+v", ev)
		}
	}
	g, _ := newTestGateway(t, &mockFacilitator{}, &mockProvider{}, WithPaymentCallback(cb))
	header := paymentHeader(t, "tx", x402.NetworkSolanaDevnet)
	g.Handle(context.Background(), chatRequest(header))
	g.Handle(context.Background(), chatRequest(header))

	want := []x402.PaymentEventType{x402.PaymentEventAttempt, x402.PaymentEventSuccess, x402.PaymentEventDuplicate}
	if len(types) != len(want) {
		t.Fatalf("events = %v; want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s; want %s", i, types[i], want[i])
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[x402.ErrorCode]int{
		x402.ErrCodeResourceNotFound:       404,
		x402.ErrCodeMalformedPayload:       400,
		x402.ErrCodeRequirementMismatch:    400,
		x402.ErrCodeInvalidRequest:         400,
		x402.ErrCodeVerificationFailed:     402,
		x402.ErrCodeDuplicatePayment:       409,
		x402.ErrCodeProviderUnavailable:    502,
		x402.ErrCodeFacilitatorUnavailable: 503,
		x402.ErrCodeDedupeUnavailable:      503,
		x402.ErrCodeInvalidRequirements:    500,
	}
	for code, want := range tests {
		if got := StatusFor(code); got != want {
			t.Errorf("StatusFor(%s) = %d; want %d", code, got, want)
		}
	}
}
