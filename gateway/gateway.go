// Package gateway enforces the paywall around priced resources. It is
// transport-neutral: the net/http, gin and MCP front ends translate their
// requests into a Request and write back the Outcome.
//
// For one request the gateway issues requirements, decodes and matches the
// payment, reserves its fingerprint, verifies it, calls the provider, settles,
// and answers with the provider result plus a receipt. A settlement failure
// never withholds a delivered result; it is reported in the receipt.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/dedupe"
	"github.com/riverventures/solana-agent-pay/encoding"
	"github.com/riverventures/solana-agent-pay/facilitator"
	"github.com/riverventures/solana-agent-pay/provider"
)

// Config holds the gateway settings.
type Config struct {
	// BaseURL is the externally visible origin used to build each
	// requirement's resource (e.g. "https://api.example.com"). When empty,
	// Request.Origin is used.
	BaseURL string

	Prices *PriceTable

	// Timeouts bound verify, settle, provider and dedupe store calls. Zero
	// values fall back to x402.DefaultTimeouts.
	Timeouts x402.TimeoutConfig
}

// Request is one inbound call to a priced resource.
type Request struct {
	Path   string
	Method string
	Header http.Header
	Body   []byte

	// PaymentHeader is the raw X-PAYMENT value, empty when absent.
	PaymentHeader string

	// Origin is the scheme and host the request arrived on, used when
	// Config.BaseURL is empty.
	Origin string

	// RequestID is generated when empty.
	RequestID string

	// Transport names the front end for events ("HTTP", "MCP").
	Transport string
}

// Gateway is safe for concurrent use. The dedupe store is its only shared
// mutable state.
type Gateway struct {
	baseURL     string
	prices      *PriceTable
	timeouts    x402.TimeoutConfig
	facilitator facilitator.Interface
	store       dedupe.Store
	provider    provider.Provider
	logger      *slog.Logger
	callbacks   []x402.PaymentCallback
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithPaymentCallback registers a payment lifecycle callback.
func WithPaymentCallback(cb x402.PaymentCallback) Option {
	return func(g *Gateway) {
		g.callbacks = append(g.callbacks, cb)
	}
}

// New creates a Gateway. The facilitator, store and provider are required.
func New(cfg Config, fac facilitator.Interface, store dedupe.Store, prov provider.Provider, opts ...Option) (*Gateway, error) {
	if fac == nil || store == nil || prov == nil {
		return nil, errors.New("gateway: facilitator, store and provider are required")
	}
	if cfg.Prices == nil {
		return nil, errors.New("gateway: price table is required")
	}

	timeouts := cfg.Timeouts
	if timeouts.VerifyTimeout <= 0 {
		timeouts.VerifyTimeout = x402.DefaultTimeouts.VerifyTimeout
	}
	if timeouts.SettleTimeout <= 0 {
		timeouts.SettleTimeout = x402.DefaultTimeouts.SettleTimeout
	}
	if timeouts.ProviderTimeout <= 0 {
		timeouts.ProviderTimeout = x402.DefaultTimeouts.ProviderTimeout
	}
	if timeouts.RequestTimeout <= 0 {
		timeouts.RequestTimeout = x402.DefaultTimeouts.RequestTimeout
	}
	if timeouts.LedgerTimeout <= 0 {
		timeouts.LedgerTimeout = x402.DefaultTimeouts.LedgerTimeout
	}
	if err := timeouts.Validate(); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	g := &Gateway{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		prices:      cfg.Prices,
		timeouts:    timeouts,
		facilitator: fac,
		store:       store,
		provider:    prov,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Requirements returns the requirements issued for path, for front ends that
// advertise prices up front.
func (g *Gateway) Requirements(path, origin string) (*x402.PaymentRequirements, error) {
	entry, ok := g.prices.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", x402.ErrResourceNotFound, path)
	}
	return x402.Issue(g.resourceURL(path, origin), entry)
}

// Priced reports whether path has a configured price.
func (g *Gateway) Priced(path string) bool {
	_, ok := g.prices.Lookup(path)
	return ok
}

// Paths returns the priced paths in sorted order.
func (g *Gateway) Paths() []string {
	return g.prices.Paths()
}

// Handle runs the payment flow for one request. It always returns an Outcome.
func (g *Gateway) Handle(ctx context.Context, req *Request) *Outcome {
	start := time.Now()
	out := &Outcome{RequestID: req.RequestID}
	if out.RequestID == "" {
		out.RequestID = uuid.NewString()
	}
	logger := g.logger.With("request_id", out.RequestID, "path", req.Path)

	entry, ok := g.prices.Lookup(req.Path)
	if !ok {
		logger.Debug("no price for path")
		return out.fail(x402.ErrCodeResourceNotFound, "no price configured for "+req.Path)
	}
	requirement, err := x402.Issue(g.resourceURL(req.Path, req.Origin), entry)
	if err != nil {
		logger.Error("failed to issue payment requirements", "error", err)
		return out.fail(x402.ErrCodeInvalidRequirements, "payment requirements unavailable")
	}
	accepts := []x402.PaymentRequirements{*requirement}

	if req.PaymentHeader == "" {
		logger.Info("no payment header provided")
		return out.challenge(accepts, x402.HeaderPayment+" header is required", "")
	}

	payload, err := encoding.DecodePayment(req.PaymentHeader)
	if err != nil {
		logger.Info("malformed payment header", "error", err)
		return out.fail(x402.ErrCodeMalformedPayload, err.Error())
	}

	matched, err := x402.MatchRequirement(&payload, accepts)
	if err != nil {
		logger.Info("payment does not match requirements", "scheme", payload.Scheme, "network", payload.Network)
		return out.fail(x402.ErrCodeRequirementMismatch, err.Error())
	}
	// The facilitator sees the network exactly as issued, not the alias the
	// client used.
	payload.Network = matched.Network

	fp, err := x402.FingerprintOf(&payload)
	if err != nil {
		return out.fail(x402.ErrCodeMalformedPayload, err.Error())
	}
	out.Fingerprint = fp
	logger = logger.With("fingerprint", fp.String())

	ev := x402.PaymentEvent{
		Method:      req.Transport,
		RequestID:   out.RequestID,
		Resource:    matched.Resource,
		Fingerprint: fp.String(),
		Amount:      matched.MaxAmountRequired,
		Asset:       matched.Asset,
		Network:     matched.Network,
		Scheme:      matched.Scheme,
		Recipient:   matched.PayTo,
	}

	// Payment state must not be left ambiguous by a client hang-up.
	bg := context.WithoutCancel(ctx)

	reserved, err := g.reserve(bg, fp, req.Path)
	if err != nil {
		logger.Error("dedupe reserve failed", "error", err)
		return out.fail(x402.ErrCodeDedupeUnavailable, "payment ledger unavailable")
	}
	if !reserved {
		state := "in flight"
		if e, lerr := g.lookup(bg, fp); lerr == nil && e.State != dedupe.StatePending {
			state = string(e.State)
		}
		logger.Info("duplicate payment rejected", "state", state)
		ev.Type = x402.PaymentEventDuplicate
		ev.Error = x402.ErrDuplicatePayment
		x402.Emit(g.callbacks, ev)
		return out.fail(x402.ErrCodeDuplicatePayment, "payment already "+state)
	}

	ev.Type = x402.PaymentEventAttempt
	x402.Emit(g.callbacks, ev)

	verifyResp, err := g.verify(bg, payload, *matched)
	if err != nil {
		g.release(bg, fp, logger)
		logger.Error("facilitator verify failed", "error", err)
		g.emitFailure(ev, err, start)
		return out.fail(x402.ErrCodeFacilitatorUnavailable, "facilitator unavailable")
	}
	if !verifyResp.IsValid {
		g.release(bg, fp, logger)
		reason := verifyResp.InvalidReason
		if reason == "" {
			reason = "invalid_payment"
		}
		logger.Info("payment rejected by facilitator", "reason", reason, "message", verifyResp.InvalidMessage)
		g.emitFailure(ev, fmt.Errorf("%w: %s", x402.ErrVerificationFailed, reason), start)
		return out.challenge(accepts, reason, x402.ErrCodeVerificationFailed)
	}
	ev.Payer = verifyResp.Payer
	logger.Info("payment verified", "payer", verifyResp.Payer)

	resp, err := g.callProvider(ctx, req)
	if err != nil {
		g.release(bg, fp, logger)
		logger.Warn("provider call failed, payment not settled", "error", err)
		g.emitFailure(ev, err, start)
		return out.fail(x402.ErrCodeProviderUnavailable, "upstream provider unavailable")
	}

	settleResp, settleErr := g.settle(bg, payload, *matched)
	result := dedupe.ResultFromSettlement(settleResp, verifyResp.Payer, settleErr)
	if err := g.record(bg, fp, result); err != nil {
		logger.Error("failed to record settlement", "state", result.State, "error", err)
	}

	receipt := encoding.ReceiptFromSettlement(settleResp, matched.Network, verifyResp.Payer)
	if settleErr != nil {
		logger.Error("facilitator settle failed", "error", settleErr)
		g.emitFailure(ev, fmt.Errorf("%w: %v", x402.ErrSettlementFailed, settleErr), start)
	} else if !receipt.Success {
		logger.Warn("settlement unsuccessful", "reason", receipt.ErrorReason)
		g.emitFailure(ev, fmt.Errorf("%w: %s", x402.ErrSettlementFailed, receipt.ErrorReason), start)
	} else {
		logger.Info("payment settled", "transaction", receipt.Transaction)
		ev.Type = x402.PaymentEventSuccess
		ev.Payer = receipt.Payer
		ev.Transaction = receipt.Transaction
		ev.Duration = time.Since(start)
		x402.Emit(g.callbacks, ev)
	}

	header, err := encoding.EncodeReceipt(receipt)
	if err != nil {
		logger.Warn("failed to encode receipt header", "error", err)
	}
	return out.paid(resp, receipt, header)
}

func (g *Gateway) verify(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	ctx, cancel := x402.Bound(ctx, g.timeouts.VerifyTimeout)
	defer cancel()
	resp, err := g.facilitator.Verify(ctx, payload, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty verify response", x402.ErrFacilitatorUnavailable)
	}
	return resp, nil
}

func (g *Gateway) settle(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error) {
	ctx, cancel := x402.Bound(ctx, g.timeouts.SettleTimeout)
	defer cancel()
	return g.facilitator.Settle(ctx, payload, req)
}

func (g *Gateway) callProvider(ctx context.Context, req *Request) (*provider.Response, error) {
	ctx, cancel := x402.Bound(ctx, g.timeouts.ProviderTimeout)
	defer cancel()
	resp, err := g.provider.Call(ctx, &provider.Request{
		Path:   req.Path,
		Method: req.Method,
		Header: req.Header,
		Body:   req.Body,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", x402.ErrProviderUnavailable)
	}
	return resp, nil
}

// reserve, lookup, record and release run detached from the client; each
// store call is bounded by LedgerTimeout.
func (g *Gateway) reserve(ctx context.Context, fp x402.Fingerprint, resource string) (bool, error) {
	ctx, cancel := x402.Bound(ctx, g.timeouts.LedgerTimeout)
	defer cancel()
	return g.store.Reserve(ctx, fp, resource)
}

func (g *Gateway) lookup(ctx context.Context, fp x402.Fingerprint) (*dedupe.Entry, error) {
	ctx, cancel := x402.Bound(ctx, g.timeouts.LedgerTimeout)
	defer cancel()
	return g.store.Lookup(ctx, fp)
}

func (g *Gateway) record(ctx context.Context, fp x402.Fingerprint, result dedupe.Result) error {
	ctx, cancel := x402.Bound(ctx, g.timeouts.LedgerTimeout)
	defer cancel()
	return g.store.Record(ctx, fp, result)
}

func (g *Gateway) release(ctx context.Context, fp x402.Fingerprint, logger *slog.Logger) {
	ctx, cancel := x402.Bound(ctx, g.timeouts.LedgerTimeout)
	defer cancel()
	if err := g.store.Release(ctx, fp); err != nil {
		logger.Error("failed to release reservation", "error", err)
	}
}

func (g *Gateway) emitFailure(ev x402.PaymentEvent, err error, start time.Time) {
	ev.Type = x402.PaymentEventFailure
	ev.Error = err
	ev.Duration = time.Since(start)
	x402.Emit(g.callbacks, ev)
}

func (g *Gateway) resourceURL(path, origin string) string {
	base := g.baseURL
	if base == "" {
		base = strings.TrimRight(origin, "/")
	}
	return base + normalizePath(path)
}
