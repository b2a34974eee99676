// Package http provides the net/http front ends for x402 payments: the
// facilitator client, the merchant handler wrapping the gateway, and the
// paying client transport.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/facilitator"
	solutil "github.com/riverventures/solana-agent-pay/internal/solana"
)

// AuthorizationProvider is a function that returns an Authorization header value.
// This is useful for dynamic tokens (e.g., JWT refresh) where the value may change.
//
// The provider is called on every request and must be safe for concurrent use.
type AuthorizationProvider func(*http.Request) string

// OnBeforeFunc is a callback invoked before a verify or settle operation.
// Return an error to abort the operation.
type OnBeforeFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) error

// OnAfterVerifyFunc is a callback invoked after a Verify operation completes.
type OnAfterVerifyFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements, *x402.VerifyResponse, error)

// OnAfterSettleFunc is a callback invoked after a Settle operation completes.
type OnAfterSettleFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements, *x402.SettleResponse, error)

// maxFacilitatorResponse caps how much of a facilitator response is read.
const maxFacilitatorResponse = 1 << 20

// FacilitatorClient talks to a remote facilitator over HTTP.
//
// It never retries: a payload that reached /settle may already be on-chain,
// so the caller decides what a failure means.
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL (e.g., "https://facilitator.example.com").
	BaseURL string

	// Client is the HTTP client to use for requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts bound each call when the context carries no deadline.
	Timeouts x402.TimeoutConfig

	// Authorization is a static Authorization header value (e.g., "Bearer token").
	// AuthorizationProvider takes precedence when both are set.
	Authorization string

	AuthorizationProvider AuthorizationProvider

	OnBeforeVerify OnBeforeFunc
	OnAfterVerify  OnAfterVerifyFunc
	OnBeforeSettle OnBeforeFunc
	OnAfterSettle  OnAfterSettleFunc
}

var _ facilitator.Interface = (*FacilitatorClient)(nil)

// NewFacilitatorClient returns a client for baseURL using the default timeouts.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Timeouts: x402.DefaultTimeouts,
	}
}

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *FacilitatorClient) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

// Verify asks the facilitator to check a payment without submitting it.
// An invalid proof is returned as a response with IsValid false.
func (c *FacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	resp, err := c.verify(ctx, payload, requirements)
	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payload, requirements, resp, err)
	}
	return resp, err
}

func (c *FacilitatorClient) verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	ctx, cancel := x402.Bound(ctx, c.Timeouts.VerifyTimeout)
	defer cancel()

	body := facilitator.VerifyRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}
	status, raw, err := c.post(ctx, "/verify", body)
	if err != nil {
		return nil, err
	}

	var resp x402.VerifyResponse
	decodeErr := json.Unmarshal(raw, &resp)
	switch {
	case status == http.StatusOK && decodeErr == nil:
	case status >= 400 && status < 500 && decodeErr == nil && resp.InvalidReason != "":
		// Some facilitators answer an invalid proof with a 4xx; the verdict
		// is still a verdict.
		resp.IsValid = false
	default:
		return nil, unavailable("verify", status, raw, decodeErr)
	}

	if resp.Payer == "" {
		resp.Payer = solutil.PayerFromTransaction(payload.Payload.Transaction)
	}
	return &resp, nil
}

// Settle asks the facilitator to submit a verified payment.
func (c *FacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	resp, err := c.settle(ctx, payload, requirements)
	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payload, requirements, resp, err)
	}
	return resp, err
}

func (c *FacilitatorClient) settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	ctx, cancel := x402.Bound(ctx, c.Timeouts.SettleTimeout)
	defer cancel()

	body := facilitator.SettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}
	status, raw, err := c.post(ctx, "/settle", body)
	if err != nil {
		return nil, err
	}

	var resp x402.SettleResponse
	decodeErr := json.Unmarshal(raw, &resp)
	switch {
	case status == http.StatusOK && decodeErr == nil:
	case status >= 400 && status < 500 && decodeErr == nil && resp.ErrorReason != "":
		resp.Success = false
	default:
		return nil, unavailable("settle", status, raw, decodeErr)
	}

	if resp.Network == "" {
		resp.Network = payload.Network
	}
	if resp.Payer == "" {
		resp.Payer = solutil.PayerFromTransaction(payload.Payload.Transaction)
	}
	return &resp, nil
}

// Supported queries the facilitator for supported payment kinds.
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	ctx, cancel := x402.Bound(ctx, c.Timeouts.VerifyTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthorizationHeader(httpReq)

	status, raw, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	var resp x402.SupportedResponse
	decodeErr := json.Unmarshal(raw, &resp)
	if status != http.StatusOK || decodeErr != nil {
		return nil, unavailable("supported", status, raw, decodeErr)
	}
	return &resp, nil
}

// EnrichRequirements merges the facilitator's per-kind extra data (such as
// feePayer) into requirements. Values already present win.
func (c *FacilitatorClient) EnrichRequirements(ctx context.Context, requirements []x402.PaymentRequirements) ([]x402.PaymentRequirements, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return requirements, fmt.Errorf("failed to fetch supported payment kinds: %w", err)
	}

	enriched := make([]x402.PaymentRequirements, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		for _, kind := range supported.Kinds {
			if kind.Scheme != req.Scheme || !x402.SameNetwork(kind.Network, req.Network) || kind.Extra == nil {
				continue
			}
			extra := make(map[string]interface{}, len(req.Extra)+len(kind.Extra))
			for k, v := range req.Extra {
				extra[k] = v
			}
			for k, v := range kind.Extra {
				if _, exists := extra[k]; !exists {
					extra[k] = v
				}
			}
			enriched[i].Extra = extra
			break
		}
	}
	return enriched, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, body interface{}) (int, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuthorizationHeader(httpReq)
	return c.do(httpReq)
}

func (c *FacilitatorClient) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFacilitatorResponse))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading response: %v", x402.ErrFacilitatorUnavailable, err)
	}
	return resp.StatusCode, raw, nil
}

// unavailable builds the error for a response that carried no usable verdict.
func unavailable(op string, status int, raw []byte, decodeErr error) error {
	if status == http.StatusOK && decodeErr != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", x402.ErrFacilitatorUnavailable, op, decodeErr)
	}
	if len(raw) > 0 && len(raw) < 500 {
		return fmt.Errorf("%w: %s: status %d, body: %s", x402.ErrFacilitatorUnavailable, op, status, strings.TrimSpace(string(raw)))
	}
	return fmt.Errorf("%w: %s: status %d", x402.ErrFacilitatorUnavailable, op, status)
}
