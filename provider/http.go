package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/riverventures/solana-agent-pay"
)

// maxResponseBytes caps how much of an upstream body is buffered.
const maxResponseBytes = 16 << 20

// forwardHeaders are copied from the inbound request to the upstream call.
var forwardHeaders = []string{"Content-Type", "Accept", "Accept-Language", "User-Agent"}

// HTTPProvider forwards paid requests to an upstream HTTP API.
type HTTPProvider struct {
	// BaseURL is prefixed to the request path (e.g., "https://llm.internal").
	BaseURL string

	// Client is the HTTP client to use. If nil, a client with Timeout is used.
	Client *http.Client

	Timeout time.Duration

	// Authorization is sent upstream in place of any payer credentials.
	Authorization string
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates an HTTPProvider for baseURL.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) httpClient() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: p.Timeout}
}

// Call sends the request upstream. Transport errors and non-2xx statuses
// wrap x402.ErrProviderUnavailable.
func (p *HTTPProvider) Call(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.BaseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	for _, h := range forwardHeaders {
		if v := req.Header.Get(h); v != "" {
			httpReq.Header.Set(h, v)
		}
	}
	if p.Authorization != "" {
		httpReq.Header.Set("Authorization", p.Authorization)
	}

	resp, err := p.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", x402.ErrProviderUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := body
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("%w: status %d: %s", x402.ErrProviderUnavailable, resp.StatusCode, snippet)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
