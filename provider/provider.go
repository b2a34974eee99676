// Package provider is the gateway's view of the metered upstream service
// that produces the paid resource.
package provider

import (
	"context"
	"net/http"
)

// Request is what the gateway forwards upstream once a payment verifies.
type Request struct {
	// Path is the resource path as priced (e.g., "/v1/chat").
	Path string

	Method string
	Header http.Header

	// Body is the original inbound request body, unmodified.
	Body []byte
}

// Response is the upstream result returned to the payer.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Provider calls the upstream service. Any returned error means the resource
// was not delivered and no payment may be settled for it.
type Provider interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, req *Request) (*Response, error)

func (f Func) Call(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }
