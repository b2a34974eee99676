// Package client is an MCP client transport that pays for tool calls.
package client

import (
	"net/http"

	x402 "github.com/riverventures/solana-agent-pay"
)

// Config holds configuration for the paying MCP transport.
type Config struct {
	// Signers is the list of payment signers in priority order.
	Signers []x402.Signer

	// ServerURL is the MCP server endpoint.
	ServerURL string

	// HTTPClient is used by the streamable HTTP transport when set.
	HTTPClient *http.Client

	OnPaymentAttempt x402.PaymentCallback
	OnPaymentSuccess x402.PaymentCallback
	OnPaymentFailure x402.PaymentCallback

	// Selector chooses the requirement and signer. Nil means the default.
	Selector x402.PaymentSelector
}

// Option is a functional option for configuring the Transport.
type Option func(*Config)

// WithSigner adds a payment signer to the configuration.
func WithSigner(signer x402.Signer) Option {
	return func(c *Config) {
		if signer == nil {
			return
		}
		c.Signers = append(c.Signers, signer)
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithPaymentCallback sets one callback for every payment event.
func WithPaymentCallback(callback x402.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentAttempt = callback
		c.OnPaymentSuccess = callback
		c.OnPaymentFailure = callback
	}
}

// WithPaymentAttemptCallback sets the payment attempt callback.
func WithPaymentAttemptCallback(callback x402.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentAttempt = callback
	}
}

// WithPaymentSuccessCallback sets the payment success callback.
func WithPaymentSuccessCallback(callback x402.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentSuccess = callback
	}
}

// WithPaymentFailureCallback sets the payment failure callback.
func WithPaymentFailureCallback(callback x402.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentFailure = callback
	}
}

// WithSelector sets a custom payment selector.
func WithSelector(selector x402.PaymentSelector) Option {
	return func(c *Config) {
		c.Selector = selector
	}
}

// DefaultConfig returns a Config with default settings.
func DefaultConfig(serverURL string) *Config {
	return &Config{
		ServerURL: serverURL,
		Selector:  x402.NewDefaultPaymentSelector(),
	}
}
