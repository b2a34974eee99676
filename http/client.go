package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/http/internal/helpers"
)

// Client is an http.Client whose transport pays 402 challenges.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a paying HTTP client. Without a signer it behaves like a
// plain client and returns 402 responses unchanged.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		Client: &http.Client{Transport: http.DefaultTransport},
	}
	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}
	return client, nil
}

// WithHTTPClient sets the underlying HTTP client. Apply it before the other
// options; it replaces any transport configured so far.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		if httpClient == nil {
			return errors.New("http client is nil")
		}
		c.Client = httpClient
		if c.Transport == nil {
			c.Transport = http.DefaultTransport
		}
		return nil
	}
}

// WithTimeout bounds the whole exchange, both requests included.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.Timeout = d
		return nil
	}
}

// WithSigner adds a payment signer. With several signers the selector picks
// one per challenge.
func WithSigner(signer x402.Signer) ClientOption {
	return func(c *Client) error {
		if signer == nil {
			return errors.New("signer is nil")
		}
		t := getOrCreateTransport(c)
		t.Signers = append(t.Signers, signer)
		return nil
	}
}

// WithSelector sets a custom payment selector.
func WithSelector(selector x402.PaymentSelector) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).Selector = selector
		return nil
	}
}

// WithPaymentCallback sets the callback for one payment event type.
func WithPaymentCallback(eventType x402.PaymentEventType, callback x402.PaymentCallback) ClientOption {
	return func(c *Client) error {
		t := getOrCreateTransport(c)
		switch eventType {
		case x402.PaymentEventAttempt:
			t.OnPaymentAttempt = callback
		case x402.PaymentEventSuccess:
			t.OnPaymentSuccess = callback
		case x402.PaymentEventFailure:
			t.OnPaymentFailure = callback
		default:
			return fmt.Errorf("unknown payment event type: %s", eventType)
		}
		return nil
	}
}

// WithPaymentCallbacks sets all payment callbacks at once.
// Nil callbacks leave the current value in place.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure x402.PaymentCallback) ClientOption {
	return func(c *Client) error {
		t := getOrCreateTransport(c)
		if onAttempt != nil {
			t.OnPaymentAttempt = onAttempt
		}
		if onSuccess != nil {
			t.OnPaymentSuccess = onSuccess
		}
		if onFailure != nil {
			t.OnPaymentFailure = onFailure
		}
		return nil
	}
}

func getOrCreateTransport(c *Client) *X402Transport {
	if t, ok := c.Transport.(*X402Transport); ok {
		return t
	}
	t := &X402Transport{
		Base:     c.Transport,
		Selector: x402.NewDefaultPaymentSelector(),
	}
	c.Transport = t
	return t
}

// GetSettlement decodes the receipt carried in an HTTP response.
// Returns nil if no receipt header is present or if parsing fails.
func GetSettlement(resp *http.Response) *x402.Receipt {
	if resp == nil {
		return nil
	}
	return helpers.ParseReceipt(resp.Header.Get(x402.HeaderPaymentResponse))
}
