// Package helpers provides internal HTTP utilities shared by the handler,
// the gin middleware and the client transport.
package helpers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/encoding"
	"github.com/riverventures/solana-agent-pay/gateway"
	"github.com/riverventures/solana-agent-pay/validation"
)

// MaxRequestBody caps how much of an inbound body is read before it is
// handed to the provider.
const MaxRequestBody = 8 << 20

// ErrNilPayment is returned when payment is nil in BuildPaymentHeader.
var ErrNilPayment = errors.New("payment is nil")

// ErrBodyTooLarge is returned by ReadBody when the body exceeds the limit.
var ErrBodyTooLarge = errors.New("request body too large")

// ParsePaymentRequirements extracts PaymentRequired from a 402 response body
// and checks that every requirement is usable.
func ParsePaymentRequirements(resp *http.Response) (*x402.PaymentRequired, error) {
	if resp == nil || resp.Body == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "missing response or body", x402.ErrInvalidRequirements)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxRequestBody))
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "failed to read payment requirements", err)
	}

	var pr x402.PaymentRequired
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "failed to decode payment requirements", err)
	}
	if len(pr.Accepts) == 0 {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "no payment requirements in response", x402.ErrInvalidRequirements)
	}
	if err := validation.ValidatePaymentRequired(pr); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "invalid payment requirements", err)
	}
	return &pr, nil
}

// ParseReceipt decodes the X-PAYMENT-RESPONSE header value.
// Returns nil if the header is empty or cannot be parsed.
func ParseReceipt(headerValue string) *x402.Receipt {
	if headerValue == "" {
		return nil
	}
	receipt, err := encoding.DecodeReceipt(headerValue)
	if err != nil {
		return nil
	}
	return &receipt
}

// BuildPaymentHeader creates the X-PAYMENT header value from a PaymentPayload.
func BuildPaymentHeader(payment *x402.PaymentPayload) (string, error) {
	if payment == nil {
		return "", fmt.Errorf("BuildPaymentHeader: %w", ErrNilPayment)
	}
	encoded, err := encoding.EncodePayment(*payment)
	if err != nil {
		return "", fmt.Errorf("BuildPaymentHeader: encode payment: %w", err)
	}
	return encoded, nil
}

// BuildOrigin returns the scheme and host the request arrived on, honouring
// X-Forwarded-Proto.
func BuildOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + r.Host
}

// ReadBody reads at most limit bytes of the request body.
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// WriteBodyError answers a request whose body ReadBody rejected: 413 for an
// oversized body, 400 otherwise, with code INVALID_REQUEST.
func WriteBodyError(w http.ResponseWriter, err error) error {
	status := http.StatusBadRequest
	if errors.Is(err, ErrBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	body, merr := json.Marshal(gateway.ErrorBody{
		X402Version: x402.X402Version,
		Error:       err.Error(),
		Code:        x402.ErrCodeInvalidRequest,
	})
	if merr != nil {
		return merr
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, werr := w.Write(body)
	return werr
}

// GatewayRequest translates an inbound HTTP request into a gateway request.
func GatewayRequest(r *http.Request, body []byte) *gateway.Request {
	return &gateway.Request{
		Path:          r.URL.Path,
		Method:        r.Method,
		Header:        r.Header.Clone(),
		Body:          body,
		PaymentHeader: r.Header.Get(x402.HeaderPayment),
		Origin:        BuildOrigin(r),
		RequestID:     r.Header.Get("X-Request-ID"),
		Transport:     "HTTP",
	}
}

// WriteOutcome writes a gateway outcome to w.
func WriteOutcome(w http.ResponseWriter, out *gateway.Outcome) error {
	for k, vs := range out.Header() {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(out.Status)
	if len(out.Body) == 0 {
		return nil
	}
	_, err := w.Write(out.Body)
	return err
}
