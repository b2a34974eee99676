// Package encoding converts x402 payment data to and from the base64 JSON
// strings carried in X-PAYMENT and X-PAYMENT-RESPONSE headers.
//
// Encoders always emit standard base64. DecodePayment accepts the standard
// and URL-safe alphabets, padded or not, and rejects anything that is not a
// complete version 1 payload with ErrMalformedPayload.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	x402 "github.com/riverventures/solana-agent-pay"
)

// EncodePayment converts a PaymentPayload to a base64-encoded JSON string.
func EncodePayment(payment x402.PaymentPayload) (string, error) {
	return encode(payment, "payment")
}

// DecodePayment converts a transport string to a PaymentPayload.
// Every structural defect yields an error wrapping x402.ErrMalformedPayload
// and a zero payload; it never returns a partially filled value.
func DecodePayment(encoded string) (x402.PaymentPayload, error) {
	var payment x402.PaymentPayload

	raw, err := decodeBase64(encoded)
	if err != nil {
		return x402.PaymentPayload{}, malformed("failed to decode base64: %v", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payment); err != nil {
		return x402.PaymentPayload{}, malformed("failed to unmarshal payment: %v", err)
	}
	// Anything but whitespace after the object, including a stray closing
	// delimiter, is malformed.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return x402.PaymentPayload{}, malformed("trailing data after payment")
	}

	if err := validatePayment(&payment); err != nil {
		return x402.PaymentPayload{}, err
	}
	return payment, nil
}

func validatePayment(p *x402.PaymentPayload) error {
	if p.X402Version != x402.X402Version {
		return fmt.Errorf("%w: %w: %d", x402.ErrMalformedPayload, x402.ErrUnsupportedVersion, p.X402Version)
	}
	switch {
	case p.Scheme == "":
		return malformed("missing scheme")
	case p.Network == "":
		return malformed("missing network")
	case p.Payload.Transaction == "":
		return malformed("missing payload.transaction")
	}
	if _, err := x402.DecodeTransaction(p.Payload.Transaction); err != nil {
		return err
	}
	return nil
}

// EncodeReceipt converts a Receipt to a base64-encoded JSON string for the
// X-PAYMENT-RESPONSE header.
func EncodeReceipt(receipt x402.Receipt) (string, error) {
	return encode(receipt, "receipt")
}

// DecodeReceipt converts a base64-encoded JSON string to a Receipt.
func DecodeReceipt(encoded string) (x402.Receipt, error) {
	var receipt x402.Receipt
	if err := decode(encoded, &receipt, "receipt"); err != nil {
		return x402.Receipt{}, err
	}
	return receipt, nil
}

// EncodeRequirements converts PaymentRequired to base64-encoded JSON.
func EncodeRequirements(requirements x402.PaymentRequired) (string, error) {
	return encode(requirements, "requirements")
}

// DecodeRequirements converts base64-encoded JSON to PaymentRequired.
func DecodeRequirements(encoded string) (x402.PaymentRequired, error) {
	var requirements x402.PaymentRequired
	if err := decode(encoded, &requirements, "requirements"); err != nil {
		return x402.PaymentRequired{}, err
	}
	return requirements, nil
}

// ReceiptFromSettlement builds the receipt for a settle response. A nil
// response means settlement could not be attempted.
func ReceiptFromSettlement(resp *x402.SettleResponse, network, payer string) x402.Receipt {
	if resp == nil {
		return x402.Receipt{Network: network, Payer: payer, ErrorReason: "settlement_unavailable"}
	}
	r := x402.Receipt{
		Success:     resp.Success,
		Transaction: resp.Transaction,
		Network:     resp.Network,
		Payer:       resp.Payer,
		ErrorReason: resp.ErrorReason,
	}
	if r.Network == "" {
		r.Network = network
	}
	if r.Payer == "" {
		r.Payer = payer
	}
	if !r.Success {
		r.Transaction = ""
		if r.ErrorReason == "" {
			r.ErrorReason = "settlement_failed"
		}
	}
	return r
}

func encode(v interface{}, what string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decode(encoded string, v interface{}, what string) error {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty input")
	}
	enc := base64.StdEncoding
	if strings.ContainsAny(s, "-_") {
		enc = base64.URLEncoding
	}
	if !strings.HasSuffix(s, "=") && len(s)%4 != 0 {
		enc = enc.WithPadding(base64.NoPadding)
	}
	return enc.Strict().DecodeString(s)
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{x402.ErrMalformedPayload}, args...)...)
}
