// Package x402 holds the wire types and protocol rules for HTTP pay-per-request
// payments settled as Solana SPL transfers.
//
// A merchant answers an unpaid request with a 402 challenge listing the
// PaymentRequirements it accepts. The client pays by attaching a base64 JSON
// PaymentPayload in the X-PAYMENT header; the merchant verifies and settles
// that payload through a facilitator and returns a Receipt in the
// X-PAYMENT-RESPONSE header.
//
// Import path: github.com/riverventures/solana-agent-pay
package x402

import (
	"math/big"
)

// X402Version is the only protocol version this package speaks.
const X402Version = 1

// SchemeExact is the single supported payment scheme: pay exactly the
// required amount.
const SchemeExact = "exact"

// Header names used on the wire.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentRequirements describes the price of one access to a resource.
// This is an element in the "accepts" array of PaymentRequired.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the settlement network (e.g., "solana-devnet").
	Network string `json:"network"`

	// MaxAmountRequired is the price in atomic units of Asset.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Resource is the absolute URL of the protected resource.
	Resource string `json:"resource"`

	// Description is a human-readable line item.
	Description string `json:"description"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType"`

	// PayTo is the recipient wallet address.
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds bounds how long a payload built against these
	// requirements stays acceptable.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Asset is the SPL mint address (Solana) or token contract (EVM).
	Asset string `json:"asset"`

	// Extra contains scheme-specific data such as "feePayer" and "decimals".
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequired is the 402 response body sent by the gateway.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload is the proof of payment a client sends in X-PAYMENT.
type PaymentPayload struct {
	// X402Version is the protocol version the payload was built for.
	X402Version int `json:"x402Version"`

	// Scheme and Network must equal those of the requirements the
	// payload was built against.
	Scheme  string `json:"scheme"`
	Network string `json:"network"`

	// Payload carries the signed transfer.
	Payload SVMPayload `json:"payload"`
}

// SVMPayload contains a signed Solana transaction.
type SVMPayload struct {
	// Transaction is the base64-encoded serialized transaction. When the
	// requirements name a feePayer, the client signs only as the token
	// owner and the facilitator adds the fee payer signature.
	Transaction string `json:"transaction"`
}

// InvalidReason values reported by facilitators. Facilitators may send
// others; they are carried through verbatim.
const (
	InvalidReasonInsufficientFunds = "insufficient_funds"
	InvalidReasonInvalidSignature  = "invalid_signature"
	InvalidReasonStale             = "stale"
	InvalidReasonMalformed         = "malformed"
)

// VerifyResponse is returned by the facilitator /verify endpoint.
type VerifyResponse struct {
	IsValid        bool   `json:"isValid"`
	InvalidReason  string `json:"invalidReason,omitempty"`
	InvalidMessage string `json:"invalidMessage,omitempty"`
	Payer          string `json:"payer,omitempty"`
}

// SettleResponse is returned by the facilitator /settle endpoint.
type SettleResponse struct {
	Success      bool   `json:"success"`
	ErrorReason  string `json:"errorReason,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Transaction is the settlement signature, empty unless Success.
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// SupportedKind describes a payment type supported by a facilitator.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is returned by the facilitator /supported endpoint.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Supports reports whether the facilitator lists the scheme on the network.
// Network names are compared after alias normalization.
func (s *SupportedResponse) Supports(scheme, network string) bool {
	if s == nil {
		return false
	}
	for _, kind := range s.Kinds {
		if kind.Scheme == scheme && SameNetwork(kind.Network, network) {
			return true
		}
	}
	return false
}

// Receipt is the settlement outcome carried in X-PAYMENT-RESPONSE.
// It is returned whether or not settlement succeeded.
type Receipt struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// TokenConfig defines a token supported by a signer.
type TokenConfig struct {
	// Address is the mint address (Solana) or token contract (EVM).
	Address string

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string

	// Decimals is the number of decimal places for the token.
	Decimals int

	// Priority orders tokens within a signer. Lower is preferred.
	Priority int

	Name string
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
// Returns ErrInvalidAmount if the amount is negative, has more precision than
// decimals allows, or decimals is negative.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}
	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if !value.IsInt() {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(value.Num()), nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	rat := new(big.Rat).SetInt(value)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)

	return rat.FloatString(decimals)
}

// ParseAtomicAmount parses a base-10 atomic amount and requires it to be
// strictly positive.
func ParseAtomicAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}
