// Package facilitator defines the contract between the gateway and the
// external service that verifies and settles payment proofs on-chain.
//
// Implementations do not retry. Transport failures are returned as errors
// wrapping x402.ErrFacilitatorUnavailable; an invalid proof is a normal
// result with IsValid false.
package facilitator

import (
	"context"

	x402 "github.com/riverventures/solana-agent-pay"
)

// Interface defines the facilitator contract for verification and settlement.
type Interface interface {
	// Verify checks the proof against requirements without submitting it.
	Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error)

	// Settle submits a verified proof on-chain.
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error)

	// Supported lists the scheme/network kinds the facilitator handles.
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}

// VerifyRequest is the request payload sent to POST /verify.
type VerifyRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the request payload sent to POST /settle.
type SettleRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}
