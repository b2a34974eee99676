package x402

import (
	"context"
	"math/big"
)

// Signer creates signed payment payloads for one network.
type Signer interface {
	// Network returns the wire network name (e.g., "solana-devnet").
	Network() string

	// Scheme returns the payment scheme identifier (e.g., "exact").
	Scheme() string

	// CanSign reports whether the signer supports the network and asset.
	CanSign(requirements *PaymentRequirements) bool

	// Sign builds and signs a transfer satisfying requirements and wraps it
	// in a PaymentPayload with the same scheme and network.
	Sign(ctx context.Context, requirements *PaymentRequirements) (*PaymentPayload, error)

	// GetPriority returns the signer's priority level. Lower is preferred.
	GetPriority() int

	// GetTokens returns the list of tokens supported by this signer.
	GetTokens() []TokenConfig

	// GetMaxAmount returns the per-call spending limit, or nil if no limit is set.
	GetMaxAmount() *big.Int
}

// BalanceChecker is implemented by signers that can read their own balance.
// The client checks it before signing so a transfer that is certain to be
// rejected on-chain is never built.
type BalanceChecker interface {
	Balance(ctx context.Context, asset string) (*big.Int, error)
}
