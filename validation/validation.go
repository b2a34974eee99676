// Package validation checks x402 payment data before it reaches the wire:
// amounts, networks, payee and mint addresses, and 402 challenge bodies.
package validation

import (
	"fmt"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"

	x402 "github.com/riverventures/solana-agent-pay"
)

// ValidateAmount validates that an amount string is a positive integer in
// atomic units.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}
	if _, err := x402.ParseAtomicAmount(amount); err != nil {
		return fmt.Errorf("amount must be a positive integer, got: %s", amount)
	}
	return nil
}

// ValidateNetwork validates a wire network name or CAIP-2 identifier.
func ValidateNetwork(network string) error {
	_, err := x402.ValidateNetwork(network)
	return err
}

// ValidateAddress validates an address for the network's virtual machine.
// Solana addresses must decode from base58 to a 32 byte public key; EVM
// addresses must be 20 byte hex.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	networkType, err := x402.ValidateNetwork(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch networkType {
	case x402.NetworkTypeEVM:
		if !common.IsHexAddress(address) {
			return fmt.Errorf("invalid EVM address format: %s", address)
		}
		return nil

	case x402.NetworkTypeSVM:
		raw, err := base58.Decode(address)
		if err != nil {
			return fmt.Errorf("invalid Solana address %s: %w", address, err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("invalid Solana address %s: decodes to %d bytes, want 32", address, len(raw))
		}
		return nil

	default:
		return fmt.Errorf("unsupported network type for address validation: %d", networkType)
	}
}

// ValidateResource validates the absolute URL carried in requirements.
func ValidateResource(resource string) error {
	if resource == "" {
		return fmt.Errorf("resource cannot be empty")
	}
	u, err := url.Parse(resource)
	if err != nil {
		return fmt.Errorf("invalid resource URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("resource must be an absolute URL: %s", resource)
	}
	return nil
}

// ValidatePaymentRequirements performs full validation of one requirement.
func ValidatePaymentRequirements(req x402.PaymentRequirements) error {
	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}
	if err := ValidateNetwork(req.Network); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}
	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: payTo %w", err)
	}
	if err := ValidateAddress(req.Asset, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: asset %w", err)
	}
	if err := ValidateResource(req.Resource); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	switch req.Scheme {
	case x402.SchemeExact:
	case "":
		return fmt.Errorf("invalid requirements: scheme cannot be empty")
	default:
		return fmt.Errorf("invalid requirements: unsupported scheme %s", req.Scheme)
	}

	if req.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid requirements: timeout must be positive: %d", req.MaxTimeoutSeconds)
	}

	if feePayer, ok := req.Extra["feePayer"].(string); ok {
		if err := ValidateAddress(feePayer, req.Network); err != nil {
			return fmt.Errorf("invalid requirements: feePayer %w", err)
		}
	}
	return nil
}

// ValidatePaymentRequired validates a complete 402 response body.
func ValidatePaymentRequired(pr x402.PaymentRequired) error {
	if pr.X402Version != x402.X402Version {
		return fmt.Errorf("unsupported x402 version: %d (expected %d)", pr.X402Version, x402.X402Version)
	}
	if len(pr.Accepts) == 0 {
		return fmt.Errorf("invalid payment required: accepts cannot be empty")
	}
	for i, req := range pr.Accepts {
		if err := ValidatePaymentRequirements(req); err != nil {
			return fmt.Errorf("invalid payment required: accepts[%d] %w", i, err)
		}
	}
	return nil
}
