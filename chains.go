package x402

import (
	"fmt"
	"strings"
)

// NetworkType represents the blockchain virtual machine type.
type NetworkType int

const (
	// NetworkTypeUnknown represents an unrecognized network.
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM represents Ethereum Virtual Machine chains.
	NetworkTypeEVM
	// NetworkTypeSVM represents Solana Virtual Machine chains.
	NetworkTypeSVM
)

// Network names as they appear on the wire.
const (
	NetworkSolana       = "solana"
	NetworkSolanaDevnet = "solana-devnet"
	NetworkBase         = "base"
	NetworkBaseSepolia  = "base-sepolia"
)

// CAIP-2 identifiers accepted as aliases of the names above.
const (
	CAIP2SolanaMainnet = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	CAIP2SolanaDevnet  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	CAIP2Base          = "eip155:8453"
	CAIP2BaseSepolia   = "eip155:84532"
)

// ChainConfig holds configuration for a specific network.
type ChainConfig struct {
	// Network is the wire name.
	Network string

	// CAIP2 is the chain-agnostic identifier of the same network.
	CAIP2 string

	Type NetworkType

	// USDCAddress is the official Circle USDC mint or contract address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals uint8
}

var (
	// SolanaMainnet is the configuration for Solana mainnet-beta.
	SolanaMainnet = ChainConfig{
		Network:     NetworkSolana,
		CAIP2:       CAIP2SolanaMainnet,
		Type:        NetworkTypeSVM,
		USDCAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Decimals:    6,
	}

	// SolanaDevnet is the configuration for Solana devnet.
	SolanaDevnet = ChainConfig{
		Network:     NetworkSolanaDevnet,
		CAIP2:       CAIP2SolanaDevnet,
		Type:        NetworkTypeSVM,
		USDCAddress: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		Decimals:    6,
	}

	// BaseMainnet is kept so EVM payees validate; no EVM signer ships here.
	BaseMainnet = ChainConfig{
		Network:     NetworkBase,
		CAIP2:       CAIP2Base,
		Type:        NetworkTypeEVM,
		USDCAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:    6,
	}

	BaseSepolia = ChainConfig{
		Network:     NetworkBaseSepolia,
		CAIP2:       CAIP2BaseSepolia,
		Type:        NetworkTypeEVM,
		USDCAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:    6,
	}
)

var chains = []ChainConfig{SolanaMainnet, SolanaDevnet, BaseMainnet, BaseSepolia}

// GetChainConfig returns the chain configuration for a wire name or CAIP-2
// identifier.
func GetChainConfig(network string) (ChainConfig, error) {
	for _, c := range chains {
		if c.Network == network || c.CAIP2 == network {
			return c, nil
		}
	}
	return ChainConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
}

// NormalizeNetwork maps a CAIP-2 alias to its wire name. Unknown values are
// returned unchanged.
func NormalizeNetwork(network string) string {
	if c, err := GetChainConfig(network); err == nil {
		return c.Network
	}
	return network
}

// SameNetwork reports whether a and b name the same network.
func SameNetwork(a, b string) bool {
	return a == b || NormalizeNetwork(a) == NormalizeNetwork(b)
}

// ValidateNetwork validates a network name or CAIP-2 identifier and returns
// its type.
func ValidateNetwork(network string) (NetworkType, error) {
	if network == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: network cannot be empty", ErrInvalidNetwork)
	}
	if c, err := GetChainConfig(network); err == nil {
		return c.Type, nil
	}

	namespace, reference, ok := strings.Cut(network, ":")
	if !ok || reference == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
	}
	switch namespace {
	case "eip155":
		return NetworkTypeEVM, nil
	case "solana":
		if len(reference) < 32 || len(reference) > 44 {
			return NetworkTypeUnknown, fmt.Errorf("%w: invalid Solana genesis hash length: %s", ErrInvalidNetwork, reference)
		}
		return NetworkTypeSVM, nil
	default:
		return NetworkTypeUnknown, fmt.Errorf("%w: unsupported namespace: %s", ErrInvalidNetwork, namespace)
	}
}

// NewUSDCTokenConfig creates a TokenConfig for USDC on the given chain.
func NewUSDCTokenConfig(chain ChainConfig, priority int) TokenConfig {
	return TokenConfig{
		Address:  chain.USDCAddress,
		Symbol:   "USDC",
		Decimals: int(chain.Decimals),
		Priority: priority,
		Name:     "USD Coin",
	}
}
