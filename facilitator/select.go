package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	x402 "github.com/riverventures/solana-agent-pay"
)

// ErrNoCapableFacilitator is returned by Select when no candidate supports
// the requested kind.
var ErrNoCapableFacilitator = errors.New("facilitator: no candidate supports scheme and network")

// Candidate is a named facilitator considered at startup.
type Candidate struct {
	Name     string
	Facility Interface

	// SkipProbe accepts the candidate without calling Supported.
	SkipProbe bool
}

// Select probes candidates in order and returns the first whose Supported
// response lists scheme on network. It runs once at startup; the gateway
// then holds the chosen implementation for its lifetime.
func Select(ctx context.Context, logger *slog.Logger, scheme, network string, candidates ...Candidate) (Interface, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	for _, c := range candidates {
		if c.Facility == nil {
			continue
		}
		if c.SkipProbe {
			logger.Info("facilitator selected without probe", "facilitator", c.Name)
			return c.Facility, c.Name, nil
		}

		supported, err := c.Facility.Supported(ctx)
		if err != nil {
			logger.Warn("facilitator probe failed", "facilitator", c.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}
		if !supported.Supports(scheme, network) {
			logger.Warn("facilitator lacks capability", "facilitator", c.Name, "scheme", scheme, "network", network)
			errs = append(errs, fmt.Errorf("%s: %s on %s not listed", c.Name, scheme, network))
			continue
		}
		logger.Info("facilitator selected", "facilitator", c.Name, "scheme", scheme, "network", network)
		return c.Facility, c.Name, nil
	}
	return nil, "", errors.Join(append([]error{ErrNoCapableFacilitator}, errs...)...)
}

// FeePayer returns the fee payer a facilitator advertises for the kind, or
// "" when it advertises none.
func FeePayer(supported *x402.SupportedResponse, scheme, network string) string {
	if supported == nil {
		return ""
	}
	for _, kind := range supported.Kinds {
		if kind.Scheme != scheme || !x402.SameNetwork(kind.Network, network) {
			continue
		}
		if fp, ok := kind.Extra["feePayer"].(string); ok {
			return fp
		}
	}
	return ""
}
