package x402

import (
	"context"
	"math/big"
	"sort"
	"strings"
)

// Selection is a signer paired with the requirement it will pay.
type Selection struct {
	Signer      Signer
	Requirement *PaymentRequirements
}

// PaymentSelector chooses which of the server's accepted options to pay and
// which signer pays it.
type PaymentSelector interface {
	Select(signers []Signer, requirements []PaymentRequirements) (*Selection, error)
}

// DefaultPaymentSelector implements the standard selection order:
// 1. Ability to satisfy requirements (network and token match)
// 2. Signer priority (lower number = higher priority)
// 3. Token priority within the signer
// 4. Configuration order (for ties)
type DefaultPaymentSelector struct{}

// NewDefaultPaymentSelector creates a new DefaultPaymentSelector.
func NewDefaultPaymentSelector() *DefaultPaymentSelector {
	return &DefaultPaymentSelector{}
}

// Select implements PaymentSelector.
func (s *DefaultPaymentSelector) Select(signers []Signer, requirements []PaymentRequirements) (*Selection, error) {
	if len(signers) == 0 {
		return nil, NewPaymentError(ErrCodeNoValidSigner, "no signers configured", ErrNoValidSigner)
	}
	if len(requirements) == 0 {
		return nil, NewPaymentError(ErrCodeInvalidRequirements, "no payment requirements provided", ErrInvalidRequirements)
	}

	type candidate struct {
		requirement      *PaymentRequirements
		signer           Signer
		signerPriority   int
		tokenPriority    int
		signerIndex      int
		requirementIndex int
	}

	var candidates []candidate
	hasValidRequirement := false

	for i := range requirements {
		req := &requirements[i]

		required, err := ParseAtomicAmount(req.MaxAmountRequired)
		if err != nil {
			continue
		}
		hasValidRequirement = true

		for signerIndex, signer := range signers {
			if !signer.CanSign(req) {
				continue
			}
			if limit := signer.GetMaxAmount(); limit != nil && required.Cmp(limit) > 0 {
				continue
			}

			tokenPriority := 0
			for _, token := range signer.GetTokens() {
				if strings.EqualFold(token.Address, req.Asset) {
					tokenPriority = token.Priority
					break
				}
			}

			candidates = append(candidates, candidate{
				requirement:      req,
				signer:           signer,
				signerPriority:   signer.GetPriority(),
				tokenPriority:    tokenPriority,
				signerIndex:      signerIndex,
				requirementIndex: i,
			})
		}
	}

	if !hasValidRequirement {
		return nil, NewPaymentError(ErrCodeInvalidRequirements, "invalid amount in requirements", ErrInvalidRequirements)
	}

	if len(candidates) == 0 {
		options := make([]string, 0, len(requirements))
		for _, req := range requirements {
			options = append(options, req.Network+":"+req.Asset)
		}
		return nil, NewPaymentError(ErrCodeNoValidSigner, "no signer can satisfy any payment requirement", ErrNoValidSigner).
			WithDetails("options", strings.Join(options, ", "))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.signerPriority != b.signerPriority {
			return a.signerPriority < b.signerPriority
		}
		if a.tokenPriority != b.tokenPriority {
			return a.tokenPriority < b.tokenPriority
		}
		if a.signerIndex != b.signerIndex {
			return a.signerIndex < b.signerIndex
		}
		return a.requirementIndex < b.requirementIndex
	})

	return &Selection{Signer: candidates[0].signer, Requirement: candidates[0].requirement}, nil
}

// CheckBalance fails fast with ErrInsufficientBalance when the signer can
// report a balance below the required amount. Signers that cannot report a
// balance pass unchecked.
func CheckBalance(ctx context.Context, signer Signer, req *PaymentRequirements) error {
	checker, ok := signer.(BalanceChecker)
	if !ok {
		return nil
	}
	required, err := ParseAtomicAmount(req.MaxAmountRequired)
	if err != nil {
		return NewPaymentError(ErrCodeInvalidRequirements, "invalid amount in requirements", err)
	}
	available, err := checker.Balance(ctx, req.Asset)
	if err != nil {
		return NewPaymentError(ErrCodeNetworkError, "failed to read balance", err).
			WithDetails("asset", req.Asset)
	}
	if available == nil {
		available = new(big.Int)
	}
	if available.Cmp(required) < 0 {
		return NewPaymentError(ErrCodeInsufficientBalance, "balance does not cover payment", ErrInsufficientBalance).
			WithDetails("asset", req.Asset).
			WithDetails("required", required.String()).
			WithDetails("available", available.String())
	}
	return nil
}

// Pay selects, checks the balance and signs. It is the whole client-side
// payment construction for one challenge.
func Pay(ctx context.Context, selector PaymentSelector, signers []Signer, requirements []PaymentRequirements) (*PaymentPayload, *PaymentRequirements, error) {
	if selector == nil {
		selector = NewDefaultPaymentSelector()
	}
	sel, err := selector.Select(signers, requirements)
	if err != nil {
		return nil, nil, err
	}
	if err := CheckBalance(ctx, sel.Signer, sel.Requirement); err != nil {
		return nil, sel.Requirement, err
	}
	payload, err := sel.Signer.Sign(ctx, sel.Requirement)
	if err != nil {
		return nil, sel.Requirement, NewPaymentError(ErrCodeSigningFailed, "failed to sign payment", err)
	}
	return payload, sel.Requirement, nil
}
