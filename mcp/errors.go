package mcp

import (
	"errors"
	"fmt"

	x402 "github.com/riverventures/solana-agent-pay"
)

var (
	// ErrNoPaymentRequirements indicates a 402 error carried no usable challenge.
	ErrNoPaymentRequirements = errors.New("no payment requirements in 402 error")

	// ErrInvalidRequest indicates that the MCP request is malformed.
	ErrInvalidRequest = errors.New("invalid mcp request")
)

// PaymentError wraps an x402 error with the tool it happened on.
type PaymentError struct {
	Err  error
	Tool string
}

func (e *PaymentError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("payment error for tool %s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("payment error: %v", e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// WrapX402Error wraps an x402 error as a PaymentError.
func WrapX402Error(err error, tool string) error {
	if err == nil {
		return nil
	}
	return &PaymentError{Err: err, Tool: tool}
}

// IsPaymentError reports whether err is payment related.
func IsPaymentError(err error) bool {
	if err == nil {
		return false
	}
	var paymentErr *PaymentError
	var xErr *x402.PaymentError
	return errors.As(err, &paymentErr) ||
		errors.As(err, &xErr) ||
		errors.Is(err, ErrNoPaymentRequirements) ||
		errors.Is(err, x402.ErrNoValidSigner) ||
		errors.Is(err, x402.ErrSigningFailed) ||
		errors.Is(err, x402.ErrInsufficientBalance) ||
		errors.Is(err, x402.ErrAmountExceeded) ||
		errors.Is(err, x402.ErrInvalidRequirements)
}
