package x402

import (
	"context"
	"fmt"
	"time"
)

// TimeoutConfig holds timeout configuration for payment operations.
type TimeoutConfig struct {
	// VerifyTimeout is the maximum time to wait for payment verification.
	VerifyTimeout time.Duration

	// SettleTimeout is the maximum time to wait for payment settlement.
	SettleTimeout time.Duration

	// ProviderTimeout bounds one call to the upstream provider.
	ProviderTimeout time.Duration

	// RequestTimeout is the overall timeout for HTTP requests.
	RequestTimeout time.Duration

	// LedgerTimeout bounds each dedupe store call (reserve, lookup, record,
	// release).
	LedgerTimeout time.Duration
}

// DefaultTimeouts provides sensible defaults for payment operations.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout:   5 * time.Second,
	SettleTimeout:   60 * time.Second,
	ProviderTimeout: 30 * time.Second,
	RequestTimeout:  120 * time.Second,
	LedgerTimeout:   5 * time.Second,
}

// WithVerifyTimeout returns a new TimeoutConfig with updated verify timeout.
func (tc TimeoutConfig) WithVerifyTimeout(d time.Duration) TimeoutConfig {
	tc.VerifyTimeout = d
	return tc
}

// WithSettleTimeout returns a new TimeoutConfig with updated settle timeout.
func (tc TimeoutConfig) WithSettleTimeout(d time.Duration) TimeoutConfig {
	tc.SettleTimeout = d
	return tc
}

// WithProviderTimeout returns a new TimeoutConfig with updated provider timeout.
func (tc TimeoutConfig) WithProviderTimeout(d time.Duration) TimeoutConfig {
	tc.ProviderTimeout = d
	return tc
}

// WithRequestTimeout returns a new TimeoutConfig with updated request timeout.
func (tc TimeoutConfig) WithRequestTimeout(d time.Duration) TimeoutConfig {
	tc.RequestTimeout = d
	return tc
}

// WithLedgerTimeout returns a new TimeoutConfig with updated ledger timeout.
func (tc TimeoutConfig) WithLedgerTimeout(d time.Duration) TimeoutConfig {
	tc.LedgerTimeout = d
	return tc
}

// Validate ensures timeout values are reasonable.
func (tc TimeoutConfig) Validate() error {
	if tc.VerifyTimeout <= 0 {
		return fmt.Errorf("verify timeout must be positive, got %v", tc.VerifyTimeout)
	}
	if tc.SettleTimeout <= 0 {
		return fmt.Errorf("settle timeout must be positive, got %v", tc.SettleTimeout)
	}
	if tc.ProviderTimeout <= 0 {
		return fmt.Errorf("provider timeout must be positive, got %v", tc.ProviderTimeout)
	}
	if tc.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", tc.RequestTimeout)
	}
	if tc.LedgerTimeout <= 0 {
		return fmt.Errorf("ledger timeout must be positive, got %v", tc.LedgerTimeout)
	}
	if tc.SettleTimeout < tc.VerifyTimeout {
		return fmt.Errorf("settle timeout (%v) should be >= verify timeout (%v)",
			tc.SettleTimeout, tc.VerifyTimeout)
	}
	return nil
}

// Bound applies d to ctx unless ctx already carries a deadline.
// The returned cancel func must always be called.
func Bound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
