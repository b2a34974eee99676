// Package dedupe guarantees that a payment proof is settled at most once.
//
// The gateway reserves a proof's fingerprint before verification. The first
// reservation wins; every later request carrying the same fingerprint is
// rejected as a duplicate. A reservation is either released (the proof was
// not used) or recorded with its terminal settlement state, which is kept for
// the retention window so replays stay rejected.
package dedupe

import (
	"context"
	"errors"
	"time"

	x402 "github.com/riverventures/solana-agent-pay"
)

// State is the lifecycle state of a ledger entry.
type State string

const (
	StatePending State = "pending"
	StateSettled State = "settled"
	StateFailed  State = "failed"
)

// ErrNotFound is returned by Lookup when no entry exists.
var ErrNotFound = errors.New("dedupe: fingerprint not found")

// Entry is one dedupe ledger record.
type Entry struct {
	Fingerprint x402.Fingerprint `json:"fingerprint" yaml:"fingerprint"`
	State       State            `json:"state" yaml:"state"`
	Resource    string           `json:"resource" yaml:"resource"`
	Transaction string           `json:"transaction,omitempty" yaml:"transaction,omitempty"`
	Payer       string           `json:"payer,omitempty" yaml:"payer,omitempty"`
	Reason      string           `json:"reason,omitempty" yaml:"reason,omitempty"`
	CreatedAt   time.Time        `json:"createdAt" yaml:"created_at"`
	UpdatedAt   time.Time        `json:"updatedAt" yaml:"updated_at"`
}

// Result is the terminal outcome passed to Record.
type Result struct {
	State       State
	Transaction string
	Payer       string
	Reason      string
}

// Store is the dedupe ledger. Implementations must make Reserve atomic
// across every process sharing the store.
type Store interface {
	// Reserve creates a pending entry and returns true, or returns false if
	// an entry for fp already exists in any state.
	Reserve(ctx context.Context, fp x402.Fingerprint, resource string) (bool, error)

	// Record stores the terminal state for fp.
	Record(ctx context.Context, fp x402.Fingerprint, result Result) error

	// Release removes fp if it is still pending. Terminal entries are kept.
	Release(ctx context.Context, fp x402.Fingerprint) error

	// Lookup returns the entry for fp or ErrNotFound.
	Lookup(ctx context.Context, fp x402.Fingerprint) (*Entry, error)

	// Prune deletes entries created before the cutoff and returns how many
	// were removed.
	Prune(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// ResultFromSettlement maps a settle response to the terminal ledger state.
// A nil response (facilitator unreachable during settle) is a failure.
func ResultFromSettlement(resp *x402.SettleResponse, payer string, err error) Result {
	if err != nil || resp == nil {
		reason := "settlement_unavailable"
		if err != nil {
			reason = err.Error()
		}
		return Result{State: StateFailed, Payer: payer, Reason: reason}
	}
	if resp.Payer != "" {
		payer = resp.Payer
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if reason == "" {
			reason = "settlement_failed"
		}
		return Result{State: StateFailed, Payer: payer, Reason: reason}
	}
	return Result{State: StateSettled, Transaction: resp.Transaction, Payer: payer}
}
