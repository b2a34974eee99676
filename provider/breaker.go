package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	x402 "github.com/riverventures/solana-agent-pay"
)

// ErrCircuitOpen is returned without calling upstream while the breaker is open.
var ErrCircuitOpen = errors.New("provider: circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int

	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig opens after 5 failures and probes after 30s.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	ResetTimeout:     30 * time.Second,
}

// Breaker wraps a Provider with a circuit breaker. While open, calls fail
// fast with an error wrapping both ErrCircuitOpen and
// x402.ErrProviderUnavailable, so no payment is verified into a dead upstream.
type Breaker struct {
	next   Provider
	config BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     breakerState
	failures  int
	successes int
	openedAt  time.Time
}

var _ Provider = (*Breaker)(nil)

// NewBreaker wraps next.
func NewBreaker(next Provider, config BreakerConfig, logger *slog.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultBreakerConfig.SuccessThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultBreakerConfig.ResetTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{next: next, config: config, logger: logger, now: time.Now}
}

// Allow reports whether a call may proceed, moving an expired open breaker
// to half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.config.ResetTimeout {
			return false
		}
		b.state = breakerHalfOpen
		b.successes = 0
		b.logger.Info("provider breaker half-open")
		return true
	default:
		return true
	}
}

func (b *Breaker) Call(ctx context.Context, req *Request) (*Response, error) {
	if !b.Allow() {
		return nil, fmt.Errorf("%w: %w", x402.ErrProviderUnavailable, ErrCircuitOpen)
	}
	resp, err := b.next.Call(ctx, req)
	if err != nil && ctx.Err() == nil {
		b.recordFailure()
	} else if err == nil {
		b.recordSuccess()
	}
	return resp, err
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes = 0
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.config.FailureThreshold {
		if b.state != breakerOpen {
			b.logger.Warn("provider breaker open", "failures", b.failures)
		}
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != breakerHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.config.SuccessThreshold {
		b.state = breakerClosed
		b.logger.Info("provider breaker closed")
	}
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
