package health

import (
	"sync"
	"time"

	"github.com/OmerMachluf/copilot-orchestrator/internal/config"
	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
)

// BreakerState is a circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker guards a worker's tool invocations. Repeated failures
// open the circuit; after a cooldown a single probe is allowed, and its
// outcome decides whether the circuit closes or reopens.
type CircuitBreaker struct {
	mu        sync.Mutex
	workerID  string
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	now       func() time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the time source, for tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// NewBreaker creates a closed CircuitBreaker for a worker.
func NewBreaker(workerID string, cfg config.BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		workerID:  workerID,
		state:     BreakerClosed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state, accounting for cooldown expiry.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// CanExecute reports whether a tool invocation may proceed.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state != BreakerOpen
}

// RecordSuccess resets the failure counter; a half-open probe success
// closes the circuit.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		log.Info(log.CatHealth, "circuit closed", "worker", b.workerID)
	}
}

// RecordFailure counts a failure; at the threshold (or on a failed
// half-open probe) the circuit opens.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case BreakerHalfOpen:
		b.openLocked()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openLocked()
		}
	case BreakerOpen:
		// Already open; nothing to count.
	}
}

func (b *CircuitBreaker) openLocked() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	log.Warn(log.CatHealth, "circuit opened", "worker", b.workerID, "cooldown", b.cooldown)
}

// maybeHalfOpenLocked transitions open -> half-open once the cooldown has
// elapsed. Caller holds the lock.
func (b *CircuitBreaker) maybeHalfOpenLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		log.Info(log.CatHealth, "circuit half-open", "worker", b.workerID)
	}
}
