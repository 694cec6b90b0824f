package reliability

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OpenError rejects a call while the circuit is open or while a recovery
// probe is already in flight.
type OpenError struct {
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	if e.Remaining <= 0 {
		return "circuit breaker open: recovery probe in flight"
	}
	return fmt.Sprintf("circuit breaker open: endpoint looks down, retry in %s", e.Remaining.Round(time.Second))
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker is shared by all workers of a batch. Consecutive
// network-class failures anywhere in the batch open the circuit; while
// open, calls are rejected without touching the driver. After the
// cooldown exactly one probe call is let through: success closes the
// circuit, a network failure re-opens it.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	log       *zap.Logger

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time

	now func() time.Time // test hook
}

// NewCircuitBreaker builds a breaker. Non-positive arguments fall back to
// a threshold of 3 and a 60 second cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration, log *zap.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		log:       log,
		now:       time.Now,
	}
}

// Do gates fn through the breaker. Only network-class failures move the
// failure counter; page-level failures pass through without affecting
// circuit state.
func (b *CircuitBreaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.settle(true)
		return nil
	case IsNetworkError(err):
		b.failures++
		b.lastFailure = b.now()
		if b.state == stateHalfOpen || b.failures >= b.threshold {
			if b.state != stateOpen {
				b.log.Warn("circuit breaker opened",
					zap.Int("consecutive_failures", b.failures),
					zap.Duration("cooldown", b.cooldown))
			}
			b.state = stateOpen
		}
		return err
	default:
		// Page-level failure. The endpoint answered, so a probe closes
		// the circuit, but the failure counter is left alone.
		if b.state != stateClosed {
			b.state = stateClosed
			b.failures = 0
		}
		return err
	}
}

func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return nil
	case stateHalfOpen:
		return &OpenError{}
	default:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed < b.cooldown {
			return &OpenError{Remaining: b.cooldown - elapsed}
		}
		b.state = stateHalfOpen
		b.log.Info("circuit breaker half-open, probing endpoint")
		return nil
	}
}

// settle closes the circuit after a successful or page-level result.
// Caller holds the lock.
func (b *CircuitBreaker) settle(recovered bool) {
	if b.state != stateClosed {
		if recovered {
			b.log.Info("circuit breaker closed, endpoint recovered")
		}
		b.state = stateClosed
	}
	b.failures = 0
}

// State returns the current state name, for logs and tests.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
