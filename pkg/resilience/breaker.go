package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the wrapped operation.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the breaker's current mode.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker fails fast when a dependency is unhealthy. Closed counts
// consecutive failures; reaching the threshold opens the breaker for the
// configured timeout, during which calls are rejected immediately. After
// the timeout the next call is let through as a half-open probe: success
// closes the breaker and resets the failure count, failure re-opens it and
// restarts the window.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	timeout          time.Duration
	state            BreakerState
	failures         int
	openedAt         time.Time
	probing          bool
	now              func() time.Time
}

// NewCircuitBreaker creates a closed breaker. failureThreshold must be at
// least 1; timeout is the open-state duration before a half-open probe.
func NewCircuitBreaker(failureThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		timeout:          timeout,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

// Execute runs op through the breaker. When the breaker is open the call
// is rejected with ErrCircuitOpen and op is never invoked.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err == nil)
	return err
}

// State returns the breaker's current mode.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count while closed.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return ErrCircuitOpen
		}
		// Timeout elapsed: let exactly one probe through.
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
		if success {
			b.state = BreakerClosed
			b.failures = 0
		} else {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
		return
	}

	if success {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}
