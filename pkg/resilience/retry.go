// Package resilience provides the execution-wrapping primitives the
// orchestrator composes around step handlers: a configurable retry policy
// and a circuit breaker.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Strategy selects how retry delays grow between attempts.
type Strategy string

const (
	// StrategyFixed waits BaseDelay between every attempt.
	StrategyFixed Strategy = "fixed"
	// StrategyLinear waits BaseDelay*attempt.
	StrategyLinear Strategy = "linear"
	// StrategyExponential waits BaseDelay*Multiplier^(attempt-1).
	StrategyExponential Strategy = "exponential"
)

// RetryPolicy computes backoff delays for per-step attempt loops. The
// nominal delay is clamped to MaxDelay, then perturbed by up to
// ±JitterFactor/2 of its value so that many failing sagas do not retry in
// lockstep.
type RetryPolicy struct {
	Strategy     Strategy
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryPolicy is exponential with a 2x multiplier, capped at 30s.
var DefaultRetryPolicy = RetryPolicy{
	Strategy:     StrategyExponential,
	BaseDelay:    time.Second,
	Multiplier:   2,
	MaxDelay:     30 * time.Second,
	JitterFactor: 0.2,
}

// Delay returns the backoff before the given retry. Attempts are numbered
// from 1; the delay after attempt N uses attempt=N.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	var nominal time.Duration
	switch p.Strategy {
	case StrategyLinear:
		nominal = base * time.Duration(attempt)
	case StrategyExponential:
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2
		}
		nominal = time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	default:
		nominal = base
	}

	if p.MaxDelay > 0 && nominal > p.MaxDelay {
		nominal = p.MaxDelay
	}

	if p.JitterFactor > 0 {
		jitter := (rand.Float64() - 0.5) * p.JitterFactor * float64(nominal)
		nominal += time.Duration(jitter)
		if nominal < 0 {
			nominal = 0
		}
	}
	return nominal
}

// Sleep blocks for the backoff after the given attempt, or returns early
// when the context is cancelled.
func (p RetryPolicy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs op up to maxAttempts times, sleeping the policy's backoff
// between failures. It returns nil on the first success, otherwise the
// last error.
func (p RetryPolicy) Execute(ctx context.Context, maxAttempts int, op func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			if err := p.Sleep(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return lastErr
}
