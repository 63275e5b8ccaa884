package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failOp(calls *int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		*calls++
		return errors.New("downstream failure")
	}
}

func okOp(calls *int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		*calls++
		return nil
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	ctx := context.Background()
	b := NewCircuitBreaker(5, time.Minute)

	calls := 0
	for i := 0; i < 5; i++ {
		if err := b.Execute(ctx, failOp(&calls)); err == nil {
			t.Fatal("expected failure")
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected open after 5 failures, got %s", b.State())
	}

	// 6th call is rejected without invoking the operation.
	err := b.Execute(ctx, failOp(&calls))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 5 {
		t.Fatalf("rejected call must not invoke op; got %d invocations", calls)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b := NewCircuitBreaker(3, time.Minute)

	calls := 0
	b.Execute(ctx, failOp(&calls))
	b.Execute(ctx, failOp(&calls))
	if err := b.Execute(ctx, okOp(&calls)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Failures() != 0 {
		t.Fatalf("expected failure count reset, got %d", b.Failures())
	}
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	ctx := context.Background()
	b := NewCircuitBreaker(2, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	calls := 0
	b.Execute(ctx, failOp(&calls))
	b.Execute(ctx, failOp(&calls))
	if b.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	// Before the window elapses calls are still rejected.
	if err := b.Execute(ctx, okOp(&calls)); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection inside window, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := b.Execute(ctx, okOp(&calls)); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
	if b.Failures() != 0 {
		t.Fatalf("expected failures reset, got %d", b.Failures())
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	ctx := context.Background()
	b := NewCircuitBreaker(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	calls := 0
	b.Execute(ctx, failOp(&calls))
	now = now.Add(2 * time.Minute)

	if err := b.Execute(ctx, failOp(&calls)); err == nil {
		t.Fatal("expected probe failure")
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected reopened, got %s", b.State())
	}

	// The window restarted at the failed probe.
	if err := b.Execute(ctx, okOp(&calls)); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection in restarted window, got %v", err)
	}
}

func TestBreakerSingleProbeInHalfOpen(t *testing.T) {
	ctx := context.Background()
	b := NewCircuitBreaker(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	calls := 0
	b.Execute(ctx, failOp(&calls))
	now = now.Add(2 * time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// While the probe is in flight, other calls are rejected.
	if err := b.Execute(ctx, okOp(&calls)); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection during probe, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}
