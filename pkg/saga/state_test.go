package saga

import (
	"errors"
	"testing"
	"time"
)

func TestNewStateDefaults(t *testing.T) {
	s := NewState("order")
	if s.ID == "" {
		t.Fatal("expected generated id")
	}
	if s.Status != StatusNotStarted {
		t.Fatalf("expected NOT_STARTED, got %s", s.Status)
	}
	if s.Version != 0 {
		t.Fatalf("expected version 0, got %d", s.Version)
	}
}

func TestTouchAdvancesVersionByOne(t *testing.T) {
	s := NewState("order")
	const mutations = 7
	for i := 0; i < mutations; i++ {
		before := s.LastUpdatedAt
		s.Touch()
		if !s.LastUpdatedAt.After(before) && !s.LastUpdatedAt.Equal(before) {
			t.Fatal("LastUpdatedAt went backwards")
		}
	}
	if s.Version != mutations {
		t.Fatalf("expected version %d after %d mutations, got %d", mutations, mutations, s.Version)
	}
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusNotStarted, StatusRunning, true},
		{StatusNotStarted, StatusAborted, true},
		{StatusNotStarted, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusSuspended, true},
		{StatusRunning, StatusCompensated, false},
		{StatusFailed, StatusCompensating, true},
		{StatusFailed, StatusRunning, false},
		{StatusCompensating, StatusCompensated, true},
		{StatusSuspended, StatusRunning, true},
		{StatusSuspended, StatusCompleted, false},
		{StatusTimedOut, StatusCompensating, true},
		{StatusCompleted, StatusRunning, false},
		{StatusCompensated, StatusRunning, false},
		{StatusAborted, StatusRunning, false},
	}
	for _, tc := range cases {
		s := NewState("t")
		s.Status = tc.from
		err := s.TransitionTo(tc.to)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%s -> %s: expected error", tc.from, tc.to)
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
			}
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCompensated, StatusAborted}
	for _, st := range terminal {
		s := NewState("t")
		s.Status = st
		if !s.IsTerminal() {
			t.Fatalf("expected %s to be terminal", st)
		}
	}
	open := []Status{StatusNotStarted, StatusRunning, StatusFailed, StatusCompensating, StatusSuspended, StatusTimedOut}
	for _, st := range open {
		s := NewState("t")
		s.Status = st
		if s.IsTerminal() {
			t.Fatalf("expected %s not to be terminal", st)
		}
	}
}

func TestCompensableStepsReverseOrder(t *testing.T) {
	s := NewState("t")
	now := time.Now()

	a := NewStep("a")
	a.MarkRunning(now)
	a.MarkCompleted(now.Add(time.Second))

	b := NewStep("b")
	b.MarkRunning(now.Add(2 * time.Second))
	b.MarkCompleted(now.Add(3 * time.Second))

	c := NewStep("c")
	c.IsCompensable = false
	c.MarkRunning(now.Add(4 * time.Second))
	c.MarkCompleted(now.Add(5 * time.Second))

	d := NewStep("d") // still pending

	s.AddStep(a).AddStep(b).AddStep(c).AddStep(d)

	got := s.CompensableSteps()
	if len(got) != 2 {
		t.Fatalf("expected 2 compensable steps, got %d", len(got))
	}
	if got[0].Name != "b" || got[1].Name != "a" {
		t.Fatalf("expected [b a], got [%s %s]", got[0].Name, got[1].Name)
	}
}

func TestStepTimestampsSetOnce(t *testing.T) {
	step := NewStep("s")
	first := time.Now()
	step.MarkRunning(first)
	step.MarkRunning(first.Add(time.Hour))
	if !step.StartedAt.Equal(first) {
		t.Fatal("StartedAt must be set exactly once")
	}

	step.MarkCompleted(first.Add(time.Minute))
	step.MarkFailed(first.Add(time.Hour))
	if !step.CompletedAt.Equal(first.Add(time.Minute)) {
		t.Fatal("CompletedAt must be set exactly once")
	}
}

func TestDeadline(t *testing.T) {
	s := NewState("t")
	if _, ok := s.Deadline(); ok {
		t.Fatal("no deadline expected without timeout")
	}

	s.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Metadata.Timeout = time.Hour
	deadline, ok := s.Deadline()
	if !ok {
		t.Fatal("expected a deadline")
	}
	if !deadline.Equal(s.CreatedAt.Add(time.Hour)) {
		t.Fatalf("unexpected deadline %v", deadline)
	}
}

func TestNextPendingStep(t *testing.T) {
	s := NewState("t")
	a := NewStep("a")
	a.Status = StepCompleted
	b := NewStep("b")
	s.AddStep(a).AddStep(b)

	next := s.NextPendingStep()
	if next == nil || next.Name != "b" {
		t.Fatalf("expected b, got %+v", next)
	}

	b.Status = StepSkipped
	if s.NextPendingStep() != nil {
		t.Fatal("expected no pending step")
	}
	if !s.AllStepsDone() {
		t.Fatal("expected all steps done")
	}
}

func TestEffectiveMaxRetries(t *testing.T) {
	step := NewStep("s")
	if step.EffectiveMaxRetries() != DefaultMaxRetries {
		t.Fatalf("expected default %d", DefaultMaxRetries)
	}
	step.MaxRetries = 5
	if step.EffectiveMaxRetries() != 5 {
		t.Fatal("expected per-step override")
	}
}
