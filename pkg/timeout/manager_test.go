package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/sagakit/sagakit/pkg/orchestrator"
	"github.com/sagakit/sagakit/pkg/saga"
	"github.com/sagakit/sagakit/pkg/store"
)

type noopHandler struct{ name string }

func (h *noopHandler) StepName() string { return h.name }
func (h *noopHandler) Execute(ctx context.Context, state *saga.State) (*saga.StepResult, error) {
	return saga.Continue(), nil
}
func (h *noopHandler) Compensate(ctx context.Context, state *saga.State) (*saga.StepResult, error) {
	return saga.Continue(), nil
}
func (h *noopHandler) CanExecute(ctx context.Context, state *saga.State) bool    { return true }
func (h *noopHandler) CanCompensate(ctx context.Context, state *saga.State) bool { return true }

func setup(t *testing.T) (*orchestrator.Registry, *orchestrator.Orchestrator, *store.MemoryStore, *Manager) {
	t.Helper()
	st := store.NewMemoryStore()
	registry := orchestrator.NewRegistry()
	m := NewManager(registry, time.Second, nil)

	orch, err := orchestrator.New("order", st, []saga.StepHandler{&noopHandler{name: "a"}}, orchestrator.Options{
		Deadlines: m,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := registry.Register(orch); err != nil {
		t.Fatalf("register: %v", err)
	}
	return registry, orch, st, m
}

func expiredRunningSaga(t *testing.T, st *store.MemoryStore) *saga.State {
	t.Helper()
	state := saga.NewState("order")
	state.Status = saga.StatusRunning
	state.CreatedAt = time.Now().UTC().Add(-time.Hour)
	state.LastUpdatedAt = state.CreatedAt
	state.Metadata.Timeout = time.Minute
	state.AddStep(saga.NewStep("a"))
	if err := st.Save(context.Background(), state); err != nil {
		t.Fatalf("save: %v", err)
	}
	return state
}

func TestDefaultScanIntervalIsOneMinute(t *testing.T) {
	m := NewManager(orchestrator.NewRegistry(), 0, nil)
	if m.interval != time.Minute {
		t.Fatalf("expected 1m default scan interval, got %v", m.interval)
	}
}

func TestTrackedSagaTimesOut(t *testing.T) {
	_, _, st, m := setup(t)
	state := expiredRunningSaga(t, st)
	m.Track(state.ID, state.Type, state.CreatedAt.Add(state.Metadata.Timeout))

	if err := m.CheckTimeouts(context.Background()); err != nil {
		t.Fatalf("check timeouts: %v", err)
	}

	got, err := st.Get(context.Background(), state.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != saga.StatusTimedOut {
		t.Fatalf("expected TimedOut, got %s", got.Status)
	}
	if m.Tracked() != 0 {
		t.Fatalf("expected deadline entry removed, still tracking %d", m.Tracked())
	}
}

func TestStoreSweepFindsUntrackedSagas(t *testing.T) {
	_, _, st, m := setup(t)
	state := expiredRunningSaga(t, st)
	// Never tracked, e.g. started before a process restart.

	if err := m.CheckTimeouts(context.Background()); err != nil {
		t.Fatalf("check timeouts: %v", err)
	}

	got, _ := st.Get(context.Background(), state.ID)
	if got.Status != saga.StatusTimedOut {
		t.Fatalf("expected sweep to time out untracked saga, got %s", got.Status)
	}
}

func TestFreshSagaIsLeftAlone(t *testing.T) {
	_, _, st, m := setup(t)

	state := saga.NewState("order")
	state.Status = saga.StatusRunning
	state.CreatedAt = time.Now().UTC()
	state.LastUpdatedAt = state.CreatedAt
	state.Metadata.Timeout = time.Hour
	if err := st.Save(context.Background(), state); err != nil {
		t.Fatalf("save: %v", err)
	}
	m.Track(state.ID, state.Type, state.CreatedAt.Add(state.Metadata.Timeout))

	if err := m.CheckTimeouts(context.Background()); err != nil {
		t.Fatalf("check timeouts: %v", err)
	}
	got, _ := st.Get(context.Background(), state.ID)
	if got.Status != saga.StatusRunning {
		t.Fatalf("expected still Running, got %s", got.Status)
	}
	if m.Tracked() != 1 {
		t.Fatal("fresh saga must stay tracked")
	}
}

func TestTerminalSagaDroppedFromTracking(t *testing.T) {
	_, _, st, m := setup(t)

	state := saga.NewState("order")
	state.Status = saga.StatusCompleted
	state.CreatedAt = time.Now().UTC().Add(-time.Hour)
	state.LastUpdatedAt = state.CreatedAt
	if err := st.Save(context.Background(), state); err != nil {
		t.Fatalf("save: %v", err)
	}
	m.Track(state.ID, state.Type, time.Now().UTC().Add(-time.Minute))

	if err := m.CheckTimeouts(context.Background()); err != nil {
		t.Fatalf("check timeouts: %v", err)
	}
	if m.Tracked() != 0 {
		t.Fatal("terminal saga must be forgotten, not timed out")
	}
	got, _ := st.Get(context.Background(), state.ID)
	if got.Status != saga.StatusCompleted {
		t.Fatalf("terminal saga must not change status, got %s", got.Status)
	}
}

func TestOrchestratorCompletionForgetsDeadline(t *testing.T) {
	_, orch, _, m := setup(t)

	state := saga.NewState("order")
	state.Metadata.Timeout = time.Hour
	state.AddStep(saga.NewStep("a"))

	if err := orch.Start(context.Background(), state); err != nil {
		t.Fatalf("start: %v", err)
	}
	if state.Status != saga.StatusCompleted {
		t.Fatalf("expected Completed, got %s", state.Status)
	}
	if m.Tracked() != 0 {
		t.Fatalf("completed saga must be forgotten, still tracking %d", m.Tracked())
	}
}

func TestCheckTimeoutsTicksLoopMonitor(t *testing.T) {
	_, _, _, m := setup(t)
	if ok, _, _ := m.LoopMonitor().Healthy(time.Now(), time.Minute); ok {
		t.Fatal("loop must be unhealthy before first tick")
	}
	if err := m.CheckTimeouts(context.Background()); err != nil {
		t.Fatalf("check timeouts: %v", err)
	}
	if ok, _, _ := m.LoopMonitor().Healthy(time.Now(), time.Minute); !ok {
		t.Fatal("loop must be healthy after a tick")
	}
}
