// Package timeout watches running sagas against their configured
// deadlines and hands expired ones back to their orchestrator, which then
// applies the saga's timeout action.
package timeout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sagakit/sagakit/pkg/health"
	"github.com/sagakit/sagakit/pkg/logger"
	"github.com/sagakit/sagakit/pkg/orchestrator"
	"github.com/sagakit/sagakit/pkg/saga"
)

// DefaultScanInterval is the deadline scan period when none is configured.
const DefaultScanInterval = time.Minute

type entry struct {
	sagaType string
	deadline time.Time
}

// Manager tracks saga deadlines in memory and periodically sweeps the
// registered stores for expired sagas the in-memory map missed, e.g.
// sagas started before a process restart. It implements
// orchestrator.DeadlineTracker.
type Manager struct {
	registry *orchestrator.Registry
	interval time.Duration
	log      *logger.Logger
	loop     *health.LoopMonitor

	cron    *cron.Cron
	entryID cron.EntryID

	mu        sync.Mutex
	deadlines map[string]entry
}

// NewManager creates a stopped manager. interval <= 0 falls back to
// DefaultScanInterval; a nil logger is silent.
func NewManager(registry *orchestrator.Registry, interval time.Duration, log *logger.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		registry:  registry,
		interval:  interval,
		log:       log,
		loop:      &health.LoopMonitor{},
		deadlines: make(map[string]entry),
	}
}

// LoopMonitor exposes the scan loop's liveness for health checks.
func (m *Manager) LoopMonitor() *health.LoopMonitor { return m.loop }

// Track registers a deadline for a running saga.
func (m *Manager) Track(sagaID, sagaType string, deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlines[sagaID] = entry{sagaType: sagaType, deadline: deadline}
}

// Forget drops a saga from the deadline map. Called when the saga reaches
// a terminal status.
func (m *Manager) Forget(sagaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deadlines, sagaID)
}

// Tracked returns the number of sagas currently watched.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deadlines)
}

// Start launches the periodic scan. Calling Start twice is an error.
func (m *Manager) Start(ctx context.Context) error {
	if m.cron != nil {
		return saga.NewValidationError("manager", "already started")
	}
	m.cron = cron.New()
	id, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.interval), func() {
		if err := m.CheckTimeouts(ctx); err != nil {
			m.loop.SetError(err)
			m.log.WithError(err).Error("timeout scan failed")
		}
	})
	if err != nil {
		m.cron = nil
		return err
	}
	m.entryID = id
	m.cron.Start()
	m.log.Infof("timeout manager started", map[string]interface{}{"interval": m.interval.String()})
	return nil
}

// Stop halts the scan loop and waits for an in-flight scan to finish.
func (m *Manager) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
	m.log.Info("timeout manager stopped")
}

// CheckTimeouts performs one scan pass: expired tracked sagas first, then
// a store sweep for expired sagas the map does not know about.
func (m *Manager) CheckTimeouts(ctx context.Context) error {
	m.loop.Tick()
	now := time.Now().UTC()

	var firstErr error
	for _, id := range m.expired(now) {
		if err := m.timeOutSaga(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := m.sweepStores(ctx, now); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// expired snapshots the due saga IDs under the lock.
func (m *Manager) expired(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []string
	for id, e := range m.deadlines {
		if !e.deadline.After(now) {
			due = append(due, id)
		}
	}
	return due
}

func (m *Manager) timeOutSaga(ctx context.Context, sagaID string) error {
	m.mu.Lock()
	e, ok := m.deadlines[sagaID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	orch, err := m.registry.Orchestrator(e.sagaType)
	if err != nil {
		m.Forget(sagaID)
		return err
	}
	state, err := orch.Store().Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if state == nil || state.IsTerminal() {
		m.Forget(sagaID)
		return nil
	}

	m.log.WithSaga(sagaID, e.sagaType).Warn("saga deadline exceeded")
	if err := orch.HandleTimeout(ctx, state); err != nil {
		return err
	}
	m.Forget(sagaID)
	return nil
}

// sweepStores asks every registered store for Running sagas whose timeout
// elapsed. This catches sagas the in-memory map never saw.
func (m *Manager) sweepStores(ctx context.Context, now time.Time) error {
	var firstErr error
	for _, st := range m.registry.Stores() {
		states, err := st.GetTimedOutSagas(ctx, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, state := range states {
			orch, err := m.registry.Orchestrator(state.Type)
			if err != nil {
				m.log.WithSaga(state.ID, state.Type).WithError(err).Error("no orchestrator for timed-out saga")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			m.log.WithSaga(state.ID, state.Type).Warn("saga deadline exceeded")
			if err := orch.HandleTimeout(ctx, state); err != nil {
				// HandleTimeout on a saga another scan already moved is
				// an invalid transition; skip it quietly.
				m.log.WithSaga(state.ID, state.Type).WithError(err).Warn("timeout handling failed")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			m.Forget(state.ID)
		}
	}
	return firstErr
}

var _ orchestrator.DeadlineTracker = (*Manager)(nil)
