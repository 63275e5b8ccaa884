// Package monitor consumes saga lifecycle events and maintains the
// in-flight view, per-type aggregates and the framework health verdict.
// It attaches to the orchestrator as an event publisher; nothing in the
// execution path depends on it.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sagakit/sagakit/pkg/health"
	"github.com/sagakit/sagakit/pkg/logger"
	"github.com/sagakit/sagakit/pkg/saga"
)

// Defaults for the monitor's tunables.
const (
	DefaultStuckThreshold  = 5 * time.Minute
	DefaultRetention       = time.Hour
	DefaultCleanupInterval = time.Minute
	DefaultMaxHistory      = 10000
)

// Health verdicts. Thresholds: failure rate at or under 5% is Healthy, at
// or under 15% is Degraded, above that Unhealthy.
const (
	VerdictHealthy   = "Healthy"
	VerdictDegraded  = "Degraded"
	VerdictUnhealthy = "Unhealthy"
)

// SagaInfo is the monitor's view of one saga instance.
type SagaInfo struct {
	SagaID      string      `json:"sagaId"`
	SagaType    string      `json:"sagaType"`
	Status      saga.Status `json:"status"`
	CurrentStep string      `json:"currentStep,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	LastEventAt time.Time   `json:"lastEventAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	EventCount  int         `json:"eventCount"`
	LastMessage string      `json:"lastMessage,omitempty"`

	stepStartedAt time.Time
}

// TypeStatistics aggregates outcomes per saga type.
type TypeStatistics struct {
	Started         int                        `json:"started"`
	Completed       int                        `json:"completed"`
	Failed          int                        `json:"failed"`
	Compensated     int                        `json:"compensated"`
	TimedOut        int                        `json:"timedOut"`
	Aborted         int                        `json:"aborted"`
	AverageDuration time.Duration              `json:"averageDuration"`
	Steps           map[string]*StepStatistics `json:"steps,omitempty"`

	totalDuration time.Duration
	finished      int
}

// StepStatistics aggregates per-step outcomes inside one saga type.
type StepStatistics struct {
	Executed        int           `json:"executed"`
	Succeeded       int           `json:"succeeded"`
	SuccessRate     float64       `json:"successRate"`
	AverageDuration time.Duration `json:"averageDuration"`

	totalDuration time.Duration
}

// HealthReport is the monitor's verdict over the retained window of saga
// outcomes. Rates are computed over the history the retention sweep has
// not yet evicted, so old failures age out of the verdict.
type HealthReport struct {
	Status               string        `json:"status"`
	ActiveSagas          int           `json:"activeSagas"`
	TotalProcessed       int           `json:"totalProcessed"`
	SuccessRate          float64       `json:"successRate"`
	FailureRate          float64       `json:"failureRate"`
	AverageExecutionTime time.Duration `json:"averageExecutionTime"`
	OldestActiveAge      time.Duration `json:"oldestActiveAge"`
	StuckSagas           []string      `json:"stuckSagas,omitempty"`
	GeneratedAt          time.Time     `json:"generatedAt"`
}

// Options configures a Monitor. Zero values get defaults.
type Options struct {
	// Metrics receives Prometheus updates; nil disables them.
	Metrics *Metrics
	// StuckThreshold is the silence after which an in-flight saga is
	// flagged as stuck.
	StuckThreshold time.Duration
	// Retention bounds how long finished sagas stay queryable.
	Retention time.Duration
	// CleanupInterval is the period of the retention sweep.
	CleanupInterval time.Duration
	// MaxHistory caps the finished-saga buffer independent of age.
	MaxHistory int
	Logger     *logger.Logger
}

// Monitor implements saga.EventPublisher and keeps the observable state of
// the framework.
type Monitor struct {
	metrics         *Metrics
	log             *logger.Logger
	stuckThreshold  time.Duration
	retention       time.Duration
	cleanupInterval time.Duration
	maxHistory      int
	loop            *health.LoopMonitor
	cron            *cron.Cron

	mu      sync.RWMutex
	active  map[string]*SagaInfo
	history []*SagaInfo
	byType  map[string]*TypeStatistics
}

// NewMonitor creates a monitor. The cleanup loop is started separately
// with Start.
func NewMonitor(opts Options) *Monitor {
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = DefaultStuckThreshold
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Monitor{
		metrics:         opts.Metrics,
		log:             opts.Logger,
		stuckThreshold:  opts.StuckThreshold,
		retention:       opts.Retention,
		cleanupInterval: opts.CleanupInterval,
		maxHistory:      opts.MaxHistory,
		loop:            &health.LoopMonitor{},
		active:          make(map[string]*SagaInfo),
		byType:          make(map[string]*TypeStatistics),
	}
}

// LoopMonitor exposes the cleanup loop's liveness for health checks.
func (m *Monitor) LoopMonitor() *health.LoopMonitor { return m.loop }

// Publish consumes one lifecycle event. It never returns an error; the
// monitor must not interfere with saga execution.
func (m *Monitor) Publish(ctx context.Context, event saga.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case saga.EventStarted:
		m.onStarted(event)
	case saga.EventStepStarted:
		m.onStep(event, saga.StatusRunning, "started")
	case saga.EventStepCompleted:
		m.onStep(event, saga.StatusRunning, "completed")
	case saga.EventStepFailed:
		m.onStep(event, saga.StatusRunning, "failed")
	case saga.EventSuspended:
		m.setStatus(event, saga.StatusSuspended)
	case saga.EventResumed:
		m.setStatus(event, saga.StatusRunning)
	case saga.EventCompensating:
		m.setStatus(event, saga.StatusCompensating)
		if m.metrics != nil {
			m.metrics.Compensations.Inc()
		}
	case saga.EventCompleted:
		m.onFinished(event, saga.StatusCompleted)
	case saga.EventFailed:
		m.onFinished(event, saga.StatusFailed)
	case saga.EventCompensated:
		m.onFinished(event, saga.StatusCompensated)
	case saga.EventTimedOut:
		m.onFinished(event, saga.StatusTimedOut)
	case saga.EventAborted:
		m.onFinished(event, saga.StatusAborted)
	}
	return nil
}

func (m *Monitor) onStarted(event saga.Event) {
	info := &SagaInfo{
		SagaID:      event.SagaID,
		SagaType:    event.SagaType,
		Status:      saga.StatusRunning,
		StartedAt:   event.Timestamp,
		LastEventAt: event.Timestamp,
		EventCount:  1,
	}
	m.active[event.SagaID] = info
	m.stats(event.SagaType).Started++

	if m.metrics != nil {
		m.metrics.SagasStarted.WithLabelValues(event.SagaType).Inc()
		m.metrics.ActiveSagas.Set(float64(len(m.active)))
	}
}

func (m *Monitor) onStep(event saga.Event, status saga.Status, outcome string) {
	info := m.touch(event)
	info.Status = status
	info.CurrentStep = event.StepName

	switch outcome {
	case "started":
		info.stepStartedAt = event.Timestamp
	case "completed", "failed":
		m.recordStepOutcome(event, info, outcome == "completed")
	}
	if m.metrics != nil {
		m.metrics.StepsExecuted.WithLabelValues(event.SagaType, outcome).Inc()
	}
}

func (m *Monitor) recordStepOutcome(event saga.Event, info *SagaInfo, succeeded bool) {
	stats := m.stats(event.SagaType)
	if stats.Steps == nil {
		stats.Steps = make(map[string]*StepStatistics)
	}
	ss, ok := stats.Steps[event.StepName]
	if !ok {
		ss = &StepStatistics{}
		stats.Steps[event.StepName] = ss
	}
	ss.Executed++
	if succeeded {
		ss.Succeeded++
	}
	ss.SuccessRate = float64(ss.Succeeded) / float64(ss.Executed)
	if !info.stepStartedAt.IsZero() {
		if d := event.Timestamp.Sub(info.stepStartedAt); d > 0 {
			ss.totalDuration += d
		}
		info.stepStartedAt = time.Time{}
	}
	ss.AverageDuration = ss.totalDuration / time.Duration(ss.Executed)
}

func (m *Monitor) setStatus(event saga.Event, status saga.Status) {
	m.touch(event).Status = status
}

func (m *Monitor) onFinished(event saga.Event, status saga.Status) {
	// A saga that fails and then compensates emits both Failed and
	// Compensated. The latest event wins the status field; the history
	// entry and duration counters advance only on the first one.
	info := m.touch(event)
	info.Status = status
	info.LastMessage = event.Message

	if info.CompletedAt == nil {
		t := event.Timestamp
		info.CompletedAt = &t

		stats := m.stats(event.SagaType)
		stats.finished++
		duration := event.Timestamp.Sub(info.StartedAt)
		if duration > 0 {
			stats.totalDuration += duration
			stats.AverageDuration = stats.totalDuration / time.Duration(stats.finished)
		}
		if m.metrics != nil {
			m.metrics.SagasFinished.WithLabelValues(event.SagaType, string(status)).Inc()
			m.metrics.ObserveSagaDuration(event.SagaType, duration)
		}
	}

	switch status {
	case saga.StatusCompleted:
		m.stats(event.SagaType).Completed++
	case saga.StatusFailed:
		m.stats(event.SagaType).Failed++
	case saga.StatusCompensated:
		m.stats(event.SagaType).Compensated++
	case saga.StatusTimedOut:
		m.stats(event.SagaType).TimedOut++
	case saga.StatusAborted:
		m.stats(event.SagaType).Aborted++
	}

	if _, inFlight := m.active[event.SagaID]; inFlight {
		delete(m.active, event.SagaID)
		m.history = append(m.history, info)
		if len(m.history) > m.maxHistory {
			m.history = m.history[len(m.history)-m.maxHistory:]
		}
	}
	if m.metrics != nil {
		m.metrics.ActiveSagas.Set(float64(len(m.active)))
	}
}

// touch finds or revives the info record for the event's saga and bumps
// its event bookkeeping. Events for unknown sagas (monitor attached
// mid-flight) create a record on the fly.
func (m *Monitor) touch(event saga.Event) *SagaInfo {
	if info, ok := m.active[event.SagaID]; ok {
		info.LastEventAt = event.Timestamp
		info.EventCount++
		return info
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].SagaID == event.SagaID {
			info := m.history[i]
			info.LastEventAt = event.Timestamp
			info.EventCount++
			return info
		}
	}
	info := &SagaInfo{
		SagaID:      event.SagaID,
		SagaType:    event.SagaType,
		Status:      saga.StatusRunning,
		StartedAt:   event.Timestamp,
		LastEventAt: event.Timestamp,
		EventCount:  1,
	}
	m.active[event.SagaID] = info
	return info
}

func (m *Monitor) stats(sagaType string) *TypeStatistics {
	s, ok := m.byType[sagaType]
	if !ok {
		s = &TypeStatistics{}
		m.byType[sagaType] = s
	}
	return s
}

// GetActiveSagas returns a snapshot of all in-flight sagas, oldest first.
func (m *Monitor) GetActiveSagas() []SagaInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SagaInfo, 0, len(m.active))
	for _, info := range m.active {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// GetSagaInfo returns the monitor's record for one saga, in-flight or
// finished, or nil when unknown.
func (m *Monitor) GetSagaInfo(sagaID string) *SagaInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.active[sagaID]; ok {
		copied := *info
		return &copied
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].SagaID == sagaID {
			copied := *m.history[i]
			return &copied
		}
	}
	return nil
}

// GetStatistics returns per-type aggregates.
func (m *Monitor) GetStatistics() map[string]TypeStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]TypeStatistics, len(m.byType))
	for t, s := range m.byType {
		copied := *s
		if s.Steps != nil {
			copied.Steps = make(map[string]*StepStatistics, len(s.Steps))
			for name, ss := range s.Steps {
				sc := *ss
				copied.Steps[name] = &sc
			}
		}
		out[t] = copied
	}
	return out
}

// GetHealthReport computes the current verdict over the retained history.
// With nothing processed yet the framework is Healthy.
func (m *Monitor) GetHealthReport() HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := HealthReport{
		Status:         VerdictHealthy,
		ActiveSagas:    len(m.active),
		TotalProcessed: len(m.history),
		SuccessRate:    1,
		GeneratedAt:    time.Now().UTC(),
	}

	if len(m.history) > 0 {
		succeeded := 0
		var total time.Duration
		for _, info := range m.history {
			if info.Status == saga.StatusCompleted {
				succeeded++
			}
			if info.CompletedAt != nil {
				total += info.CompletedAt.Sub(info.StartedAt)
			}
		}
		processed := len(m.history)
		report.SuccessRate = float64(succeeded) / float64(processed)
		report.FailureRate = float64(processed-succeeded) / float64(processed)
		report.AverageExecutionTime = total / time.Duration(processed)
	}
	switch {
	case report.FailureRate <= 0.05:
		report.Status = VerdictHealthy
	case report.FailureRate <= 0.15:
		report.Status = VerdictDegraded
	default:
		report.Status = VerdictUnhealthy
	}

	now := time.Now().UTC()
	for id, info := range m.active {
		if age := now.Sub(info.StartedAt); age > report.OldestActiveAge {
			report.OldestActiveAge = age
		}
		if now.Sub(info.LastEventAt) > m.stuckThreshold {
			report.StuckSagas = append(report.StuckSagas, id)
		}
	}
	sort.Strings(report.StuckSagas)
	if m.metrics != nil {
		m.metrics.StuckSagas.Set(float64(len(report.StuckSagas)))
	}
	return report
}

// Start launches the retention sweep loop.
func (m *Monitor) Start() error {
	if m.cron != nil {
		return saga.NewValidationError("monitor", "already started")
	}
	m.cron = cron.New()
	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.cleanupInterval), m.cleanup)
	if err != nil {
		m.cron = nil
		return err
	}
	m.cron.Start()
	m.log.Infof("monitor started", map[string]interface{}{"cleanupInterval": m.cleanupInterval.String()})
	return nil
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
	m.log.Info("monitor stopped")
}

// cleanup drops finished sagas older than the retention window.
func (m *Monitor) cleanup() {
	m.loop.Tick()
	cutoff := time.Now().UTC().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.history[:0]
	for _, info := range m.history {
		if info.CompletedAt != nil && info.CompletedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, info)
	}
	m.history = kept
}

var _ saga.EventPublisher = (*Monitor)(nil)
