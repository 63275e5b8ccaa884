// Package diagnostics builds per-saga troubleshooting reports and
// framework-wide debug bundles: the execution trace, detected anomalies
// and the legal next operations for a saga in its current status.
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/sagakit/sagakit/pkg/logger"
	"github.com/sagakit/sagakit/pkg/monitor"
	"github.com/sagakit/sagakit/pkg/orchestrator"
	"github.com/sagakit/sagakit/pkg/saga"
	"github.com/sagakit/sagakit/pkg/store"
)

// Severity ranks an anomaly.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// Anomaly is one suspicious finding about a saga.
type Anomaly struct {
	Severity Severity `json:"severity" xml:"severity,attr"`
	Code     string   `json:"code" xml:"code,attr"`
	Message  string   `json:"message" xml:",chardata"`
}

// TraceEntry is one row of the execution timeline.
type TraceEntry struct {
	StepName    string          `json:"stepName" xml:"stepName"`
	Status      saga.StepStatus `json:"status" xml:"status"`
	StartedAt   *time.Time      `json:"startedAt,omitempty" xml:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty" xml:"completedAt,omitempty"`
	Duration    time.Duration   `json:"duration" xml:"duration"`
	RetryCount  int             `json:"retryCount" xml:"retryCount"`
	Compensable bool            `json:"compensable" xml:"compensable"`
}

// Performance is the monitor's recent view of the saga and its type. It
// carries flattened aggregates only so the report stays XML-exportable.
type Performance struct {
	Duration            time.Duration `json:"duration"`
	TypeAverageDuration time.Duration `json:"typeAverageDuration"`
	TypeFailureRate     float64       `json:"typeFailureRate"`
	TypeStarted         int           `json:"typeStarted"`
	TypeCompleted       int           `json:"typeCompleted"`
	TypeFailed          int           `json:"typeFailed"`
	EventCount          int           `json:"eventCount,omitempty"`
	LastEventAt         *time.Time    `json:"lastEventAt,omitempty"`
}

// Report is the full diagnostic picture of one saga instance.
type Report struct {
	SagaID        string       `json:"sagaId"`
	SagaType      string       `json:"sagaType"`
	Status        saga.Status  `json:"status"`
	CurrentStep   string       `json:"currentStep,omitempty"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"createdAt"`
	LastUpdatedAt time.Time    `json:"lastUpdatedAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
	Trace         []TraceEntry `json:"trace"`
	Compensations int          `json:"compensations"`
	Performance   *Performance `json:"performance,omitempty"`
	Anomalies     []Anomaly    `json:"anomalies,omitempty"`
	NextStatuses  []string     `json:"nextStatuses,omitempty"`
	GeneratedAt   time.Time    `json:"generatedAt"`
}

// Thresholds for the performance anomaly checks.
const (
	highFailureRate    = 0.15
	slowFactor         = 2.0
	stuckAge           = 5 * time.Minute
	minStepSuccessRate = 0.5
)

// TypeInfo describes one registered saga type for the debug bundle.
type TypeInfo struct {
	SagaType string   `json:"sagaType"`
	Handlers []string `json:"handlers"`
}

// Bundle is the framework-wide debug snapshot.
type Bundle struct {
	GeneratedAt time.Time             `json:"generatedAt"`
	Types       []TypeInfo            `json:"types"`
	StoreStats  []*store.Statistics   `json:"storeStats"`
	Health      *monitor.HealthReport `json:"health,omitempty"`
	Active      []monitor.SagaInfo    `json:"activeSagas,omitempty"`
}

// Service produces reports and bundles over the registered saga types. The
// monitor is optional; without it the bundle carries no health section.
type Service struct {
	registry *orchestrator.Registry
	monitor  *monitor.Monitor
	log      *logger.Logger
}

// NewService creates a diagnostic service.
func NewService(registry *orchestrator.Registry, mon *monitor.Monitor, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{registry: registry, monitor: mon, log: log}
}

// GenerateReport builds the diagnostic report for one saga.
func (s *Service) GenerateReport(ctx context.Context, sagaType, sagaID string) (*Report, error) {
	st, err := s.registry.StoreFor(sagaType)
	if err != nil {
		return nil, err
	}
	state, err := st.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, saga.NewNotFoundError("saga", sagaID)
	}

	report := &Report{
		SagaID:        state.ID,
		SagaType:      state.Type,
		Status:        state.Status,
		CurrentStep:   state.CurrentStep,
		Version:       state.Version,
		CreatedAt:     state.CreatedAt,
		LastUpdatedAt: state.LastUpdatedAt,
		CompletedAt:   state.CompletedAt,
		Trace:         buildTrace(state),
		Compensations: len(state.Compensations),
		Anomalies:     DetectAnomalies(state),
		NextStatuses:  legalNextStatuses(state),
		GeneratedAt:   time.Now().UTC(),
	}
	if s.monitor != nil {
		perf, extra := s.assessPerformance(state)
		report.Performance = perf
		report.Anomalies = append(report.Anomalies, extra...)
	}
	return report, nil
}

// assessPerformance compares the saga against the monitor's per-type and
// per-step aggregates and flags the threshold-based anomalies.
func (s *Service) assessPerformance(state *saga.State) (*Performance, []Anomaly) {
	stats, tracked := s.monitor.GetStatistics()[state.Type]
	info := s.monitor.GetSagaInfo(state.ID)

	perf := &Performance{}
	if state.CompletedAt != nil {
		perf.Duration = state.CompletedAt.Sub(state.CreatedAt)
	} else {
		perf.Duration = time.Since(state.CreatedAt)
	}
	if tracked {
		perf.TypeAverageDuration = stats.AverageDuration
		perf.TypeStarted = stats.Started
		perf.TypeCompleted = stats.Completed
		perf.TypeFailed = stats.Failed
		finished := stats.Completed + stats.Failed + stats.Compensated + stats.TimedOut + stats.Aborted
		if finished > 0 {
			perf.TypeFailureRate = float64(finished-stats.Completed) / float64(finished)
		}
	}
	if info != nil {
		perf.EventCount = info.EventCount
		last := info.LastEventAt
		perf.LastEventAt = &last
	}

	var found []Anomaly
	add := func(sev Severity, code, msg string) {
		found = append(found, Anomaly{Severity: sev, Code: code, Message: msg})
	}

	if perf.TypeFailureRate > highFailureRate {
		add(SeverityHigh, "HIGH_FAILURE_RATE",
			fmt.Sprintf("saga type '%s' fails at %.0f%% over the recent window", state.Type, perf.TypeFailureRate*100))
	}
	if tracked && stats.AverageDuration > 0 &&
		perf.Duration > time.Duration(slowFactor*float64(stats.AverageDuration)) {
		add(SeverityMedium, "SLOW_EXECUTION",
			fmt.Sprintf("saga runs %v against a type average of %v", perf.Duration, stats.AverageDuration))
	}
	if !state.IsTerminal() && info != nil && time.Since(info.LastEventAt) > stuckAge {
		add(SeverityHigh, "STUCK_SAGA",
			fmt.Sprintf("no lifecycle event for %v on a non-terminal saga", time.Since(info.LastEventAt).Round(time.Second)))
	}

	if tracked && stats.Steps != nil {
		for _, step := range state.Steps {
			ss := stats.Steps[step.Name]
			if ss == nil {
				continue
			}
			if ss.Executed > 0 && ss.SuccessRate < minStepSuccessRate {
				add(SeverityMedium, "STEP_HIGH_FAILURE",
					fmt.Sprintf("step '%s' succeeds only %.0f%% of the time across the type", step.Name, ss.SuccessRate*100))
			}
			if ss.AverageDuration > 0 && step.StartedAt != nil && step.CompletedAt != nil {
				if d := step.CompletedAt.Sub(*step.StartedAt); d > time.Duration(slowFactor*float64(ss.AverageDuration)) {
					add(SeverityMedium, "STEP_SLOW",
						fmt.Sprintf("step '%s' took %v against a step average of %v", step.Name, d, ss.AverageDuration))
				}
			}
		}
	}
	return perf, found
}

// CollectBundle builds the framework-wide debug snapshot.
func (s *Service) CollectBundle(ctx context.Context) (*Bundle, error) {
	bundle := &Bundle{GeneratedAt: time.Now().UTC()}

	for _, sagaType := range s.registry.Types() {
		orch, err := s.registry.Orchestrator(sagaType)
		if err != nil {
			return nil, err
		}
		bundle.Types = append(bundle.Types, TypeInfo{
			SagaType: sagaType,
			Handlers: orch.HandlerNames(),
		})
	}

	for _, st := range s.registry.Stores() {
		stats, err := st.GetStatistics(ctx)
		if err != nil {
			s.log.WithError(err).Warn("store statistics unavailable")
			continue
		}
		bundle.StoreStats = append(bundle.StoreStats, stats)
	}

	if s.monitor != nil {
		report := s.monitor.GetHealthReport()
		bundle.Health = &report
		bundle.Active = s.monitor.GetActiveSagas()
	}
	return bundle, nil
}

func buildTrace(state *saga.State) []TraceEntry {
	trace := make([]TraceEntry, 0, len(state.Steps))
	for _, step := range state.Steps {
		e := TraceEntry{
			StepName:    step.Name,
			Status:      step.Status,
			StartedAt:   step.StartedAt,
			CompletedAt: step.CompletedAt,
			RetryCount:  step.RetryCount,
			Compensable: step.IsCompensable,
		}
		if step.StartedAt != nil && step.CompletedAt != nil {
			e.Duration = step.CompletedAt.Sub(*step.StartedAt)
		}
		trace = append(trace, e)
	}
	return trace
}

// DetectAnomalies runs the structural checks over a saga state. It is a
// pure function; callers may use it without a Service.
func DetectAnomalies(state *saga.State) []Anomaly {
	var found []Anomaly
	add := func(sev Severity, code, msg string) {
		found = append(found, Anomaly{Severity: sev, Code: code, Message: msg})
	}

	if state.Status != saga.StatusNotStarted && state.Version == 0 {
		add(SeverityMedium, "VERSION_NOT_ADVANCED",
			"status moved but version is still 0; a mutation path skipped Touch")
	}
	if state.LastUpdatedAt.Before(state.CreatedAt) {
		add(SeverityMedium, "CLOCK_SKEW", "lastUpdatedAt precedes createdAt")
	}
	if state.IsTerminal() && state.CompletedAt == nil && state.Status != saga.StatusAborted {
		add(SeverityLow, "MISSING_COMPLETED_AT", "terminal saga has no completedAt")
	}

	for _, step := range state.Steps {
		if step.CompletedAt != nil && step.StartedAt == nil {
			add(SeverityHigh, "STEP_NEVER_STARTED",
				fmt.Sprintf("step '%s' completed without a start timestamp", step.Name))
		}
		if step.StartedAt != nil && step.CompletedAt != nil && step.CompletedAt.Before(*step.StartedAt) {
			add(SeverityHigh, "STEP_TIME_REVERSED",
				fmt.Sprintf("step '%s' completed before it started", step.Name))
		}
		if step.Status == saga.StepRunning && state.IsTerminal() {
			add(SeverityHigh, "STEP_ORPHANED",
				fmt.Sprintf("step '%s' still running in a terminal saga", step.Name))
		}
		if max := step.EffectiveMaxRetries(); step.RetryCount > 0 && step.RetryCount < max &&
			step.RetryCount*2 >= max {
			add(SeverityLow, "HIGH_RETRY_COUNT",
				fmt.Sprintf("step '%s' consumed %d of %d attempts", step.Name, step.RetryCount, max))
		}
		if max := step.EffectiveMaxRetries(); step.RetryCount >= max && step.Status != saga.StepFailed &&
			step.Status != saga.StepCompleted && step.Status != saga.StepCompensated {
			add(SeverityMedium, "RETRIES_EXHAUSTED",
				fmt.Sprintf("step '%s' used all %d attempts without a terminal step status", step.Name, max))
		}
		if step.Status == saga.StepCompensationFailed {
			add(SeverityHigh, "COMPENSATION_FAILED",
				fmt.Sprintf("compensation for step '%s' failed; manual cleanup may be required", step.Name))
		}
	}

	for _, comp := range state.Compensations {
		if comp.Status == saga.CompensationRunning && state.IsTerminal() {
			add(SeverityMedium, "COMPENSATION_ORPHANED",
				fmt.Sprintf("compensation for step '%s' never finished", comp.StepName))
		}
	}

	if state.Status == saga.StatusFailed && state.HasCompensableSteps() {
		add(SeverityMedium, "COMPENSATION_PENDING",
			"saga is Failed with compensable completed steps; compensation did not run")
	}
	return found
}

// legalNextStatuses lists the statuses the saga may move to from here.
func legalNextStatuses(state *saga.State) []string {
	candidates := []saga.Status{
		saga.StatusRunning, saga.StatusCompleted, saga.StatusFailed,
		saga.StatusCompensating, saga.StatusCompensated, saga.StatusSuspended,
		saga.StatusTimedOut, saga.StatusAborted,
	}
	var legal []string
	for _, c := range candidates {
		if state.CanTransition(c) {
			legal = append(legal, string(c))
		}
	}
	return legal
}
