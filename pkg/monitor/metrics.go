package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metrics for saga execution.
type Metrics struct {
	SagasStarted  *prometheus.CounterVec
	SagasFinished *prometheus.CounterVec
	StepsExecuted *prometheus.CounterVec
	SagaDuration  *prometheus.HistogramVec
	ActiveSagas   prometheus.Gauge
	Compensations prometheus.Counter
	StuckSagas    prometheus.Gauge
	gatherer      prometheus.Gatherer
}

// NewDefaultMetrics registers metrics with the default Prometheus registry.
func NewDefaultMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetrics registers metrics with the provided registry. If registry is
// nil, a new isolated registry is created.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total sagas started by type.",
		}, []string{"type"}),
		SagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_finished_total",
			Help: "Total sagas finished by type and outcome.",
		}, []string{"type", "outcome"}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_steps_total",
			Help: "Total step executions by type and outcome.",
		}, []string{"type", "outcome"}),
		SagaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Saga duration from start to terminal status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		ActiveSagas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saga_active",
			Help: "Sagas currently in flight.",
		}),
		Compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total sagas that entered compensation.",
		}),
		StuckSagas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saga_stuck",
			Help: "In-flight sagas exceeding the stuck threshold.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagasStarted,
		m.SagasFinished,
		m.StepsExecuted,
		m.SagaDuration,
		m.ActiveSagas,
		m.Compensations,
		m.StuckSagas,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveSagaDuration records the start-to-terminal duration for a type.
func (m *Metrics) ObserveSagaDuration(sagaType string, d time.Duration) {
	m.SagaDuration.WithLabelValues(sagaType).Observe(d.Seconds())
}
