package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for kdeploy. A nil or disabled
// Metrics is safe to use; every Record method becomes a no-op.
type Metrics struct {
	config MetricsConfig

	// Dispatch metrics
	dispatches         *prometheus.CounterVec
	dispatchRejections *prometheus.CounterVec
	pendingTasks       prometheus.Gauge
	taskTimeouts       prometheus.Counter

	// Strategy metrics
	outcomes           *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	contractViolations *prometheus.CounterVec

	// Execution metrics
	activeExecutions prometheus.Gauge
	elementWrites    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.InvocationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_dispatches_total",
				Help:      "Total number of tasks submitted to the executor",
			},
			[]string{"kind", "operation"},
		),
		dispatchRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_dispatch_rejections_total",
				Help:      "Total number of task submissions rejected before reaching the executor",
			},
			[]string{"reason"},
		),
		pendingTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_pending",
				Help:      "Number of submitted tasks without a result",
			},
		),
		taskTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_timeouts_total",
				Help:      "Total number of tasks that produced no result before their timeout",
			},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strategy_outcomes_total",
				Help:      "Total number of strategy outcomes by status",
			},
			[]string{"strategy", "status"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "strategy_invocation_duration_seconds",
				Help:      "Time from begin to outcome of a strategy invocation",
				Buckets:   buckets,
			},
			[]string{"strategy", "status"},
		),
		contractViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "contract_violations_total",
				Help:      "Total number of results rejected because they did not match the continuation",
			},
			[]string{"strategy"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_active",
				Help:      "Number of workflow executions currently running",
			},
		),
		elementWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "element_writes_total",
				Help:      "Total number of published element writes by result",
			},
			[]string{"name", "result"},
		),
	}

	registry.MustRegister(
		m.dispatches,
		m.dispatchRejections,
		m.pendingTasks,
		m.taskTimeouts,
		m.outcomes,
		m.invocationDuration,
		m.contractViolations,
		m.activeExecutions,
		m.elementWrites,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordDispatch records a task accepted for execution.
func (m *Metrics) RecordDispatch(kind, operation string) {
	if !m.enabled() {
		return
	}
	m.dispatches.WithLabelValues(kind, operation).Inc()
	m.pendingTasks.Inc()
}

// RecordDispatchRejected records a submission refused before reaching the executor.
func (m *Metrics) RecordDispatchRejected(reason string) {
	if !m.enabled() {
		return
	}
	m.dispatchRejections.WithLabelValues(reason).Inc()
}

// RecordTaskCompleted records a result arriving for a pending task.
func (m *Metrics) RecordTaskCompleted(timedOut bool) {
	if !m.enabled() {
		return
	}
	m.pendingTasks.Dec()
	if timedOut {
		m.taskTimeouts.Inc()
	}
}

// RecordOutcome records a terminal strategy outcome.
func (m *Metrics) RecordOutcome(strategy, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.outcomes.WithLabelValues(strategy, status).Inc()
	m.invocationDuration.WithLabelValues(strategy, status).Observe(duration.Seconds())
}

// RecordContractViolation records a rejected result.
func (m *Metrics) RecordContractViolation(strategy string) {
	if !m.enabled() {
		return
	}
	m.contractViolations.WithLabelValues(strategy).Inc()
}

// ExecutionStarted increments the active execution gauge.
func (m *Metrics) ExecutionStarted() {
	if !m.enabled() {
		return
	}
	m.activeExecutions.Inc()
}

// ExecutionFinished decrements the active execution gauge.
func (m *Metrics) ExecutionFinished() {
	if !m.enabled() {
		return
	}
	m.activeExecutions.Dec()
}

// RecordElementWrite records a published element write. result is
// "written" or "skipped".
func (m *Metrics) RecordElementWrite(name, result string) {
	if !m.enabled() {
		return
	}
	m.elementWrites.WithLabelValues(name, result).Inc()
}

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
