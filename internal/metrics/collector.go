package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the Prometheus metrics for the execution core.
type Collector struct {
	// Enforcer metrics
	enforcerDecisions *prometheus.CounterVec
	enforcerLatency   prometheus.Histogram

	// Executor metrics
	executorAttempts *prometheus.CounterVec
	executorDuration *prometheus.HistogramVec

	// Checkpoint metrics
	checkpointWrites             prometheus.Counter
	checkpointValidationFailures prometheus.Counter
	checkpointRetentionDeletes   prometheus.Counter

	// Circuit breaker metrics
	breakerState prometheus.Gauge
	breakerTrips prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the core metrics against reg under the given
// namespace. A nil reg gets a private registry, which keeps tests from
// colliding on duplicate registration.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.enforcerDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcer_decisions_total",
			Help:      "Total number of policy enforcement decisions",
		},
		[]string{"allowed", "violation_type"},
	)

	c.enforcerLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enforcer_decision_latency_seconds",
			Help:      "Policy decision latency in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05},
		},
	)

	c.executorAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_attempts_total",
			Help:      "Total number of task execution attempts",
		},
		[]string{"persona", "status"},
	)

	c.executorDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "executor_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"persona"},
	)

	c.checkpointWrites = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Total number of checkpoints written",
		},
	)

	c.checkpointValidationFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_validation_failures_total",
			Help:      "Total number of checkpoint checksum validation failures",
		},
	)

	c.checkpointRetentionDeletes = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_retention_deletes_total",
			Help:      "Total number of checkpoints deleted by retention",
		},
	)

	c.breakerState = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	c.breakerTrips = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips to open",
		},
	)

	return c
}

// RecordEnforcerDecision records one policy decision and its latency.
// Safe to call on a nil collector.
func (c *Collector) RecordEnforcerDecision(allowed bool, violationType string, latency time.Duration) {
	if c == nil {
		return
	}
	allowedLabel := "false"
	if allowed {
		allowedLabel = "true"
	}
	if violationType == "" {
		violationType = "none"
	}
	c.enforcerDecisions.WithLabelValues(allowedLabel, violationType).Inc()
	c.enforcerLatency.Observe(latency.Seconds())
}

// RecordAttempt records one execution attempt outcome.
func (c *Collector) RecordAttempt(persona, status string) {
	if c == nil {
		return
	}
	c.executorAttempts.WithLabelValues(persona, status).Inc()
}

// RecordExecutionDuration records the wall time of one Level-1 execution.
func (c *Collector) RecordExecutionDuration(persona string, d time.Duration) {
	if c == nil {
		return
	}
	c.executorDuration.WithLabelValues(persona).Observe(d.Seconds())
}

// RecordCheckpointWrite counts a successful checkpoint write.
func (c *Collector) RecordCheckpointWrite() {
	if c == nil {
		return
	}
	c.checkpointWrites.Inc()
}

// RecordChecksumFailure counts a checkpoint failing checksum validation.
func (c *Collector) RecordChecksumFailure() {
	if c == nil {
		return
	}
	c.checkpointValidationFailures.Inc()
}

// RecordRetentionDeletes counts checkpoints removed by retention.
func (c *Collector) RecordRetentionDeletes(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.checkpointRetentionDeletes.Add(float64(n))
}

// SetBreakerState publishes the current breaker state.
func (c *Collector) SetBreakerState(state int) {
	if c == nil {
		return
	}
	c.breakerState.Set(float64(state))
}

// RecordBreakerTrip counts a transition to the open state.
func (c *Collector) RecordBreakerTrip() {
	if c == nil {
		return
	}
	c.breakerTrips.Inc()
}
