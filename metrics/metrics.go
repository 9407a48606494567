package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "guard",
			Name:      "admissions_total",
			Help:      "Admission decisions by outcome (admitted, rejected, error).",
		}, []string{"outcome"},
	)
	reaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "guard",
			Name:      "reaped_attempts_total",
			Help:      "Stale attempts marked failed because their owner was gone.",
		},
	)
	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "orchestrator",
			Name:      "executions_total",
			Help:      "Finished executions by result kind.",
		}, []string{"kind"},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "orchestrator",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of an admitted attempt, tool rounds included.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"},
	)
	contextRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "orchestrator",
			Name:      "context_retries_total",
			Help:      "Executions restarted after the remote conversation expired.",
		},
	)
	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool calls by function and status.",
		}, []string{"function", "status"},
	)
	toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "tools",
			Name:      "call_duration_seconds",
			Help:      "Tool call execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"},
	)
	syncOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Synchronizer remote operations by kind (upload, attach, detach, create_index) and outcome.",
		}, []string{"op", "outcome"},
	)
	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Template reconciliation passes by outcome.",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{admissions, reaped, executions, executionDuration, contextRetries, toolCalls, toolDuration, syncOps, syncRuns}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncAdmission(outcome string) {
	if regOK.Load() {
		admissions.WithLabelValues(outcome).Inc()
	}
}

func AddReaped(n int) {
	if regOK.Load() && n > 0 {
		reaped.Add(float64(n))
	}
}

func ObserveExecution(kind string, seconds float64) {
	if regOK.Load() {
		executions.WithLabelValues(kind).Inc()
		executionDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func IncContextRetry() {
	if regOK.Load() {
		contextRetries.Inc()
	}
}

func ObserveToolCall(function, status string, seconds float64) {
	if regOK.Load() {
		toolCalls.WithLabelValues(function, status).Inc()
		toolDuration.WithLabelValues(function).Observe(seconds)
	}
}

func IncSyncOp(op, outcome string) {
	if regOK.Load() {
		syncOps.WithLabelValues(op, outcome).Inc()
	}
}

func IncSyncRun(outcome string) {
	if regOK.Load() {
		syncRuns.WithLabelValues(outcome).Inc()
	}
}
