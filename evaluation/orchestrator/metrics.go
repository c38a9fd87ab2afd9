package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunMetrics are the Prometheus instruments the orchestrator updates over
// the lifetime of a run: cells in flight, permits held, events emitted and
// abort checks performed.
type RunMetrics struct {
	cellsInFlight  prometheus.Gauge
	permitsHeld    prometheus.Gauge
	cellsTotal     *prometheus.CounterVec
	eventsEmitted  *prometheus.CounterVec
	abortChecks    prometheus.Counter
	targetDuration prometheus.Histogram
	targetCost     prometheus.Counter
}

// NewRunMetrics registers the orchestrator's instruments against the
// default Prometheus registerer.
func NewRunMetrics() *RunMetrics {
	return NewRunMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewRunMetricsWithRegisterer registers against a caller-supplied
// registerer, so tests can use a throwaway prometheus.NewRegistry().
func NewRunMetricsWithRegisterer(reg prometheus.Registerer) *RunMetrics {
	m := &RunMetrics{
		cellsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eval_orchestrator",
			Name:      "cells_in_flight",
			Help:      "Number of cells currently executing.",
		}),
		permitsHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eval_orchestrator",
			Name:      "permits_held",
			Help:      "Number of concurrency-semaphore permits currently held.",
		}),
		cellsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eval_orchestrator",
			Name:      "cells_total",
			Help:      "Cells completed, labeled by outcome.",
		}, []string{"outcome"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eval_orchestrator",
			Name:      "events_emitted_total",
			Help:      "Public events emitted, labeled by event type.",
		}, []string{"type"}),
		abortChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eval_orchestrator",
			Name:      "abort_checks_total",
			Help:      "Number of times the abort flag was polled.",
		}),
		targetDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eval_orchestrator",
			Name:      "target_duration_seconds",
			Help:      "Duration of successful target invocations.",
			Buckets:   prometheus.DefBuckets,
		}),
		targetCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eval_orchestrator",
			Name:      "target_cost_usd_total",
			Help:      "Cumulative reported cost of target invocations, in USD.",
		}),
	}

	reg.MustRegister(m.cellsInFlight, m.permitsHeld, m.cellsTotal, m.eventsEmitted,
		m.abortChecks, m.targetDuration, m.targetCost)
	return m
}

func (m *RunMetrics) cellStarted() {
	if m == nil {
		return
	}
	m.cellsInFlight.Inc()
}

func (m *RunMetrics) cellFinished(failed bool) {
	if m == nil {
		return
	}
	m.cellsInFlight.Dec()
	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	m.cellsTotal.WithLabelValues(outcome).Inc()
}

func (m *RunMetrics) permitAcquired() {
	if m == nil {
		return
	}
	m.permitsHeld.Inc()
}

func (m *RunMetrics) permitReleased() {
	if m == nil {
		return
	}
	m.permitsHeld.Dec()
}

func (m *RunMetrics) eventEmitted(t EventType) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(string(t)).Inc()
}

func (m *RunMetrics) abortChecked() {
	if m == nil {
		return
	}
	m.abortChecks.Inc()
}

func (m *RunMetrics) targetObserved(duration *time.Duration, cost *Cost) {
	if m == nil {
		return
	}
	if duration != nil {
		m.targetDuration.Observe(duration.Seconds())
	}
	if cost != nil {
		m.targetCost.Add(cost.Amount)
	}
}
