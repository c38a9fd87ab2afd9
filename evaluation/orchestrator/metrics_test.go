package orchestrator

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRunMetrics_CellLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRunMetricsWithRegisterer(reg)

	m.cellStarted()
	m.cellStarted()
	if got := testutil.ToFloat64(m.cellsInFlight); got != 2 {
		t.Fatalf("expected 2 cells in flight, got %v", got)
	}

	m.cellFinished(false)
	if got := testutil.ToFloat64(m.cellsInFlight); got != 1 {
		t.Fatalf("expected 1 cell in flight after one finished, got %v", got)
	}
	if got := testutil.ToFloat64(m.cellsTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("expected 1 completed cell, got %v", got)
	}

	m.cellFinished(true)
	if got := testutil.ToFloat64(m.cellsTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed cell, got %v", got)
	}
}

func TestRunMetrics_PermitsAndAbortChecks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRunMetricsWithRegisterer(reg)

	m.permitAcquired()
	m.permitAcquired()
	m.permitReleased()
	if got := testutil.ToFloat64(m.permitsHeld); got != 1 {
		t.Fatalf("expected 1 permit held, got %v", got)
	}

	m.abortChecked()
	m.abortChecked()
	if got := testutil.ToFloat64(m.abortChecks); got != 2 {
		t.Fatalf("expected 2 abort checks, got %v", got)
	}
}

func TestRunMetrics_EventsEmittedByType(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRunMetricsWithRegisterer(reg)

	m.eventEmitted(EventTargetResult)
	m.eventEmitted(EventTargetResult)
	m.eventEmitted(EventProgress)

	if got := testutil.ToFloat64(m.eventsEmitted.WithLabelValues(string(EventTargetResult))); got != 2 {
		t.Fatalf("expected 2 target_result events, got %v", got)
	}
	if got := testutil.ToFloat64(m.eventsEmitted.WithLabelValues(string(EventProgress))); got != 1 {
		t.Fatalf("expected 1 progress event, got %v", got)
	}
}

func TestRunMetrics_TargetObservedAccumulatesCost(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRunMetricsWithRegisterer(reg)

	d := 250 * time.Millisecond
	m.targetObserved(&d, &Cost{Currency: "USD", Amount: 0.01})
	m.targetObserved(nil, &Cost{Currency: "USD", Amount: 0.02})

	if got := testutil.ToFloat64(m.targetCost); got != 0.03 {
		t.Fatalf("expected cumulative cost 0.03, got %v", got)
	}
}

func TestRunMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *RunMetrics
	m.cellStarted()
	m.cellFinished(true)
	m.permitAcquired()
	m.permitReleased()
	m.eventEmitted(EventDone)
	m.abortChecked()
	d := time.Second
	m.targetObserved(&d, &Cost{Amount: 1})
}
