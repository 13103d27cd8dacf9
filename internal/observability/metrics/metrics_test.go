package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestEngineMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngineMetrics(reg)
	m.ObserveAcquire("ok")
	m.ObserveAcquire("ok")
	m.ObserveAcquire("unavailable")
	m.ObserveRelease("expired")
	m.ObserveTransition("held", "pending_payment")
	m.ObserveSweep(3, 0.02)
	m.ObserveReconcile("payment_succeeded", "applied")
	m.ObserveInvariantViolation()
	m.ObservePaymentLatency("succeeded", 0.4)
	m.ObserveRefundQueued()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	acquired := findCounter(families, "clinic_holds_acquire_total", "result", "ok")
	if acquired != 2 {
		t.Fatalf("expected 2 successful acquisitions, got %v", acquired)
	}
	released := findCounter(families, "clinic_sweeper_released_total", "", "")
	if released != 3 {
		t.Fatalf("expected sweeper released 3, got %v", released)
	}
}

func TestEngineMetricsNilSafe(t *testing.T) {
	var m *EngineMetrics
	m.ObserveAcquire("ok")
	m.ObserveRelease("expired")
	m.ObserveTransition("a", "b")
	m.ObserveSweep(1, 0.1)
	m.ObserveReconcile("k", "r")
	m.ObserveInvariantViolation()
	m.ObservePaymentLatency("failed", 0.1)
	m.ObserveRefundQueued()
}

func findCounter(families []*dto.MetricFamily, name, label, value string) float64 {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if label == "" {
				return metric.GetCounter().GetValue()
			}
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return -1
}
