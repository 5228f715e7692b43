package utils

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEngineMetricsRegistered(t *testing.T) {
	m, err := NewEngineMetrics(false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	m.IncCounter(MetricToolInvocations, 1, prometheus.Labels{"tool": "nuclei", "outcome": "done"})
	m.IncCounter(MetricToolInvocations, 1, prometheus.Labels{"tool": "nuclei", "outcome": "done"})

	got := testutil.ToFloat64(m.counters[MetricToolInvocations].With(prometheus.Labels{"tool": "nuclei", "outcome": "done"}))
	if got != 2 {
		t.Errorf("expected 2 invocations, got %v", got)
	}
	if err := m.RegisterCounter(MetricToolInvocations, "dup", "tool", "outcome"); err != nil {
		t.Errorf("re-registering should be a no-op, got %v", err)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var m *MetricsCollector
	m.IncCounter(MetricCacheEvents, 1, prometheus.Labels{"event": "hit"})
	m.AddGauge(MetricRunsInFlight, 1, prometheus.Labels{"stage": "recon"})
	m.ObserveHistogram(MetricToolDuration, 1, prometheus.Labels{"tool": "bbot"})
}
