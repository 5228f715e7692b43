package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricToolInvocations = "icarus_tool_invocations_total"
	MetricToolDuration    = "icarus_tool_duration_seconds"
	MetricCacheEvents     = "icarus_cache_events_total"
	MetricAssets          = "icarus_assets_discovered_total"
	MetricFindings        = "icarus_findings_total"
	MetricDegraded        = "icarus_degraded_total"
	MetricRunsInFlight    = "icarus_targets_in_flight"
	MetricRunDuration     = "icarus_run_duration_seconds"
)

// MetricsCollector owns a private registry. All methods are safe on a nil
// receiver so components can run without metrics.
type MetricsCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.RWMutex
}

func NewMetricsCollector(enableRuntimeMetrics bool) *MetricsCollector {
	reg := prometheus.NewRegistry()
	if enableRuntimeMetrics {
		_ = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		_ = reg.Register(collectors.NewGoCollector())
	}
	return &MetricsCollector{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// NewEngineMetrics registers every metric the scan engine emits.
func NewEngineMetrics(enableRuntimeMetrics bool) (*MetricsCollector, error) {
	m := NewMetricsCollector(enableRuntimeMetrics)
	regs := []error{
		m.RegisterCounter(MetricToolInvocations, "External tool invocations by outcome.", "tool", "outcome"),
		m.RegisterHistogram(MetricToolDuration, "External tool wall-clock duration.", []float64{1, 5, 15, 60, 300, 900, 1800, 3600}, "tool"),
		m.RegisterCounter(MetricCacheEvents, "Result cache lookups and maintenance events.", "event"),
		m.RegisterCounter(MetricAssets, "Unique assets discovered.", "tool"),
		m.RegisterCounter(MetricFindings, "Unique findings by severity.", "severity"),
		m.RegisterCounter(MetricDegraded, "Degraded targets and batches.", "stage"),
		m.RegisterGauge(MetricRunsInFlight, "Targets currently inside the pipeline.", "stage"),
		m.RegisterHistogram(MetricRunDuration, "Whole run duration.", []float64{60, 300, 900, 1800, 3600, 7200, 14400}, "status"),
	}
	if err := errors.Join(regs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MetricsCollector) RegisterCounter(name, help string, labelNames ...string) error {
	return register(m, m.counters, name, func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	})
}

func (m *MetricsCollector) RegisterGauge(name, help string, labelNames ...string) error {
	return register(m, m.gauges, name, func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	})
}

func (m *MetricsCollector) RegisterHistogram(name, help string, buckets []float64, labelNames ...string) error {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	return register(m, m.histograms, name, func() *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labelNames)
	})
}

// register adds the collector built by newVec under name. Registering the
// same name twice is a no-op; a collector already present in the registry
// (from another MetricsCollector sharing it) is adopted.
func register[V prometheus.Collector](m *MetricsCollector, vecs map[string]V, name string, newVec func() V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := vecs[name]; ok {
		return nil
	}
	v := newVec()
	if err := m.registry.Register(v); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return fmt.Errorf("register %s: %w", name, err)
		}
		existing, ok := are.ExistingCollector.(V)
		if !ok {
			return fmt.Errorf("register %s: existing collector has a different type", name)
		}
		v = existing
	}
	vecs[name] = v
	return nil
}

func (m *MetricsCollector) IncCounter(name string, delta float64, labels prometheus.Labels) {
	if m == nil {
		return
	}
	m.mu.RLock()
	cv := m.counters[name]
	m.mu.RUnlock()
	if cv != nil {
		cv.With(labels).Add(delta)
	}
}

func (m *MetricsCollector) AddGauge(name string, delta float64, labels prometheus.Labels) {
	if m == nil {
		return
	}
	m.mu.RLock()
	gv := m.gauges[name]
	m.mu.RUnlock()
	if gv != nil {
		gv.With(labels).Add(delta)
	}
}

func (m *MetricsCollector) ObserveHistogram(name string, value float64, labels prometheus.Labels) {
	if m == nil {
		return
	}
	m.mu.RLock()
	hv := m.histograms[name]
	m.mu.RUnlock()
	if hv != nil {
		hv.With(labels).Observe(value)
	}
}

func (m *MetricsCollector) StartServerWithContext(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server error: %w", err)
	}
}
