package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using Prometheus.
type PrometheusCollector struct {
	mu sync.RWMutex

	registry *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// PrometheusConfig configures the Prometheus collector.
type PrometheusConfig struct {
	// Registry is the Prometheus registry to use (nil = new registry with
	// Go and process collectors)
	Registry *prometheus.Registry

	// RegisterDefaultMetrics registers every metric from Definitions()
	RegisterDefaultMetrics bool
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(cfg *PrometheusConfig) *PrometheusCollector {
	if cfg == nil {
		cfg = &PrometheusConfig{}
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	c := &PrometheusCollector{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	if cfg.RegisterDefaultMetrics {
		for _, def := range Definitions() {
			_ = c.Register(def)
		}
	}
	return c
}

// Register registers a metric definition. Registering the same name twice is
// a no-op.
func (c *PrometheusCollector) Register(def MetricDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var vec prometheus.Collector
	switch def.Type {
	case MetricTypeCounter:
		if _, ok := c.counters[def.Name]; ok {
			return nil
		}
		cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: def.Name, Help: def.Help}, def.Labels)
		c.counters[def.Name] = cv
		vec = cv
	case MetricTypeGauge:
		if _, ok := c.gauges[def.Name]; ok {
			return nil
		}
		gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: def.Name, Help: def.Help}, def.Labels)
		c.gauges[def.Name] = gv
		vec = gv
	case MetricTypeHistogram:
		if _, ok := c.histograms[def.Name]; ok {
			return nil
		}
		buckets := def.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: def.Name, Help: def.Help, Buckets: buckets}, def.Labels)
		c.histograms[def.Name] = hv
		vec = hv
	default:
		return fmt.Errorf("metrics: unsupported metric type %q for %s", def.Type, def.Name)
	}

	return c.registry.Register(vec)
}

func (c *PrometheusCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *PrometheusCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if !ok {
		return // Metric not registered
	}
	counter.WithLabelValues(labelsToValues(labels)...).Add(value)
}

func (c *PrometheusCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if !ok {
		return
	}
	gauge.WithLabelValues(labelsToValues(labels)...).Set(value)
}

func (c *PrometheusCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if !ok {
		return
	}
	histogram.WithLabelValues(labelsToValues(labels)...).Observe(value)
}

func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying Prometheus registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// labelsToValues converts label pairs to values only.
// Input: ["source", "sigma", "status", "ok"]
// Output: ["sigma", "ok"]
func labelsToValues(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	values := make([]string, 0, len(labels)/2)
	for i := 1; i < len(labels); i += 2 {
		values = append(values, labels[i])
	}
	return values
}

var _ Collector = (*PrometheusCollector)(nil)
