// Package metrics provides metrics collection for attackmap.
// Components record through the Collector interface; the binary installs a
// Prometheus-backed collector, tests use InMemoryCollector.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Collector is the interface for collecting and reporting metrics.
type Collector interface {
	// Counter operations
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	// Gauge operations
	GaugeSet(name string, value float64, labels ...string)

	// Histogram operations
	HistogramObserve(name string, value float64, labels ...string)

	// Handler returns an HTTP handler for the metrics endpoint
	Handler() http.Handler
}

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"` // For histograms
}

// =============================================================================
// attackmap metrics
// =============================================================================

var (
	// Taxonomy ingestion
	TaxonomyIngestTotal = MetricDefinition{
		Name:   "attackmap_taxonomy_ingest_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of taxonomy ingestions",
		Labels: []string{"status"},
	}
	TaxonomyIngestDuration = MetricDefinition{
		Name:    "attackmap_taxonomy_ingest_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of taxonomy ingestion in seconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}
	TaxonomyObjects = MetricDefinition{
		Name:   "attackmap_taxonomy_objects",
		Type:   MetricTypeGauge,
		Help:   "Number of indexed taxonomy objects by kind",
		Labels: []string{"kind"},
	}

	// Adapters
	AdapterRunsTotal = MetricDefinition{
		Name:   "attackmap_adapter_runs_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of adapter runs",
		Labels: []string{"source", "status"},
	}
	AdapterDuration = MetricDefinition{
		Name:    "attackmap_adapter_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of adapter runs in seconds",
		Labels:  []string{"source"},
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}

	// Mapping cache
	CacheHits = MetricDefinition{
		Name:   "attackmap_cache_hits_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of mapping cache hits",
		Labels: []string{"source"},
	}
	CacheMisses = MetricDefinition{
		Name:   "attackmap_cache_misses_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of mapping cache misses",
		Labels: []string{"source"},
	}

	// Fusion
	FusionOutcomesTotal = MetricDefinition{
		Name:   "attackmap_fusion_outcomes_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of fusion runs by outcome",
		Labels: []string{"status"},
	}

	// Corpus reads
	CorpusFilesRead = MetricDefinition{
		Name:   "attackmap_corpus_files_read_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of corpus files read",
		Labels: []string{"corpus"},
	}
	CorpusReadFailures = MetricDefinition{
		Name:   "attackmap_corpus_read_failures_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of corpus file reads that failed",
		Labels: []string{"corpus"},
	}

	// Traversal
	TraversalTechniques = MetricDefinition{
		Name:    "attackmap_traversal_techniques",
		Type:    MetricTypeHistogram,
		Help:    "Number of techniques reached per traversal",
		Buckets: []float64{0, 10, 50, 100, 250, 500, 1000},
	}
)

// Definitions returns every metric attackmap records.
func Definitions() []MetricDefinition {
	return []MetricDefinition{
		TaxonomyIngestTotal, TaxonomyIngestDuration, TaxonomyObjects,
		AdapterRunsTotal, AdapterDuration,
		CacheHits, CacheMisses,
		FusionOutcomesTotal,
		CorpusFilesRead, CorpusReadFailures,
		TraversalTechniques,
	}
}

// =============================================================================
// NopCollector
// =============================================================================

// NopCollector discards all metrics.
type NopCollector struct{}

func (c *NopCollector) CounterInc(name string, labels ...string)                      {}
func (c *NopCollector) CounterAdd(name string, value float64, labels ...string)       {}
func (c *NopCollector) GaugeSet(name string, value float64, labels ...string)         {}
func (c *NopCollector) HistogramObserve(name string, value float64, labels ...string) {}
func (c *NopCollector) Handler() http.Handler                                         { return http.NotFoundHandler() }

// =============================================================================
// InMemoryCollector
// =============================================================================

// InMemoryCollector stores metrics in memory for testing purposes.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// key joins the metric name with label pairs ("name,k=v,k2=v2").
func (c *InMemoryCollector) key(name string, labels []string) string {
	key := name
	for i := 0; i+1 < len(labels); i += 2 {
		key += "," + labels[i] + "=" + labels[i+1]
	}
	return key
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[c.key(name, labels)] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)] = value
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.key(name, labels)
	c.histograms[k] = append(c.histograms[k], value)
}

func (c *InMemoryCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}

// GetCounter returns the value of a counter.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[c.key(name, labels)]
}

// GetGauge returns the value of a gauge.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[c.key(name, labels)]
}

// GetHistogram returns all observations of a histogram.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]float64(nil), c.histograms[c.key(name, labels)]...)
}

// =============================================================================
// Timer
// =============================================================================

// Timer records the elapsed time of an operation into a histogram.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer starts a timer that will record to the given histogram.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{
		start:     time.Now(),
		collector: collector,
		name:      name,
		labels:    labels,
	}
}

// ObserveDuration records the duration since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

// =============================================================================
// Default and context-scoped collectors
// =============================================================================

var (
	defaultCollectorMu sync.RWMutex
	defaultCollector   Collector = &NopCollector{}
)

// SetDefaultCollector sets the global default metrics collector.
func SetDefaultCollector(collector Collector) {
	defaultCollectorMu.Lock()
	defer defaultCollectorMu.Unlock()
	if collector == nil {
		collector = &NopCollector{}
	}
	defaultCollector = collector
}

// GetDefaultCollector returns the global default metrics collector.
func GetDefaultCollector() Collector {
	defaultCollectorMu.RLock()
	defer defaultCollectorMu.RUnlock()
	return defaultCollector
}

// OrDefault returns c, or the default collector when c is nil.
func OrDefault(c Collector) Collector {
	if c == nil {
		return GetDefaultCollector()
	}
	return c
}

type contextKey string

const collectorContextKey contextKey = "attackmap_metrics_collector"

// WithCollector returns a new context with the collector attached.
func WithCollector(ctx context.Context, collector Collector) context.Context {
	return context.WithValue(ctx, collectorContextKey, collector)
}

// CollectorFromContext returns the collector from the context, or the default.
func CollectorFromContext(ctx context.Context) Collector {
	if collector, ok := ctx.Value(collectorContextKey).(Collector); ok {
		return collector
	}
	return GetDefaultCollector()
}

var (
	_ Collector = (*NopCollector)(nil)
	_ Collector = (*InMemoryCollector)(nil)
)
