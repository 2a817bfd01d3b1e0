package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInMemoryCollector(t *testing.T) {
	c := NewInMemoryCollector()

	t.Run("Counter", func(t *testing.T) {
		c.CounterInc(AdapterRunsTotal.Name, "source", "sigma", "status", "matched")
		c.CounterInc(AdapterRunsTotal.Name, "source", "sigma", "status", "matched")
		c.CounterAdd(AdapterRunsTotal.Name, 3, "source", "sigma", "status", "matched")

		got := c.GetCounter(AdapterRunsTotal.Name, "source", "sigma", "status", "matched")
		if got != 5 {
			t.Errorf("Counter = %v, want 5", got)
		}
		if other := c.GetCounter(AdapterRunsTotal.Name, "source", "ctid", "status", "matched"); other != 0 {
			t.Errorf("labels should partition counters, got %v", other)
		}
	})

	t.Run("Gauge", func(t *testing.T) {
		c.GaugeSet(TaxonomyObjects.Name, 42, "kind", "technique")
		if got := c.GetGauge(TaxonomyObjects.Name, "kind", "technique"); got != 42 {
			t.Errorf("Gauge = %v, want 42", got)
		}
	})

	t.Run("Histogram", func(t *testing.T) {
		c.HistogramObserve(TraversalTechniques.Name, 10)
		c.HistogramObserve(TraversalTechniques.Name, 20)
		if got := c.GetHistogram(TraversalTechniques.Name); len(got) != 2 {
			t.Errorf("Histogram observations = %d, want 2", len(got))
		}
	})
}

func TestTimer(t *testing.T) {
	c := NewInMemoryCollector()
	timer := NewTimer(c, AdapterDuration.Name, "source", "elastic")
	time.Sleep(time.Millisecond)
	d := timer.ObserveDuration()

	obs := c.GetHistogram(AdapterDuration.Name, "source", "elastic")
	if len(obs) != 1 {
		t.Fatalf("observations = %d, want 1", len(obs))
	}
	if obs[0] <= 0 || d <= 0 {
		t.Errorf("duration should be positive, got %v", obs[0])
	}
}

func TestCollectorFromContext(t *testing.T) {
	if _, ok := CollectorFromContext(context.Background()).(*NopCollector); !ok {
		t.Error("expected default NopCollector")
	}

	c := NewInMemoryCollector()
	ctx := WithCollector(context.Background(), c)
	if CollectorFromContext(ctx) != c {
		t.Error("expected collector from context")
	}
}

func TestPrometheusCollector(t *testing.T) {
	c := NewPrometheusCollector(&PrometheusConfig{RegisterDefaultMetrics: true})

	c.CounterInc(FusionOutcomesTotal.Name, "status", "matched")
	c.GaugeSet(TaxonomyObjects.Name, 7, "kind", "analytic")
	c.HistogramObserve(TraversalTechniques.Name, 3)
	// Unregistered names are ignored.
	c.CounterInc("attackmap_unknown_total")

	if err := c.Register(FusionOutcomesTotal); err != nil {
		t.Errorf("re-registering should be a no-op, got %v", err)
	}
	if err := c.Register(MetricDefinition{Name: "x", Type: "summary"}); err == nil {
		t.Error("expected error for unsupported type")
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`attackmap_fusion_outcomes_total{status="matched"} 1`,
		`attackmap_taxonomy_objects{kind="analytic"} 7`,
		`attackmap_traversal_techniques_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestLabelsToValues(t *testing.T) {
	got := labelsToValues([]string{"source", "sigma", "status", "ok"})
	if len(got) != 2 || got[0] != "sigma" || got[1] != "ok" {
		t.Errorf("labelsToValues = %v", got)
	}
	if labelsToValues(nil) != nil {
		t.Error("expected nil for no labels")
	}
}
