// Package fusion runs every applicable adapter for a product, fuses their
// results into one mapping and persists what is derived from it: the fused
// mapping, per-platform capabilities and the product's provides edges.
package fusion

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/exploopio/attackmap/pkg/adapters"
	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/cache"
	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/mapping"
	"github.com/exploopio/attackmap/pkg/metrics"
	"github.com/exploopio/attackmap/pkg/store"
	"github.com/exploopio/attackmap/pkg/validation"
)

// Status is the aggregate outcome of a run.
type Status string

const (
	// StatusMatched means at least one adapter produced a mapping.
	StatusMatched Status = "matched"
	// StatusAIPending means no adapter matched; the product is deferred to
	// the validation collaborator.
	StatusAIPending Status = "ai_pending"
	// StatusNotFound means the product does not exist.
	StatusNotFound Status = "not_found"
	// StatusPartial means a fused mapping was computed but persisting part
	// of what derives from it failed.
	StatusPartial Status = "partial"
)

// SourceStatus is the per-adapter result.
type SourceStatus string

const (
	SourceMatched SourceStatus = "matched"
	SourceNoMatch SourceStatus = "no_match"
	SourceError   SourceStatus = "error"
)

// SourceResult reports one adapter's part in a run.
type SourceResult struct {
	Source    mapping.Source `json:"source"`
	Status    SourceStatus   `json:"status"`
	Cached    bool           `json:"cached,omitempty"`
	Analytics int            `json:"analytics,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Outcome is what Run reports for a product.
type Outcome struct {
	ProductID string                     `json:"product_id"`
	Status    Status                     `json:"status"`
	Reason    string                     `json:"reason,omitempty"`
	Mapping   *mapping.NormalizedMapping `json:"mapping,omitempty"`
	Sources   []SourceResult             `json:"sources,omitempty"`
}

// ProductStore is the persistence the orchestrator needs. *store.Store
// implements it.
type ProductStore interface {
	GetProduct(ctx context.Context, id string) (*store.Product, error)
	SetProductStatus(ctx context.Context, id, status, reason string) error
	GetStream(ctx context.Context, productID, name string) (*store.Stream, bool, error)
	QueueStreamStub(ctx context.Context, productID, name string) error
	SaveMapping(ctx context.Context, m *mapping.NormalizedMapping) error
	ReplaceCapabilities(ctx context.Context, productID string, caps []mapping.Capability) error
	ReplaceProvides(ctx context.Context, productID string, componentIDs []string) error
	ClearMapping(ctx context.Context, productID string) error
}

// AdapterSet selects the adapters to run. *adapters.Registry implements it.
type AdapterSet interface {
	Applicable(productType string, platforms []string) []adapters.Adapter
}

// DefaultWorkers bounds how many adapters run at once.
const DefaultWorkers = 2

// DefaultTrustedSources are never downgraded to heuristic by stream
// resolution.
var DefaultTrustedSources = []mapping.Source{mapping.SourceCTID, mapping.SourceMITRE}

// Options configure an Orchestrator.
type Options struct {
	Cache  cache.Cache
	Oracle validation.Oracle

	// Workers bounds concurrent adapters (default DefaultWorkers).
	Workers int

	// TrustedSources overrides DefaultTrustedSources. A non-nil empty
	// slice trusts nothing.
	TrustedSources []mapping.Source

	Logger         logging.Logger
	Metrics        metrics.Collector
	TracerProvider trace.TracerProvider
}

// Orchestrator runs fusion for products.
type Orchestrator struct {
	adapters AdapterSet
	index    adapters.IndexProvider
	store    ProductStore
	cache    cache.Cache
	oracle   validation.Oracle
	workers  int
	trusted  map[mapping.Source]bool
	logger   logging.Logger
	metrics  metrics.Collector
	tracer   trace.Tracer
}

// New creates an orchestrator.
func New(set AdapterSet, index adapters.IndexProvider, st ProductStore, opts Options) *Orchestrator {
	o := &Orchestrator{
		adapters: set,
		index:    index,
		store:    st,
		cache:    opts.Cache,
		oracle:   opts.Oracle,
		workers:  opts.Workers,
		trusted:  make(map[mapping.Source]bool),
		logger:   logging.OrDefault(opts.Logger, "fusion"),
		metrics:  metrics.OrDefault(opts.Metrics),
	}
	if o.cache == nil {
		o.cache = cache.Nop{}
	}
	if o.oracle == nil {
		o.oracle = validation.Nop{}
	}
	if o.workers <= 0 {
		o.workers = DefaultWorkers
	}
	trusted := opts.TrustedSources
	if trusted == nil {
		trusted = DefaultTrustedSources
	}
	for _, s := range trusted {
		o.trusted[s] = true
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	o.tracer = tp.Tracer("github.com/exploopio/attackmap/pkg/fusion")
	return o
}

// Run maps one product. Adapter failures never fail the run; the returned
// error is reserved for the product lookup, the taxonomy and cancellation.
func (o *Orchestrator) Run(ctx context.Context, productID string) (*Outcome, error) {
	const op = "fusion.Run"
	ctx, span := o.tracer.Start(ctx, "fusion.Run", trace.WithAttributes(attribute.String("attackmap.product_id", productID)))
	defer span.End()

	p, err := o.store.GetProduct(ctx, productID)
	if errors.IsNotFound(err) {
		return o.finish(span, &Outcome{ProductID: productID, Status: StatusNotFound, Reason: "product " + productID + " does not exist"}), nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.E(op, err)
	}

	idx, err := o.index.EnsureInitialized(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.E(op, err)
	}

	q := adapters.ProductQuery{
		ProductID:   p.ID,
		Name:        p.Name,
		Vendor:      p.Vendor,
		ProductType: p.Type,
		Platforms:   p.Platforms,
		Aliases:     p.Aliases,
	}
	applicable := o.adapters.Applicable(p.Type, p.Platforms)
	o.logger.Debug("mapping %s with %d applicable adapters", p.ID, len(applicable))

	results := make([]*mapping.NormalizedMapping, len(applicable))
	sources := make([]SourceResult, len(applicable))

	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, a := range applicable {
		g.Go(func() error {
			results[i], sources[i] = o.runAdapter(ctx, idx, a, q)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.E(errors.KindTimeout, op, "mapping "+p.ID+" cancelled", err)
	}

	var matched []*mapping.NormalizedMapping
	for _, r := range results {
		if r != nil {
			matched = append(matched, r)
		}
	}

	if len(matched) == 0 {
		out := &Outcome{ProductID: p.ID, Status: StatusAIPending, Reason: "no adapter produced a mapping", Sources: sources}
		// Coverage from an earlier match no longer holds.
		if err := o.store.ClearMapping(ctx, p.ID); err != nil {
			o.logger.Error("clear previous mapping of %s: %v", p.ID, err)
		}
		if err := o.store.SetProductStatus(ctx, p.ID, string(out.Status), out.Reason); err != nil {
			o.logger.Warn("record status of %s: %v", p.ID, err)
		}
		return o.finish(span, out), nil
	}

	fused := mapping.Combine(matched...)
	fused.ProductID = p.ID
	out := &Outcome{ProductID: p.ID, Status: StatusMatched, Mapping: fused, Sources: sources}

	if failed := o.persist(ctx, p, fused, matched); len(failed) > 0 {
		out.Status = StatusPartial
		out.Reason = "could not persist " + joinList(failed)
	}
	if err := o.store.SetProductStatus(ctx, p.ID, string(out.Status), out.Reason); err != nil {
		o.logger.Warn("record status of %s: %v", p.ID, err)
	}
	o.logger.Info("mapped %s: %s, %d analytics from %d sources, confidence %d",
		p.ID, out.Status, len(fused.Analytics), len(fused.Sources), fused.Confidence)
	return o.finish(span, out), nil
}

// persist writes the fused mapping and what derives from it, returning the
// names of the parts that failed.
func (o *Orchestrator) persist(ctx context.Context, p *store.Product, fused *mapping.NormalizedMapping, results []*mapping.NormalizedMapping) []string {
	var failed []string

	if err := o.store.SaveMapping(ctx, fused); err != nil {
		o.logger.Error("save fused mapping of %s: %v", p.ID, err)
		failed = append(failed, "mapping")
	}

	caps := mapping.ProjectCapabilities(results, p.Platforms)
	if err := o.store.ReplaceCapabilities(ctx, p.ID, caps); err != nil {
		o.logger.Error("replace capabilities of %s: %v", p.ID, err)
		failed = append(failed, "capabilities")
	}

	componentIDs := make([]string, 0, len(fused.DataComponents))
	for _, dc := range fused.DataComponents {
		componentIDs = append(componentIDs, dc.ID)
	}
	if err := o.store.ReplaceProvides(ctx, p.ID, componentIDs); err != nil {
		o.logger.Error("replace provides edges of %s: %v", p.ID, err)
		failed = append(failed, "provides edges")
	}
	return failed
}

func (o *Orchestrator) finish(span trace.Span, out *Outcome) *Outcome {
	span.SetAttributes(attribute.String("attackmap.status", string(out.Status)))
	o.metrics.CounterInc(metrics.FusionOutcomesTotal.Name, "status", string(out.Status))
	return out
}

// runAdapter fetches (or reuses) one adapter's result and post-processes it.
// Errors and panics degrade to no match.
func (o *Orchestrator) runAdapter(ctx context.Context, idx *attack.Index, a adapters.Adapter, q adapters.ProductQuery) (res *mapping.NormalizedMapping, sr SourceResult) {
	src := a.Source()
	sr.Source = src

	ctx, span := o.tracer.Start(ctx, "fusion.adapter", trace.WithAttributes(
		attribute.String("attackmap.product_id", q.ProductID),
		attribute.String("attackmap.source", string(src)),
	))
	timer := metrics.NewTimer(o.metrics, metrics.AdapterDuration.Name, "source", string(src))
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("adapter %s panicked on %s: %v", src, q.ProductID, r)
			res = nil
			sr = SourceResult{Source: src, Status: SourceError, Error: fmt.Sprint("panic: ", r)}
			span.SetStatus(codes.Error, sr.Error)
		}
		timer.ObserveDuration()
		o.metrics.CounterInc(metrics.AdapterRunsTotal.Name, "source", string(src), "status", string(sr.Status))
		span.SetAttributes(attribute.String("attackmap.status", string(sr.Status)))
		span.End()
	}()

	m, hit := o.cached(ctx, q.ProductID, src)
	if hit {
		sr.Cached = true
	} else {
		var err error
		m, err = a.FetchMappings(ctx, q)
		if err != nil {
			o.logger.Warn("adapter %s failed on %s: %v", src, q.ProductID, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			sr.Status = SourceError
			sr.Error = err.Error()
			return nil, sr
		}
		if m != nil && len(m.Analytics) == 0 {
			m = nil
		}
		if err := o.cache.Put(ctx, q.ProductID, src, m); err != nil {
			o.logger.Warn("cache %s result for %s: %v", src, q.ProductID, err)
		}
	}

	if m == nil {
		sr.Status = SourceNoMatch
		return nil, sr
	}
	if m.Source == "" {
		m.Source = src
	}

	o.resolveStreams(ctx, idx, q.ProductID, src, m)
	o.validate(ctx, q.ProductID, src, m)

	sr.Status = SourceMatched
	sr.Analytics = len(m.Analytics)
	return m, sr
}

func (o *Orchestrator) cached(ctx context.Context, productID string, src mapping.Source) (*mapping.NormalizedMapping, bool) {
	m, ok, err := o.cache.Get(ctx, productID, src)
	if err != nil {
		o.logger.Warn("cache lookup %s/%s: %v", productID, src, err)
		ok = false
	}
	if ok {
		o.metrics.CounterInc(metrics.CacheHits.Name, "source", string(src))
		return m, true
	}
	o.metrics.CounterInc(metrics.CacheMisses.Name, "source", string(src))
	return nil, false
}

// validate asks the oracle about heuristic analytics that carry a query.
// Oracle failures are logged and otherwise ignored.
func (o *Orchestrator) validate(ctx context.Context, productID string, src mapping.Source, m *mapping.NormalizedMapping) {
	for i := range m.Analytics {
		a := &m.Analytics[i]
		if a.StreamStatus != mapping.StreamHeuristic || a.Query == "" {
			continue
		}
		res, err := o.oracle.Validate(ctx, validation.Request{
			ProductID:    productID,
			RuleID:       a.ID,
			Source:       src,
			Name:         a.Name,
			Query:        a.Query,
			TechniqueIDs: a.TechniqueIDs,
			Platforms:    a.Platforms,
		})
		if err != nil {
			o.logger.Debug("validate %s: %v", a.ID, err)
			continue
		}
		if res != nil {
			a.Extension.Validation = res
		}
	}
}

// Invalidate drops cached adapter results for a product. An empty source
// drops every source.
func (o *Orchestrator) Invalidate(ctx context.Context, productID string, source mapping.Source) error {
	return o.cache.Invalidate(ctx, productID, source)
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	out := items[0]
	for _, s := range items[1 : len(items)-1] {
		out += ", " + s
	}
	return out + " and " + items[len(items)-1]
}
