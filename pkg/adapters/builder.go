package adapters

import (
	"encoding/json"
	"time"

	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// Builder accumulates one adapter's analytics and data components into a
// NormalizedMapping.
type Builder struct {
	productID string
	source    SourceTag

	analytics   []mapping.AnalyticMapping
	analyticPos map[string]int

	components    []mapping.DataComponentMapping
	componentSeen map[string]struct{}

	strategies   []string
	strategySeen map[string]struct{}

	raw json.RawMessage
}

// NewBuilder starts a mapping for productID from source.
func NewBuilder(productID string, source SourceTag) *Builder {
	return &Builder{
		productID:     productID,
		source:        source,
		analyticPos:   make(map[string]int),
		componentSeen: make(map[string]struct{}),
		strategySeen:  make(map[string]struct{}),
	}
}

// AddAnalytic adds a, merging technique IDs into an earlier analytic with
// the same ID.
func (b *Builder) AddAnalytic(a mapping.AnalyticMapping) {
	if pos, dup := b.analyticPos[a.ID]; dup {
		existing := &b.analytics[pos]
		for _, id := range a.TechniqueIDs {
			existing.TechniqueIDs = appendUniqueString(existing.TechniqueIDs, id)
		}
		return
	}
	b.analyticPos[a.ID] = len(b.analytics)
	b.analytics = append(b.analytics, a)
}

// AddDataComponent adds dc unless its ID is already present.
func (b *Builder) AddDataComponent(dc mapping.DataComponentMapping) {
	if dc.ID == "" {
		return
	}
	if _, dup := b.componentSeen[dc.ID]; dup {
		return
	}
	b.componentSeen[dc.ID] = struct{}{}
	b.components = append(b.components, dc)
}

// AddStrategies records detection strategy IDs.
func (b *Builder) AddStrategies(ids ...string) {
	for _, id := range ids {
		if _, dup := b.strategySeen[id]; dup || id == "" {
			continue
		}
		b.strategySeen[id] = struct{}{}
		b.strategies = append(b.strategies, id)
	}
}

// Enrich derives detection strategies and data components from the
// taxonomy. An analytic contributes the components named by its log
// sources, or, when it names none, the components of its techniques'
// strategies.
func (b *Builder) Enrich(idx *attack.Index) {
	for _, a := range b.analytics {
		fm := idx.GetFullMappingForTechniques(a.TechniqueIDs)
		for _, sm := range fm.Strategies {
			b.AddStrategies(sm.Strategy.ID)
		}

		named := false
		for _, ls := range a.Extension.LogSources {
			if dc, ok := idx.DataComponentByName(ls.DataComponent); ok {
				b.AddDataComponent(componentMapping(dc))
				named = true
			}
		}
		if named {
			continue
		}
		for _, dc := range fm.DataComponents {
			b.AddDataComponent(componentMapping(dc))
		}
	}
}

func componentMapping(dc *attack.DataComponent) mapping.DataComponentMapping {
	return mapping.DataComponentMapping{ID: dc.ID, Name: dc.Name, DataSource: dc.DataSourceName}
}

// SetRaw stores v, JSON-encoded, as the audit payload.
func (b *Builder) SetRaw(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.raw = data
	return nil
}

// Len is the number of distinct analytics added.
func (b *Builder) Len() int { return len(b.analytics) }

// Build returns the mapping, or nil when no analytic was added. Confidence
// is SourceConfidence over the analytics' own confidence.
func (b *Builder) Build() *mapping.NormalizedMapping {
	if len(b.analytics) == 0 {
		return nil
	}
	total := 0
	for _, a := range b.analytics {
		total += a.Extension.Confidence
	}
	avg := float64(total) / float64(len(b.analytics))

	m := &mapping.NormalizedMapping{
		ProductID:           b.productID,
		Source:              b.source,
		Confidence:          mapping.SourceConfidence(len(b.analytics), avg),
		DetectionStrategies: b.strategies,
		Analytics:           b.analytics,
		DataComponents:      b.components,
		CreatedAt:           time.Now().UTC(),
	}
	if b.raw != nil {
		m.Raw = []mapping.RawPayload{{Source: b.source, Data: b.raw}}
	}
	return m
}
