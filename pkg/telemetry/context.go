// Package telemetry derives log-source context from the taxonomy: which log
// sources, channels and tunable fields back a technique, and which channel
// best represents a data component.
package telemetry

import (
	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// TechniqueContext is the deduplicated telemetry behind one technique.
type TechniqueContext struct {
	TechniqueID     string                  `json:"technique_id"`
	LogSources      []mapping.LogSource     `json:"log_sources"`
	MutableElements []attack.MutableElement `json:"mutable_elements"`
	DataComponents  []string                `json:"data_components"`
}

// bag accumulates context with composite-key deduplication:
// component|name|channel for log sources, field|description for mutable
// elements.
type bag struct {
	logSourceSeen  map[string]struct{}
	mutableSeen    map[string]struct{}
	componentSeen  map[string]struct{}
	logSources     []mapping.LogSource
	mutables       []attack.MutableElement
	componentNames []string
}

func newBag() *bag {
	return &bag{
		logSourceSeen: make(map[string]struct{}),
		mutableSeen:   make(map[string]struct{}),
		componentSeen: make(map[string]struct{}),
	}
}

func (b *bag) addLogSource(ls mapping.LogSource) {
	key := ls.DataComponent + "|" + ls.Name + "|" + ls.Channel
	if _, dup := b.logSourceSeen[key]; dup {
		return
	}
	b.logSourceSeen[key] = struct{}{}
	b.logSources = append(b.logSources, ls)
}

func (b *bag) addMutable(me attack.MutableElement) {
	key := me.Field + "|" + me.Description
	if _, dup := b.mutableSeen[key]; dup {
		return
	}
	b.mutableSeen[key] = struct{}{}
	b.mutables = append(b.mutables, me)
}

func (b *bag) addComponent(name string) {
	if name == "" {
		return
	}
	if _, dup := b.componentSeen[name]; dup {
		return
	}
	b.componentSeen[name] = struct{}{}
	b.componentNames = append(b.componentNames, name)
}

// addAnalytic folds every log source and mutable element of a.
func (b *bag) addAnalytic(idx *attack.Index, a *attack.Analytic) {
	for _, ref := range a.LogSources {
		name := ref.DataComponentID
		if dc, ok := idx.GetDataComponent(ref.DataComponentID); ok {
			name = dc.Name
		}
		b.addComponent(name)
		b.addLogSource(mapping.LogSource{Name: ref.Name, Channel: ref.Channel, DataComponent: name})
	}
	for _, me := range a.MutableElements {
		b.addMutable(me)
	}
}

// TechniqueContexts returns, per valid technique ID, the union of log
// sources, mutable elements and data-component names from every analytic of
// every strategy that detects it. Sub-techniques without direct bindings use
// their parent's strategies. Invalid or unknown IDs are omitted.
func TechniqueContexts(idx *attack.Index, ids []string) map[string]*TechniqueContext {
	out := make(map[string]*TechniqueContext, len(ids))
	for _, raw := range ids {
		id, ok := attack.NormalizeTechniqueID(raw)
		if !ok || !idx.HasTechnique(id) {
			continue
		}
		if _, done := out[id]; done {
			continue
		}

		b := newBag()
		fm := idx.GetFullMappingForTechniques([]string{id})
		for _, sm := range fm.Strategies {
			for _, aid := range sm.Strategy.AnalyticIDs {
				if a, ok := idx.GetAnalytic(aid); ok {
					b.addAnalytic(idx, a)
				}
			}
		}
		out[id] = &TechniqueContext{
			TechniqueID:     id,
			LogSources:      b.logSources,
			MutableElements: b.mutables,
			DataComponents:  b.componentNames,
		}
	}
	return out
}

// MergeContexts folds several technique contexts into one deduplicated bag.
// The merged context has no TechniqueID.
func MergeContexts(contexts ...*TechniqueContext) *TechniqueContext {
	b := newBag()
	for _, c := range contexts {
		if c == nil {
			continue
		}
		for _, ls := range c.LogSources {
			b.addLogSource(ls)
		}
		for _, me := range c.MutableElements {
			b.addMutable(me)
		}
		for _, name := range c.DataComponents {
			b.addComponent(name)
		}
	}
	return &TechniqueContext{
		LogSources:      b.logSources,
		MutableElements: b.mutables,
		DataComponents:  b.componentNames,
	}
}

// MergedContextFor is TechniqueContexts followed by MergeContexts, in the
// order of ids.
func MergedContextFor(idx *attack.Index, ids []string) *TechniqueContext {
	ctxs := TechniqueContexts(idx, ids)
	ordered := make([]*TechniqueContext, 0, len(ctxs))
	for _, raw := range ids {
		if id, ok := attack.NormalizeTechniqueID(raw); ok {
			if c, ok := ctxs[id]; ok {
				ordered = append(ordered, c)
				delete(ctxs, id)
			}
		}
	}
	return MergeContexts(ordered...)
}
