package attack

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/logging"
)

// Index holds the ingested taxonomy. It is read-only after Ingest returns
// and safe for concurrent use.
type Index struct {
	version string

	techniques map[string]*Technique // by technique ID
	strategies map[string]*DetectionStrategy
	analytics  map[string]*Analytic
	components map[string]*DataComponent // by STIX id
	sources    map[string]*DataSource    // by STIX id
	tactics    map[string]*Tactic        // by short name
	assets     map[string]*Asset         // by STIX id

	// ingestion order, for deterministic iteration
	techniqueOrder []string
	analyticOrder  []string
	componentOrder []string

	componentByName map[string]string // lower(name) -> STIX id

	techniqueAssets     map[string][]string // technique -> asset STIX ids
	componentAnalytics  map[string][]string // component -> analytic IDs
	componentTechniques map[string][]string // component -> technique IDs
	analyticStrategies  map[string][]string // analytic -> strategy IDs
	tacticTechniques    map[string][]string // tactic -> technique IDs
	platformTechniques  map[string][]string // lower(platform) -> technique IDs

	stats Stats
}

func newIndex() *Index {
	return &Index{
		techniques:          make(map[string]*Technique),
		strategies:          make(map[string]*DetectionStrategy),
		analytics:           make(map[string]*Analytic),
		components:          make(map[string]*DataComponent),
		sources:             make(map[string]*DataSource),
		tactics:             make(map[string]*Tactic),
		assets:              make(map[string]*Asset),
		componentByName:     make(map[string]string),
		techniqueAssets:     make(map[string][]string),
		componentAnalytics:  make(map[string][]string),
		componentTechniques: make(map[string][]string),
		analyticStrategies:  make(map[string][]string),
		tacticTechniques:    make(map[string][]string),
		platformTechniques:  make(map[string][]string),
	}
}

// pending holds references that can only be resolved once every object of
// the bundle has been seen.
type pending struct {
	strategyAnalyticRefs map[string][]string // strategy ID -> analytic STIX ids
	relationships        []*stixObject

	// STIX id -> external ID
	techniqueByStix map[string]string
	strategyByStix  map[string]string
	analyticByStix  map[string]string
}

// Ingest builds an Index from a parsed bundle in two passes. Pass 1 indexes
// every object; pass 2 walks relationships. Malformed or inactive objects
// are skipped and logged. An error is returned only when the bundle yields
// no usable techniques.
func Ingest(bundle *Bundle, logger logging.Logger) (*Index, error) {
	const op = "attack.Ingest"
	if bundle == nil {
		return nil, errors.E(op, "nil bundle", errors.ErrBundleMalformed)
	}
	logger = logging.OrDefault(logger, "attack")

	idx := newIndex()
	p := &pending{
		strategyAnalyticRefs: make(map[string][]string),
		techniqueByStix:      make(map[string]string),
		strategyByStix:       make(map[string]string),
		analyticByStix:       make(map[string]string),
	}

	// Pass 1: objects.
	for i, raw := range bundle.Objects {
		var obj stixObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			logger.Warn("skipping malformed object at position %d: %v", i, err)
			idx.stats.Skipped++
			continue
		}
		if obj.ID == "" || obj.Type == "" {
			logger.Warn("skipping object at position %d: missing id or type", i)
			idx.stats.Skipped++
			continue
		}
		if obj.Type == stixRelationship {
			if !obj.inactive() {
				p.relationships = append(p.relationships, &obj)
			}
			continue
		}
		if obj.inactive() {
			idx.stats.Skipped++
			continue
		}
		if !idx.indexObject(&obj, p, logger) {
			idx.stats.Skipped++
		}
	}

	if len(idx.techniques) == 0 {
		return nil, errors.E(op, "bundle contains no techniques", errors.ErrBundleMalformed)
	}

	// Deferred resolution: sources may appear after their components.
	for _, id := range idx.componentOrder {
		dc := idx.components[id]
		if src, ok := idx.sources[dc.DataSourceID]; ok {
			dc.DataSourceName = src.Name
		}
	}
	// Strategy analytic lists hold STIX refs until every analytic is known.
	for stratID, refs := range p.strategyAnalyticRefs {
		s := idx.strategies[stratID]
		for _, ref := range refs {
			if aid, ok := p.analyticByStix[ref]; ok {
				s.AnalyticIDs = appendUnique(s.AnalyticIDs, aid)
			} else {
				logger.Debug("strategy %s references unknown analytic %s", stratID, ref)
			}
		}
	}

	// Pass 2: relationships.
	for _, rel := range p.relationships {
		if idx.applyRelationship(rel, p, logger) {
			idx.stats.Relationships++
		}
	}

	idx.buildReverseIndices()
	idx.fillStats()

	logger.Info("ingested taxonomy %s: %d techniques, %d strategies, %d analytics, %d data components (%d objects skipped)",
		orUnknown(idx.version), idx.stats.Techniques, idx.stats.Strategies, idx.stats.Analytics,
		idx.stats.DataComponents, idx.stats.Skipped)
	return idx, nil
}

// indexObject runs pass 1 for a single object. It reports false when the
// object was skipped.
func (idx *Index) indexObject(obj *stixObject, p *pending, logger logging.Logger) bool {
	switch obj.Type {
	case stixTechnique:
		raw := obj.externalID()
		id, ok := NormalizeTechniqueID(raw)
		if !ok {
			logger.Warn("skipping technique %s: invalid technique id %q", obj.ID, raw)
			return false
		}
		if _, dup := idx.techniques[id]; dup {
			logger.Warn("skipping duplicate technique %s (%s)", id, obj.ID)
			return false
		}
		t := &Technique{
			ID:             id,
			StixID:         obj.ID,
			Name:           obj.Name,
			Description:    obj.Description,
			Platforms:      obj.Platforms,
			Tactics:        obj.tactics(),
			DataSourceTags: obj.DataSources,
			IsSubtechnique: obj.IsSubtechnique || IsSubtechniqueID(id),
			Domains:        obj.Domains,
		}
		if t.IsSubtechnique {
			t.ParentID = ParentTechniqueID(id)
		}
		idx.techniques[id] = t
		idx.techniqueOrder = append(idx.techniqueOrder, id)
		p.techniqueByStix[obj.ID] = id

	case stixStrategy:
		id := obj.externalID()
		if id == "" {
			logger.Warn("skipping detection strategy %s: no external id", obj.ID)
			return false
		}
		idx.strategies[id] = &DetectionStrategy{
			ID:          id,
			StixID:      obj.ID,
			Name:        obj.Name,
			Description: obj.Description,
		}
		p.strategyByStix[obj.ID] = id
		p.strategyAnalyticRefs[id] = obj.AnalyticRefs

	case stixAnalytic:
		id := obj.externalID()
		if id == "" {
			logger.Warn("skipping analytic %s: no external id", obj.ID)
			return false
		}
		a := &Analytic{
			ID:          id,
			StixID:      obj.ID,
			Name:        obj.Name,
			Description: obj.Description,
			Platforms:   obj.Platforms,
		}
		for _, ref := range obj.LogSourceRefs {
			if ref.DataComponentRef == "" {
				continue
			}
			a.LogSources = append(a.LogSources, LogSourceReference{
				DataComponentID: ref.DataComponentRef,
				Name:            ref.Name,
				Channel:         ref.Channel,
			})
		}
		a.MutableElements = dedupMutableElements(obj.MutableElements)
		idx.analytics[id] = a
		idx.analyticOrder = append(idx.analyticOrder, id)
		p.analyticByStix[obj.ID] = id

	case stixDataComponent:
		idx.components[obj.ID] = &DataComponent{
			ID:           obj.ID,
			Name:         obj.Name,
			Description:  obj.Description,
			DataSourceID: obj.DataSourceRef,
		}
		idx.componentOrder = append(idx.componentOrder, obj.ID)
		if obj.Name != "" {
			key := strings.ToLower(obj.Name)
			if _, taken := idx.componentByName[key]; !taken {
				idx.componentByName[key] = obj.ID
			}
		}

	case stixDataSource:
		idx.sources[obj.ID] = &DataSource{
			ID:          obj.ID,
			ExternalID:  obj.externalID(),
			Name:        obj.Name,
			Description: obj.Description,
			Platforms:   obj.Platforms,
		}

	case stixTactic:
		if obj.ShortName == "" {
			logger.Warn("skipping tactic %s: no short name", obj.ID)
			return false
		}
		idx.tactics[obj.ShortName] = &Tactic{
			ShortName:   obj.ShortName,
			ExternalID:  obj.externalID(),
			Name:        obj.Name,
			Description: obj.Description,
		}

	case stixAsset:
		domain := DomainEnterprise
		for _, d := range obj.Domains {
			if strings.Contains(d, "ics") {
				domain = DomainICS
				break
			}
		}
		idx.assets[obj.ID] = &Asset{
			ID:         obj.ID,
			ExternalID: obj.externalID(),
			Name:       obj.Name,
			Domain:     domain,
		}

	case stixCollection:
		if obj.Version != "" {
			idx.version = obj.Version
		}
	}
	return true
}

// applyRelationship runs pass 2 for one relationship. It reports whether the
// relationship was applied.
func (idx *Index) applyRelationship(rel *stixObject, p *pending, logger logging.Logger) bool {
	srcType, dstType := stixType(rel.SourceRef), stixType(rel.TargetRef)

	switch {
	case rel.RelationshipType == relDetects && srcType == stixStrategy && dstType == stixTechnique:
		sid, ok1 := p.strategyByStix[rel.SourceRef]
		tid, ok2 := p.techniqueByStix[rel.TargetRef]
		if !ok1 || !ok2 {
			return false
		}
		s, t := idx.strategies[sid], idx.techniques[tid]
		s.TechniqueIDs = appendUnique(s.TechniqueIDs, tid)
		t.StrategyIDs = appendUnique(t.StrategyIDs, sid)
		return true

	case rel.RelationshipType == relDetects && srcType == stixDataComponent && dstType == stixTechnique:
		// Pre-v18 bundles bind components to techniques directly.
		tid, ok := p.techniqueByStix[rel.TargetRef]
		if _, known := idx.components[rel.SourceRef]; !ok || !known {
			return false
		}
		idx.componentTechniques[rel.SourceRef] = appendUnique(idx.componentTechniques[rel.SourceRef], tid)
		return true

	case rel.RelationshipType == relTargets && srcType == stixTechnique && dstType == stixAsset:
		tid, ok := p.techniqueByStix[rel.SourceRef]
		if _, known := idx.assets[rel.TargetRef]; !ok || !known {
			return false
		}
		idx.techniqueAssets[tid] = appendUnique(idx.techniqueAssets[tid], rel.TargetRef)
		return true

	case rel.RelationshipType == relSubtechniqueOf:
		child, ok1 := p.techniqueByStix[rel.SourceRef]
		parent, ok2 := p.techniqueByStix[rel.TargetRef]
		if !ok1 || !ok2 {
			return false
		}
		t := idx.techniques[child]
		if t.ParentID != "" && t.ParentID != parent {
			logger.Warn("technique %s: subtechnique-of %s disagrees with id-derived parent %s", child, parent, t.ParentID)
		}
		t.IsSubtechnique = true
		t.ParentID = parent
		return true
	}
	return false
}

// buildReverseIndices derives the lookup tables used by requirements,
// aggregation and gap filtering.
func (idx *Index) buildReverseIndices() {
	for _, aid := range idx.analyticOrder {
		a := idx.analytics[aid]
		for _, ls := range a.LogSources {
			idx.componentAnalytics[ls.DataComponentID] = appendUnique(idx.componentAnalytics[ls.DataComponentID], aid)
		}
	}

	stratIDs := make([]string, 0, len(idx.strategies))
	for id := range idx.strategies {
		stratIDs = append(stratIDs, id)
	}
	sort.Strings(stratIDs)

	for _, sid := range stratIDs {
		s := idx.strategies[sid]
		for _, aid := range s.AnalyticIDs {
			idx.analyticStrategies[aid] = appendUnique(idx.analyticStrategies[aid], sid)
			a := idx.analytics[aid]
			for _, ls := range a.LogSources {
				for _, tid := range s.TechniqueIDs {
					idx.componentTechniques[ls.DataComponentID] = appendUnique(idx.componentTechniques[ls.DataComponentID], tid)
				}
			}
			for _, platform := range a.Platforms {
				key := strings.ToLower(platform)
				for _, tid := range s.TechniqueIDs {
					idx.platformTechniques[key] = appendUnique(idx.platformTechniques[key], tid)
				}
			}
		}
	}

	for _, tid := range idx.techniqueOrder {
		for _, tactic := range idx.techniques[tid].Tactics {
			idx.tacticTechniques[tactic] = append(idx.tacticTechniques[tactic], tid)
		}
	}
}

func (idx *Index) fillStats() {
	idx.stats.Version = idx.version
	for _, t := range idx.techniques {
		if t.IsSubtechnique {
			idx.stats.Subtechniques++
		}
	}
	idx.stats.Techniques = len(idx.techniques)
	idx.stats.Strategies = len(idx.strategies)
	idx.stats.Analytics = len(idx.analytics)
	idx.stats.DataComponents = len(idx.components)
	idx.stats.DataSources = len(idx.sources)
	idx.stats.Tactics = len(idx.tactics)
	idx.stats.Assets = len(idx.assets)
}

func dedupMutableElements(in []MutableElement) []MutableElement {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]MutableElement, 0, len(in))
	for _, me := range in {
		if me.Field == "" {
			continue
		}
		if _, dup := seen[me.Field]; dup {
			continue
		}
		seen[me.Field] = struct{}{}
		out = append(out, me)
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "(unversioned)"
	}
	return s
}

// =============================================================================
// Lookups
// =============================================================================

// Version returns the bundle's collection version, if it declared one.
func (idx *Index) Version() string { return idx.version }

// Stats returns object counts.
func (idx *Index) Stats() Stats { return idx.stats }

// GetTechnique returns the technique for id, case-insensitively.
func (idx *Index) GetTechnique(id string) (*Technique, error) {
	norm, ok := NormalizeTechniqueID(id)
	if !ok {
		return nil, errors.E("attack.GetTechnique", id, errors.ErrInvalidTechniqueID)
	}
	t, ok := idx.techniques[norm]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "attack.GetTechnique", "technique "+norm+" not found")
	}
	return t, nil
}

// HasTechnique reports whether id is a known technique.
func (idx *Index) HasTechnique(id string) bool {
	_, err := idx.GetTechnique(id)
	return err == nil
}

// GetStrategy returns a detection strategy by external ID.
func (idx *Index) GetStrategy(id string) (*DetectionStrategy, bool) {
	s, ok := idx.strategies[strings.ToUpper(strings.TrimSpace(id))]
	return s, ok
}

// GetAnalytic returns an analytic by external ID.
func (idx *Index) GetAnalytic(id string) (*Analytic, bool) {
	a, ok := idx.analytics[strings.ToUpper(strings.TrimSpace(id))]
	return a, ok
}

// GetDataComponent returns a data component by STIX id.
func (idx *Index) GetDataComponent(id string) (*DataComponent, bool) {
	dc, ok := idx.components[id]
	return dc, ok
}

// DataComponentByName returns a data component by display name,
// case-insensitively.
func (idx *Index) DataComponentByName(name string) (*DataComponent, bool) {
	id, ok := idx.componentByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return idx.components[id], true
}

// DataComponents returns every data component in bundle order.
func (idx *Index) DataComponents() []*DataComponent {
	out := make([]*DataComponent, 0, len(idx.componentOrder))
	for _, id := range idx.componentOrder {
		out = append(out, idx.components[id])
	}
	return out
}

// Analytics returns every analytic in bundle order.
func (idx *Index) Analytics() []*Analytic {
	out := make([]*Analytic, 0, len(idx.analyticOrder))
	for _, id := range idx.analyticOrder {
		out = append(out, idx.analytics[id])
	}
	return out
}

// Strategies returns every detection strategy sorted by ID.
func (idx *Index) Strategies() []*DetectionStrategy {
	out := make([]*DetectionStrategy, 0, len(idx.strategies))
	for _, s := range idx.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Techniques returns the technique universe, sorted.
func (idx *Index) Techniques() []string {
	out := append([]string(nil), idx.techniqueOrder...)
	sort.Strings(out)
	return out
}

// GetTactic returns a tactic by short name ("execution").
func (idx *Index) GetTactic(shortName string) (*Tactic, bool) {
	t, ok := idx.tactics[strings.ToLower(strings.TrimSpace(shortName))]
	return t, ok
}

// TechniquesForTactic returns the techniques in a tactic, in bundle order.
func (idx *Index) TechniquesForTactic(shortName string) []string {
	return append([]string(nil), idx.tacticTechniques[strings.ToLower(shortName)]...)
}

// AssetsForTechnique returns the assets a technique targets.
func (idx *Index) AssetsForTechnique(id string) []*Asset {
	norm, ok := NormalizeTechniqueID(id)
	if !ok {
		return nil
	}
	var out []*Asset
	for _, aid := range idx.techniqueAssets[norm] {
		out = append(out, idx.assets[aid])
	}
	return out
}

// StrategiesForAnalytic returns the strategies that use an analytic.
func (idx *Index) StrategiesForAnalytic(analyticID string) []string {
	return append([]string(nil), idx.analyticStrategies[analyticID]...)
}
