package attack

import (
	"sort"
	"strings"

	"github.com/exploopio/attackmap/pkg/errors"
)

// MaxInferredTechniques caps TechniquesForComponent results.
const MaxInferredTechniques = 15

// GetLogRequirements returns one requirement per (strategy, analytic,
// component) needed to detect the technique. A technique without strategy
// bindings yields one inferred requirement per raw data-source tag
// ("Process: Process Creation").
func (idx *Index) GetLogRequirements(techniqueID string) ([]LogRequirement, error) {
	t, err := idx.GetTechnique(techniqueID)
	if err != nil {
		return nil, err
	}

	if len(t.StrategyIDs) == 0 {
		return inferredRequirements(t), nil
	}

	type key struct{ strategy, analytic, component string }
	seen := make(map[key]struct{})
	var reqs []LogRequirement
	for _, sid := range t.StrategyIDs {
		s := idx.strategies[sid]
		for _, aid := range s.AnalyticIDs {
			a := idx.analytics[aid]
			for _, ls := range a.LogSources {
				k := key{sid, aid, ls.DataComponentID}
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}

				req := LogRequirement{
					TechniqueID:     t.ID,
					StrategyID:      sid,
					StrategyName:    s.Name,
					AnalyticID:      aid,
					AnalyticName:    a.Name,
					DataComponentID: ls.DataComponentID,
					LogSourceName:   ls.Name,
					Channel:         ls.Channel,
				}
				if dc, ok := idx.components[ls.DataComponentID]; ok {
					req.DataComponentName = dc.Name
					req.DataSourceName = dc.DataSourceName
				}
				reqs = append(reqs, req)
			}
		}
	}
	return reqs, nil
}

// inferredRequirements splits "Source: Component" tags into degraded
// requirements.
func inferredRequirements(t *Technique) []LogRequirement {
	var reqs []LogRequirement
	for _, tag := range t.DataSourceTags {
		source, component, found := strings.Cut(tag, ":")
		source, component = strings.TrimSpace(source), strings.TrimSpace(component)
		if !found {
			component = source
		}
		if component == "" {
			continue
		}
		reqs = append(reqs, LogRequirement{
			TechniqueID:       t.ID,
			StrategyID:        InferredSource,
			DataComponentName: component,
			DataSourceName:    source,
			Inferred:          true,
		})
	}
	return reqs
}

// strategiesFor returns the strategies bound to a technique and how they
// were bound: directly, or inherited from the parent for a sub-technique
// without direct bindings.
func (idx *Index) strategiesFor(t *Technique) ([]string, MatchKind) {
	if len(t.StrategyIDs) > 0 {
		return t.StrategyIDs, MatchDirect
	}
	if t.ParentID != "" {
		if parent, ok := idx.techniques[t.ParentID]; ok && len(parent.StrategyIDs) > 0 {
			return parent.StrategyIDs, MatchParentFallback
		}
	}
	return nil, MatchDirect
}

// GetFullMappingForTechniques returns the union of strategies covering ids
// and the data components their analytics reference. Sub-techniques without
// a direct binding inherit their parent's strategies, tagged
// MatchParentFallback. A strategy reached both directly and by fallback is
// reported as direct.
func (idx *Index) GetFullMappingForTechniques(ids []string) *FullMapping {
	fm := &FullMapping{}
	strategyPos := make(map[string]int)
	seenComponents := make(map[string]struct{})

	for _, raw := range ids {
		id, ok := NormalizeTechniqueID(raw)
		if !ok {
			fm.Unknown = append(fm.Unknown, raw)
			continue
		}
		t, ok := idx.techniques[id]
		if !ok {
			fm.Unknown = append(fm.Unknown, id)
			continue
		}

		sids, match := idx.strategiesFor(t)
		for _, sid := range sids {
			if pos, seen := strategyPos[sid]; seen {
				if match == MatchDirect && fm.Strategies[pos].Match != MatchDirect {
					fm.Strategies[pos].Match = MatchDirect
					fm.Strategies[pos].TechniqueID = id
				}
				continue
			}
			strategyPos[sid] = len(fm.Strategies)
			fm.Strategies = append(fm.Strategies, StrategyMatch{
				Strategy:    idx.strategies[sid],
				TechniqueID: id,
				Match:       match,
			})

			for _, aid := range idx.strategies[sid].AnalyticIDs {
				for _, ls := range idx.analytics[aid].LogSources {
					if _, dup := seenComponents[ls.DataComponentID]; dup {
						continue
					}
					dc, ok := idx.components[ls.DataComponentID]
					if !ok {
						continue
					}
					seenComponents[ls.DataComponentID] = struct{}{}
					fm.DataComponents = append(fm.DataComponents, dc)
				}
			}
		}
	}
	return fm
}

// TechniquesForComponent returns the techniques a data component is
// evidence for, found by name. When tactics are given only techniques in at
// least one of those tactics are kept. The result is sorted and capped at
// MaxInferredTechniques.
func (idx *Index) TechniquesForComponent(name string, tactics []string) []string {
	dc, ok := idx.DataComponentByName(name)
	if !ok {
		return nil
	}

	var want map[string]bool
	if len(tactics) > 0 {
		want = make(map[string]bool, len(tactics))
		for _, tac := range tactics {
			want[normalizeTactic(tac)] = true
		}
	}

	var out []string
	for _, tid := range idx.componentTechniques[dc.ID] {
		if want != nil && !idx.inAnyTactic(tid, want) {
			continue
		}
		out = append(out, tid)
	}
	sort.Strings(out)
	if len(out) > MaxInferredTechniques {
		out = out[:MaxInferredTechniques]
	}
	return out
}

func (idx *Index) inAnyTactic(techniqueID string, want map[string]bool) bool {
	for _, tac := range idx.techniques[techniqueID].Tactics {
		if want[tac] {
			return true
		}
	}
	return false
}

// normalizeTactic maps rule-tag spellings ("attack.defense_evasion",
// "Defense Evasion") to ATT&CK short names ("defense-evasion").
func normalizeTactic(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "attack.")
	return strings.NewReplacer("_", "-", " ", "-").Replace(s)
}

// NormalizeTactic is exported for adapters parsing tactic tags.
func NormalizeTactic(s string) string { return normalizeTactic(s) }

// TechniquesForComponentID returns every technique a component (by STIX id)
// is evidence for, in derivation order.
func (idx *Index) TechniquesForComponentID(componentID string) []string {
	return append([]string(nil), idx.componentTechniques[componentID]...)
}

// TechniquesForPlatform returns techniques reachable from analytics tagged
// with platform, sorted.
func (idx *Index) TechniquesForPlatform(platform string) []string {
	out := append([]string(nil), idx.platformTechniques[strings.ToLower(strings.TrimSpace(platform))]...)
	sort.Strings(out)
	return out
}

// AnalyticsForComponent returns the analytics referencing a data component
// (by STIX id), in bundle order.
func (idx *Index) AnalyticsForComponent(componentID string) []*Analytic {
	ids := idx.componentAnalytics[componentID]
	out := make([]*Analytic, 0, len(ids))
	for _, aid := range ids {
		out = append(out, idx.analytics[aid])
	}
	return out
}

// ResolveComponent finds a data component by STIX id or display name.
func (idx *Index) ResolveComponent(idOrName string) (*DataComponent, error) {
	if dc, ok := idx.components[idOrName]; ok {
		return dc, nil
	}
	if dc, ok := idx.DataComponentByName(idOrName); ok {
		return dc, nil
	}
	return nil, errors.E(errors.KindNotFound, "attack.ResolveComponent", "data component "+idOrName+" not found")
}
