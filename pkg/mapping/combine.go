package mapping

import (
	"sort"
	"time"
)

// Combine fuses adapter mappings into one. Nil inputs are ignored.
//
//   - detection strategies are unioned in first-seen order
//   - analytics merge by ID: technique sets are unioned, every other field
//     comes from the first occurrence
//   - data components dedupe by ID, first occurrence wins
//   - raw payloads are kept once per source
//   - confidence is CombinedConfidence(distinct analytics, sources)
//
// Combine never mutates its inputs and is idempotent: combining a mapping
// with itself yields the same analytics, components and confidence.
func Combine(mappings ...*NormalizedMapping) *NormalizedMapping {
	out := &NormalizedMapping{}

	strategySeen := make(map[string]struct{})
	analyticPos := make(map[string]int)
	componentSeen := make(map[string]struct{})
	rawSeen := make(map[Source]struct{})
	sourceSeen := make(map[Source]struct{})

	for _, m := range mappings {
		if m == nil {
			continue
		}
		if out.ProductID == "" {
			out.ProductID = m.ProductID
		}
		if m.CreatedAt.After(out.CreatedAt) {
			out.CreatedAt = m.CreatedAt
		}

		for _, src := range m.ContributingSources() {
			if _, dup := sourceSeen[src]; !dup {
				sourceSeen[src] = struct{}{}
				out.Sources = append(out.Sources, src)
			}
		}

		for _, s := range m.DetectionStrategies {
			if _, dup := strategySeen[s]; !dup {
				strategySeen[s] = struct{}{}
				out.DetectionStrategies = append(out.DetectionStrategies, s)
			}
		}

		for _, a := range m.Analytics {
			if pos, dup := analyticPos[a.ID]; dup {
				out.Analytics[pos].TechniqueIDs = unionStrings(out.Analytics[pos].TechniqueIDs, a.TechniqueIDs)
				continue
			}
			analyticPos[a.ID] = len(out.Analytics)
			out.Analytics = append(out.Analytics, cloneAnalytic(a))
		}

		for _, dc := range m.DataComponents {
			if _, dup := componentSeen[dc.ID]; !dup {
				componentSeen[dc.ID] = struct{}{}
				out.DataComponents = append(out.DataComponents, dc)
			}
		}

		for _, raw := range m.Raw {
			if _, dup := rawSeen[raw.Source]; !dup {
				rawSeen[raw.Source] = struct{}{}
				out.Raw = append(out.Raw, raw)
			}
		}
	}

	sort.SliceStable(out.Sources, func(i, j int) bool {
		return out.Sources[i].Priority() < out.Sources[j].Priority()
	})
	switch len(out.Sources) {
	case 0:
	case 1:
		out.Source = out.Sources[0]
	default:
		out.Source = SourceFused
	}
	out.Confidence = CombinedConfidence(len(out.Analytics), len(out.Sources))
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	return out
}

// cloneAnalytic copies the slices Combine may later extend.
func cloneAnalytic(a AnalyticMapping) AnalyticMapping {
	a.TechniqueIDs = append([]string(nil), a.TechniqueIDs...)
	return a
}

// unionStrings appends the members of add missing from base.
func unionStrings(base, add []string) []string {
	if len(add) == 0 {
		return base
	}
	seen := make(map[string]struct{}, len(base))
	for _, s := range base {
		seen[s] = struct{}{}
	}
	for _, s := range add {
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			base = append(base, s)
		}
	}
	return base
}
