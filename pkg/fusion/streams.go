package fusion

import (
	"context"

	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// resolveStreams matches each analytic's raw source against the product's
// telemetry streams.
//
//   - no stream: a stub is queued and the analytic is heuristic
//   - unconfigured stream: heuristic
//   - configured stream: verified, and the techniques its components are
//     evidence for become inferred techniques
//
// Analytics from trusted sources are never marked heuristic. Technique IDs
// an analytic states itself (explicit or parent fallback evidence) are
// never changed; inferred IDs only land in Extension.InferredTechniqueIDs.
func (o *Orchestrator) resolveStreams(ctx context.Context, idx *attack.Index, productID string, src mapping.Source, m *mapping.NormalizedMapping) {
	trusted := o.trusted[src]

	for i := range m.Analytics {
		a := &m.Analytics[i]
		raw := a.Extension.RawSource
		if raw == "" {
			continue
		}

		st, ok, err := o.store.GetStream(ctx, productID, raw)
		if err != nil {
			o.logger.Warn("stream lookup %s/%s: %v", productID, raw, err)
			continue
		}
		if !ok {
			if err := o.store.QueueStreamStub(ctx, productID, raw); err != nil {
				o.logger.Warn("queue stream stub %s/%s: %v", productID, raw, err)
			}
		}
		if !ok || !st.Configured {
			if !trusted {
				a.StreamStatus = mapping.StreamHeuristic
			}
			continue
		}

		a.StreamStatus = mapping.StreamVerified
		inferred := inferTechniques(idx, st.Components)
		if len(inferred) == 0 {
			continue
		}
		a.Extension.InferredTechniqueIDs = union(a.Extension.InferredTechniqueIDs, inferred)
		if statesTechniques(a) {
			continue
		}
		a.TechniqueIDs = union(a.TechniqueIDs, inferred)
	}
}

// statesTechniques reports whether the analytic's techniques come from the
// rule itself rather than from inference.
func statesTechniques(a *mapping.AnalyticMapping) bool {
	if len(a.TechniqueIDs) == 0 {
		return false
	}
	switch a.Extension.Evidence {
	case mapping.EvidenceExplicit, mapping.EvidenceParentFallback:
		return true
	}
	return false
}

// inferTechniques resolves stream components (STIX ids or names) and
// collects the techniques they are evidence for.
func inferTechniques(idx *attack.Index, components []string) []string {
	var out []string
	for _, c := range components {
		dc, err := idx.ResolveComponent(c)
		if err != nil {
			continue
		}
		out = union(out, idx.TechniquesForComponentID(dc.ID))
	}
	return out
}

func union(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			base = append(base, s)
		}
	}
	return base
}
