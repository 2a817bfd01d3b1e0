// Package mitre maps products through the taxonomy itself: analytics whose
// log sources name the product become telemetry-only mappings for the
// techniques their strategies detect.
package mitre

import (
	"context"

	"github.com/exploopio/attackmap/pkg/adapters"
	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// analyticStrength rates a log-source name match. It says the product can
// produce the telemetry, not that it ships the detection.
const analyticStrength = 0.6

// Adapter is the taxonomy-backed adapter.
type Adapter struct {
	index adapters.IndexProvider
	opts  adapters.Options
}

var _ adapters.Adapter = (*Adapter)(nil)

// New creates the adapter.
func New(index adapters.IndexProvider, opts adapters.Options) *Adapter {
	opts.Logger = logging.OrDefault(opts.Logger, "adapters.mitre")
	return &Adapter{index: index, opts: opts}
}

func (a *Adapter) Source() adapters.SourceTag { return mapping.SourceMITRE }

// IsApplicable is always true: every product may appear as a log source.
func (a *Adapter) IsApplicable(string, []string) bool { return true }

type scanSummary struct {
	Analytics int      `json:"analytics"`
	Matched   int      `json:"matched"`
	Terms     []string `json:"terms"`
}

func (a *Adapter) FetchMappings(ctx context.Context, q adapters.ProductQuery) (*mapping.NormalizedMapping, error) {
	const op = "adapters.mitre.FetchMappings"

	idx, err := a.index.EnsureInitialized(ctx)
	if err != nil {
		return nil, errors.E(op, err)
	}
	terms := adapters.TermsFor(ctx, q, a.opts.Aliases, a.opts.Logger)
	if len(terms) == 0 {
		return nil, errors.E(errors.KindInvalidInput, op, "product has no usable name")
	}

	resolver := adapters.NewResolver(idx, a.opts.Logger)
	b := adapters.NewBuilder(q.ProductID, mapping.SourceMITRE)
	analytics := idx.Analytics()
	for _, an := range analytics {
		if err := ctx.Err(); err != nil {
			return nil, errors.E(errors.KindTimeout, op, err)
		}
		rule, ok := analyticRule(idx, an, terms)
		if !ok {
			continue
		}
		am, ok := resolver.Normalize(rule)
		if !ok {
			continue
		}
		b.AddAnalytic(am)
	}

	if b.Len() == 0 {
		return nil, nil
	}
	b.Enrich(idx)
	_ = b.SetRaw(scanSummary{Analytics: len(analytics), Matched: b.Len(), Terms: terms})
	return b.Build(), nil
}

// analyticRule turns an analytic into a rule when one of its log sources
// mentions the product.
func analyticRule(idx *attack.Index, an *attack.Analytic, terms []string) (adapters.Rule, bool) {
	matched := false
	var logSources []mapping.LogSource
	for _, ls := range an.LogSources {
		if adapters.MatchesAny(ls.Name+" "+ls.Channel, terms) {
			matched = true
		}
		entry := mapping.LogSource{Name: ls.Name, Channel: ls.Channel}
		if dc, ok := idx.GetDataComponent(ls.DataComponentID); ok {
			entry.DataComponent = dc.Name
		}
		logSources = append(logSources, entry)
	}
	if !matched {
		return adapters.Rule{}, false
	}

	var techniques []string
	seen := make(map[string]struct{})
	for _, sid := range idx.StrategiesForAnalytic(an.ID) {
		s, ok := idx.GetStrategy(sid)
		if !ok {
			continue
		}
		for _, tid := range s.TechniqueIDs {
			if _, dup := seen[tid]; !dup {
				seen[tid] = struct{}{}
				techniques = append(techniques, tid)
			}
		}
	}
	if len(techniques) == 0 {
		return adapters.Rule{}, false
	}

	rule := adapters.Rule{
		ID:              "mitre:" + an.ID,
		Title:           an.Name,
		Description:     an.Description,
		TechniqueIDs:    techniques,
		Platforms:       an.Platforms,
		LogSources:      logSources,
		MutableElements: an.MutableElements,
		Strength:        analyticStrength,
		TelemetryOnly:   true,
	}
	if len(logSources) > 0 {
		rule.RawSource = logSources[0].Name
	}
	return rule, true
}
