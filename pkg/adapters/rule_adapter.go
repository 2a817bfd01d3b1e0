package adapters

import (
	"context"

	"github.com/exploopio/attackmap/pkg/corpus"
	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// Parser reads one corpus file format.
type Parser interface {
	// Extensions lists the file extensions the parser reads (".yml").
	Extensions() []string

	// Parse returns the rules in one file. Rules the corpus marks as
	// retired should be left out.
	Parse(path string, data []byte) ([]Rule, error)
}

// RuleAdapter is an Adapter over a file corpus: list, read in batches,
// keep files and rules mentioning the product, parse, resolve techniques.
type RuleAdapter struct {
	source  SourceTag
	corpus  corpus.Source
	index   IndexProvider
	parser  Parser
	applies Applicability
	opts    Options
}

// NewRuleAdapter assembles a file-corpus adapter.
func NewRuleAdapter(source SourceTag, src corpus.Source, index IndexProvider, parser Parser, applies Applicability, opts Options) *RuleAdapter {
	return &RuleAdapter{
		source:  source,
		corpus:  src,
		index:   index,
		parser:  parser,
		applies: applies,
		opts:    opts.withDefaults("adapters." + string(source)),
	}
}

func (a *RuleAdapter) Source() SourceTag { return a.source }

func (a *RuleAdapter) IsApplicable(productType string, platforms []string) bool {
	return a.applies.Match(productType, platforms)
}

// scanSummary is the audit payload of a rule adapter run.
type scanSummary struct {
	Corpus  string   `json:"corpus"`
	Files   int      `json:"files"`
	Read    int      `json:"read"`
	Matched int      `json:"matched"`
	Terms   []string `json:"terms"`
}

func (a *RuleAdapter) FetchMappings(ctx context.Context, q ProductQuery) (*mapping.NormalizedMapping, error) {
	op := "adapters." + string(a.source) + ".FetchMappings"

	idx, err := a.index.EnsureInitialized(ctx)
	if err != nil {
		return nil, errors.E(op, err)
	}
	terms := TermsFor(ctx, q, a.opts.Aliases, a.opts.Logger)
	if len(terms) == 0 {
		return nil, errors.E(errors.KindInvalidInput, op, "product has no usable name")
	}

	paths, err := a.corpus.List(ctx)
	if err != nil {
		return nil, errors.E(op, "list "+a.corpus.Name(), err)
	}
	paths = corpus.FilterExt(paths, a.parser.Extensions()...)

	resolver := NewResolver(idx, a.opts.Logger)
	b := NewBuilder(q.ProductID, a.source)
	read, err := ReadBatch(ctx, a.corpus, paths, a.opts.BatchSize, a.opts.Logger, a.opts.Metrics, func(files []File) error {
		for _, f := range files {
			if !matchesAnyBytes(f.Data, terms) {
				continue
			}
			rules, err := a.parser.Parse(f.Path, f.Data)
			if err != nil {
				a.opts.Logger.Warn("skipping unparsable %s: %v", f.Path, err)
				continue
			}
			for _, rule := range rules {
				if !MatchesAny(rule.Text, terms) {
					continue
				}
				am, ok := resolver.Normalize(rule)
				if !ok {
					a.opts.Logger.Debug("rule %s in %s resolved to no technique", rule.ID, f.Path)
					continue
				}
				b.AddAnalytic(am)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(errors.KindTimeout, op, err)
	}

	if b.Len() == 0 {
		a.opts.Logger.Debug("no %s rules matched %q (%d files)", a.source, q.Name, read)
		return nil, nil
	}
	b.Enrich(idx)
	if err := b.SetRaw(scanSummary{
		Corpus: a.corpus.Name(), Files: len(paths), Read: read, Matched: b.Len(), Terms: terms,
	}); err != nil {
		a.opts.Logger.Warn("failed to encode %s audit payload: %v", a.source, err)
	}
	a.opts.Logger.Info("%s matched %d rules for %q", a.source, b.Len(), q.Name)
	return b.Build(), nil
}
