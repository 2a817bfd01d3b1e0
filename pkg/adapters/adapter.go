// Package adapters defines the contract every detection-rule corpus adapter
// implements, plus the shared machinery they are built from: product search
// terms, batched corpus reads, two-tier technique resolution and the mapping
// builder.
//
// Source-specific parsers live in subpackages (ctid, sigma, elastic, splunk,
// sentinel, mitre).
package adapters

import (
	"context"
	"strings"

	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/mapping"
	"github.com/exploopio/attackmap/pkg/metrics"
)

// SourceTag identifies an adapter. The set is closed; see mapping.PriorityOrder.
type SourceTag = mapping.Source

// ProductQuery describes the product an adapter is asked about.
type ProductQuery struct {
	ProductID   string
	Name        string
	Vendor      string
	ProductType string
	Platforms   []string

	// Aliases are extra names supplied by the caller. Adapters may add more
	// through an AliasResolver.
	Aliases []string
}

// Adapter normalizes one external corpus into mappings for a product.
type Adapter interface {
	Source() SourceTag

	// FetchMappings returns (nil, nil) when the corpus has nothing for the
	// product.
	FetchMappings(ctx context.Context, q ProductQuery) (*mapping.NormalizedMapping, error)

	// IsApplicable reports whether the adapter is worth running for a
	// product of this type on these platforms.
	IsApplicable(productType string, platforms []string) bool
}

// IndexProvider hands out the taxonomy index, building it on first use.
// *attack.Service implements it.
type IndexProvider interface {
	EnsureInitialized(ctx context.Context) (*attack.Index, error)
}

// StaticIndex adapts an already-built index to IndexProvider.
type StaticIndex struct{ Index *attack.Index }

func (s StaticIndex) EnsureInitialized(context.Context) (*attack.Index, error) {
	return s.Index, nil
}

// Options are shared by every adapter.
type Options struct {
	Logger  logging.Logger
	Metrics metrics.Collector

	// BatchSize bounds concurrent corpus reads (default 50).
	BatchSize int

	Aliases AliasResolver
}

// DefaultBatchSize is the number of corpus files read concurrently.
const DefaultBatchSize = 50

func (o Options) withDefaults(component string) Options {
	o.Logger = logging.OrDefault(o.Logger, component)
	o.Metrics = metrics.OrDefault(o.Metrics)
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// Applicability is the default product filter of an adapter. A product
// matches when its type is one of Types or it runs on one of Platforms.
// A product with neither type nor platforms always matches, as does an
// Applicability with both lists empty.
type Applicability struct {
	Types     []string
	Platforms []string
}

// Match applies the filter. Comparisons are case-insensitive.
func (a Applicability) Match(productType string, platforms []string) bool {
	if len(a.Types) == 0 && len(a.Platforms) == 0 {
		return true
	}
	if productType == "" && len(platforms) == 0 {
		return true
	}
	for _, t := range a.Types {
		if strings.EqualFold(t, productType) {
			return true
		}
	}
	for _, want := range a.Platforms {
		for _, p := range platforms {
			if strings.EqualFold(want, p) {
				return true
			}
		}
	}
	return false
}
