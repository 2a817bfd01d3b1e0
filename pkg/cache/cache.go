// Package cache keeps per-source adapter results so a product is not
// re-mapped against every corpus on each run.
//
// Entries are keyed by product and source ("product|source", with the
// product ID query-escaped so it never contains the separator). A cached nil
// mapping records "this source has nothing for the product" and is returned
// as a hit. Payloads are JSON, zstd-compressed.
package cache

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/exploopio/attackmap/pkg/compress"
	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// DefaultTTL is how long an adapter result stays cached.
const DefaultTTL = 24 * time.Hour

// Cache stores adapter results per (product, source).
type Cache interface {
	// Get returns the cached result and whether there was one. A hit may
	// carry a nil mapping (cached no-match).
	Get(ctx context.Context, productID string, source mapping.Source) (*mapping.NormalizedMapping, bool, error)

	// Put caches m, which may be nil.
	Put(ctx context.Context, productID string, source mapping.Source, m *mapping.NormalizedMapping) error

	// Invalidate drops the entry for (productID, source). An empty source
	// drops every source of the product.
	Invalidate(ctx context.Context, productID string, source mapping.Source) error
}

// Key returns the cache key of (productID, source).
func Key(productID string, source mapping.Source) string {
	return productPrefix(productID) + string(source)
}

// productPrefix returns the key prefix shared by every source of productID.
// No other product's keys start with it.
func productPrefix(productID string) string {
	return url.QueryEscape(productID) + "|"
}

var codec = compress.NewCodec(compress.LevelDefault)

func encode(m *mapping.NormalizedMapping) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "cache.encode", err)
	}
	return codec.Encode(raw), nil
}

func decode(data []byte) (*mapping.NormalizedMapping, error) {
	raw, err := codec.Decode(data)
	if err != nil {
		return nil, errors.E(errors.KindParse, "cache.decode", err)
	}
	var m *mapping.NormalizedMapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.E(errors.KindParse, "cache.decode", err)
	}
	return m, nil
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string, mapping.Source) (*mapping.NormalizedMapping, bool, error) {
	return nil, false, nil
}
func (Nop) Put(context.Context, string, mapping.Source, *mapping.NormalizedMapping) error { return nil }
func (Nop) Invalidate(context.Context, string, mapping.Source) error                      { return nil }

var (
	_ Cache = Nop{}
	_ Cache = (*Memory)(nil)
	_ Cache = (*SQLite)(nil)
	_ Cache = (*Redis)(nil)
)
