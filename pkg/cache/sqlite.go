package cache

import (
	"context"
	"time"

	"github.com/exploopio/attackmap/pkg/mapping"
)

// EntryStore is the key/value surface of the persistence layer the SQLite
// cache writes through. *store.Store implements it.
type EntryStore interface {
	CacheGet(ctx context.Context, key string) ([]byte, bool, error)
	CachePut(ctx context.Context, key string, data []byte, ttl time.Duration) error
	CacheDelete(ctx context.Context, key string) error
	CacheDeletePrefix(ctx context.Context, prefix string) error
}

// SQLite caches results in the store's mapping_cache table, so they survive
// restarts.
type SQLite struct {
	store EntryStore
	ttl   time.Duration
}

// NewSQLite creates a store-backed cache. ttl <= 0 uses DefaultTTL.
func NewSQLite(store EntryStore, ttl time.Duration) *SQLite {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SQLite{store: store, ttl: ttl}
}

func (c *SQLite) Get(ctx context.Context, productID string, source mapping.Source) (*mapping.NormalizedMapping, bool, error) {
	data, ok, err := c.store.CacheGet(ctx, Key(productID, source))
	if err != nil || !ok {
		return nil, false, err
	}
	m, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (c *SQLite) Put(ctx context.Context, productID string, source mapping.Source, m *mapping.NormalizedMapping) error {
	data, err := encode(m)
	if err != nil {
		return err
	}
	return c.store.CachePut(ctx, Key(productID, source), data, c.ttl)
}

func (c *SQLite) Invalidate(ctx context.Context, productID string, source mapping.Source) error {
	if source != "" {
		return c.store.CacheDelete(ctx, Key(productID, source))
	}
	return c.store.CacheDeletePrefix(ctx, productPrefix(productID))
}
