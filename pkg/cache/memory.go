package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/exploopio/attackmap/pkg/mapping"
)

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// Memory is an in-process cache. It is lost on restart.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates an in-memory cache. ttl <= 0 uses DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (c *Memory) Get(ctx context.Context, productID string, source mapping.Source) (*mapping.NormalizedMapping, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[Key(productID, source)]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		return nil, false, nil
	}
	m, err := decode(e.data)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (c *Memory) Put(ctx context.Context, productID string, source mapping.Source, m *mapping.NormalizedMapping) error {
	data, err := encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[Key(productID, source)] = memoryEntry{data: data, expires: c.now().Add(c.ttl)}
	return nil
}

func (c *Memory) Invalidate(ctx context.Context, productID string, source mapping.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if source != "" {
		delete(c.entries, Key(productID, source))
		return nil
	}
	prefix := productPrefix(productID)
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	return nil
}
