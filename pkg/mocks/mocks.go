// Package mocks provides mock implementations for testing.
// Each mock takes optional Fn hooks and records its calls.
package mocks

import (
	"context"
	"sync"

	"github.com/exploopio/attackmap/pkg/adapters"
	"github.com/exploopio/attackmap/pkg/cache"
	"github.com/exploopio/attackmap/pkg/mapping"
	"github.com/exploopio/attackmap/pkg/validation"
)

// =============================================================================
// Mock Adapter
// =============================================================================

// MockAdapter is a mock implementation of adapters.Adapter for testing.
type MockAdapter struct {
	Tag mapping.Source

	// FetchMappingsFn is called when FetchMappings is invoked
	FetchMappingsFn func(ctx context.Context, q adapters.ProductQuery) (*mapping.NormalizedMapping, error)

	// IsApplicableFn is called when IsApplicable is invoked. Nil means
	// always applicable.
	IsApplicableFn func(productType string, platforms []string) bool

	mu                 sync.Mutex
	fetchMappingsCalls []adapters.ProductQuery
}

func (m *MockAdapter) Source() adapters.SourceTag { return m.Tag }

func (m *MockAdapter) FetchMappings(ctx context.Context, q adapters.ProductQuery) (*mapping.NormalizedMapping, error) {
	m.mu.Lock()
	m.fetchMappingsCalls = append(m.fetchMappingsCalls, q)
	m.mu.Unlock()
	if m.FetchMappingsFn != nil {
		return m.FetchMappingsFn(ctx, q)
	}
	return nil, nil
}

func (m *MockAdapter) IsApplicable(productType string, platforms []string) bool {
	if m.IsApplicableFn != nil {
		return m.IsApplicableFn(productType, platforms)
	}
	return true
}

// FetchMappingsCalls returns the queries FetchMappings was called with.
func (m *MockAdapter) FetchMappingsCalls() []adapters.ProductQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]adapters.ProductQuery(nil), m.fetchMappingsCalls...)
}

// =============================================================================
// Mock Cache
// =============================================================================

// MockCache is a mock implementation of cache.Cache for testing. Without
// hooks it behaves as an in-memory cache.
type MockCache struct {
	GetFn        func(ctx context.Context, productID string, source mapping.Source) (*mapping.NormalizedMapping, bool, error)
	PutFn        func(ctx context.Context, productID string, source mapping.Source, m *mapping.NormalizedMapping) error
	InvalidateFn func(ctx context.Context, productID string, source mapping.Source) error

	mu              sync.Mutex
	entries         map[string]*mapping.NormalizedMapping
	getCalls        int
	putCalls        []CacheCall
	invalidateCalls []CacheCall
}

// CacheCall records the key of a cache call.
type CacheCall struct {
	ProductID string
	Source    mapping.Source
}

func (m *MockCache) Get(ctx context.Context, productID string, source mapping.Source) (*mapping.NormalizedMapping, bool, error) {
	m.mu.Lock()
	m.getCalls++
	m.mu.Unlock()
	if m.GetFn != nil {
		return m.GetFn(ctx, productID, source)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[cache.Key(productID, source)]
	return v, ok, nil
}

func (m *MockCache) Put(ctx context.Context, productID string, source mapping.Source, nm *mapping.NormalizedMapping) error {
	m.mu.Lock()
	m.putCalls = append(m.putCalls, CacheCall{ProductID: productID, Source: source})
	m.mu.Unlock()
	if m.PutFn != nil {
		return m.PutFn(ctx, productID, source, nm)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*mapping.NormalizedMapping)
	}
	m.entries[cache.Key(productID, source)] = nm
	return nil
}

func (m *MockCache) Invalidate(ctx context.Context, productID string, source mapping.Source) error {
	m.mu.Lock()
	m.invalidateCalls = append(m.invalidateCalls, CacheCall{ProductID: productID, Source: source})
	m.mu.Unlock()
	if m.InvalidateFn != nil {
		return m.InvalidateFn(ctx, productID, source)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range mapping.PriorityOrder {
		if source == "" || source == tag {
			delete(m.entries, cache.Key(productID, tag))
		}
	}
	return nil
}

// GetCalls returns how many times Get was called.
func (m *MockCache) GetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls
}

// PutCalls returns the keys Put was called with.
func (m *MockCache) PutCalls() []CacheCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CacheCall(nil), m.putCalls...)
}

// InvalidateCalls returns the keys Invalidate was called with.
func (m *MockCache) InvalidateCalls() []CacheCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CacheCall(nil), m.invalidateCalls...)
}

// =============================================================================
// Mock Oracle
// =============================================================================

// MockOracle is a mock implementation of validation.Oracle for testing.
type MockOracle struct {
	// ValidateFn is called when Validate is invoked
	ValidateFn func(ctx context.Context, req validation.Request) (*mapping.ValidationResult, error)

	mu            sync.Mutex
	validateCalls []validation.Request
}

func (m *MockOracle) Validate(ctx context.Context, req validation.Request) (*mapping.ValidationResult, error) {
	m.mu.Lock()
	m.validateCalls = append(m.validateCalls, req)
	m.mu.Unlock()
	if m.ValidateFn != nil {
		return m.ValidateFn(ctx, req)
	}
	return nil, nil
}

// ValidateCalls returns the requests Validate was called with.
func (m *MockOracle) ValidateCalls() []validation.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]validation.Request(nil), m.validateCalls...)
}

// =============================================================================
// Interface assertions
// =============================================================================

var (
	_ adapters.Adapter  = (*MockAdapter)(nil)
	_ cache.Cache       = (*MockCache)(nil)
	_ validation.Oracle = (*MockOracle)(nil)
)
