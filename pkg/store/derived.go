package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// =============================================================================
// Capabilities
// =============================================================================

// ReplaceCapabilities swaps a product's capabilities for caps in one
// transaction. Groups caps has nothing for, including those of platforms the
// product no longer lists, are cleared.
func (s *Store) ReplaceCapabilities(ctx context.Context, productID string, caps []mapping.Capability) error {
	const op = "store.ReplaceCapabilities"
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM capabilities WHERE product_id = ?`, productID); err != nil {
			return err
		}
		for _, c := range caps {
			rows, err := json.Marshal(c.Mappings)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO capabilities (id, product_id, source, platform, grp, name, weight, mappings)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					name = excluded.name,
					weight = excluded.weight,
					mappings = excluded.mappings
			`, c.ID, productID, string(c.Source), c.Platform, string(c.Group), c.Name, c.Weight, string(rows)); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr(op, err)
}

// Capabilities returns a product's capabilities ordered by platform and
// group.
func (s *Store) Capabilities(ctx context.Context, productID string) ([]mapping.Capability, error) {
	const op = "store.Capabilities"
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, source, platform, grp, name, weight, mappings
		FROM capabilities WHERE product_id = ?
		ORDER BY platform, grp, rowid
	`, productID)
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}
	defer rows.Close()

	var out []mapping.Capability
	for rows.Next() {
		var (
			c     mapping.Capability
			table string
		)
		if err := rows.Scan(&c.ID, &c.ProductID, &c.Source, &c.Platform, &c.Group, &c.Name, &c.Weight, &table); err != nil {
			return nil, errors.E(errors.KindStorage, op, err)
		}
		if err := json.Unmarshal([]byte(table), &c.Mappings); err != nil {
			return nil, errors.E(errors.KindParse, op, "capability "+c.ID, err)
		}
		out = append(out, c)
	}
	return out, storageErr(op, rows.Err())
}

// =============================================================================
// Streams
// =============================================================================

// Stream is a product-specific telemetry stream. A stub stream (Configured
// false, no components) is queued when an analytic names a raw source the
// product has no stream for.
type Stream struct {
	ProductID  string    `json:"product_id"`
	Name       string    `json:"name"`
	Configured bool      `json:"configured"`
	Components []string  `json:"components,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GetStream looks a stream up by product and name. Names compare
// case-insensitively.
func (s *Store) GetStream(ctx context.Context, productID, name string) (*Stream, bool, error) {
	const op = "store.GetStream"
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT product_id, name, configured, components, updated_at
		FROM streams WHERE product_id = ? AND name = ?
	`, productID, name)
	st, err := scanStream(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.E(errors.KindStorage, op, err)
	}
	return st, true, nil
}

// ListStreams returns a product's streams ordered by name.
func (s *Store) ListStreams(ctx context.Context, productID string) ([]*Stream, error) {
	const op = "store.ListStreams"
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, configured, components, updated_at
		FROM streams WHERE product_id = ? ORDER BY name
	`, productID)
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}
	defer rows.Close()

	var out []*Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, errors.E(errors.KindStorage, op, err)
		}
		out = append(out, st)
	}
	return out, storageErr(op, rows.Err())
}

func scanStream(row scanner) (*Stream, error) {
	var (
		st         Stream
		configured int
		components string
		updated    int64
	)
	if err := row.Scan(&st.ProductID, &st.Name, &configured, &components, &updated); err != nil {
		return nil, err
	}
	st.Configured = configured != 0
	_ = json.Unmarshal([]byte(components), &st.Components)
	if len(st.Components) == 0 {
		st.Components = nil
	}
	if updated > 0 {
		st.UpdatedAt = time.Unix(0, updated).UTC()
	}
	return &st, nil
}

// QueueStreamStub records an unconfigured stream for name unless one
// already exists.
func (s *Store) QueueStreamStub(ctx context.Context, productID, name string) error {
	const op = "store.QueueStreamStub"
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (product_id, name, configured, components, updated_at)
		VALUES (?, ?, 0, '[]', ?)
		ON CONFLICT(product_id, name) DO NOTHING
	`, productID, name, time.Now().UnixNano())
	if err != nil {
		return errors.E(errors.KindStorage, op, err)
	}
	return nil
}

// UpsertStream writes a stream.
func (s *Store) UpsertStream(ctx context.Context, st Stream) error {
	const op = "store.UpsertStream"
	if st.ProductID == "" || st.Name == "" {
		return errors.E(errors.KindInvalidInput, op, "stream product and name are required")
	}
	components, _ := json.Marshal(nonNil(st.Components))
	configured := 0
	if st.Configured {
		configured = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (product_id, name, configured, components, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(product_id, name) DO UPDATE SET
			configured = excluded.configured,
			components = excluded.components,
			updated_at = excluded.updated_at
	`, st.ProductID, st.Name, configured, string(components), time.Now().UnixNano())
	if err != nil {
		return errors.E(errors.KindStorage, op, err)
	}
	return nil
}

// =============================================================================
// Fused mappings
// =============================================================================

// SaveMapping stores a product's fused mapping, zstd-compressed.
func (s *Store) SaveMapping(ctx context.Context, m *mapping.NormalizedMapping) error {
	const op = "store.SaveMapping"
	if m == nil || m.ProductID == "" {
		return errors.E(errors.KindInvalidInput, op, "mapping with a product id is required")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return errors.E(errors.KindInternal, op, err)
	}
	data := s.codec.Encode(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mappings (product_id, data, confidence, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			data = excluded.data,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
	`, m.ProductID, data, m.Confidence, time.Now().UnixNano())
	if err != nil {
		return errors.E(errors.KindStorage, op, err)
	}
	return nil
}

// LoadMapping returns a product's fused mapping. A missing mapping is a
// NotFound error.
func (s *Store) LoadMapping(ctx context.Context, productID string) (*mapping.NormalizedMapping, error) {
	const op = "store.LoadMapping"
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM mappings WHERE product_id = ?`, productID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.E(errors.KindNotFound, op, "no fused mapping for "+productID)
	}
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}
	raw, err := s.codec.Decode(data)
	if err != nil {
		return nil, errors.E(errors.KindParse, op, err)
	}
	var m mapping.NormalizedMapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.E(errors.KindParse, op, err)
	}
	return &m, nil
}

// ClearMapping drops a product's fused mapping, capabilities and provides
// edges in one transaction. Streams and the product itself are kept.
func (s *Store) ClearMapping(ctx context.Context, productID string) error {
	const op = "store.ClearMapping"
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := productExists(ctx, tx, productID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM mappings WHERE product_id = ?`, productID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM capabilities WHERE product_id = ?`, productID); err != nil {
			return err
		}
		return replaceProvides(ctx, tx, productID, nil)
	})
	return storageErr(op, err)
}

// =============================================================================
// Mapping cache
// =============================================================================

// CacheGet returns a cached payload. Expired entries read as absent.
func (s *Store) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	const op = "store.CacheGet"
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		data    []byte
		expires int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, expires_at FROM mapping_cache WHERE key = ?`, key).Scan(&data, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.E(errors.KindStorage, op, err)
	}
	if expires > 0 && time.Now().UnixNano() >= expires {
		return nil, false, nil
	}
	return data, true, nil
}

// CachePut stores a payload. A ttl <= 0 never expires.
func (s *Store) CachePut(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	const op = "store.CachePut"
	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).UnixNano()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mapping_cache (key, data, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at
	`, key, data, expires)
	if err != nil {
		return errors.E(errors.KindStorage, op, err)
	}
	return nil
}

// CacheDelete removes one cache entry.
func (s *Store) CacheDelete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM mapping_cache WHERE key = ?`, key); err != nil {
		return errors.E(errors.KindStorage, "store.CacheDelete", err)
	}
	return nil
}

// CacheDeletePrefix removes every cache entry whose key starts with prefix.
func (s *Store) CacheDeletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM mapping_cache WHERE substr(key, 1, length(?)) = ?`, prefix, prefix)
	if err != nil {
		return errors.E(errors.KindStorage, "store.CacheDeletePrefix", err)
	}
	return nil
}
