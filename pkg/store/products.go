package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"time"

	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/graph"
)

// Product is a security product known to the store.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Vendor    string    `json:"vendor,omitempty"`
	Type      string    `json:"product_type,omitempty"`
	Platforms []string  `json:"platforms,omitempty"`
	Aliases   []string  `json:"aliases,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertProduct writes a product and its graph node. When provides is
// non-nil the product's provides edges are replaced by one asserted edge per
// data component ID; nil leaves existing edges in place. Everything happens
// in one transaction.
func (s *Store) UpsertProduct(ctx context.Context, p Product, provides []string) error {
	const op = "store.UpsertProduct"
	if p.ID == "" || p.Name == "" {
		return errors.E(errors.KindInvalidInput, op, "product id and name are required")
	}
	platforms, _ := json.Marshal(nonNil(p.Platforms))
	aliases, _ := json.Marshal(nonNil(p.Aliases))

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO products (id, name, vendor, product_type, platforms, aliases, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				vendor = excluded.vendor,
				product_type = excluded.product_type,
				platforms = excluded.platforms,
				aliases = excluded.aliases,
				updated_at = excluded.updated_at
		`, p.ID, p.Name, p.Vendor, p.Type, string(platforms), string(aliases), time.Now().UnixNano())
		if err != nil {
			return err
		}
		node := graph.Node{Kind: graph.KindProduct, Key: p.ID, Name: p.Name, Platforms: p.Platforms}
		if err := upsertNode(ctx, tx, node); err != nil {
			return err
		}
		if provides == nil {
			return nil
		}
		return replaceProvides(ctx, tx, p.ID, provides)
	})
	return storageErr(op, err)
}

// ReplaceProvides swaps a product's provides edges for the given data
// component IDs in one transaction.
func (s *Store) ReplaceProvides(ctx context.Context, productID string, componentIDs []string) error {
	const op = "store.ReplaceProvides"
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := productExists(ctx, tx, productID); err != nil {
			return err
		}
		return replaceProvides(ctx, tx, productID, componentIDs)
	})
	return storageErr(op, err)
}

func replaceProvides(ctx context.Context, tx *sql.Tx, productID string, componentIDs []string) error {
	from := graph.NodeID(graph.KindProduct, productID)
	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_id = ? AND type = ?`, from, string(graph.EdgeProvides)); err != nil {
		return err
	}
	for _, dc := range componentIDs {
		to := graph.NodeID(graph.KindDataComponent, dc)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO edges (from_id, to_id, type, provenance) VALUES (?, ?, ?, ?)
			ON CONFLICT(from_id, to_id, type) DO NOTHING
		`, from, to, string(graph.EdgeProvides), string(graph.ProvenanceAsserted)); err != nil {
			return err
		}
	}
	return nil
}

func productExists(ctx context.Context, tx *sql.Tx, productID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM products WHERE id = ?`, productID).Scan(&one)
	if err == sql.ErrNoRows {
		return errors.E(errors.KindNotFound, "store.productExists", "product "+productID, errors.ErrProductNotFound)
	}
	return err
}

// GetProduct returns a product by ID. A missing product is a NotFound error
// wrapping errors.ErrProductNotFound.
func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	const op = "store.GetProduct"
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, vendor, product_type, platforms, aliases, status, reason, updated_at
		FROM products WHERE id = ?
	`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, errors.E(errors.KindNotFound, op, "product "+id, errors.ErrProductNotFound)
	}
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}
	return p, nil
}

// ListProducts returns every product, ordered by ID.
func (s *Store) ListProducts(ctx context.Context) ([]*Product, error) {
	const op = "store.ListProducts"
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, vendor, product_type, platforms, aliases, status, reason, updated_at
		FROM products ORDER BY id
	`)
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}
	defer rows.Close()

	var out []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, errors.E(errors.KindStorage, op, err)
		}
		out = append(out, p)
	}
	return out, storageErr(op, rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*Product, error) {
	var (
		p                  Product
		platforms, aliases string
		updated            int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Vendor, &p.Type, &platforms, &aliases, &p.Status, &p.Reason, &updated); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(platforms), &p.Platforms)
	_ = json.Unmarshal([]byte(aliases), &p.Aliases)
	if len(p.Platforms) == 0 {
		p.Platforms = nil
	}
	if len(p.Aliases) == 0 {
		p.Aliases = nil
	}
	if updated > 0 {
		p.UpdatedAt = time.Unix(0, updated).UTC()
	}
	return &p, nil
}

// SetProductStatus records the outcome of the last mapping run.
func (s *Store) SetProductStatus(ctx context.Context, id, status, reason string) error {
	const op = "store.SetProductStatus"
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET status = ?, reason = ?, updated_at = ? WHERE id = ?
	`, status, reason, time.Now().UnixNano(), id)
	if err != nil {
		return errors.E(errors.KindStorage, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.E(errors.KindNotFound, op, "product "+id, errors.ErrProductNotFound)
	}
	return nil
}

// DeleteProduct removes a product, its graph node, every edge incident to
// that node and everything derived for it (capabilities, streams, fused
// mapping, cached adapter results), in one transaction.
func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	const op = "store.DeleteProduct"
	s.mu.Lock()
	defer s.mu.Unlock()

	nodeID := graph.NodeID(graph.KindProduct, id)
	// Matches the keys pkg/cache writes for the product.
	cachePrefix := url.QueryEscape(id) + "|"
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := productExists(ctx, tx, id); err != nil {
			return err
		}
		stmts := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM edges WHERE from_id = ? OR to_id = ?`, []any{nodeID, nodeID}},
			{`DELETE FROM nodes WHERE id = ?`, []any{nodeID}},
			{`DELETE FROM capabilities WHERE product_id = ?`, []any{id}},
			{`DELETE FROM streams WHERE product_id = ?`, []any{id}},
			{`DELETE FROM mappings WHERE product_id = ?`, []any{id}},
			{`DELETE FROM mapping_cache WHERE substr(key, 1, length(?)) = ?`, []any{cachePrefix, cachePrefix}},
			{`DELETE FROM products WHERE id = ?`, []any{id}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr(op, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
