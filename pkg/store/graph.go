package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/graph"
)

func upsertNode(ctx context.Context, tx *sql.Tx, n graph.Node) error {
	if n.ID == "" {
		n.ID = graph.NodeID(n.Kind, n.Key)
	}
	platforms, _ := json.Marshal(nonNil(n.Platforms))
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (id, kind, key, name, platforms) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			platforms = excluded.platforms
	`, n.ID, string(n.Kind), n.Key, n.Name, string(platforms))
	return err
}

// SaveGraph writes the structural part of g: every non-product node is
// upserted and the structural edges are replaced wholesale. Product nodes
// and asserted edges are owned by UpsertProduct and ReplaceProvides and are
// left alone.
func (s *Store) SaveGraph(ctx context.Context, g *graph.Graph) error {
	const op = "store.SaveGraph"
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, n := range g.Nodes("") {
			if n.Kind == graph.KindProduct {
				continue
			}
			if err := upsertNode(ctx, tx, *n); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE provenance = ?`, string(graph.ProvenanceStructural)); err != nil {
			return err
		}
		for _, e := range g.Edges() {
			if e.Provenance != graph.ProvenanceStructural {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO edges (from_id, to_id, type, provenance) VALUES (?, ?, ?, ?)
				ON CONFLICT(from_id, to_id, type) DO UPDATE SET provenance = excluded.provenance
			`, e.From, e.To, string(e.Type), string(e.Provenance)); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr(op, err)
}

// LoadGraph reads every node and edge into a new in-memory graph.
func (s *Store) LoadGraph(ctx context.Context) (*graph.Graph, error) {
	const op = "store.LoadGraph"
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := graph.New()
	if err := s.loadNodes(ctx, g); err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}
	if err := s.loadEdges(ctx, g); err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}
	return g, nil
}

func (s *Store) loadNodes(ctx context.Context, g *graph.Graph) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, key, name, platforms FROM nodes ORDER BY rowid`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			n         graph.Node
			platforms string
		)
		if err := rows.Scan(&n.ID, &n.Kind, &n.Key, &n.Name, &platforms); err != nil {
			return err
		}
		_ = json.Unmarshal([]byte(platforms), &n.Platforms)
		if len(n.Platforms) == 0 {
			n.Platforms = nil
		}
		g.AddNode(n)
	}
	return rows.Err()
}

func (s *Store) loadEdges(ctx context.Context, g *graph.Graph) error {
	rows, err := s.db.QueryContext(ctx, `SELECT from_id, to_id, type, provenance FROM edges ORDER BY rowid`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var e graph.Edge
		if err := rows.Scan(&e.From, &e.To, &e.Type, &e.Provenance); err != nil {
			return err
		}
		g.AddEdge(e)
	}
	return rows.Err()
}
