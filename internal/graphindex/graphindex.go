// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package graphindex maintains the relation graph: the node_index gid
// registry, the edges table, and the leann_neighbors hint cache.
// Implements: prd004-graph-index (R1-R4).
//
// Edges reference nodes by integer id internally; every public method
// speaks gids. Hints are derived data and are dropped whenever an
// endpoint's edge set changes.
package graphindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pdiddy/glyphcase/pkg/types"
)

// DBTX is the subset of database/sql operations the index needs. Both
// *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Index reads and writes the graph tables.
type Index struct {
	db DBTX
}

// New returns an Index bound to db.
func New(db DBTX) *Index {
	return &Index{db: db}
}

// EnsureNode registers gid in node_index if absent and returns its
// integer node id (R1.1).
func (ix *Index) EnsureNode(ctx context.Context, gid string) (int64, error) {
	docID, pageNo, err := types.ParsePageGID(gid)
	if err != nil {
		return 0, err
	}

	_, err = ix.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO node_index (gid, doc_id, page_no) VALUES (?, ?, ?)`,
		gid, docID, pageNo,
	)
	if err != nil {
		return 0, fmt.Errorf("registering node %s: %w", gid, err)
	}
	return ix.NodeID(ctx, gid)
}

// NodeID returns the integer id for gid, or types.ErrNotFound.
func (ix *Index) NodeID(ctx context.Context, gid string) (int64, error) {
	var id int64
	err := ix.db.QueryRowContext(ctx,
		`SELECT node_id FROM node_index WHERE gid = ?`, gid,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, types.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolving node %s: %w", gid, err)
	}
	return id, nil
}

// AddEdge upserts a directed edge (R1.2, R1.3). Weights outside [0,1]
// return types.ErrInvalidWeight. Re-asserting an existing
// (from, to, predicate) updates its weight, timestamp, and evidence.
// Cached neighbor hints of both endpoints are invalidated.
func (ix *Index) AddEdge(ctx context.Context, e types.Edge) error {
	if e.Weight < 0 || e.Weight > 1 {
		return fmt.Errorf("edge %s -[%s]-> %s weight %f: %w",
			e.From, e.Predicate, e.To, e.Weight, types.ErrInvalidWeight)
	}

	fromID, err := ix.EnsureNode(ctx, e.From)
	if err != nil {
		return err
	}
	toID, err := ix.EnsureNode(ctx, e.To)
	if err != nil {
		return err
	}

	_, err = ix.db.ExecContext(ctx,
		`INSERT INTO edges (fromNode, toNode, pred, weight, ts, evidence)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fromNode, toNode, pred) DO UPDATE SET
		   weight = excluded.weight,
		   ts = excluded.ts,
		   evidence = excluded.evidence`,
		fromID, toID, e.Predicate, e.Weight,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Evidence,
	)
	if err != nil {
		return fmt.Errorf("writing edge %s -> %s: %w", e.From, e.To, err)
	}

	_, err = ix.db.ExecContext(ctx,
		`DELETE FROM leann_neighbors WHERE gid IN (?, ?)`, e.From, e.To,
	)
	if err != nil {
		return fmt.Errorf("invalidating neighbor hints: %w", err)
	}
	return nil
}

// Edges returns the outgoing edges of gid ordered by weight descending,
// ties by destination gid.
func (ix *Index) Edges(ctx context.Context, gid string) ([]types.Edge, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT nf.gid, nt.gid, e.pred, e.weight, e.ts, e.evidence
		 FROM edges e
		 JOIN node_index nf ON nf.node_id = e.fromNode
		 JOIN node_index nt ON nt.node_id = e.toNode
		 WHERE nf.gid = ?
		 ORDER BY e.weight DESC, nt.gid`,
		gid,
	)
	if err != nil {
		return nil, fmt.Errorf("reading edges of %s: %w", gid, err)
	}
	defer rows.Close()

	var edges []types.Edge
	for rows.Next() {
		var e types.Edge
		var ts, evidence sql.NullString
		if err := rows.Scan(&e.From, &e.To, &e.Predicate, &e.Weight, &ts, &evidence); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		if ts.Valid && ts.String != "" {
			parsed, err := time.Parse(time.RFC3339Nano, ts.String)
			if err != nil {
				return nil, fmt.Errorf("parsing edge timestamp: %w", err)
			}
			e.Timestamp = parsed
		}
		e.Evidence = evidence.String
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating edges: %w", err)
	}
	return edges, nil
}

// Neighbors returns the top-k hint rows for gid, computing and caching
// the full hint set from the edge table on a miss (R3.1, R3.2). Hints
// come back ordered by score descending, ties by neighbor gid; k <= 0
// returns all of them.
func (ix *Index) Neighbors(ctx context.Context, gid string, k int) ([]types.NeighborHint, error) {
	hints, err := ix.cachedNeighbors(ctx, gid)
	if err != nil {
		return nil, err
	}
	if hints == nil {
		edges, err := ix.Edges(ctx, gid)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			hint := types.NeighborHint{
				GID:      gid,
				Neighbor: e.To,
				Score:    e.Weight,
				Reason:   "graph-" + e.Predicate,
			}
			_, err := ix.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO leann_neighbors (gid, neighbor, score, reason)
				 VALUES (?, ?, ?, ?)`,
				hint.GID, hint.Neighbor, hint.Score, hint.Reason,
			)
			if err != nil {
				return nil, fmt.Errorf("caching neighbor hint: %w", err)
			}
			hints = append(hints, hint)
		}
	}

	if k > 0 && len(hints) > k {
		hints = hints[:k]
	}
	return hints, nil
}

func (ix *Index) cachedNeighbors(ctx context.Context, gid string) ([]types.NeighborHint, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT gid, neighbor, score, reason FROM leann_neighbors
		 WHERE gid = ? ORDER BY score DESC, neighbor`,
		gid,
	)
	if err != nil {
		return nil, fmt.Errorf("reading neighbor hints of %s: %w", gid, err)
	}
	defer rows.Close()

	var hints []types.NeighborHint
	for rows.Next() {
		var h types.NeighborHint
		var reason sql.NullString
		if err := rows.Scan(&h.GID, &h.Neighbor, &h.Score, &reason); err != nil {
			return nil, fmt.Errorf("scanning neighbor hint: %w", err)
		}
		h.Reason = reason.String
		hints = append(hints, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating neighbor hints: %w", err)
	}
	return hints, nil
}
