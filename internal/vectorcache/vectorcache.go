// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package vectorcache manages per-page embedding vectors: the leann_meta
// staleness records, the leann_vec blob cache, and on-demand
// regeneration. Implements: prd003-vector-cache (R1-R5).
//
// Cached vectors are an accelerator, never a source of truth. A vector
// is served only when its metadata row says it matches the current page
// text; anything stale is re-embedded before use.
package vectorcache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/pdiddy/glyphcase/pkg/types"
)

// DBTX is the subset of database/sql operations the store needs. Both
// *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store reads and writes the leann_meta and leann_vec tables.
type Store struct {
	db DBTX
}

// NewStore returns a Store bound to db.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// EnsureMeta upserts the staleness record for (meta.GID, meta.ModelID)
// with the recompute flag set (R2.1). Ingest and supersede paths call
// this so the next read regenerates against the new text.
func (s *Store) EnsureMeta(ctx context.Context, meta types.VectorMeta) error {
	docID, pageNo, err := types.ParsePageGID(meta.GID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leann_meta
		 (gid, model_id, scope, doc_id, page_no, dim, quant, content_sha,
		  text_extraction, normalization, updated_utc, recompute)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'native', 'unicode-nfkc', ?, 1)
		 ON CONFLICT(gid, model_id) DO UPDATE SET
		   content_sha = excluded.content_sha,
		   updated_utc = excluded.updated_utc,
		   recompute = 1`,
		meta.GID, meta.ModelID, meta.Scope, docID, pageNo,
		meta.Dim, meta.Quant, meta.ContentSHA,
		meta.UpdatedUTC.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("writing vector metadata for %s: %w", meta.GID, err)
	}
	return nil
}

// MarkStale sets the recompute flag on every model's record for gid.
func (s *Store) MarkStale(ctx context.Context, gid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE leann_meta SET recompute = 1 WHERE gid = ?`, gid,
	)
	if err != nil {
		return fmt.Errorf("marking vectors stale for %s: %w", gid, err)
	}
	return nil
}

// Meta returns the staleness record for (gid, modelID), or
// types.ErrNotFound.
func (s *Store) Meta(ctx context.Context, gid, modelID string) (types.VectorMeta, error) {
	var m types.VectorMeta
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT gid, model_id, scope, dim, quant, content_sha, updated_utc, recompute
		 FROM leann_meta WHERE gid = ? AND model_id = ?`,
		gid, modelID,
	).Scan(&m.GID, &m.ModelID, &m.Scope, &m.Dim, &m.Quant,
		&m.ContentSHA, &updated, &m.Recompute)
	if err == sql.ErrNoRows {
		return types.VectorMeta{}, types.ErrNotFound
	}
	if err != nil {
		return types.VectorMeta{}, fmt.Errorf("reading vector metadata for %s: %w", gid, err)
	}
	if updated != "" {
		ts, err := time.Parse(time.RFC3339Nano, updated)
		if err != nil {
			return types.VectorMeta{}, fmt.Errorf("parsing updated_utc for %s: %w", gid, err)
		}
		m.UpdatedUTC = ts
	}
	return m, nil
}

// PutVector stores the embedding for (gid, modelID), stamps the
// metadata row with contentSHA, and clears the recompute flag (R2.3).
func (s *Store) PutVector(ctx context.Context, gid, modelID string, vec []float32, contentSHA, cachedTS string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leann_vec (gid, model_id, embedding, cached_ts)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(gid, model_id) DO UPDATE SET
		   embedding = excluded.embedding,
		   cached_ts = excluded.cached_ts`,
		gid, modelID, encodeVector(vec), cachedTS,
	)
	if err != nil {
		return fmt.Errorf("caching vector for %s: %w", gid, err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE leann_meta SET content_sha = ?, updated_utc = ?, recompute = 0
		 WHERE gid = ? AND model_id = ?`,
		contentSHA, cachedTS, gid, modelID,
	)
	if err != nil {
		return fmt.Errorf("clearing recompute flag for %s: %w", gid, err)
	}
	return nil
}

// Vector returns the cached embedding for (gid, modelID) regardless of
// staleness, or types.ErrNotFound.
func (s *Store) Vector(ctx context.Context, gid, modelID string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM leann_vec WHERE gid = ? AND model_id = ?`,
		gid, modelID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached vector for %s: %w", gid, err)
	}
	return decodeVector(blob)
}

// FreshVector holds one servable cached embedding.
type FreshVector struct {
	GID string
	Vec []float32
}

// FreshVectors returns every cached embedding for modelID whose
// metadata row is not flagged for recompute (R3.2). Stale rows are
// silently skipped; the retrieval path degrades rather than serving a
// vector that no longer matches its page text.
func (s *Store) FreshVectors(ctx context.Context, modelID string) ([]FreshVector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.gid, v.embedding
		 FROM leann_vec v
		 JOIN leann_meta m ON m.gid = v.gid AND m.model_id = v.model_id
		 WHERE v.model_id = ? AND m.recompute = 0
		 ORDER BY v.gid`,
		modelID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing fresh vectors: %w", err)
	}
	defer rows.Close()

	var out []FreshVector
	for rows.Next() {
		var gid string
		var blob []byte
		if err := rows.Scan(&gid, &blob); err != nil {
			return nil, fmt.Errorf("scanning cached vector: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding cached vector for %s: %w", gid, err)
		}
		out = append(out, FreshVector{GID: gid, Vec: vec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cached vectors: %w", err)
	}
	return out, nil
}

// encodeVector packs float32 values little-endian, 4 bytes each.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either
// vector is empty, zero, or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
