// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package metaindex maintains the page metadata accelerator: the
// meta_index table, its FTS5 shadow, and the per-page entity rows.
// Implements: prd002-metadata-index (R1-R5).
//
// Rows here are derived data. The canonical page text lives in the
// archive, and a capsule rebuild repopulates everything this package
// writes.
package metaindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pdiddy/glyphcase/internal/extraction"
	"github.com/pdiddy/glyphcase/pkg/types"
)

// DBTX is the subset of database/sql operations the index needs. Both
// *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Index reads and writes the metadata accelerator tables.
type Index struct {
	db        DBTX
	extractor extraction.Extractor
}

// New returns an Index bound to db. The extractor populates the
// entities table during Ingest; pass nil to skip entity extraction.
func New(db DBTX, ex extraction.Extractor) *Index {
	return &Index{db: db, extractor: ex}
}

// KeywordHit is one full-text search result. Score is the negated
// bm25 rank, so larger means more relevant.
type KeywordHit struct {
	GID   string
	Score float64
}

// EntityMatch is one page matched through the entity table.
type EntityMatch struct {
	GID        string
	Confidence float64
}

// Ingest upserts the metadata row for rec.GID and refreshes its entity
// rows from rec.FullText (R1.1, R2.1). Updates go through explicit
// UPDATE statements so the FTS5 sync triggers observe the old row.
func (ix *Index) Ingest(ctx context.Context, rec types.MetadataRecord) error {
	ents := []extraction.Extracted{}
	if ix.extractor != nil {
		var err error
		ents, err = ix.extractor.Extract(ctx, rec.FullText)
		if err != nil {
			return fmt.Errorf("extracting entities for %s: %w", rec.GID, err)
		}
	}

	entityTexts := make([]string, 0, len(ents))
	for _, e := range ents {
		entityTexts = append(entityTexts, e.Text)
	}
	entitiesJSON, err := json.Marshal(entityTexts)
	if err != nil {
		return fmt.Errorf("encoding entity list for %s: %w", rec.GID, err)
	}

	tags := strings.Join(rec.Tags, " ")
	updated := rec.UpdatedTS.UTC().Format(time.RFC3339Nano)

	var exists int
	err = ix.db.QueryRowContext(ctx,
		`SELECT count(*) FROM meta_index WHERE gid = ?`, rec.GID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking metadata row for %s: %w", rec.GID, err)
	}

	if exists == 0 {
		_, err = ix.db.ExecContext(ctx,
			`INSERT INTO meta_index (gid, doc_id, page_no, title, tags, entities, full_text, updated_ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.GID, rec.DocID, rec.PageNo, rec.Title, tags, string(entitiesJSON), rec.FullText, updated,
		)
	} else {
		_, err = ix.db.ExecContext(ctx,
			`UPDATE meta_index
			 SET doc_id = ?, page_no = ?, title = ?, tags = ?, entities = ?, full_text = ?, updated_ts = ?
			 WHERE gid = ?`,
			rec.DocID, rec.PageNo, rec.Title, tags, string(entitiesJSON), rec.FullText, updated, rec.GID,
		)
	}
	if err != nil {
		return fmt.Errorf("writing metadata row for %s: %w", rec.GID, err)
	}

	if _, err := ix.db.ExecContext(ctx,
		`DELETE FROM entities WHERE gid = ?`, rec.GID,
	); err != nil {
		return fmt.Errorf("clearing entities for %s: %w", rec.GID, err)
	}

	for _, e := range ents {
		_, err := ix.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO entities
			 (gid, entity_type, entity_text, normalized_value, confidence, start_offset, end_offset)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.GID, e.Type, e.Text, e.Normalized, e.Confidence, e.Start, e.End,
		)
		if err != nil {
			return fmt.Errorf("inserting entity %q for %s: %w", e.Text, rec.GID, err)
		}
	}

	return nil
}

// Get returns the metadata row for gid, or types.ErrNotFound.
func (ix *Index) Get(ctx context.Context, gid string) (types.MetadataRecord, error) {
	var rec types.MetadataRecord
	var tags, entitiesJSON, updated string
	err := ix.db.QueryRowContext(ctx,
		`SELECT gid, doc_id, page_no, title, tags, entities, full_text, updated_ts
		 FROM meta_index WHERE gid = ?`, gid,
	).Scan(&rec.GID, &rec.DocID, &rec.PageNo, &rec.Title, &tags, &entitiesJSON, &rec.FullText, &updated)
	if err == sql.ErrNoRows {
		return types.MetadataRecord{}, types.ErrNotFound
	}
	if err != nil {
		return types.MetadataRecord{}, fmt.Errorf("reading metadata for %s: %w", gid, err)
	}

	rec.Tags = strings.Fields(tags)
	if entitiesJSON != "" {
		if err := json.Unmarshal([]byte(entitiesJSON), &rec.Entities); err != nil {
			return types.MetadataRecord{}, fmt.Errorf("decoding entity list for %s: %w", gid, err)
		}
	}
	if updated != "" {
		ts, err := time.Parse(time.RFC3339Nano, updated)
		if err != nil {
			return types.MetadataRecord{}, fmt.Errorf("parsing updated_ts for %s: %w", gid, err)
		}
		rec.UpdatedTS = ts
	}
	return rec, nil
}

// FullText returns the indexed page text for gid, or types.ErrNotFound.
func (ix *Index) FullText(ctx context.Context, gid string) (string, error) {
	var text string
	err := ix.db.QueryRowContext(ctx,
		`SELECT full_text FROM meta_index WHERE gid = ?`, gid,
	).Scan(&text)
	if err == sql.ErrNoRows {
		return "", types.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading page text for %s: %w", gid, err)
	}
	return text, nil
}

// Search runs a bm25-ranked full-text query over title, tags, entities,
// and page text (R3.1, R3.2). The raw query is tokenized and each token
// quoted, so FTS5 operator characters in user input cannot break the
// match expression. Results come back best first.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	match := matchExpression(query)
	if match == "" {
		return nil, nil
	}

	rows, err := ix.db.QueryContext(ctx,
		`SELECT m.gid, -bm25(meta_fts) AS score
		 FROM meta_fts
		 JOIN meta_index m ON m.rowid = meta_fts.rowid
		 WHERE meta_fts MATCH ?
		 ORDER BY bm25(meta_fts)
		 LIMIT ?`,
		match, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.GID, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search hits: %w", err)
	}
	return hits, nil
}

// matchExpression converts free-form query text into a safe FTS5 match
// string: each whitespace token double-quoted and OR-joined.
func matchExpression(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// Entities returns the extracted entities for gid ordered by text
// position.
func (ix *Index) Entities(ctx context.Context, gid string) ([]types.Entity, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT gid, entity_type, entity_text, normalized_value, confidence, start_offset, end_offset
		 FROM entities WHERE gid = ? ORDER BY start_offset, entity_type, entity_text`, gid,
	)
	if err != nil {
		return nil, fmt.Errorf("reading entities for %s: %w", gid, err)
	}
	defer rows.Close()

	var ents []types.Entity
	for rows.Next() {
		var e types.Entity
		if err := rows.Scan(&e.GID, &e.Type, &e.Text, &e.Normalized, &e.Confidence, &e.StartOffset, &e.EndOffset); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		ents = append(ents, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return ents, nil
}

// MatchEntities finds pages whose entity surface or normalized value
// equals any query token, case-insensitively (R4.1). Each page reports
// the highest confidence among its matching entities.
func (ix *Index) MatchEntities(ctx context.Context, query string) ([]EntityMatch, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}

	byGID := make(map[string]float64)
	for _, tok := range tokens {
		rows, err := ix.db.QueryContext(ctx,
			`SELECT gid, confidence FROM entities
			 WHERE lower(entity_text) = ? OR lower(normalized_value) = ?`,
			tok, tok,
		)
		if err != nil {
			return nil, fmt.Errorf("matching entity token %q: %w", tok, err)
		}
		for rows.Next() {
			var gid string
			var conf float64
			if err := rows.Scan(&gid, &conf); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning entity match: %w", err)
			}
			if conf > byGID[gid] {
				byGID[gid] = conf
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating entity matches: %w", err)
		}
		rows.Close()
	}

	matches := make([]EntityMatch, 0, len(byGID))
	for gid, conf := range byGID {
		matches = append(matches, EntityMatch{GID: gid, Confidence: conf})
	}
	return matches, nil
}

// Pages lists every indexed page from the pages view, ordered by
// document then page number.
func (ix *Index) Pages(ctx context.Context) ([]types.PageRef, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT doc_id, page_no, gid FROM pages`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pages: %w", err)
	}
	defer rows.Close()

	var refs []types.PageRef
	for rows.Next() {
		var r types.PageRef
		if err := rows.Scan(&r.DocID, &r.PageNo, &r.GID); err != nil {
			return nil, fmt.Errorf("scanning page row: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pages: %w", err)
	}
	return refs, nil
}

// EntitySummary aggregates entity counts per type from the
// entity_summary view.
func (ix *Index) EntitySummary(ctx context.Context) ([]types.EntityTypeSummary, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT entity_type, unique_entities, pages_with_entity
		 FROM entity_summary ORDER BY entity_type`,
	)
	if err != nil {
		return nil, fmt.Errorf("reading entity summary: %w", err)
	}
	defer rows.Close()

	var out []types.EntityTypeSummary
	for rows.Next() {
		var s types.EntityTypeSummary
		if err := rows.Scan(&s.Type, &s.UniqueEntities, &s.PagesWithEntity); err != nil {
			return nil, fmt.Errorf("scanning entity summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity summary: %w", err)
	}
	return out, nil
}
