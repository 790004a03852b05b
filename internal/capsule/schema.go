// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package capsule

import "fmt"

// schemaStatements create every capsule table. The sqlar table is the
// canonical store; everything below it is an accelerator or provenance
// structure rebuildable from sqlar plus the ledger.
var schemaStatements = []string{
	// Canonical archive.
	`CREATE TABLE IF NOT EXISTS sqlar(
		name TEXT PRIMARY KEY,
		mode INT,
		mtime INT,
		sz INT,
		data BLOB
	)`,

	// Provenance.
	`CREATE TABLE IF NOT EXISTS ledger_blocks(
		block_id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		prev TEXT NOT NULL,
		entries_json TEXT NOT NULL,
		signer TEXT NOT NULL,
		sig TEXT NOT NULL,
		anchors_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_ts_idx ON ledger_blocks(ts)`,
	`CREATE TABLE IF NOT EXISTS checkpoints(
		epoch TEXT PRIMARY KEY,
		merkle_root TEXT NOT NULL,
		pages_count INT NOT NULL,
		anchors_json TEXT,
		created_ts TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS keys(
		key_id TEXT PRIMARY KEY,
		did TEXT NOT NULL,
		did_document TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_until TEXT,
		revoked INT DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS glyph_receipts(
		gid TEXT NOT NULL,
		content_sha TEXT NOT NULL,
		signer TEXT NOT NULL,
		sig TEXT NOT NULL,
		ts TEXT NOT NULL,
		epoch TEXT NOT NULL,
		merkle_root TEXT NOT NULL,
		merkle_path TEXT,
		anchors_json TEXT,
		PRIMARY KEY(gid, epoch)
	)`,
	`CREATE INDEX IF NOT EXISTS glyph_receipts_epoch_idx ON glyph_receipts(epoch)`,

	// Graph.
	`CREATE TABLE IF NOT EXISTS node_index(
		node_id INTEGER PRIMARY KEY AUTOINCREMENT,
		gid TEXT UNIQUE NOT NULL,
		doc_id TEXT NOT NULL,
		page_no INT
	)`,
	`CREATE INDEX IF NOT EXISTS node_gid_idx ON node_index(gid)`,
	`CREATE INDEX IF NOT EXISTS node_doc_page_idx ON node_index(doc_id, page_no)`,
	`CREATE TABLE IF NOT EXISTS edges(
		fromNode INT NOT NULL,
		toNode INT NOT NULL,
		pred TEXT NOT NULL,
		weight REAL DEFAULT 1.0,
		ts TEXT,
		evidence TEXT,
		PRIMARY KEY(fromNode, toNode, pred)
	)`,
	`CREATE INDEX IF NOT EXISTS edges_from_idx ON edges(fromNode)`,
	`CREATE INDEX IF NOT EXISTS edges_to_idx ON edges(toNode)`,
	`CREATE INDEX IF NOT EXISTS edges_pred_idx ON edges(pred)`,

	// Metadata accelerator.
	`CREATE TABLE IF NOT EXISTS meta_index(
		gid TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		page_no INT NOT NULL,
		title TEXT,
		tags TEXT,
		entities TEXT,
		full_text TEXT,
		updated_ts TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS meta_doc_page_idx ON meta_index(doc_id, page_no)`,
	`CREATE TABLE IF NOT EXISTS entities(
		gid TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_text TEXT NOT NULL,
		normalized_value TEXT,
		confidence REAL NOT NULL,
		start_offset INT,
		end_offset INT,
		PRIMARY KEY(gid, entity_type, entity_text)
	)`,
	`CREATE INDEX IF NOT EXISTS entities_type_idx ON entities(entity_type)`,
	`CREATE INDEX IF NOT EXISTS entities_norm_idx ON entities(entity_type, normalized_value)`,

	// Vector accelerator.
	`CREATE TABLE IF NOT EXISTS leann_meta(
		gid TEXT NOT NULL,
		model_id TEXT NOT NULL,
		scope TEXT NOT NULL CHECK(scope IN ('page','region')),
		region_id TEXT,
		doc_id TEXT NOT NULL,
		page_no INT,
		dim INT NOT NULL,
		quant TEXT NOT NULL,
		content_sha TEXT NOT NULL,
		text_extraction TEXT,
		normalization TEXT,
		updated_utc TEXT NOT NULL,
		recompute INT DEFAULT 1,
		PRIMARY KEY(gid, model_id)
	)`,
	`CREATE INDEX IF NOT EXISTS leann_model_idx ON leann_meta(model_id)`,
	`CREATE INDEX IF NOT EXISTS leann_doc_page_idx ON leann_meta(doc_id, page_no)`,
	`CREATE TABLE IF NOT EXISTS leann_vec(
		gid TEXT NOT NULL,
		model_id TEXT NOT NULL,
		embedding BLOB NOT NULL,
		cached_ts TEXT NOT NULL,
		PRIMARY KEY(gid, model_id)
	)`,
	`CREATE TABLE IF NOT EXISTS leann_neighbors(
		gid TEXT NOT NULL,
		neighbor TEXT NOT NULL,
		score REAL NOT NULL,
		reason TEXT,
		PRIMARY KEY(gid, neighbor)
	)`,
	`CREATE INDEX IF NOT EXISTS leann_neighbors_score_idx ON leann_neighbors(gid, score DESC)`,

	// Views.
	`CREATE VIEW IF NOT EXISTS pages AS
		SELECT DISTINCT doc_id, page_no, gid
		FROM node_index
		WHERE page_no IS NOT NULL
		ORDER BY doc_id, page_no`,
	`CREATE VIEW IF NOT EXISTS entity_summary AS
		SELECT entity_type,
		       COUNT(DISTINCT entity_text) AS unique_entities,
		       COUNT(DISTINCT gid) AS pages_with_entity
		FROM entities
		GROUP BY entity_type`,
}

// ftsStatements create the FTS5 shadow of meta_index with sync triggers.
// Guarded separately because CREATE VIRTUAL TABLE has no IF NOT EXISTS
// on older SQLite builds.
var ftsStatements = []string{
	`CREATE VIRTUAL TABLE meta_fts USING fts5(
		title, tags, entities, full_text,
		content='meta_index',
		tokenize='unicode61 remove_diacritics 1'
	)`,
	`CREATE TRIGGER meta_fts_ai AFTER INSERT ON meta_index BEGIN
		INSERT INTO meta_fts(rowid, title, tags, entities, full_text)
		VALUES (new.rowid, new.title, new.tags, new.entities, new.full_text);
	END`,
	`CREATE TRIGGER meta_fts_ad AFTER DELETE ON meta_index BEGIN
		INSERT INTO meta_fts(meta_fts, rowid, title, tags, entities, full_text)
		VALUES('delete', old.rowid, old.title, old.tags, old.entities, old.full_text);
	END`,
	`CREATE TRIGGER meta_fts_au AFTER UPDATE ON meta_index BEGIN
		INSERT INTO meta_fts(meta_fts, rowid, title, tags, entities, full_text)
		VALUES('delete', old.rowid, old.title, old.tags, old.entities, old.full_text);
		INSERT INTO meta_fts(rowid, title, tags, entities, full_text)
		VALUES (new.rowid, new.title, new.tags, new.entities, new.full_text);
	END`,
}

func (c *Capsule) createSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}

	var ftsExists int
	if err := c.db.QueryRow(
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='meta_fts'`,
	).Scan(&ftsExists); err != nil {
		return fmt.Errorf("checking FTS table: %w", err)
	}
	if ftsExists == 0 {
		for _, stmt := range ftsStatements {
			if _, err := c.db.Exec(stmt); err != nil {
				return fmt.Errorf("creating FTS infrastructure: %w", err)
			}
		}
	}
	return nil
}
