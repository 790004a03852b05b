package metaindex

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/glyphcase/internal/extraction"
	"github.com/pdiddy/glyphcase/pkg/types"
)

// --- test helpers ---

func testIndex(t *testing.T) (*Index, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	statements := []string{
		`CREATE TABLE meta_index(
			gid TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			page_no INT NOT NULL,
			title TEXT,
			tags TEXT,
			entities TEXT,
			full_text TEXT,
			updated_ts TEXT NOT NULL
		)`,
		`CREATE VIRTUAL TABLE meta_fts USING fts5(
			title, tags, entities, full_text,
			content='meta_index',
			tokenize='unicode61 remove_diacritics 1'
		)`,
		`CREATE TRIGGER meta_ai AFTER INSERT ON meta_index BEGIN
			INSERT INTO meta_fts(rowid, title, tags, entities, full_text)
			VALUES (new.rowid, new.title, new.tags, new.entities, new.full_text);
		END`,
		`CREATE TRIGGER meta_ad AFTER DELETE ON meta_index BEGIN
			INSERT INTO meta_fts(meta_fts, rowid, title, tags, entities, full_text)
			VALUES('delete', old.rowid, old.title, old.tags, old.entities, old.full_text);
		END`,
		`CREATE TRIGGER meta_au AFTER UPDATE ON meta_index BEGIN
			INSERT INTO meta_fts(meta_fts, rowid, title, tags, entities, full_text)
			VALUES('delete', old.rowid, old.title, old.tags, old.entities, old.full_text);
			INSERT INTO meta_fts(rowid, title, tags, entities, full_text)
			VALUES (new.rowid, new.title, new.tags, new.entities, new.full_text);
		END`,
		`CREATE TABLE entities(
			gid TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_text TEXT NOT NULL,
			normalized_value TEXT,
			confidence REAL NOT NULL,
			start_offset INT,
			end_offset INT,
			PRIMARY KEY(gid, entity_type, entity_text)
		)`,
		`CREATE TABLE node_index(
			node_id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT UNIQUE NOT NULL,
			doc_id TEXT NOT NULL,
			page_no INT
		)`,
		`CREATE VIEW pages AS
			SELECT DISTINCT doc_id, page_no, gid
			FROM node_index
			WHERE page_no IS NOT NULL
			ORDER BY doc_id, page_no`,
		`CREATE VIEW entity_summary AS
			SELECT entity_type,
			       COUNT(DISTINCT entity_text) AS unique_entities,
			       COUNT(DISTINCT gid) AS pages_with_entity
			FROM entities
			GROUP BY entity_type`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}

	return New(db, extraction.Heuristic{}), db
}

func record(gid, docID string, pageNo int, title, text string, tags ...string) types.MetadataRecord {
	return types.MetadataRecord{
		GID:       gid,
		DocID:     docID,
		PageNo:    pageNo,
		Title:     title,
		Tags:      tags,
		FullText:  text,
		UpdatedTS: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}
}

// --- Ingest / Get ---

func TestIngestAndGet(t *testing.T) {
	ix, _ := testIndex(t)
	ctx := context.Background()

	rec := record("doc-1#p1", "doc-1", 1, "Transformer Overview",
		"BERT improved benchmark accuracy by 7.2% over the baseline.",
		"nlp", "benchmarks")
	if err := ix.Ingest(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := ix.Get(ctx, "doc-1#p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DocID != "doc-1" || got.PageNo != 1 {
		t.Errorf("DocID/PageNo = %s/%d", got.DocID, got.PageNo)
	}
	if got.Title != "Transformer Overview" {
		t.Errorf("Title = %q", got.Title)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "nlp" || got.Tags[1] != "benchmarks" {
		t.Errorf("Tags = %v", got.Tags)
	}
	if !got.UpdatedTS.Equal(rec.UpdatedTS) {
		t.Errorf("UpdatedTS = %v, want %v", got.UpdatedTS, rec.UpdatedTS)
	}
	// Entities come from the extractor, not the caller.
	if len(got.Entities) == 0 {
		t.Error("expected extracted entity surfaces")
	}
}

func TestGetMissing(t *testing.T) {
	ix, _ := testIndex(t)
	_, err := ix.Get(context.Background(), "doc-9#p9")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestFullText(t *testing.T) {
	ix, _ := testIndex(t)
	ctx := context.Background()

	if err := ix.Ingest(ctx, record("doc-1#p1", "doc-1", 1, "t", "stored body text")); err != nil {
		t.Fatal(err)
	}
	text, err := ix.FullText(ctx, "doc-1#p1")
	if err != nil {
		t.Fatal(err)
	}
	if text != "stored body text" {
		t.Errorf("FullText = %q", text)
	}
}

// --- Search ---

func TestSearchRanksMatches(t *testing.T) {
	ix, _ := testIndex(t)
	ctx := context.Background()

	pages := []types.MetadataRecord{
		record("doc-1#p1", "doc-1", 1, "Attention Mechanisms",
			"attention attention attention is the core mechanism"),
		record("doc-1#p2", "doc-1", 2, "Training Setup",
			"training uses attention only briefly"),
		record("doc-1#p3", "doc-1", 3, "Datasets",
			"corpus statistics and splits"),
	}
	for _, rec := range pages {
		if err := ix.Ingest(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := ix.Search(ctx, "attention", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].GID != "doc-1#p1" {
		t.Errorf("top hit = %s, want doc-1#p1", hits[0].GID)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("hits not ordered best first: %v", hits)
	}
}

func TestSearchQuotesOperatorInput(t *testing.T) {
	ix, _ := testIndex(t)
	ctx := context.Background()

	if err := ix.Ingest(ctx, record("doc-1#p1", "doc-1", 1, "t", "plain body")); err != nil {
		t.Fatal(err)
	}

	// Raw FTS5 operators and stray quotes must not produce a syntax error.
	for _, q := range []string{`body AND NOT`, `"broken`, `(paren`, `col:umn`} {
		if _, err := ix.Search(ctx, q, 10); err != nil {
			t.Errorf("Search(%q) = %v", q, err)
		}
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	ix, _ := testIndex(t)
	hits, err := ix.Search(context.Background(), "   ", 10)
	if err != nil {
		t.Fatal(err)
	}
	if hits != nil {
		t.Errorf("hits = %v, want nil", hits)
	}
}

func TestIngestUpdateRefreshesSearch(t *testing.T) {
	ix, _ := testIndex(t)
	ctx := context.Background()

	if err := ix.Ingest(ctx, record("doc-1#p1", "doc-1", 1, "t", "original wording")); err != nil {
		t.Fatal(err)
	}
	if err := ix.Ingest(ctx, record("doc-1#p1", "doc-1", 1, "t", "corrected wording")); err != nil {
		t.Fatal(err)
	}

	hits, err := ix.Search(ctx, "original", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("stale term still matches: %v", hits)
	}

	hits, err = ix.Search(ctx, "corrected", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].GID != "doc-1#p1" {
		t.Errorf("updated term hits = %v", hits)
	}
}

// --- entities ---

func TestEntitiesExtracted(t *testing.T) {
	ix, _ := testIndex(t)
	ctx := context.Background()

	rec := record("doc-1#p1", "doc-1", 1, "Results",
		"MemGlyph reached 98.5% recall in trials run by Acme Labs.")
	if err := ix.Ingest(ctx, rec); err != nil {
		t.Fatal(err)
	}

	ents, err := ix.Entities(ctx, "doc-1#p1")
	if err != nil {
		t.Fatal(err)
	}

	byType := make(map[string][]types.Entity)
	for _, e := range ents {
		byType[e.Type] = append(byType[e.Type], e)
	}
	if len(byType[extraction.TypePercent]) != 1 {
		t.Fatalf("percent entities = %v", byType[extraction.TypePercent])
	}
	if byType[extraction.TypePercent][0].Normalized != "0.985" {
		t.Errorf("percent normalized = %q", byType[extraction.TypePercent][0].Normalized)
	}
	if len(byType[extraction.TypeTech]) == 0 {
		t.Error("expected a TECH entity for MemGlyph")
	}
	if len(byType[extraction.TypeOrg]) != 1 || byType[extraction.TypeOrg][0].Text != "Acme" {
		t.Errorf("org entities = %v", byType[extraction.TypeOrg])
	}
}

func TestMatchEntities(t *testing.T) {
	ix, _ := testIndex(t)
	ctx := context.Background()

	if err := ix.Ingest(ctx, record("doc-1#p1", "doc-1", 1, "t",
		"MemGlyph reached 98.5% recall.")); err != nil {
		t.Fatal(err)
	}
	if err := ix.Ingest(ctx, record("doc-1#p2", "doc-1", 2, "t",
		"Unrelated page about datasets.")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{name: "exact surface", query: "MemGlyph", want: []string{"doc-1#p1"}},
		{name: "case insensitive", query: "memglyph", want: []string{"doc-1#p1"}},
		{name: "normalized percent", query: "0.985", want: []string{"doc-1#p1"}},
		{name: "no match", query: "nothing", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches, err := ix.MatchEntities(ctx, tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if len(matches) != len(tt.want) {
				t.Fatalf("matches = %v, want gids %v", matches, tt.want)
			}
			for i, m := range matches {
				if m.GID != tt.want[i] {
					t.Errorf("match[%d].GID = %s, want %s", i, m.GID, tt.want[i])
				}
				if m.Confidence <= 0 {
					t.Errorf("match[%d].Confidence = %f", i, m.Confidence)
				}
			}
		})
	}
}

// --- views ---

func TestPagesAndEntitySummary(t *testing.T) {
	ix, db := testIndex(t)
	ctx := context.Background()

	for _, row := range []struct {
		gid    string
		pageNo int
	}{
		{"doc-1#p2", 2},
		{"doc-1#p1", 1},
	} {
		if _, err := db.Exec(
			`INSERT INTO node_index (gid, doc_id, page_no) VALUES (?, 'doc-1', ?)`,
			row.gid, row.pageNo,
		); err != nil {
			t.Fatal(err)
		}
	}
	if err := ix.Ingest(ctx, record("doc-1#p1", "doc-1", 1, "t",
		"MemGlyph and BERT at 98.5%")); err != nil {
		t.Fatal(err)
	}

	refs, err := ix.Pages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 || refs[0].PageNo != 1 || refs[1].PageNo != 2 {
		t.Errorf("Pages = %v", refs)
	}

	summary, err := ix.EntitySummary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	counts := make(map[string]int)
	for _, s := range summary {
		counts[s.Type] = s.UniqueEntities
	}
	if counts[extraction.TypePercent] != 1 {
		t.Errorf("percent summary = %v", summary)
	}
	if counts[extraction.TypeTech] < 2 {
		t.Errorf("tech summary = %v", summary)
	}
}
