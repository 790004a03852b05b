// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package capsule

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pdiddy/glyphcase/internal/ledger"
	"github.com/pdiddy/glyphcase/pkg/types"
)

// RFC 8032 test vector seed. Test-only key material.
const testSeed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

func testCapsule(t *testing.T) (*Capsule, *ledger.LocalSigner) {
	t.Helper()

	cfg := types.CapsuleConfig{
		Path: filepath.Join(t.TempDir(), "test.glyphcase"),
		Vector: types.VectorConfig{
			ModelID: "seed-16",
			Dim:     16,
		},
	}
	c, err := Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	signer, err := ledger.NewLocalSigner(testSeed)
	if err != nil {
		t.Fatalf("NewLocalSigner: %v", err)
	}
	doc, err := signer.DIDDocument()
	if err != nil {
		t.Fatalf("DIDDocument: %v", err)
	}
	err = c.RegisterKey(context.Background(), types.KeyRecord{
		KeyID:       "key001",
		DID:         signer.DID(),
		DIDDocument: doc,
		ValidFrom:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}
	return c, signer
}

func mustAddPage(t *testing.T, c *Capsule, signer *ledger.LocalSigner, pageNo int, title, text string) WriteResult {
	t.Helper()
	res, err := c.AddPage(context.Background(), Page{
		DocID:  "doc001",
		PageNo: pageNo,
		Title:  title,
		Tags:   []string{"test"},
		Text:   text,
	}, signer)
	if err != nil {
		t.Fatalf("AddPage %d: %v", pageNo, err)
	}
	return res
}

// rawDB opens a second connection to the capsule file so tests can tamper
// with rows behind the engine's back.
func rawDB(t *testing.T, c *Capsule) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", c.Path())
	if err != nil {
		t.Fatalf("opening raw db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// --- creation ---

func TestCreateWritesLedgerHeader(t *testing.T) {
	c, _ := testCapsule(t)
	ctx := context.Background()

	entry, err := c.ArchiveEntry(ctx, "ledger/ledger.log")
	if err != nil {
		t.Fatalf("ArchiveEntry: %v", err)
	}
	var header map[string]string
	if err := json.Unmarshal(entry.Data, &header); err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	if header["format"] != "memglyph-ledger-v1" {
		t.Errorf("header format = %q, want memglyph-ledger-v1", header["format"])
	}
	if header["created"] == "" {
		t.Error("header missing created timestamp")
	}
}

func TestReopenKeepsLedgerHeader(t *testing.T) {
	c, _ := testCapsule(t)
	ctx := context.Background()

	before, err := c.ArchiveEntry(ctx, "ledger/ledger.log")
	if err != nil {
		t.Fatalf("ArchiveEntry: %v", err)
	}
	cfg := c.cfg
	c.Close()

	reopened, err := Create(cfg)
	if err != nil {
		t.Fatalf("Create over existing capsule: %v", err)
	}
	defer reopened.Close()

	after, err := reopened.ArchiveEntry(ctx, "ledger/ledger.log")
	if err != nil {
		t.Fatalf("ArchiveEntry after reopen: %v", err)
	}
	if !bytes.Equal(before.Data, after.Data) {
		t.Error("ledger header rewritten on reopen")
	}
}

// --- page ingestion ---

func TestAddPageRoundTrip(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	res := mustAddPage(t, c, signer, 1, "Recall evaluation",
		"MemGlyph reached 98.5% recall in trials run by Acme Labs.")
	if res.GID != "doc001#p1" {
		t.Fatalf("gid = %q, want doc001#p1", res.GID)
	}
	if res.BlockID == "" {
		t.Fatal("AddPage committed no ledger block")
	}

	rec, err := c.Page(ctx, res.GID)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if rec.Title != "Recall evaluation" {
		t.Errorf("title = %q", rec.Title)
	}

	entry, err := c.ArchiveEntry(ctx, "glyphs/page_0001.mgx.txt")
	if err != nil {
		t.Fatalf("ArchiveEntry: %v", err)
	}
	if string(entry.Data) != rec.FullText {
		t.Error("archive bytes diverge from indexed text")
	}

	head, err := c.Ledger().Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.BlockID != res.BlockID {
		t.Errorf("head = %s, want %s", head.BlockID, res.BlockID)
	}
	if len(head.Entries) != 1 || head.Entries[0].Op != types.OpAdd {
		t.Fatalf("head entries = %+v, want single ADD", head.Entries)
	}
	if head.Entries[0].ContentSHA != res.ContentSHA {
		t.Error("ledger entry hash diverges from write result")
	}

	results, err := c.Query(ctx, "recall", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) == 0 || results[0].GID != res.GID {
		t.Fatalf("query results = %+v, want %s first", results, res.GID)
	}
}

func TestAddPageIdempotent(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	first := mustAddPage(t, c, signer, 1, "One", "same text")
	second := mustAddPage(t, c, signer, 1, "One", "same text")

	if second.ContentSHA != first.ContentSHA {
		t.Error("re-add changed content hash")
	}
	if second.BlockID != "" {
		t.Error("identical re-add appended a ledger block")
	}
	head, err := c.Ledger().Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.BlockID != first.BlockID {
		t.Error("head moved on identical re-add")
	}
}

func TestAddPageConflict(t *testing.T) {
	c, signer := testCapsule(t)

	mustAddPage(t, c, signer, 1, "One", "original text")
	_, err := c.AddPage(context.Background(), Page{
		DocID: "doc001", PageNo: 1, Title: "One", Text: "different text",
	}, signer)
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestSupersedePage(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	first := mustAddPage(t, c, signer, 1, "One", "original text")
	res, err := c.SupersedePage(ctx, Page{
		DocID: "doc001", PageNo: 1, Title: "One", Text: "revised text",
	}, signer)
	if err != nil {
		t.Fatalf("SupersedePage: %v", err)
	}

	rec, err := c.Page(ctx, res.GID)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if rec.FullText != "revised text" {
		t.Errorf("full text = %q", rec.FullText)
	}

	entry, err := c.ArchiveEntry(ctx, "glyphs/page_0001.mgx.txt")
	if err != nil {
		t.Fatalf("ArchiveEntry: %v", err)
	}
	if string(entry.Data) != "revised text" {
		t.Error("archive still carries superseded bytes")
	}

	head, err := c.Ledger().Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if len(head.Entries) != 1 || head.Entries[0].Op != types.OpSupersede {
		t.Fatalf("head entries = %+v, want single SUPERSEDE", head.Entries)
	}
	if head.Entries[0].Detail != first.ContentSHA {
		t.Error("SUPERSEDE entry does not record the replaced hash")
	}
	if head.Prev != first.BlockID {
		t.Error("supersede block does not link to the add block")
	}
}

func TestSupersedeMissingPage(t *testing.T) {
	c, signer := testCapsule(t)

	_, err := c.SupersedePage(context.Background(), Page{
		DocID: "doc001", PageNo: 9, Title: "Nine", Text: "text",
	}, signer)
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// --- graph ---

func TestAddEdgeAndNeighbors(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	mustAddPage(t, c, signer, 1, "One", "first page")
	mustAddPage(t, c, signer, 2, "Two", "second page")

	res, err := c.AddEdge(ctx, types.Edge{
		From: "doc001#p1", To: "doc001#p2", Predicate: "cites", Weight: 0.9,
	}, signer)
	if err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if res.BlockID == "" {
		t.Fatal("AddEdge committed no ledger block")
	}

	head, err := c.Ledger().Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.Entries[0].Op != types.OpAddEdge {
		t.Errorf("head op = %s, want ADD_EDGE", head.Entries[0].Op)
	}
	if head.Entries[0].Detail != "doc001#p2 cites" {
		t.Errorf("edge detail = %q", head.Entries[0].Detail)
	}

	hints, err := c.Neighbors(ctx, "doc001#p1", 0)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(hints) != 1 || hints[0].Neighbor != "doc001#p2" {
		t.Fatalf("hints = %+v, want doc001#p2", hints)
	}

	traversals, truncated, err := c.Expand(ctx, "doc001#p1", nil, 2, 10)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if truncated {
		t.Error("expand truncated on a two-node graph")
	}
	if len(traversals) != 1 || traversals[0].GID != "doc001#p2" {
		t.Fatalf("traversals = %+v", traversals)
	}
}

// --- checkpoints and receipts ---

func TestCheckpointAndReceipt(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	mustAddPage(t, c, signer, 1, "One", "first page")
	mustAddPage(t, c, signer, 2, "Two", "second page")

	cp, err := c.Checkpoint(ctx, []string{"ipfs:QmTest"})
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if cp.ItemCount != 2 {
		t.Errorf("item count = %d, want 2", cp.ItemCount)
	}

	r, err := c.ReceiptFor(ctx, "doc001#p1", signer)
	if err != nil {
		t.Fatalf("ReceiptFor: %v", err)
	}
	if err := c.VerifyReceipt(ctx, r); err != nil {
		t.Fatalf("VerifyReceipt: %v", err)
	}

	stored, err := c.StoredReceipt(ctx, "doc001#p1", cp.Epoch)
	if err != nil {
		t.Fatalf("StoredReceipt: %v", err)
	}
	if err := c.VerifyReceipt(ctx, stored); err != nil {
		t.Fatalf("VerifyReceipt stored: %v", err)
	}
}

func TestReceiptFailsAfterSupersede(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	mustAddPage(t, c, signer, 1, "One", "original text")
	if _, err := c.Checkpoint(ctx, nil); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	_, err := c.SupersedePage(ctx, Page{
		DocID: "doc001", PageNo: 1, Title: "One", Text: "revised text",
	}, signer)
	if err != nil {
		t.Fatalf("SupersedePage: %v", err)
	}

	_, err = c.ReceiptFor(ctx, "doc001#p1", signer)
	if !errors.Is(err, types.ErrProofInvalid) {
		t.Fatalf("err = %v, want ErrProofInvalid", err)
	}
}

// --- verification ---

func TestVerifyCleanCapsule(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	mustAddPage(t, c, signer, 1, "One", "first page")
	mustAddPage(t, c, signer, 2, "Two", "second page")
	if _, err := c.AddEdge(ctx, types.Edge{
		From: "doc001#p1", To: "doc001#p2", Predicate: "cites", Weight: 0.5,
	}, signer); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if _, err := c.Checkpoint(ctx, nil); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	if err := c.VerifyChain(ctx); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
	if err := c.Verify(ctx); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerifyDetectsTamperedText(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	mustAddPage(t, c, signer, 1, "One", "first page")

	db := rawDB(t, c)
	if _, err := db.Exec(
		`UPDATE meta_index SET full_text = 'tampered' WHERE gid = 'doc001#p1'`,
	); err != nil {
		t.Fatalf("tampering: %v", err)
	}

	if err := c.Verify(ctx); err == nil {
		t.Fatal("Verify passed on tampered text")
	}
}

func TestVerifyDetectsTamperedLedger(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	mustAddPage(t, c, signer, 1, "One", "first page")
	mustAddPage(t, c, signer, 2, "Two", "second page")

	db := rawDB(t, c)
	if _, err := db.Exec(
		`UPDATE ledger_blocks SET entries_json = '[]' WHERE prev = 'genesis'`,
	); err != nil {
		t.Fatalf("tampering: %v", err)
	}

	if err := c.Verify(ctx); !errors.Is(err, types.ErrChainBroken) {
		t.Fatalf("err = %v, want ErrChainBroken", err)
	}
}

// --- rebuild ---

func TestRebuildRestoresFromArchive(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	mustAddPage(t, c, signer, 1, "One", "MemGlyph capsule page one")
	mustAddPage(t, c, signer, 2, "Two", "MemGlyph capsule page two")

	db := rawDB(t, c)
	if _, err := db.Exec(`UPDATE meta_index SET full_text = 'corrupted'`); err != nil {
		t.Fatalf("corrupting: %v", err)
	}
	if err := c.Verify(ctx); err == nil {
		t.Fatal("Verify passed on corrupted accelerators")
	}

	n, err := c.Rebuild(ctx, "doc001")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if n != 2 {
		t.Errorf("rebuilt %d pages, want 2", n)
	}

	rec, err := c.Page(ctx, "doc001#p1")
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if rec.FullText != "MemGlyph capsule page one" {
		t.Errorf("full text = %q after rebuild", rec.FullText)
	}
	if rec.Title != "One" {
		t.Errorf("title = %q, want preserved", rec.Title)
	}
	if err := c.Verify(ctx); err != nil {
		t.Errorf("Verify after rebuild: %v", err)
	}
}

func TestRebuildIdempotent(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	mustAddPage(t, c, signer, 1, "One", "searchable capsule text")

	for i := 0; i < 2; i++ {
		if _, err := c.Rebuild(ctx, "doc001"); err != nil {
			t.Fatalf("Rebuild pass %d: %v", i+1, err)
		}
	}

	results, err := c.Query(ctx, "searchable", 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].GID != "doc001#p1" {
		t.Fatalf("results = %+v", results)
	}
}

// --- vectors ---

func TestWarmVectorsMarksFresh(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	mustAddPage(t, c, signer, 1, "One", "first page")
	mustAddPage(t, c, signer, 2, "Two", "second page")

	if err := c.WarmVectors(ctx); err != nil {
		t.Fatalf("WarmVectors: %v", err)
	}

	db := rawDB(t, c)
	var stale int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM leann_meta WHERE recompute = 1`,
	).Scan(&stale); err != nil {
		t.Fatalf("counting stale vectors: %v", err)
	}
	if stale != 0 {
		t.Errorf("%d vectors still stale after warm", stale)
	}
}

// --- export ---

func TestExportJSON(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	mustAddPage(t, c, signer, 1, "One", "first page")
	mustAddPage(t, c, signer, 2, "Two", "second page")
	if _, err := c.AddEdge(ctx, types.Edge{
		From: "doc001#p1", To: "doc001#p2", Predicate: "cites", Weight: 0.9,
	}, signer); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if _, err := c.Checkpoint(ctx, nil); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	var buf bytes.Buffer
	if err := c.ExportJSON(ctx, &buf); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}

	var m Manifest
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decoding manifest: %v", err)
	}
	if len(m.Pages) != 2 {
		t.Errorf("pages = %d, want 2", len(m.Pages))
	}
	if len(m.Edges) != 1 {
		t.Errorf("edges = %d, want 1", len(m.Edges))
	}
	if m.Head == nil {
		t.Error("manifest missing ledger head")
	}
	if m.Checkpoint == nil {
		t.Error("manifest missing checkpoint")
	}
}

func TestExportYAML(t *testing.T) {
	c, signer := testCapsule(t)
	ctx := context.Background()

	mustAddPage(t, c, signer, 1, "One", "first page")

	var buf bytes.Buffer
	if err := c.ExportYAML(ctx, &buf); err != nil {
		t.Fatalf("ExportYAML: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("doc001#p1")) {
		t.Error("YAML manifest missing page gid")
	}
}
