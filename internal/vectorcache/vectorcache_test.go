package vectorcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/glyphcase/internal/embedding"
	"github.com/pdiddy/glyphcase/pkg/types"
)

// --- test helpers ---

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	return openDB(t, ":memory:")
}

// fileDB backs the cache with a file so concurrent goroutines share one
// database. In-memory databases are per-connection with this driver.
func fileDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "cache.sqlite") + "?_journal_mode=WAL&_busy_timeout=5000"
	return openDB(t, dsn)
}

func openDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", dsn)
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
		`CREATE TABLE leann_meta(
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
		`CREATE TABLE leann_vec(
			gid TEXT NOT NULL,
			model_id TEXT NOT NULL,
			embedding BLOB NOT NULL,
			cached_ts TEXT NOT NULL,
			PRIMARY KEY(gid, model_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}
	return db
}

func addPage(t *testing.T, db *sql.DB, emb embedding.Embedder, gid, text string) {
	t.Helper()
	ctx := context.Background()

	docID, pageNo, err := types.ParsePageGID(gid)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(
		`INSERT OR REPLACE INTO meta_index (gid, doc_id, page_no, title, tags, entities, full_text, updated_ts)
		 VALUES (?, ?, ?, '', '', '[]', ?, ?)`,
		gid, docID, pageNo, text, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256([]byte(text))
	err = NewStore(db).EnsureMeta(ctx, types.VectorMeta{
		GID:        gid,
		ModelID:    emb.ModelID(),
		Scope:      "page",
		Dim:        emb.Dim(),
		Quant:      "float32",
		ContentSHA: hex.EncodeToString(sum[:]),
		UpdatedUTC: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// countingEmbedder wraps Seed and counts Embed calls.
type countingEmbedder struct {
	*embedding.Seed
	calls atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.Seed.Embed(ctx, text)
}

// gatedEmbedder blocks every Embed call until gate closes, holding an
// embedding in flight while more callers pile onto the same gid.
type gatedEmbedder struct {
	*embedding.Seed
	gate  chan struct{}
	calls atomic.Int64
}

func (g *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	g.calls.Add(1)
	<-g.gate
	return g.Seed.Embed(ctx, text)
}

// --- codec / cosine ---

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 0, 3.75e-3}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %f, want %f", i, out[i], in[i])
		}
	}
}

func TestDecodeVectorBadLength(t *testing.T) {
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "identical", a: []float32{1, 0}, b: []float32{1, 0}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, want: -1},
		{name: "dim mismatch", a: []float32{1, 0}, b: []float32{1}, want: 0},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 0}, want: 0},
		{name: "empty", a: nil, b: nil, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine = %f, want %f", got, tt.want)
			}
		})
	}
}

// --- regeneration ---

func TestGetOrRegenerateCachesOnce(t *testing.T) {
	db := testDB(t)
	emb := &countingEmbedder{Seed: embedding.NewSeed(8, "seed-8")}
	cache := New(db, emb, nil)
	ctx := context.Background()

	addPage(t, db, emb, "doc-1#p1", "page one text")

	first, err := cache.GetOrRegenerate(ctx, "doc-1#p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 8 {
		t.Fatalf("dim = %d, want 8", len(first))
	}
	if got := emb.calls.Load(); got != 1 {
		t.Fatalf("embed calls = %d, want 1", got)
	}

	second, err := cache.GetOrRegenerate(ctx, "doc-1#p1")
	if err != nil {
		t.Fatal(err)
	}
	if got := emb.calls.Load(); got != 1 {
		t.Errorf("embed calls after cached read = %d, want 1", got)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cached vector differs at %d", i)
		}
	}
}

func TestGetOrRegenerateConcurrentCollapse(t *testing.T) {
	db := fileDB(t)
	emb := &gatedEmbedder{Seed: embedding.NewSeed(8, "seed-8"), gate: make(chan struct{})}
	cache := New(db, emb, nil)
	ctx := context.Background()

	addPage(t, db, emb, "doc-1#p1", "contended page")

	const callers = 8
	vecs := make([][]float32, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vecs[i], errs[i] = cache.GetOrRegenerate(ctx, "doc-1#p1")
		}(i)
	}

	// Give every caller time to join the in-flight embedding, then let
	// it finish.
	time.Sleep(50 * time.Millisecond)
	close(emb.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := emb.calls.Load(); got != 1 {
		t.Errorf("embed calls = %d, want 1", got)
	}
	for i := 1; i < callers; i++ {
		if len(vecs[i]) != len(vecs[0]) {
			t.Fatalf("caller %d vector dim = %d, want %d", i, len(vecs[i]), len(vecs[0]))
		}
		for j := range vecs[0] {
			if vecs[i][j] != vecs[0][j] {
				t.Fatalf("caller %d vector differs at %d", i, j)
			}
		}
	}
}

func TestGetOrRegenerateAfterTextChange(t *testing.T) {
	db := testDB(t)
	emb := &countingEmbedder{Seed: embedding.NewSeed(8, "seed-8")}
	cache := New(db, emb, nil)
	ctx := context.Background()

	addPage(t, db, emb, "doc-1#p1", "original text")
	if _, err := cache.GetOrRegenerate(ctx, "doc-1#p1"); err != nil {
		t.Fatal(err)
	}

	// Supersede the page text; EnsureMeta flags the vector stale.
	addPage(t, db, emb, "doc-1#p1", "replacement text")

	vec, err := cache.GetOrRegenerate(ctx, "doc-1#p1")
	if err != nil {
		t.Fatal(err)
	}
	if got := emb.calls.Load(); got != 2 {
		t.Errorf("embed calls = %d, want 2", got)
	}

	want, err := embedding.NewSeed(8, "seed-8").Embed(ctx, "replacement text")
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Fatalf("regenerated vector does not match new text at %d", i)
		}
	}
}

func TestGetOrRegenerateUnknownGID(t *testing.T) {
	db := testDB(t)
	cache := New(db, embedding.NewSeed(8, "seed-8"), nil)
	_, err := cache.GetOrRegenerate(context.Background(), "doc-9#p9")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetOrRegenerate = %v, want ErrNotFound", err)
	}
}

func TestWarm(t *testing.T) {
	db := testDB(t)
	emb := &countingEmbedder{Seed: embedding.NewSeed(8, "seed-8")}
	cache := New(db, emb, nil)
	ctx := context.Background()

	gids := []string{"doc-1#p1", "doc-1#p2", "doc-1#p3"}
	for i, gid := range gids {
		addPage(t, db, emb, gid, "warm page "+string(rune('a'+i)))
	}

	if err := cache.Warm(ctx, gids, 2); err != nil {
		t.Fatal(err)
	}
	if got := emb.calls.Load(); got != 3 {
		t.Errorf("embed calls = %d, want 3", got)
	}

	fresh, err := NewStore(db).FreshVectors(ctx, emb.ModelID())
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 3 {
		t.Errorf("fresh vectors = %d, want 3", len(fresh))
	}
}

// --- query path ---

func TestQueryCandidatesExcludesStale(t *testing.T) {
	db := testDB(t)
	emb := embedding.NewSeed(8, "seed-8")
	cache := New(db, emb, nil)
	ctx := context.Background()

	addPage(t, db, emb, "doc-1#p1", "fresh page")
	addPage(t, db, emb, "doc-1#p2", "stale page")
	if err := cache.Warm(ctx, []string{"doc-1#p1", "doc-1#p2"}, 1); err != nil {
		t.Fatal(err)
	}

	// Flag p2 stale without refreshing it.
	if err := NewStore(db).MarkStale(ctx, "doc-1#p2"); err != nil {
		t.Fatal(err)
	}

	candidates, err := cache.QueryCandidates(ctx, "fresh page", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %v, want only the fresh page", candidates)
	}
	if candidates[0].GID != "doc-1#p1" {
		t.Errorf("candidate = %s, want doc-1#p1", candidates[0].GID)
	}
	// The seed embedder is deterministic, so an identical query must
	// score its own page at similarity 1.
	if math.Abs(candidates[0].Score-1) > 1e-6 {
		t.Errorf("self similarity = %f, want 1", candidates[0].Score)
	}
}

func TestQueryCandidatesLimitAndOrder(t *testing.T) {
	db := testDB(t)
	emb := embedding.NewSeed(8, "seed-8")
	cache := New(db, emb, nil)
	ctx := context.Background()

	gids := []string{"doc-1#p1", "doc-1#p2", "doc-1#p3", "doc-1#p4"}
	for i, gid := range gids {
		addPage(t, db, emb, gid, "body "+string(rune('a'+i)))
	}
	if err := cache.Warm(ctx, gids, 2); err != nil {
		t.Fatal(err)
	}

	candidates, err := cache.QueryCandidates(ctx, "body a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(candidates))
	}
	if candidates[0].Score < candidates[1].Score {
		t.Errorf("candidates not sorted: %v", candidates)
	}
	if candidates[0].GID != "doc-1#p1" {
		t.Errorf("best candidate = %s, want doc-1#p1", candidates[0].GID)
	}
}
