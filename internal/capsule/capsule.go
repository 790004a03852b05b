// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package capsule is the engine coordinator: it owns the capsule's
// SQLite file and drives the archive, the accelerator indexes, the
// retrieval engine, and the provenance ledger as one unit.
// Implements: prd001-archive R2, prd006-ledger R1.1.
//
// All mutations run inside a single transaction under the capsule's
// write lock, so the archive, the accelerators, and the ledger can
// never drift apart within one capsule file.
package capsule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/glyphcase/internal/archive"
	"github.com/pdiddy/glyphcase/internal/embedding"
	"github.com/pdiddy/glyphcase/internal/extraction"
	"github.com/pdiddy/glyphcase/internal/graphindex"
	"github.com/pdiddy/glyphcase/internal/ledger"
	"github.com/pdiddy/glyphcase/internal/metaindex"
	"github.com/pdiddy/glyphcase/internal/retrieval"
	"github.com/pdiddy/glyphcase/internal/vectorcache"
	"github.com/pdiddy/glyphcase/pkg/types"
)

const (
	defaultModelID = "gte-small-384"
	defaultDim     = 384

	ledgerLogPath   = "ledger/ledger.log"
	ledgerLogFormat = "memglyph-ledger-v1"

	// 33188 = regular file, 0644, matching sqlar convention.
	archiveFileMode = 33188
)

// Capsule is an open capsule file.
type Capsule struct {
	db   *sql.DB
	path string
	cfg  types.CapsuleConfig

	// mu serializes all writes; SQLite allows one writer at a time and
	// ledger appends must observe a settled head.
	mu sync.Mutex

	extractor extraction.Extractor
	embedder  embedding.Embedder

	archive *archive.Store
	meta    *metaindex.Index
	graph   *graphindex.Index
	cache   *vectorcache.Cache
	ledger  *ledger.Ledger
	engine  *retrieval.Engine
}

// Create creates a new capsule file at cfg.Path (schema, FTS shadow,
// views, and the ledger.log header entry) and opens it. Creating over
// an existing capsule is a plain open.
func Create(cfg types.CapsuleConfig) (*Capsule, error) {
	c, err := open(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.createSchema(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.writeLedgerHeader(context.Background()); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Open opens an existing capsule file. The schema is created if absent,
// so Open on a fresh path behaves like Create without the header entry
// check being skipped.
func Open(cfg types.CapsuleConfig) (*Capsule, error) {
	c, err := open(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.createSchema(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func open(cfg types.CapsuleConfig) (*Capsule, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("capsule path not set")
	}

	db, err := sql.Open("sqlite3",
		cfg.Path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening capsule %s: %w", cfg.Path, err)
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &Capsule{
		db:        db,
		path:      cfg.Path,
		cfg:       cfg,
		extractor: extraction.Heuristic{},
		embedder:  embedder,
	}
	c.archive = archive.New(db)
	c.meta = metaindex.New(db, c.extractor)
	c.graph = graphindex.New(db)
	c.cache = vectorcache.New(db, embedder, c.writeTx)
	c.ledger = ledger.New(db)
	c.engine = retrieval.New(c.meta, c.cache, c.graph, cfg.Retrieval)
	return c, nil
}

func buildEmbedder(cfg types.CapsuleConfig) (embedding.Embedder, error) {
	modelID := cfg.Vector.ModelID
	if modelID == "" {
		modelID = defaultModelID
	}
	dim := cfg.Vector.Dim
	if dim <= 0 {
		dim = defaultDim
	}

	switch cfg.Embedding.Provider {
	case "", "seed":
		return embedding.NewSeed(dim, modelID), nil
	case "openai":
		return embedding.NewOpenAI(cfg.Embedding, modelID)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
}

// Close releases the capsule file.
func (c *Capsule) Close() error {
	return c.db.Close()
}

// Path returns the capsule file location.
func (c *Capsule) Path() string {
	return c.path
}

// Ledger exposes the provenance log for read-side operations.
func (c *Capsule) Ledger() *ledger.Ledger {
	return c.ledger
}

// writeTx runs fn inside a transaction under the capsule write lock.
func (c *Capsule) writeTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// writeLedgerHeader stores the ledger.log archive entry identifying the
// capsule's ledger format. It only writes on first creation.
func (c *Capsule) writeLedgerHeader(ctx context.Context) error {
	if _, err := c.archive.Hash(ctx, ledgerLogPath); err == nil {
		return nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}

	header, err := json.Marshal(map[string]string{
		"format":  ledgerLogFormat,
		"created": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encoding ledger header: %w", err)
	}

	return c.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := archive.New(tx).Put(ctx, ledgerLogPath, header,
			archiveFileMode, time.Now().UTC().Unix())
		return err
	})
}
