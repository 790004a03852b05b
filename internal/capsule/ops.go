// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package capsule

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/pdiddy/glyphcase/internal/archive"
	"github.com/pdiddy/glyphcase/internal/graphindex"
	"github.com/pdiddy/glyphcase/internal/ledger"
	"github.com/pdiddy/glyphcase/internal/metaindex"
	"github.com/pdiddy/glyphcase/internal/retrieval"
	"github.com/pdiddy/glyphcase/internal/vectorcache"
	"github.com/pdiddy/glyphcase/pkg/types"
)

// Page is the ingestion input for one page item.
type Page struct {
	// DocID and PageNo identify the page; together they form the gid.
	DocID  string
	PageNo int

	// Title and Tags feed the keyword index.
	Title string
	Tags  []string

	// Text is the canonical page text, stored verbatim in the archive.
	Text string

	// Image is an optional rendered page image (.mgx.png archive entry).
	Image []byte
}

// WriteResult reports the outcome of a capsule mutation.
type WriteResult struct {
	// GID is the affected item.
	GID string `json:"gid" yaml:"gid"`

	// ContentSHA is the SHA-256 of the item's canonical text. Empty for
	// edge writes.
	ContentSHA string `json:"content_sha,omitempty" yaml:"content_sha,omitempty"`

	// BlockID is the ledger block the operation was committed in. Empty
	// when the write was a no-op (identical re-add).
	BlockID string `json:"block_id,omitempty" yaml:"block_id,omitempty"`
}

// pageTextName is the archive path for a page's canonical text.
// Per prd001-archive R1.2.
func pageTextName(pageNo int) string {
	return fmt.Sprintf("glyphs/page_%04d.mgx.txt", pageNo)
}

func pageImageName(pageNo int) string {
	return fmt.Sprintf("glyphs/page_%04d.mgx.png", pageNo)
}

func contentSHA(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// AddPage stores a page: canonical bytes into the archive, derived rows
// into every accelerator, and an ADD operation into the ledger, all in
// one transaction. Re-adding a page with identical text is a no-op;
// different text under an existing gid returns ErrConflict (use
// SupersedePage to replace content). Per prd001-archive R2.
func (c *Capsule) AddPage(ctx context.Context, p Page, signer ledger.Signer) (WriteResult, error) {
	gid := types.PageGID(p.DocID, p.PageNo)
	sha := contentSHA(p.Text)

	// Identical re-add short-circuits before taking the write lock.
	if existing, err := c.archive.Hash(ctx, pageTextName(p.PageNo)); err == nil && existing == sha {
		return WriteResult{GID: gid, ContentSHA: sha}, nil
	} else if err != nil && !errors.Is(err, types.ErrNotFound) {
		return WriteResult{}, err
	}

	var res WriteResult
	err := c.writeTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		ar := archive.New(tx)

		if _, err := ar.Put(ctx, pageTextName(p.PageNo), []byte(p.Text),
			archiveFileMode, now.Unix()); err != nil {
			return err
		}
		if len(p.Image) > 0 {
			if _, err := ar.Put(ctx, pageImageName(p.PageNo), p.Image,
				archiveFileMode, now.Unix()); err != nil {
				return err
			}
		}

		if err := c.indexPage(ctx, tx, gid, p, sha, now); err != nil {
			return err
		}

		op := types.Operation{Op: types.OpAdd, GID: gid, ContentSHA: sha, Detail: p.Title}
		block, err := c.appendOps(ctx, tx, []types.Operation{op}, signer)
		if err != nil {
			return err
		}
		res = WriteResult{GID: gid, ContentSHA: sha, BlockID: block.BlockID}
		return nil
	})
	if err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

// SupersedePage replaces an existing page's content. The old bytes are
// overwritten in the archive, the cached vector is marked stale, and a
// SUPERSEDE operation recording the replaced hash is appended.
// Per prd001-archive R2.2, prd003-vector-cache R2.1.
func (c *Capsule) SupersedePage(ctx context.Context, p Page, signer ledger.Signer) (WriteResult, error) {
	gid := types.PageGID(p.DocID, p.PageNo)
	sha := contentSHA(p.Text)

	var res WriteResult
	err := c.writeTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		ar := archive.New(tx)

		oldSHA, err := ar.Hash(ctx, pageTextName(p.PageNo))
		if err != nil {
			return err
		}
		if _, err := ar.Supersede(ctx, pageTextName(p.PageNo), []byte(p.Text),
			archiveFileMode, now.Unix()); err != nil {
			return err
		}
		if len(p.Image) > 0 {
			_, err := ar.Supersede(ctx, pageImageName(p.PageNo), p.Image,
				archiveFileMode, now.Unix())
			if errors.Is(err, types.ErrNotFound) {
				_, err = ar.Put(ctx, pageImageName(p.PageNo), p.Image,
					archiveFileMode, now.Unix())
			}
			if err != nil {
				return err
			}
		}

		if err := c.indexPage(ctx, tx, gid, p, sha, now); err != nil {
			return err
		}

		op := types.Operation{Op: types.OpSupersede, GID: gid, ContentSHA: sha, Detail: oldSHA}
		block, err := c.appendOps(ctx, tx, []types.Operation{op}, signer)
		if err != nil {
			return err
		}
		res = WriteResult{GID: gid, ContentSHA: sha, BlockID: block.BlockID}
		return nil
	})
	if err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

// indexPage writes the accelerator rows derived from a page's text: the
// metadata row (which feeds FTS through its triggers), the graph node,
// and the vector staleness marker.
func (c *Capsule) indexPage(ctx context.Context, tx *sql.Tx, gid string, p Page, sha string, now time.Time) error {
	rec := types.MetadataRecord{
		GID:       gid,
		DocID:     p.DocID,
		PageNo:    p.PageNo,
		Title:     p.Title,
		Tags:      p.Tags,
		FullText:  p.Text,
		UpdatedTS: now,
	}
	if err := metaindex.New(tx, c.extractor).Ingest(ctx, rec); err != nil {
		return err
	}
	if _, err := graphindex.New(tx).EnsureNode(ctx, gid); err != nil {
		return err
	}
	return vectorcache.NewStore(tx).EnsureMeta(ctx, types.VectorMeta{
		GID:        gid,
		ModelID:    c.embedder.ModelID(),
		Scope:      "page",
		Dim:        c.embedder.Dim(),
		Quant:      "float32",
		ContentSHA: sha,
		UpdatedUTC: now,
	})
}

// AddEdge asserts a typed relation between two items and commits an
// ADD_EDGE operation. Both endpoints get graph nodes on demand.
// Per prd004-graph-index R1.
func (c *Capsule) AddEdge(ctx context.Context, e types.Edge, signer ledger.Signer) (WriteResult, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var res WriteResult
	err := c.writeTx(ctx, func(tx *sql.Tx) error {
		if err := graphindex.New(tx).AddEdge(ctx, e); err != nil {
			return err
		}
		op := types.Operation{
			Op:     types.OpAddEdge,
			GID:    e.From,
			Detail: fmt.Sprintf("%s %s", e.To, e.Predicate),
		}
		block, err := c.appendOps(ctx, tx, []types.Operation{op}, signer)
		if err != nil {
			return err
		}
		res = WriteResult{GID: e.From, BlockID: block.BlockID}
		return nil
	})
	if err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

// appendOps reads the current head inside the mutation's transaction and
// appends a block on top of it. The write lock guarantees the head
// cannot move between the read and the append.
func (c *Capsule) appendOps(ctx context.Context, tx *sql.Tx, ops []types.Operation, signer ledger.Signer) (types.LedgerBlock, error) {
	led := ledger.New(tx)

	prev := types.GenesisPrev
	head, err := led.Head(ctx)
	switch {
	case err == nil:
		prev = head.BlockID
	case errors.Is(err, types.ErrNotFound):
	default:
		return types.LedgerBlock{}, err
	}

	return led.Append(ctx, prev, ops, signer, nil)
}

// RegisterKey records external trust material for ledger verification.
func (c *Capsule) RegisterKey(ctx context.Context, rec types.KeyRecord) error {
	return c.writeTx(ctx, func(tx *sql.Tx) error {
		return ledger.New(tx).RegisterKey(ctx, rec)
	})
}

// Query runs hybrid retrieval over the capsule.
// Per prd005-retrieval R1.
func (c *Capsule) Query(ctx context.Context, query string, k int) ([]retrieval.Result, error) {
	return c.engine.Query(ctx, query, k)
}

// Neighbors returns the top-k cached (or freshly computed) neighbor
// hints for an item. k <= 0 returns all hints.
func (c *Capsule) Neighbors(ctx context.Context, gid string, k int) ([]types.NeighborHint, error) {
	return c.graph.Neighbors(ctx, gid, k)
}

// Expand walks the relation graph outward from an item, following only
// the listed predicates (empty = all).
func (c *Capsule) Expand(ctx context.Context, gid string, predicates []string, maxHops, maxNodes int) ([]graphindex.Traversal, bool, error) {
	return c.graph.Expand(ctx, gid, predicates, maxHops, maxNodes)
}

// Page returns an item's metadata row.
func (c *Capsule) Page(ctx context.Context, gid string) (types.MetadataRecord, error) {
	return c.meta.Get(ctx, gid)
}

// Pages lists every item in the capsule.
func (c *Capsule) Pages(ctx context.Context) ([]types.PageRef, error) {
	return c.meta.Pages(ctx)
}

// Entities returns the extracted entities for an item.
func (c *Capsule) Entities(ctx context.Context, gid string) ([]types.Entity, error) {
	return c.meta.Entities(ctx, gid)
}

// EntitySummary aggregates entity counts by type across the capsule.
func (c *Capsule) EntitySummary(ctx context.Context) ([]types.EntityTypeSummary, error) {
	return c.meta.EntitySummary(ctx)
}

// ArchiveEntry returns a canonical archive file, bytes included.
func (c *Capsule) ArchiveEntry(ctx context.Context, name string) (types.ArchiveEntry, error) {
	return c.archive.Entry(ctx, name)
}

// ArchiveList lists archive paths under a prefix.
func (c *Capsule) ArchiveList(ctx context.Context, prefix string) ([]string, error) {
	return c.archive.List(ctx, prefix)
}

// WarmVectors embeds every page whose cached vector is stale so later
// queries do not pay embedding latency. Per prd003-vector-cache R4.
func (c *Capsule) WarmVectors(ctx context.Context) error {
	refs, err := c.meta.Pages(ctx)
	if err != nil {
		return err
	}
	gids := make([]string, 0, len(refs))
	for _, ref := range refs {
		gids = append(gids, ref.GID)
	}
	workers := c.cfg.Vector.WarmWorkers
	return c.cache.Warm(ctx, gids, workers)
}
