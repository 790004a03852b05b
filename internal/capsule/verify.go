// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package capsule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pdiddy/glyphcase/internal/archive"
	"github.com/pdiddy/glyphcase/internal/graphindex"
	"github.com/pdiddy/glyphcase/internal/ledger"
	"github.com/pdiddy/glyphcase/internal/metaindex"
	"github.com/pdiddy/glyphcase/internal/vectorcache"
	"github.com/pdiddy/glyphcase/pkg/types"
)

// leaves returns the merkle leaf set: the content hash of every page's
// canonical text, one leaf per gid. Per prd006-ledger R4.1.
func (c *Capsule) leaves(ctx context.Context) ([]ledger.Leaf, error) {
	refs, err := c.meta.Pages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Leaf, 0, len(refs))
	for _, ref := range refs {
		text, err := c.meta.FullText(ctx, ref.GID)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.Leaf{GID: ref.GID, ContentSHA: contentSHA(text)})
	}
	return out, nil
}

// Checkpoint computes a merkle snapshot over the current page set and
// records it. Per prd006-ledger R4.
func (c *Capsule) Checkpoint(ctx context.Context, anchors []string) (types.Checkpoint, error) {
	var cp types.Checkpoint
	err := c.writeTx(ctx, func(tx *sql.Tx) error {
		leaves, err := capsuleLeaves(ctx, tx)
		if err != nil {
			return err
		}
		cp, err = ledger.New(tx).Checkpoint(ctx, leaves, anchors)
		return err
	})
	if err != nil {
		return types.Checkpoint{}, err
	}
	return cp, nil
}

// LatestCheckpoint returns the most recent merkle snapshot.
func (c *Capsule) LatestCheckpoint(ctx context.Context) (types.Checkpoint, error) {
	return c.ledger.LatestCheckpoint(ctx)
}

// ReceiptFor issues a signed inclusion receipt for an item against the
// latest checkpoint. Per prd006-ledger R5.
func (c *Capsule) ReceiptFor(ctx context.Context, gid string, signer ledger.Signer) (types.Receipt, error) {
	var r types.Receipt
	err := c.writeTx(ctx, func(tx *sql.Tx) error {
		leaves, err := capsuleLeaves(ctx, tx)
		if err != nil {
			return err
		}
		r, err = ledger.New(tx).ReceiptFor(ctx, gid, leaves, signer)
		return err
	})
	if err != nil {
		return types.Receipt{}, err
	}
	return r, nil
}

// VerifyReceipt checks a receipt's merkle path against its checkpoint.
func (c *Capsule) VerifyReceipt(ctx context.Context, r types.Receipt) error {
	return c.ledger.VerifyReceipt(ctx, r)
}

// StoredReceipt returns a previously issued receipt.
func (c *Capsule) StoredReceipt(ctx context.Context, gid, epoch string) (types.Receipt, error) {
	return c.ledger.Receipt(ctx, gid, epoch)
}

// VerifyChain validates the ledger hash chain and every block signature.
func (c *Capsule) VerifyChain(ctx context.Context) error {
	return c.ledger.VerifyChain(ctx)
}

// Verify runs the full capsule integrity check: ledger chain, archive
// bytes against indexed text for every page, and the latest checkpoint
// root against a recomputed merkle root. Per prd006-ledger R6.
func (c *Capsule) Verify(ctx context.Context) error {
	if err := c.ledger.VerifyChain(ctx); err != nil {
		return fmt.Errorf("ledger chain: %w", err)
	}

	refs, err := c.meta.Pages(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		text, err := c.meta.FullText(ctx, ref.GID)
		if err != nil {
			return err
		}
		archiveSHA, err := c.archive.Hash(ctx, pageTextName(ref.PageNo))
		if err != nil {
			return fmt.Errorf("page %s: archive entry missing: %w", ref.GID, err)
		}
		if archiveSHA != contentSHA(text) {
			return fmt.Errorf("page %s: indexed text diverged from archive bytes", ref.GID)
		}
	}

	cp, err := c.ledger.LatestCheckpoint(ctx)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	leaves, err := c.leaves(ctx)
	if err != nil {
		return err
	}
	if root := ledger.MerkleRoot(leaves); root != cp.MerkleRoot {
		return fmt.Errorf("checkpoint %s: %w: stored root %s, recomputed %s",
			cp.Epoch, types.ErrProofInvalid, cp.MerkleRoot, root)
	}
	return nil
}

// Rebuild reconstructs every accelerator row for a document from the
// archive's canonical bytes: metadata and FTS are re-ingested, graph
// nodes re-ensured, and cached vectors marked stale. Titles and tags of
// already indexed pages are preserved. Returns the number of pages
// rebuilt. Per prd002-metadata-index R4.
func (c *Capsule) Rebuild(ctx context.Context, docID string) (int, error) {
	rebuilt := 0
	err := c.writeTx(ctx, func(tx *sql.Tx) error {
		ar := archive.New(tx)
		meta := metaindex.New(tx, c.extractor)
		graph := graphindex.New(tx)
		vecs := vectorcache.NewStore(tx)

		names, err := ar.List(ctx, "glyphs/")
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		for _, name := range names {
			pageNo, ok := parsePageTextName(name)
			if !ok {
				continue
			}
			gid := types.PageGID(docID, pageNo)

			data, err := ar.Get(ctx, name)
			if err != nil {
				return err
			}

			rec := types.MetadataRecord{
				GID:       gid,
				DocID:     docID,
				PageNo:    pageNo,
				FullText:  string(data),
				UpdatedTS: now,
			}
			if existing, err := meta.Get(ctx, gid); err == nil {
				rec.Title = existing.Title
				rec.Tags = existing.Tags
			} else if !errors.Is(err, types.ErrNotFound) {
				return err
			}

			if err := meta.Ingest(ctx, rec); err != nil {
				return err
			}
			if _, err := graph.EnsureNode(ctx, gid); err != nil {
				return err
			}
			if err := vecs.EnsureMeta(ctx, types.VectorMeta{
				GID:        gid,
				ModelID:    c.embedder.ModelID(),
				Scope:      "page",
				Dim:        c.embedder.Dim(),
				Quant:      "float32",
				ContentSHA: contentSHA(rec.FullText),
				UpdatedUTC: now,
			}); err != nil {
				return err
			}
			rebuilt++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rebuilt, nil
}

// parsePageTextName extracts the page number from a canonical text entry
// path ("glyphs/page_0001.mgx.txt").
func parsePageTextName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "glyphs/page_")
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, ".mgx.txt")
	if !ok {
		return 0, false
	}
	pageNo, err := strconv.Atoi(digits)
	if err != nil || pageNo < 0 {
		return 0, false
	}
	return pageNo, true
}

// capsuleLeaves gathers the leaf set inside a transaction so checkpoints
// and receipts see a settled page set.
func capsuleLeaves(ctx context.Context, tx *sql.Tx) ([]ledger.Leaf, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT gid, full_text FROM meta_index ORDER BY gid`)
	if err != nil {
		return nil, fmt.Errorf("listing pages: %w", err)
	}
	defer rows.Close()

	var out []ledger.Leaf
	for rows.Next() {
		var gid, text string
		if err := rows.Scan(&gid, &text); err != nil {
			return nil, fmt.Errorf("scanning page: %w", err)
		}
		out = append(out, ledger.Leaf{GID: gid, ContentSHA: contentSHA(text)})
	}
	return out, rows.Err()
}
