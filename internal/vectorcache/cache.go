// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package vectorcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pdiddy/glyphcase/internal/embedding"
	"github.com/pdiddy/glyphcase/pkg/types"
)

const defaultWarmWorkers = 4

// WriteFn serializes cache writes through the capsule's write lock.
// The callback runs inside a transaction.
type WriteFn func(ctx context.Context, fn func(tx *sql.Tx) error) error

// Cache serves embeddings for retrieval, regenerating stale entries on
// demand. Concurrent requests for the same (gid, model) collapse into a
// single embedding call (R4.2).
type Cache struct {
	db       DBTX
	store    *Store
	embedder embedding.Embedder
	write    WriteFn
	group    singleflight.Group
}

// New returns a Cache reading through db and embedding with embedder.
// write, when non-nil, routes cache updates through the capsule's
// serialized write path; a nil write applies them directly to db.
func New(db DBTX, embedder embedding.Embedder, write WriteFn) *Cache {
	return &Cache{db: db, store: NewStore(db), embedder: embedder, write: write}
}

// GetOrRegenerate returns a vector for gid that is guaranteed to match
// the current page text (R3.1, R4.1). A cached vector is served only
// when its recompute flag is clear and its content hash matches;
// otherwise the page text is re-embedded and the cache updated before
// returning. Unknown gids return types.ErrNotFound.
func (c *Cache) GetOrRegenerate(ctx context.Context, gid string) ([]float32, error) {
	modelID := c.embedder.ModelID()

	meta, err := c.store.Meta(ctx, gid, modelID)
	if err != nil {
		return nil, err
	}

	var text string
	err = c.db.QueryRowContext(ctx,
		`SELECT full_text FROM meta_index WHERE gid = ?`, gid,
	).Scan(&text)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading page text for %s: %w", gid, err)
	}

	sum := sha256.Sum256([]byte(text))
	shaHex := hex.EncodeToString(sum[:])

	if !meta.Recompute && meta.ContentSHA == shaHex {
		vec, err := c.store.Vector(ctx, gid, modelID)
		if err == nil {
			return vec, nil
		}
		if err != types.ErrNotFound {
			return nil, err
		}
		// Metadata says fresh but the blob is missing. Regenerate.
	}

	v, err, _ := c.group.Do(gid+"\x00"+modelID, func() (any, error) {
		vec, err := c.embedder.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding %s: %w", gid, err)
		}

		cachedTS := time.Now().UTC().Format(time.RFC3339Nano)
		if c.write != nil {
			err = c.write(ctx, func(tx *sql.Tx) error {
				return NewStore(tx).PutVector(ctx, gid, modelID, vec, shaHex, cachedTS)
			})
		} else {
			err = c.store.PutVector(ctx, gid, modelID, vec, shaHex, cachedTS)
		}
		if err != nil {
			return nil, err
		}
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Warm regenerates every stale vector among gids with at most workers
// concurrent embedding calls (R4.3). The first failure cancels the
// remaining work.
func (c *Cache) Warm(ctx context.Context, gids []string, workers int) error {
	if workers <= 0 {
		workers = defaultWarmWorkers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, gid := range gids {
		gid := gid
		g.Go(func() error {
			_, err := c.GetOrRegenerate(gctx, gid)
			return err
		})
	}
	return g.Wait()
}

// Candidate is one vector-similarity result.
type Candidate struct {
	GID   string
	Score float64
}

// QueryCandidates embeds query text and ranks every fresh cached vector
// by cosine similarity, best first, ties broken by gid (R3.2, R3.3).
// Stale entries are excluded rather than regenerated here; query latency
// must not depend on cache freshness.
func (c *Cache) QueryCandidates(ctx context.Context, query string, limit int) ([]Candidate, error) {
	qvec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	fresh, err := c.store.FreshVectors(ctx, c.embedder.ModelID())
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(fresh))
	for _, fv := range fresh {
		candidates = append(candidates, Candidate{GID: fv.GID, Score: Cosine(qvec, fv.Vec)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].GID < candidates[j].GID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}
