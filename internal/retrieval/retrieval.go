// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package retrieval fuses the capsule's accelerators into one ranked
// answer: keyword rank, vector similarity, and entity matches, with a
// graph expansion pass over the best fused hits.
// Implements: prd005-retrieval (R1-R4).
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/pdiddy/glyphcase/internal/graphindex"
	"github.com/pdiddy/glyphcase/internal/metaindex"
	"github.com/pdiddy/glyphcase/internal/vectorcache"
	"github.com/pdiddy/glyphcase/pkg/types"
)

// Signal weights. They sum to 1; graph-derived hits are scored off
// their parent instead.
const (
	weightKeyword = 0.35
	weightVector  = 0.40
	weightEntity  = 0.25

	// graphDamping scales a discovered node's score relative to its
	// parent's final score.
	graphDamping = 0.5
)

// Defaults for unset RetrievalConfig fields.
const (
	defaultKeywordLimit   = 150
	defaultVectorLimit    = 150
	defaultExpandTopM     = 10
	defaultExpandMaxHops  = 2
	defaultExpandMaxNodes = 50
)

// Explanation breaks a result's score into its signals. For
// graph-derived results the signal fields are zero and Parent,
// Predicate, and WeightProduct describe the path instead.
type Explanation struct {
	// Keyword, Vector, and Entity are the normalized per-signal scores
	// in [0,1] before weighting.
	Keyword float64 `json:"keyword" yaml:"keyword"`
	Vector  float64 `json:"vector" yaml:"vector"`
	Entity  float64 `json:"entity" yaml:"entity"`

	// GraphDerived marks results discovered through expansion rather
	// than scored directly.
	GraphDerived bool `json:"graph_derived,omitempty" yaml:"graph_derived,omitempty"`

	// Parent is the fused result the node was discovered from.
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`

	// Predicate is the relation of the final hop to this node.
	Predicate string `json:"predicate,omitempty" yaml:"predicate,omitempty"`

	// WeightProduct is the edge weight product along the path.
	WeightProduct float64 `json:"weight_product,omitempty" yaml:"weight_product,omitempty"`
}

// Result is one ranked retrieval hit.
type Result struct {
	GID         string      `json:"gid" yaml:"gid"`
	Title       string      `json:"title,omitempty" yaml:"title,omitempty"`
	Score       float64     `json:"score" yaml:"score"`
	Explanation Explanation `json:"explanation" yaml:"explanation"`
}

// Engine runs fused queries against a capsule's accelerator indexes.
type Engine struct {
	meta  *metaindex.Index
	cache *vectorcache.Cache
	graph *graphindex.Index
	cfg   types.RetrievalConfig
}

// New returns an Engine over the given accelerators.
func New(meta *metaindex.Index, cache *vectorcache.Cache, graph *graphindex.Index, cfg types.RetrievalConfig) *Engine {
	if cfg.KeywordLimit <= 0 {
		cfg.KeywordLimit = defaultKeywordLimit
	}
	if cfg.VectorLimit <= 0 {
		cfg.VectorLimit = defaultVectorLimit
	}
	if cfg.ExpandTopM <= 0 {
		cfg.ExpandTopM = defaultExpandTopM
	}
	if cfg.ExpandMaxHops <= 0 {
		cfg.ExpandMaxHops = defaultExpandMaxHops
	}
	if cfg.ExpandMaxNodes <= 0 {
		cfg.ExpandMaxNodes = defaultExpandMaxNodes
	}
	return &Engine{meta: meta, cache: cache, graph: graph, cfg: cfg}
}

// Query runs all three signals, fuses them 0.35 keyword / 0.40 vector /
// 0.25 entity over min-max normalized scores, expands the graph around
// the best fused hits, and returns the top k results (R1.1-R1.4,
// R3.1). Ties break by gid, so identical corpora rank identically.
//
// The context deadline bounds each signal: once it expires, later
// stages are skipped and the results computed so far are returned
// rather than an error (R4.2).
func (e *Engine) Query(ctx context.Context, query string, k int) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}

	signals := make(map[string]*Explanation)
	at := func(gid string) *Explanation {
		ex, ok := signals[gid]
		if !ok {
			ex = &Explanation{}
			signals[gid] = ex
		}
		return ex
	}

	kw, err := e.meta.Search(ctx, query, e.cfg.KeywordLimit)
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("keyword signal: %w", err)
	}
	for gid, score := range normalizeKeyword(kw) {
		at(gid).Keyword = score
	}

	if ctx.Err() == nil {
		vec, err := e.cache.QueryCandidates(ctx, query, e.cfg.VectorLimit)
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("vector signal: %w", err)
		}
		for gid, score := range normalizeVector(vec) {
			at(gid).Vector = score
		}
	}

	if ctx.Err() == nil {
		ents, err := e.meta.MatchEntities(ctx, query)
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("entity signal: %w", err)
		}
		for gid, score := range normalizeEntity(ents) {
			at(gid).Entity = score
		}
	}

	results := make([]Result, 0, len(signals))
	for gid, ex := range signals {
		results = append(results, Result{
			GID:         gid,
			Score:       weightKeyword*ex.Keyword + weightVector*ex.Vector + weightEntity*ex.Entity,
			Explanation: *ex,
		})
	}
	sortResults(results)

	if ctx.Err() == nil {
		expanded, err := e.expand(ctx, results)
		if err != nil {
			return nil, err
		}
		results = append(results, expanded...)
		sortResults(results)
	}

	if len(results) > k {
		results = results[:k]
	}
	e.fillTitles(ctx, results)
	return results, nil
}

// expand walks the graph outward from the top fused results and scores
// discovered nodes off their parent (R3.2, R3.3). Nodes already ranked
// directly keep their direct score.
func (e *Engine) expand(ctx context.Context, fused []Result) ([]Result, error) {
	direct := make(map[string]bool, len(fused))
	for _, r := range fused {
		direct[r.GID] = true
	}

	seeds := fused
	if len(seeds) > e.cfg.ExpandTopM {
		seeds = seeds[:e.cfg.ExpandTopM]
	}

	best := make(map[string]Result)
	for _, seed := range seeds {
		if ctx.Err() != nil {
			break
		}
		traversals, _, err := e.graph.Expand(ctx, seed.GID, e.cfg.ExpandPredicates, e.cfg.ExpandMaxHops, e.cfg.ExpandMaxNodes)
		if err != nil {
			return nil, fmt.Errorf("expanding %s: %w", seed.GID, err)
		}
		for _, tr := range traversals {
			if direct[tr.GID] {
				continue
			}
			score := graphDamping * seed.Score * tr.WeightProduct
			if existing, ok := best[tr.GID]; ok && existing.Score >= score {
				continue
			}
			best[tr.GID] = Result{
				GID:   tr.GID,
				Score: score,
				Explanation: Explanation{
					GraphDerived:  true,
					Parent:        seed.GID,
					Predicate:     tr.Predicate,
					WeightProduct: tr.WeightProduct,
				},
			}
		}
	}

	out := make([]Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) fillTitles(ctx context.Context, results []Result) {
	if ctx.Err() != nil {
		return
	}
	for i := range results {
		rec, err := e.meta.Get(ctx, results[i].GID)
		if err != nil {
			continue
		}
		results[i].Title = rec.Title
	}
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].GID < results[j].GID
	})
}

// normalizeKeyword min-max normalizes bm25-derived scores into [0,1].
// A single hit, or all-equal scores, normalize to 1 so a lone exact
// match still earns the full keyword weight.
func normalizeKeyword(hits []metaindex.KeywordHit) map[string]float64 {
	if len(hits) == 0 {
		return nil
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	out := make(map[string]float64, len(hits))
	for _, h := range hits {
		out[h.GID] = minMax(h.Score, lo, hi)
	}
	return out
}

func normalizeVector(candidates []vectorcache.Candidate) map[string]float64 {
	if len(candidates) == 0 {
		return nil
	}
	lo, hi := candidates[0].Score, candidates[0].Score
	for _, c := range candidates[1:] {
		if c.Score < lo {
			lo = c.Score
		}
		if c.Score > hi {
			hi = c.Score
		}
	}
	out := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		out[c.GID] = minMax(c.Score, lo, hi)
	}
	return out
}

func normalizeEntity(matches []metaindex.EntityMatch) map[string]float64 {
	if len(matches) == 0 {
		return nil
	}
	lo, hi := matches[0].Confidence, matches[0].Confidence
	for _, m := range matches[1:] {
		if m.Confidence < lo {
			lo = m.Confidence
		}
		if m.Confidence > hi {
			hi = m.Confidence
		}
	}
	out := make(map[string]float64, len(matches))
	for _, m := range matches {
		out[m.GID] = minMax(m.Confidence, lo, hi)
	}
	return out
}

func minMax(v, lo, hi float64) float64 {
	if hi == lo {
		return 1
	}
	return (v - lo) / (hi - lo)
}
