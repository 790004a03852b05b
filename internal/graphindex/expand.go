// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package graphindex

import (
	"context"
	"sort"
)

// Traversal is one node reached by Expand. WeightProduct multiplies the
// edge weights along the best discovered path, so it decays with
// distance and weak links.
type Traversal struct {
	// GID is the reached node.
	GID string

	// Via is the immediate predecessor on the best path.
	Via string

	// Predicate is the relation of the final hop.
	Predicate string

	// Hops is the path length from the start node.
	Hops int

	// WeightProduct is the product of edge weights along the path.
	WeightProduct float64
}

// Expand walks the graph outward from start, breadth-first, following
// outgoing edges up to maxHops hops and at most maxNodes discovered
// nodes (R2.1-R2.4). The start node itself is not reported.
//
// When predicates is non-empty, only edges carrying one of the listed
// predicates are traversed; nodes behind excluded edges stay invisible
// even when a shorter excluded path exists. An empty set allows every
// predicate.
//
// Traversal order is deterministic: within each hop, nodes are visited
// by descending weight product, ties broken by gid. A node reachable
// along several paths keeps the highest weight product.
//
// Budget exhaustion and context deadline both truncate the walk rather
// than fail it: the nodes found so far come back with truncated set.
func (ix *Index) Expand(ctx context.Context, start string, predicates []string, maxHops, maxNodes int) ([]Traversal, bool, error) {
	if maxHops <= 0 {
		return nil, false, nil
	}

	var allowed map[string]bool
	if len(predicates) > 0 {
		allowed = make(map[string]bool, len(predicates))
		for _, p := range predicates {
			allowed[p] = true
		}
	}

	best := make(map[string]Traversal)
	frontier := []Traversal{{GID: start, WeightProduct: 1}}
	truncated := false

walk:
	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []Traversal
		for _, node := range frontier {
			select {
			case <-ctx.Done():
				truncated = true
				break walk
			default:
			}

			edges, err := ix.Edges(ctx, node.GID)
			if err != nil {
				return nil, false, err
			}
			for _, e := range edges {
				if allowed != nil && !allowed[e.Predicate] {
					continue
				}
				if e.To == start {
					continue
				}
				candidate := Traversal{
					GID:           e.To,
					Via:           node.GID,
					Predicate:     e.Predicate,
					Hops:          hop,
					WeightProduct: node.WeightProduct * e.Weight,
				}

				existing, seen := best[e.To]
				if !seen {
					if maxNodes > 0 && len(best) >= maxNodes {
						truncated = true
						continue
					}
					best[e.To] = candidate
					next = append(next, candidate)
					continue
				}
				if candidate.WeightProduct > existing.WeightProduct {
					best[e.To] = candidate
					next = append(next, candidate)
				}
			}
		}

		sort.Slice(next, func(i, j int) bool {
			if next[i].WeightProduct != next[j].WeightProduct {
				return next[i].WeightProduct > next[j].WeightProduct
			}
			return next[i].GID < next[j].GID
		})
		frontier = next
	}

	out := make([]Traversal, 0, len(best))
	for _, t := range best {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WeightProduct != out[j].WeightProduct {
			return out[i].WeightProduct > out[j].WeightProduct
		}
		return out[i].GID < out[j].GID
	})
	return out, truncated, nil
}
