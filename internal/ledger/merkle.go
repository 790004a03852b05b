// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/pdiddy/glyphcase/pkg/types"
)

// Leaf is one merkle leaf: an item and its content hash. Trees are
// always built over leaves sorted by gid so roots are reproducible.
type Leaf struct {
	GID        string
	ContentSHA string
}

// sortLeaves returns a copy of leaves in gid order.
func sortLeaves(leaves []Leaf) []Leaf {
	sorted := make([]Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GID < sorted[j].GID })
	return sorted
}

// MerkleRoot computes the root hash over leaves (R4.1). Levels with an
// odd node count duplicate their last node. An empty leaf set hashes
// the empty string so empty capsules still checkpoint.
func MerkleRoot(leaves []Leaf) string {
	level := leafHashes(sortLeaves(leaves))
	if len(level) == 0 {
		return hashPair("", "")
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

// ProofFor computes the inclusion path for gid within leaves (R5.1).
// The path plus the leaf's content hash reproduce the root.
func ProofFor(leaves []Leaf, gid string) ([]types.MerkleStep, error) {
	sorted := sortLeaves(leaves)
	idx := -1
	for i, l := range sorted {
		if l.GID == gid {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, fmt.Errorf("leaf %s: %w", gid, types.ErrNotFound)
	}

	level := leafHashes(sorted)
	var path []types.MerkleStep
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sibling := idx ^ 1
		path = append(path, types.MerkleStep{
			Hash: level[sibling],
			Left: sibling < idx,
		})
		level = nextLevel(level)
		idx /= 2
	}
	return path, nil
}

// VerifyProof reports whether contentSHA plus path reproduce root.
func VerifyProof(contentSHA string, path []types.MerkleStep, root string) bool {
	h := contentSHA
	for _, step := range path {
		if step.Left {
			h = hashPair(step.Hash, h)
		} else {
			h = hashPair(h, step.Hash)
		}
	}
	return h == root
}

func leafHashes(sorted []Leaf) []string {
	hashes := make([]string, len(sorted))
	for i, l := range sorted {
		hashes[i] = l.ContentSHA
	}
	return hashes
}

func nextLevel(level []string) []string {
	if len(level)%2 == 1 {
		level = append(level, level[len(level)-1])
	}
	next := make([]string, 0, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next = append(next, hashPair(level[i], level[i+1]))
	}
	return next
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}
