// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package embedding defines the embedding contract the vector cache
// consumes. Implementations must be deterministic for a given
// (text, model) pair or the cache's staleness tracking breaks.
// Per prd003-vector-cache R3.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Embedder produces fixed-length float vectors from text.
type Embedder interface {
	// Embed returns the vector for text. Must be deterministic per
	// (text, ModelID()).
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dim is the vector length Embed produces.
	Dim() int

	// ModelID identifies the model for cache keying.
	ModelID() string
}

// Seed is a deterministic offline embedder: the vector is derived from a
// SHA-256 chain over the input text, L2-normalized. It carries no semantic
// signal beyond exact-text identity and exists so capsules can be built,
// rebuilt, and verified without a model backend.
type Seed struct {
	dim   int
	model string
}

var _ Embedder = (*Seed)(nil)

// NewSeed returns a Seed embedder. A dim of 0 defaults to 384 and an empty
// model to "seed-384".
func NewSeed(dim int, model string) *Seed {
	if dim <= 0 {
		dim = 384
	}
	if model == "" {
		model = "seed-384"
	}
	return &Seed{dim: dim, model: model}
}

// Embed derives the vector by chaining SHA-256 over the text digest and
// mapping each 8-byte window to [-1,1].
func (s *Seed) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, s.dim)
	block := sha256.Sum256([]byte(text))

	i := 0
	for i < s.dim {
		for off := 0; off+8 <= len(block) && i < s.dim; off += 8 {
			u := binary.BigEndian.Uint64(block[off : off+8])
			// Map to [-1, 1).
			vec[i] = float32(u)/float32(math.MaxUint64)*2 - 1
			i++
		}
		block = sha256.Sum256(block[:])
	}

	l2normalize(vec)
	return vec, nil
}

// Dim returns the configured dimensionality.
func (s *Seed) Dim() int { return s.dim }

// ModelID returns the configured model identifier.
func (s *Seed) ModelID() string { return s.model }

// l2normalize scales v to unit length in place.
func l2normalize(v []float32) {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(float64(sum)))
	for i := range v {
		v[i] *= inv
	}
}
