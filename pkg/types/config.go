// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types holds the capsule data model and configuration structs
// shared across the engine and the CLI.
package types

import "time"

// VectorConfig holds settings for the vector cache.
// Per prd003-vector-cache R1.2, R4.1.
type VectorConfig struct {
	// ModelID is the default embedding model (default "gte-small-384").
	ModelID string `json:"model_id" yaml:"model_id"`

	// Dim is the vector dimensionality the model produces (default 384).
	Dim int `json:"dim" yaml:"dim"`

	// WarmWorkers bounds concurrent embedding calls during bulk
	// regeneration (default 4).
	WarmWorkers int `json:"warm_workers" yaml:"warm_workers"`
}

// RetrievalConfig holds settings for the hybrid retrieval engine.
// Per prd005-retrieval R1.2, R4.1-R4.3.
type RetrievalConfig struct {
	// KeywordLimit is the keyword candidate count (default 150).
	KeywordLimit int `json:"keyword_limit" yaml:"keyword_limit"`

	// VectorLimit is the vector candidate count (default 150).
	VectorLimit int `json:"vector_limit" yaml:"vector_limit"`

	// ExpandTopM is how many fused results seed graph expansion (default 10).
	ExpandTopM int `json:"expand_top_m" yaml:"expand_top_m"`

	// ExpandMaxHops bounds graph augmentation depth (default 2).
	ExpandMaxHops int `json:"expand_max_hops" yaml:"expand_max_hops"`

	// ExpandMaxNodes bounds graph augmentation breadth (default 50).
	ExpandMaxNodes int `json:"expand_max_nodes" yaml:"expand_max_nodes"`

	// ExpandPredicates restricts which edge predicates graph augmentation
	// may follow. Empty means all predicates.
	ExpandPredicates []string `json:"expand_predicates,omitempty" yaml:"expand_predicates,omitempty"`
}

// EmbeddingConfig holds settings for the external embedding contract.
type EmbeddingConfig struct {
	// Provider selects the embedder: "seed" (deterministic, offline) or
	// "openai".
	Provider string `json:"provider" yaml:"provider"`

	// APIKey authenticates the openai provider. Usually loaded from
	// .secrets/openai-api-key rather than config.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// Timeout is the per-request timeout for remote providers.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxRetries bounds retry attempts on rate-limited calls (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// CapsuleConfig groups all engine settings for one capsule file.
type CapsuleConfig struct {
	// Path is the capsule file location (e.g. "demo.mgx.sqlite").
	Path string `json:"path" yaml:"path"`

	Vector    VectorConfig    `json:"vector" yaml:"vector"`
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
}
