// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package embedding

import (
	"context"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pdiddy/glyphcase/internal/httputil"
	"github.com/pdiddy/glyphcase/pkg/types"
)

// OpenAI embeds text through the OpenAI embeddings API. Responses are
// L2-normalized so cosine similarity reduces to a dot product over unit
// vectors. Rate-limited calls are retried by the shared retry transport.
type OpenAI struct {
	client *openai.Client
	model  string
	dim    int
}

var _ Embedder = (*OpenAI)(nil)

// NewOpenAI builds an OpenAI embedder from config. The API key is
// required; model defaults to text-embedding-3-small (1536 dims).
func NewOpenAI(cfg types.EmbeddingConfig, model string) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embedder: missing API key (set .secrets/openai-api-key)")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	dim := 1536
	if model == string(openai.LargeEmbedding3) {
		dim = 3072
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &httputil.Transport{MaxRetries: cfg.MaxRetries},
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		dim:    dim,
	}, nil
}

// Embed requests one embedding and normalizes it.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("openai embedder: empty text")
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(o.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("creating embedding: empty response")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	l2normalize(vec)
	return vec, nil
}

// Dim returns the model's vector length.
func (o *OpenAI) Dim() int { return o.dim }

// ModelID returns the OpenAI model name used for cache keying.
func (o *OpenAI) ModelID() string { return o.model }
