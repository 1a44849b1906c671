package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// DefaultEmbeddingModel is the embedding model used when none is configured.
const DefaultEmbeddingModel = "text-embedding-3-small"

// ErrEmptyEmbedding indicates the endpoint returned no vectors.
var ErrEmptyEmbedding = errors.New("llm: response contains no embeddings")

// Embedder turns text into vectors for retrieval.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// NewEmbedder builds an embeddings client against the same endpoint family
// as New. The API key is mandatory.
func NewEmbedder(cfg Config) (Embedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &openAIEmbedder{cfg: cfg}, nil
}

type openAIEmbedder struct {
	cfg Config
}

func (c *openAIEmbedder) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if strings.TrimSpace(model) == "" {
		model = DefaultEmbeddingModel
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	body := map[string]any{
		"model": model,
		"input": inputs,
	}
	var payload struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := postJSON(ctx, c.cfg, "/embeddings", body, &payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, ErrEmptyEmbedding
	}

	vectors := make([][]float32, len(inputs))
	for _, entry := range payload.Data {
		if entry.Index < 0 || entry.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", entry.Index)
		}
		vectors[entry.Index] = entry.Embedding
	}
	return vectors, nil
}
