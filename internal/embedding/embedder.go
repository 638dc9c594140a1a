// Package embedding provides concept text embedding and a durable, fingerprint-
// checked embedding cache.
package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/tsunagu/internal/config"
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// Model identifies the embedding model version, stored on each cache record
	// so a model change invalidates cached vectors.
	Model() string
	Close() error
}

// NewEmbedder creates an embedder for the configured provider.
// Supported providers: "http" (remote service, default), "onnx" (local model,
// requires CGO), "mock" (deterministic, for tests).
func NewEmbedder(cfg *config.EmbedConfig) (Embedder, error) {
	switch cfg.Provider {
	case "http", "":
		return NewHTTPEmbedder(cfg), nil
	case "onnx":
		return NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
	case "mock":
		return NewMockEmbedder(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: http, onnx, mock)", cfg.Provider)
	}
}
