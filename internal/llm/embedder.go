// Package llm provides embedding and text-generation services.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/botforge-io/botforge/internal/config"
)

// Embedder is the embedding provider consumed by the ingestion pipeline:
// batches of text in, batches of vectors out.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// NewEmbedder creates an embedder for the configured provider.
func NewEmbedder(ctx context.Context, cfg config.Config) (Embedder, error) {
	switch cfg.EmbedProvider {
	case config.ProviderOllama, "":
		return newLangchainEmbedder(cfg)
	case config.ProviderOpenAI:
		return newLangchainEmbedder(cfg)
	case config.ProviderBedrock:
		return NewBedrockEmbedder(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbedProvider)
	}
}

// LangchainEmbedder wraps langchaingo embeddings with dimension validation.
type LangchainEmbedder struct {
	model     embeddings.Embedder
	dimension int
	modelName string
}

var _ Embedder = (*LangchainEmbedder)(nil)

func newLangchainEmbedder(cfg config.Config) (*LangchainEmbedder, error) {
	var model embeddings.Embedder
	var err error

	switch cfg.EmbedProvider {
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		llm, openaiErr := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(cfg.EmbedModel),
		)
		if openaiErr != nil {
			return nil, fmt.Errorf("create openai client: %w", openaiErr)
		}
		model, err = embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}

	default: // ollama
		llm, ollamaErr := ollama.New(
			ollama.WithModel(cfg.EmbedModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if ollamaErr != nil {
			return nil, fmt.Errorf("create ollama client: %w", ollamaErr)
		}
		model, err = embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}
	}

	return &LangchainEmbedder{
		model:     model,
		dimension: cfg.EmbedDimension,
		modelName: cfg.EmbedModel,
	}, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *LangchainEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	start := time.Now()
	vectors, err := e.model.EmbedDocuments(ctx, texts)
	duration := time.Since(start)

	if err != nil {
		slog.Warn("embedding failed", "model", e.modelName, "texts", len(texts), "duration_ms", duration.Milliseconds(), "error", err)
		return nil, fmt.Errorf("embed batch: %w", err)
	}

	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("count mismatch: got %d, want %d", len(vectors), len(texts))
	}

	for i, v := range vectors {
		if len(v) != e.dimension {
			return nil, fmt.Errorf("embedding %d dimension mismatch: got %d, want %d", i, len(v), e.dimension)
		}
	}

	slog.Debug("embedding complete", "model", e.modelName, "texts", len(texts), "duration_ms", duration.Milliseconds())
	return vectors, nil
}

// Model returns the embedding model name.
func (e *LangchainEmbedder) Model() string {
	return e.modelName
}

// Dimension returns the expected embedding dimension.
func (e *LangchainEmbedder) Dimension() int {
	return e.dimension
}
