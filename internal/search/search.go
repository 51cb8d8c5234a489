// Package search answers retrieval queries against indexed knowledge bases.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/botforge-io/botforge/internal/db"
)

// DefaultLimit is the result count when the caller does not set one.
const DefaultLimit = 5

// Embedder turns the query text into the vector for the HNSW arm.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Index runs the fused BM25/vector query over one knowledge base.
type Index interface {
	SearchChunks(ctx context.Context, knowledgeID, query string, embedding []float32, limit int) ([]db.ScoredChunk, error)
}

// Service embeds a query and retrieves the most relevant chunks.
type Service struct {
	index    Index
	embedder Embedder
	logger   *slog.Logger
}

// NewService wires the search service.
func NewService(index Index, embedder Embedder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: index, embedder: embedder, logger: logger}
}

// Search returns up to limit chunks from the knowledge base ranked by
// fused keyword and vector relevance.
func (s *Service) Search(ctx context.Context, knowledgeID, query string, limit int) ([]db.ScoredChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	vectors, err := s.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors for one input", len(vectors))
	}

	results, err := s.index.SearchChunks(ctx, knowledgeID, query, vectors[0], limit)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("search executed", "knowledge_id", knowledgeID, "results", len(results))
	return results, nil
}
