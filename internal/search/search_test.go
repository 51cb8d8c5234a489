package search

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge-io/botforge/internal/db"
	"github.com/botforge-io/botforge/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fakeEmbedder struct {
	err error
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.5, 0.5}
	}
	return out, nil
}

type fakeIndex struct {
	knowledgeID string
	query       string
	embedding   []float32
	limit       int
	results     []db.ScoredChunk
	err         error
}

func (idx *fakeIndex) SearchChunks(_ context.Context, knowledgeID, query string, embedding []float32, limit int) ([]db.ScoredChunk, error) {
	idx.knowledgeID = knowledgeID
	idx.query = query
	idx.embedding = embedding
	idx.limit = limit
	return idx.results, idx.err
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	index := &fakeIndex{results: []db.ScoredChunk{
		{Chunk: models.Chunk{Content: "how to reset a password"}, Score: 0.9},
	}}
	svc := NewService(index, &fakeEmbedder{}, testLogger())

	results, err := svc.Search(ctx, "kb-1", "reset password", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "how to reset a password", results[0].Content)

	// Both arms of the fused query receive the caller's input.
	assert.Equal(t, "kb-1", index.knowledgeID)
	assert.Equal(t, "reset password", index.query)
	assert.NotEmpty(t, index.embedding)
	assert.Equal(t, 3, index.limit)
}

func TestSearchDefaultsLimit(t *testing.T) {
	index := &fakeIndex{}
	svc := NewService(index, &fakeEmbedder{}, testLogger())

	_, err := svc.Search(context.Background(), "kb-1", "q", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, index.limit)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	svc := NewService(&fakeIndex{}, &fakeEmbedder{}, testLogger())

	_, err := svc.Search(context.Background(), "kb-1", "   ", 5)
	require.Error(t, err)
}

func TestSearchEmbedderFailure(t *testing.T) {
	svc := NewService(&fakeIndex{}, &fakeEmbedder{err: errors.New("provider down")}, testLogger())

	_, err := svc.Search(context.Background(), "kb-1", "q", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed query")
}
