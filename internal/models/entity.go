package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// SourceKind identifies how a content source is obtained.
type SourceKind string

const (
	// SourceURL crawls a single page and, up to MaxDepth, pages it links to.
	SourceURL SourceKind = "url"

	// SourceSitemap expands a sitemap into page URLs before fetching.
	SourceSitemap SourceKind = "sitemap"

	// SourceText is inline content supplied with the draft. It skips the
	// discover and fetch stages entirely.
	SourceText SourceKind = "text"
)

// Source is one configured content source of a knowledge base.
type Source struct {
	Kind       SourceKind `json:"kind"`
	Location   string     `json:"location,omitempty"`
	Content    string     `json:"content,omitempty"`
	MaxDepth   int        `json:"max_depth,omitempty"`
	PageBudget int        `json:"page_budget,omitempty"`
}

// SourcesFromPayload extracts the "sources" list from a draft payload.
// Unknown or malformed list entries are skipped; validation reports them
// separately before a payload ever reaches the pipeline.
func SourcesFromPayload(payload map[string]any) []Source {
	raw, ok := payload["sources"].([]any)
	if !ok {
		return nil
	}
	sources := make([]Source, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s := Source{}
		if kind, ok := m["kind"].(string); ok {
			s.Kind = SourceKind(kind)
		}
		if loc, ok := m["location"].(string); ok {
			s.Location = loc
		}
		if content, ok := m["content"].(string); ok {
			s.Content = content
		}
		if depth, ok := numberAsInt(m["max_depth"]); ok {
			s.MaxDepth = depth
		}
		if budget, ok := numberAsInt(m["page_budget"]); ok {
			s.PageBudget = budget
		}
		sources = append(sources, s)
	}
	return sources
}

// numberAsInt accepts the numeric types JSON and CBOR decoding produce.
func numberAsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// KnowledgeBase is the persistent entity created when a knowledge-base
// draft finalizes.
type KnowledgeBase struct {
	ID         surrealmodels.RecordID `json:"id"`
	Name       string                 `json:"name"`
	OwnerScope string                 `json:"owner_scope"`
	Sources    []Source               `json:"sources"`
	CreatedAt  time.Time              `json:"created_at,omitempty"`
}

// Bot is the persistent entity created when a chatbot draft finalizes.
// Deployment always carries at least the default website channel.
type Bot struct {
	ID          surrealmodels.RecordID `json:"id"`
	Name        string                 `json:"name"`
	OwnerScope  string                 `json:"owner_scope"`
	Model       string                 `json:"model"`
	Greeting    string                 `json:"greeting,omitempty"`
	Temperature float64                `json:"temperature,omitempty"`
	KnowledgeID *string                `json:"knowledge_id,omitempty"`
	Deployment  DeploymentConfig       `json:"deployment"`
	CreatedAt   time.Time              `json:"created_at,omitempty"`
}

// Workflow is the persistent entity created when a workflow draft finalizes.
// Revision starts at 1 and counts re-finalizations of the same workflow.
type Workflow struct {
	ID         surrealmodels.RecordID `json:"id"`
	Name       string                 `json:"name"`
	OwnerScope string                 `json:"owner_scope"`
	Definition map[string]any         `json:"definition"`
	Revision   int                    `json:"revision"`
	CreatedAt  time.Time              `json:"created_at,omitempty"`
}

// Chunk is one indexed piece of fetched content with its embedding vector.
type Chunk struct {
	ID        surrealmodels.RecordID `json:"id"`
	Knowledge surrealmodels.RecordID `json:"knowledge"`
	Source    string                 `json:"source"`
	Position  int                    `json:"position"`
	Content   string                 `json:"content"`
	Embedding []float32              `json:"embedding"`
	CreatedAt time.Time              `json:"created_at,omitempty"`
}

// ChunkInput is the input structure for indexing one chunk.
type ChunkInput struct {
	KnowledgeID string    `json:"knowledge_id"`
	Source      string    `json:"source"`
	Position    int       `json:"position"`
	Content     string    `json:"content"`
	Embedding   []float32 `json:"embedding"`
}
