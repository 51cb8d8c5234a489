// Package db provides SurrealDB query functions for entity operations.
package db

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/botforge-io/botforge/internal/models"
)

// CreateKnowledgeBase creates the knowledge base record and clears any
// chunks left over from an earlier ingestion of the same ID, in one
// transaction. Re-finalizing an entity replaces its content wholesale.
func (c *Client) CreateKnowledgeBase(ctx context.Context, id, name, ownerScope string, sources []models.Source) (*models.KnowledgeBase, error) {
	if sources == nil {
		sources = []models.Source{}
	}

	results, err := surrealdb.Query[[]models.KnowledgeBase](ctx, c.db, `
		BEGIN TRANSACTION;
		DELETE chunk WHERE knowledge = type::record("knowledge_base", $id);
		UPSERT type::record("knowledge_base", $id) SET
			name = $name,
			owner_scope = $owner,
			sources = $sources
		RETURN AFTER;
		COMMIT TRANSACTION;
	`, map[string]any{
		"id":      id,
		"name":    name,
		"owner":   ownerScope,
		"sources": sources,
	})
	if err != nil {
		return nil, fmt.Errorf("create knowledge base: %w", wrapQueryError(err))
	}

	kb := lastSingle(results)
	if kb == nil {
		return nil, fmt.Errorf("create knowledge base %s: empty result", id)
	}
	return kb, nil
}

// CreateBot creates the bot record. When the bot references a knowledge
// base the reference is checked inside the same transaction so a bot can
// never commit pointing at a missing knowledge base.
func (c *Client) CreateBot(ctx context.Context, id string, bot models.Bot) (*models.Bot, error) {
	vars := map[string]any{
		"id":          id,
		"name":        bot.Name,
		"owner":       bot.OwnerScope,
		"model":       bot.Model,
		"greeting":    bot.Greeting,
		"temperature": bot.Temperature,
		"deployment":  bot.Deployment,
	}

	knowledgeCheck := ""
	if bot.KnowledgeID != nil {
		knowledgeCheck = `
		IF !record::exists(type::record("knowledge_base", $knowledge_id)) {
			THROW "knowledge base " + $knowledge_id + " not found";
		};`
		vars["knowledge_id"] = *bot.KnowledgeID
	} else {
		vars["knowledge_id"] = nil
	}

	sql := fmt.Sprintf(`
		BEGIN TRANSACTION;
		%s
		UPSERT type::record("bot", $id) SET
			name = $name,
			owner_scope = $owner,
			model = $model,
			greeting = $greeting,
			temperature = $temperature,
			knowledge_id = $knowledge_id,
			deployment = $deployment
		RETURN AFTER;
		COMMIT TRANSACTION;
	`, knowledgeCheck)

	results, err := surrealdb.Query[[]models.Bot](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", wrapQueryError(err))
	}

	created := lastSingle(results)
	if created == nil {
		return nil, fmt.Errorf("create bot %s: empty result", id)
	}
	return created, nil
}

// CreateWorkflow creates the workflow record. Re-finalizing the same ID
// bumps the revision counter.
func (c *Client) CreateWorkflow(ctx context.Context, id string, wf models.Workflow) (*models.Workflow, error) {
	results, err := surrealdb.Query[[]models.Workflow](ctx, c.db, `
		UPSERT type::record("workflow", $id) SET
			name = $name,
			owner_scope = $owner,
			definition = $definition,
			revision = (revision ?? 0) + 1
		RETURN AFTER
	`, map[string]any{
		"id":         id,
		"name":       wf.Name,
		"owner":      wf.OwnerScope,
		"definition": wf.Definition,
	})
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", wrapQueryError(err))
	}

	created := lastSingle(results)
	if created == nil {
		return nil, fmt.Errorf("create workflow %s: empty result", id)
	}
	return created, nil
}

// GetKnowledgeBase retrieves a knowledge base by ID. Returns nil if not found.
func (c *Client) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	results, err := surrealdb.Query[[]models.KnowledgeBase](ctx, c.db, `
		SELECT * FROM type::record("knowledge_base", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get knowledge base: %w", err)
	}
	return lastSingle(results), nil
}

// GetBot retrieves a bot by ID. Returns nil if not found.
func (c *Client) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	results, err := surrealdb.Query[[]models.Bot](ctx, c.db, `
		SELECT * FROM type::record("bot", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get bot: %w", err)
	}
	return lastSingle(results), nil
}

// GetWorkflow retrieves a workflow by ID. Returns nil if not found.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	results, err := surrealdb.Query[[]models.Workflow](ctx, c.db, `
		SELECT * FROM type::record("workflow", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return lastSingle(results), nil
}

// DeleteEntity removes a finalized entity of the given type. Deleting a
// knowledge base also removes its chunks.
func (c *Client) DeleteEntity(ctx context.Context, entityType models.EntityType, id string) error {
	var sql string
	switch entityType {
	case models.EntityKnowledgeBase:
		sql = `
			BEGIN TRANSACTION;
			DELETE chunk WHERE knowledge = type::record("knowledge_base", $id);
			DELETE type::record("knowledge_base", $id);
			COMMIT TRANSACTION;
		`
	case models.EntityChatbot:
		sql = `DELETE type::record("bot", $id)`
	case models.EntityWorkflow:
		sql = `DELETE type::record("workflow", $id)`
	default:
		return fmt.Errorf("delete entity: unknown type %q", entityType)
	}

	if _, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{"id": id}); err != nil {
		return fmt.Errorf("delete %s %s: %w", entityType, id, wrapQueryError(err))
	}
	return nil
}

// IndexChunks inserts one batch of embedded chunks. Returns the number of
// records written.
func (c *Client) IndexChunks(ctx context.Context, chunks []models.ChunkInput) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	rows := make([]map[string]any, len(chunks))
	for i, ch := range chunks {
		rows[i] = map[string]any{
			"knowledge": ch.KnowledgeID,
			"source":    ch.Source,
			"position":  ch.Position,
			"content":   ch.Content,
			"embedding": ch.Embedding,
		}
	}

	_, err := surrealdb.Query[any](ctx, c.db, `
		FOR $row IN $rows {
			CREATE chunk SET
				knowledge = type::record("knowledge_base", $row.knowledge),
				source = $row.source,
				position = $row.position,
				content = $row.content,
				embedding = $row.embedding;
		}
	`, map[string]any{"rows": rows})
	if err != nil {
		return 0, fmt.Errorf("index chunks: %w", wrapQueryError(err))
	}

	return len(chunks), nil
}

// ScoredChunk is a chunk with its fused relevance score.
type ScoredChunk struct {
	models.Chunk
	Score float64 `json:"score,omitempty"`
}

// SearchChunks performs RRF fusion of BM25 and vector search over one
// knowledge base's chunks.
func (c *Client) SearchChunks(ctx context.Context, knowledgeID, query string, embedding []float32, limit int) ([]ScoredChunk, error) {
	if limit <= 0 {
		limit = 5
	}

	// Vector arm fetches 2x limit with ef=40 for recall; RRF k=60.
	sql := fmt.Sprintf(`
		SELECT * FROM search::rrf([
			(SELECT id, knowledge, source, position, content
			 FROM chunk
			 WHERE knowledge = type::record("knowledge_base", $kb)
			   AND embedding <|%d,40|> $emb),
			(SELECT id, knowledge, source, position, content
			 FROM chunk
			 WHERE knowledge = type::record("knowledge_base", $kb)
			   AND content @0@ $q)
		], $limit, 60)
	`, limit*2)

	results, err := surrealdb.Query[[]ScoredChunk](ctx, c.db, sql, map[string]any{
		"kb":    knowledgeID,
		"q":     query,
		"emb":   embedding,
		"limit": limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	if results != nil && len(*results) > 0 {
		return (*results)[0].Result, nil
	}
	return []ScoredChunk{}, nil
}

// TableCount pairs a table name with its record count.
type TableCount struct {
	Table string `json:"table"`
	Count int    `json:"count"`
}

// CountEntities returns record counts for the platform tables.
func (c *Client) CountEntities(ctx context.Context) (map[string]int, error) {
	results, err := surrealdb.Query[[]TableCount](ctx, c.db, `
		SELECT * FROM [
			{ table: "knowledge_base", count: (SELECT count() FROM knowledge_base GROUP ALL)[0].count ?? 0 },
			{ table: "bot", count: (SELECT count() FROM bot GROUP ALL)[0].count ?? 0 },
			{ table: "workflow", count: (SELECT count() FROM workflow GROUP ALL)[0].count ?? 0 },
			{ table: "chunk", count: (SELECT count() FROM chunk GROUP ALL)[0].count ?? 0 }
		]
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}

	counts := make(map[string]int)
	if results != nil && len(*results) > 0 {
		for _, tc := range (*results)[0].Result {
			counts[tc.Table] = tc.Count
		}
	}
	return counts, nil
}

// lastSingle unwraps the first row of the last statement's result set.
// Multi-statement transactions return one QueryResult per statement; the
// RETURN AFTER row is in the last one.
func lastSingle[T any](results *[]surrealdb.QueryResult[[]T]) *T {
	if results == nil || len(*results) == 0 {
		return nil
	}
	last := (*results)[len(*results)-1].Result
	if len(last) == 0 {
		return nil
	}
	return &last[0]
}
