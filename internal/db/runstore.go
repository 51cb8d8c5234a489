package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"

	"github.com/botforge-io/botforge/internal/models"
	"github.com/botforge-io/botforge/internal/pipeline"
)

// RunStore persists pipeline runs in SurrealDB so run state survives a
// server restart. It implements pipeline.RunStore.
type RunStore struct {
	client *Client
}

// NewRunStore wraps a connected client.
func NewRunStore(client *Client) *RunStore {
	return &RunStore{client: client}
}

// toRecord flattens a run into the pipeline_run table shape. The composite
// run ID becomes the record key, never a field.
func toRecord(run *models.PipelineRun) map[string]any {
	rec := map[string]any{
		"entity_id":           run.EntityID,
		"entity_type":         string(run.EntityType),
		"status":              string(run.Status),
		"current_stage":       string(run.CurrentStage),
		"progress_percentage": run.Progress,
		"stats":               run.Stats,
		"logs":                run.Logs,
		"cancel_requested":    run.CancelRequested,
		"started_at":          run.StartedAt,
		"updated_at":          run.UpdatedAt,
	}
	if run.EstimatedCompletion != nil {
		rec["estimated_completion"] = *run.EstimatedCompletion
	} else {
		rec["estimated_completion"] = nil
	}
	return rec
}

// Create registers a new run record keyed by the composite run ID.
func (s *RunStore) Create(ctx context.Context, run *models.PipelineRun) error {
	_, err := surrealdb.Query[any](ctx, s.client.db, `
		CREATE type::record("pipeline_run", $id) CONTENT $content
	`, map[string]any{
		"id":      run.ID,
		"content": toRecord(run),
	})
	if err != nil {
		return fmt.Errorf("create run: %w", wrapQueryError(err))
	}
	return nil
}

// Get loads a run or reports pipeline.ErrRunNotFound.
func (s *RunStore) Get(ctx context.Context, id string) (*models.PipelineRun, error) {
	results, err := surrealdb.Query[[]models.PipelineRun](ctx, s.client.db, `
		SELECT *, record::id(id) AS id FROM type::record("pipeline_run", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	run := lastSingle(results)
	if run == nil {
		return nil, pipeline.ErrRunNotFound
	}
	return run, nil
}

// Update persists the worker's view of the run. The stored cancel flag is
// never unset by a worker write, and terminal runs reject further updates.
func (s *RunStore) Update(ctx context.Context, run *models.PipelineRun) error {
	results, err := surrealdb.Query[[]struct {
		Status models.RunStatus `json:"status"`
	}](ctx, s.client.db, `
		BEGIN TRANSACTION;
		LET $stored = (SELECT status, cancel_requested FROM type::record("pipeline_run", $id))[0];
		IF $stored = NONE {
			THROW "run not found";
		};
		IF $stored.status IN ["completed", "failed", "cancelled"] {
			THROW "run is terminal";
		};
		UPDATE type::record("pipeline_run", $id) MERGE $content;
		UPDATE type::record("pipeline_run", $id) SET
			cancel_requested = cancel_requested OR $stored.cancel_requested
		RETURN VALUE { status: status };
		COMMIT TRANSACTION;
	`, map[string]any{
		"id":      run.ID,
		"content": toRecord(run),
	})
	if err != nil {
		return mapRunError(err)
	}
	if lastSingle(results) == nil {
		return pipeline.ErrRunNotFound
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag. Terminal runs are
// left untouched.
func (s *RunStore) RequestCancel(ctx context.Context, id string) error {
	results, err := surrealdb.Query[[]struct {
		Found bool `json:"found"`
	}](ctx, s.client.db, `
		BEGIN TRANSACTION;
		IF !record::exists(type::record("pipeline_run", $id)) {
			THROW "run not found";
		};
		UPDATE type::record("pipeline_run", $id)
			SET cancel_requested = true
			WHERE status NOT IN ["completed", "failed", "cancelled"];
		RETURN { found: true };
		COMMIT TRANSACTION;
	`, map[string]any{"id": id})
	if err != nil {
		return mapRunError(err)
	}
	if lastSingle(results) == nil {
		return pipeline.ErrRunNotFound
	}
	return nil
}

// CancelRequested reads the cancellation flag.
func (s *RunStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	results, err := surrealdb.Query[[]struct {
		CancelRequested bool `json:"cancel_requested"`
	}](ctx, s.client.db, `
		SELECT cancel_requested FROM type::record("pipeline_run", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}

	row := lastSingle(results)
	if row == nil {
		return false, pipeline.ErrRunNotFound
	}
	return row.CancelRequested, nil
}

// ListUnfinished returns queued and running runs, oldest first.
func (s *RunStore) ListUnfinished(ctx context.Context) ([]*models.PipelineRun, error) {
	results, err := surrealdb.Query[[]models.PipelineRun](ctx, s.client.db, `
		SELECT *, record::id(id) AS id FROM pipeline_run
		WHERE status IN ["queued", "running"]
		ORDER BY started_at ASC
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	rows := (*results)[0].Result
	out := make([]*models.PipelineRun, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// mapRunError translates THROWn guard messages into the store sentinels.
func mapRunError(err error) error {
	wrapped := wrapQueryError(err)
	msg := wrapped.Error()
	switch {
	case strings.Contains(msg, "run not found"):
		return pipeline.ErrRunNotFound
	case strings.Contains(msg, "run is terminal"):
		return pipeline.ErrRunTerminal
	}
	return fmt.Errorf("update run: %w", wrapped)
}
