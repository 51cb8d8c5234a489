package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge-io/botforge/internal/models"
	"github.com/botforge-io/botforge/internal/pipeline"
)

// Run store tests share the container from TestMain in db_test.go.

func newStoredRun(t *testing.T, store *RunStore, entityID string) *models.PipelineRun {
	t.Helper()
	run := models.NewPipelineRun(entityID, models.EntityKnowledgeBase)
	require.NoError(t, store.Create(context.Background(), run))
	t.Cleanup(func() {
		_, _ = testDB.Query(context.Background(), `DELETE type::record("pipeline_run", $id)`, map[string]any{"id": run.ID})
	})
	return run
}

func TestRunStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(testDB)

	run := newStoredRun(t, store, "kb-run-1")

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "kb-run-1", got.EntityID)
	assert.Equal(t, models.RunStatusQueued, got.Status)
	assert.Equal(t, models.StageDiscover, got.CurrentStage)

	_, err = store.Get(ctx, "kb-missing-0")
	require.ErrorIs(t, err, pipeline.ErrRunNotFound)
}

func TestRunStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(testDB)

	run := newStoredRun(t, store, "kb-run-2")

	run.Status = models.RunStatusRunning
	run.CurrentStage = models.StageFetch
	run.Progress = 25
	run.Stats[models.StatPagesFetched] = 3
	run.Logs = append(run.Logs, models.LogEntry{Time: time.Now(), Level: "INFO", Stage: models.StageFetch, Message: "fetched 3 pages"})
	run.UpdatedAt = time.Now()
	require.NoError(t, store.Update(ctx, run))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Equal(t, 25, got.Progress)
	assert.Equal(t, 3, got.Stats[models.StatPagesFetched])
	require.Len(t, got.Logs, 1)

	// Terminal runs reject further worker updates.
	run.Status = models.RunStatusCompleted
	run.Progress = 100
	require.NoError(t, store.Update(ctx, run))

	run.Progress = 50
	err = store.Update(ctx, run)
	require.ErrorIs(t, err, pipeline.ErrRunTerminal)
}

func TestRunStoreCancelFlag(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(testDB)

	run := newStoredRun(t, store, "kb-run-3")

	requested, err := store.CancelRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, store.RequestCancel(ctx, run.ID))

	requested, err = store.CancelRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	// A worker update carrying a stale copy must not unset the flag.
	run.Status = models.RunStatusRunning
	run.CancelRequested = false
	require.NoError(t, store.Update(ctx, run))

	requested, err = store.CancelRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	require.ErrorIs(t, store.RequestCancel(ctx, "kb-missing-0"), pipeline.ErrRunNotFound)
}

func TestRunStoreListUnfinished(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(testDB)

	queued := newStoredRun(t, store, "kb-run-4")

	finished := newStoredRun(t, store, "kb-run-5")
	finished.Status = models.RunStatusCompleted
	require.NoError(t, store.Update(ctx, finished))

	runs, err := store.ListUnfinished(ctx)
	require.NoError(t, err)

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	assert.Contains(t, ids, queued.ID)
	assert.NotContains(t, ids, finished.ID)
}
