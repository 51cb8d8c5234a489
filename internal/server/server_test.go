package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge-io/botforge/internal/db"
	"github.com/botforge-io/botforge/internal/deploy"
	"github.com/botforge-io/botforge/internal/draft"
	"github.com/botforge-io/botforge/internal/metrics"
	"github.com/botforge-io/botforge/internal/models"
	"github.com/botforge-io/botforge/internal/pipeline"
	"github.com/botforge-io/botforge/internal/server"
)

// testLogger creates a logger that writes to stderr for test visibility.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fakeEntities struct{}

func (f *fakeEntities) CreateKnowledgeBase(ctx context.Context, id, name, ownerScope string, sources []models.Source) (*models.KnowledgeBase, error) {
	return &models.KnowledgeBase{Name: name, OwnerScope: ownerScope, Sources: sources}, nil
}

func (f *fakeEntities) CreateBot(ctx context.Context, id string, bot models.Bot) (*models.Bot, error) {
	return &bot, nil
}

func (f *fakeEntities) CreateWorkflow(ctx context.Context, id string, wf models.Workflow) (*models.Workflow, error) {
	wf.Revision = 1
	return &wf, nil
}

type fakeQueue struct {
	jobs atomic.Int64
}

func (f *fakeQueue) Enqueue(job pipeline.Job) error {
	f.jobs.Add(1)
	return nil
}

type fakeStats struct {
	pingErr error
}

func (f *fakeStats) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStats) CountEntities(ctx context.Context) (map[string]int, error) {
	return map[string]int{"knowledge_base": 2, "bot": 1, "workflow": 0, "chunk": 40}, nil
}

type fakeSearcher struct {
	knowledgeID string
	query       string
	limit       int
	results     []db.ScoredChunk
	err         error
}

func (f *fakeSearcher) Search(_ context.Context, knowledgeID, query string, limit int) ([]db.ScoredChunk, error) {
	f.knowledgeID = knowledgeID
	f.query = query
	f.limit = limit
	return f.results, f.err
}

type testEnv struct {
	srv      *httptest.Server
	drafts   *draft.MemoryStore
	runs     *pipeline.MemoryRunStore
	queue    *fakeQueue
	stats    *fakeStats
	searcher *fakeSearcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	drafts := draft.NewMemoryStore(time.Hour, logger)
	t.Cleanup(drafts.Close)

	runs := pipeline.NewMemoryRunStore()
	queue := &fakeQueue{}
	stats := &fakeStats{}
	searcher := &fakeSearcher{}

	orch := deploy.NewOrchestrator(drafts, &fakeEntities{}, runs, queue, nil, logger)
	srv := server.New(drafts, orch, pipeline.NewTracker(runs), metrics.NewCollector(), stats, searcher, "localhost", 0, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{srv: ts, drafts: drafts, runs: runs, queue: queue, stats: stats, searcher: searcher}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode == http.StatusNoContent {
		return resp, nil
	}
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func createDraft(t *testing.T, e *testEnv, entityType string, payload map[string]any) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/v1/drafts", map[string]any{
		"entity_type": entityType,
		"owner_scope": "tenant-a",
		"payload":     payload,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["draft_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestDraftLifecycle(t *testing.T) {
	e := newTestEnv(t)

	id := createDraft(t, e, "chatbot", map[string]any{
		"name":  "Support Bot",
		"model": "gpt-4o-mini",
	})
	path := "/api/v1/drafts/chatbot/" + id

	t.Run("get", func(t *testing.T) {
		resp, body := e.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		payload, _ := body["payload"].(map[string]any)
		assert.Equal(t, "Support Bot", payload["name"])
	})

	t.Run("patch replaces payload", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodPatch, path, map[string]any{
			"payload": map[string]any{"name": "Sales Bot", "model": "gpt-4o-mini"},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		_, body := e.do(t, http.MethodGet, path, nil)
		payload, _ := body["payload"].(map[string]any)
		assert.Equal(t, "Sales Bot", payload["name"])
	})

	t.Run("validate", func(t *testing.T) {
		resp, body := e.do(t, http.MethodPost, path+"/validate", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["valid"])
	})

	t.Run("delete then get is 404", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodDelete, path, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp, _ = e.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestCreateDraftRejectsBadInput(t *testing.T) {
	e := newTestEnv(t)

	t.Run("unknown entity type", func(t *testing.T) {
		resp, body := e.do(t, http.MethodPost, "/api/v1/drafts", map[string]any{
			"entity_type": "spaceship",
			"owner_scope": "tenant-a",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body["error"], "spaceship")
	})

	t.Run("missing owner scope", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodPost, "/api/v1/drafts", map[string]any{
			"entity_type": "chatbot",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestPreviewDraft(t *testing.T) {
	e := newTestEnv(t)

	id := createDraft(t, e, "chatbot", map[string]any{
		"name":     "Support Bot",
		"model":    "gpt-4o-mini",
		"greeting": "Welcome aboard!",
	})

	resp, body := e.do(t, http.MethodPost, "/api/v1/drafts/chatbot/"+id+"/preview", map[string]any{
		"input": "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Welcome aboard!", body["greeting"])

	d, err := e.drafts.Get(context.Background(), models.EntityChatbot, id)
	require.NoError(t, err)
	assert.NotNil(t, d.PreviewState, "preview state persists on the draft")
}

func TestFinalizeLaunchesPipeline(t *testing.T) {
	e := newTestEnv(t)

	id := createDraft(t, e, "knowledge-base", map[string]any{
		"name": "Docs",
		"sources": []any{
			map[string]any{"kind": "text", "content": "botforge is a bot platform"},
		},
	})

	resp, body := e.do(t, http.MethodPost, "/api/v1/drafts/knowledge-base/"+id+"/finalize", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["entity_id"])

	pipelineID, _ := body["pipeline_id"].(string)
	require.NotEmpty(t, pipelineID)
	assert.Equal(t, int64(1), e.queue.jobs.Load())

	t.Run("status", func(t *testing.T) {
		resp, status := e.do(t, http.MethodGet, "/api/v1/pipelines/"+pipelineID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "queued", status["status"])
	})

	t.Run("cancel", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodPost, "/api/v1/pipelines/"+pipelineID+"/cancel", nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		requested, err := e.runs.CancelRequested(context.Background(), pipelineID)
		require.NoError(t, err)
		assert.True(t, requested)
	})

	t.Run("draft is gone after finalize", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodGet, "/api/v1/drafts/knowledge-base/"+id, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestFinalizeInvalidDraftReturnsAllErrors(t *testing.T) {
	e := newTestEnv(t)

	id := createDraft(t, e, "knowledge-base", map[string]any{})

	resp, body := e.do(t, http.MethodPost, "/api/v1/drafts/knowledge-base/"+id+"/finalize", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, false, body["valid"])

	errs, _ := body["errors"].([]any)
	assert.Len(t, errs, 2, "missing name and missing sources are both reported")
}

func TestCancelFinishedRunConflicts(t *testing.T) {
	e := newTestEnv(t)

	run := models.NewPipelineRun("kb-feed", models.EntityKnowledgeBase)
	run.Status = models.RunStatusCompleted
	require.NoError(t, e.runs.Create(context.Background(), run))

	resp, body := e.do(t, http.MethodPost, "/api/v1/pipelines/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "finished")
}

func TestPipelineNotFound(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/api/v1/pipelines/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/pipelines/nope/logs", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPipelineLogsLimit(t *testing.T) {
	e := newTestEnv(t)

	run := models.NewPipelineRun("kb-feed", models.EntityKnowledgeBase)
	for i := 0; i < 5; i++ {
		run.Logs = append(run.Logs, models.LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Stage:   models.StageFetch,
			Message: fmt.Sprintf("page %d", i),
		})
	}
	require.NoError(t, e.runs.Create(context.Background(), run))

	resp, body := e.do(t, http.MethodGet, "/api/v1/pipelines/"+run.ID+"/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	logs, _ := body["logs"].([]any)
	require.Len(t, logs, 2)
	first, _ := logs[0].(map[string]any)
	assert.Equal(t, "page 4", first["message"], "newest entry comes first")

	t.Run("bad limit", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodGet, "/api/v1/pipelines/"+run.ID+"/logs?limit=-1", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	t.Run("degraded when store is down", func(t *testing.T) {
		e.stats.pingErr = fmt.Errorf("connection refused")
		resp, body := e.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "degraded", body["status"])
	})
}

func TestSearchKnowledgeBase(t *testing.T) {
	e := newTestEnv(t)
	e.searcher.results = []db.ScoredChunk{
		{Chunk: models.Chunk{Content: "reset your password from settings"}, Score: 0.8},
	}

	resp, body := e.do(t, http.MethodGet, "/api/v1/knowledge-bases/kb-1/search?q=reset+password&limit=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "reset password", body["query"])
	results, ok := body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)

	assert.Equal(t, "kb-1", e.searcher.knowledgeID)
	assert.Equal(t, 3, e.searcher.limit)

	t.Run("missing query", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodGet, "/api/v1/knowledge-bases/kb-1/search", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad limit", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodGet, "/api/v1/knowledge-bases/kb-1/search?q=x&limit=-1", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entities, _ := body["entities"].(map[string]any)
	assert.EqualValues(t, 2, entities["knowledge_base"])
	assert.Contains(t, body, "operations")
}

func TestPipelineWebsocketStreams(t *testing.T) {
	e := newTestEnv(t)

	run := models.NewPipelineRun("kb-feed", models.EntityKnowledgeBase)
	run.Status = models.RunStatusCompleted
	run.Progress = 100
	require.NoError(t, e.runs.Create(context.Background(), run))

	wsURL := strings.Replace(e.srv.URL, "http://", "ws://", 1) + "/api/v1/pipelines/" + run.ID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var snapshot map[string]any
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "completed", snapshot["status"])
	assert.EqualValues(t, 100, snapshot["progress_percentage"])

	// A terminal run gets exactly one snapshot, then a normal close.
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestPipelineWebsocketUnknownRun(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.srv.URL + "/api/v1/pipelines/nope/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
