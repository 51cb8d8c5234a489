package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge-io/botforge/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]string
	failing  map[string]bool
	fetched  []string
	failAll  bool
	onNFetch func(n int)
}

func (f *fakeFetcher) Discover(_ context.Context, src models.Source) ([]string, error) {
	if f.failAll {
		return nil, errors.New("discovery unavailable")
	}
	var urls []string
	for u := range f.pages {
		if strings.HasPrefix(u, src.Location) {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

func (f *fakeFetcher) Fetch(_ context.Context, pageURL string) (string, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, pageURL)
	n := len(f.fetched)
	f.mu.Unlock()

	if f.onNFetch != nil {
		f.onNFetch(n)
	}
	if f.failAll || f.failing[pageURL] {
		return "", fmt.Errorf("fetch %s: boom", pageURL)
	}
	return f.pages[pageURL], nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type fakeChunker struct {
	perDoc int
	err    error
}

func (c *fakeChunker) Split(_ context.Context, content string) ([]string, error) {
	if c.err != nil {
		return nil, c.err
	}
	n := c.perDoc
	if n <= 0 {
		n = 2
	}
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s [part %d]", content, i)
	}
	return out, nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type fakeIndex struct {
	mu     sync.Mutex
	chunks []models.ChunkInput
	err    error
}

func (idx *fakeIndex) IndexChunks(_ context.Context, chunks []models.ChunkInput) (int, error) {
	if idx.err != nil {
		return 0, idx.err
	}
	idx.mu.Lock()
	idx.chunks = append(idx.chunks, chunks...)
	idx.mu.Unlock()
	return len(chunks), nil
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ItemRetries = 1
	cfg.RetryBaseDelay = time.Millisecond
	cfg.CancelCheckEvery = 1
	return cfg
}

func newQueuedRun(t *testing.T, store RunStore, entityID string) *models.PipelineRun {
	t.Helper()
	run := models.NewPipelineRun(entityID, models.EntityKnowledgeBase)
	require.NoError(t, store.Create(context.Background(), run))
	return run
}

func TestExecuteCompletesAllStages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://docs.example.com/a": "page a content",
		"https://docs.example.com/b": "page b content",
	}}
	index := &fakeIndex{}
	runner := NewRunner(store, fetcher, &fakeChunker{perDoc: 3}, &fakeEmbedder{}, index, nil, testLogger(), fastConfig())

	run := newQueuedRun(t, store, "kb-1")
	job := Job{RunID: run.ID, EntityID: "kb-1", Sources: []models.Source{
		{Kind: models.SourceURL, Location: "https://docs.example.com"},
	}}

	require.NoError(t, runner.Execute(ctx, job))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, models.StageFinalize, got.CurrentStage)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 2, got.Stats[models.StatSourcesDiscovered])
	assert.Equal(t, 2, got.Stats[models.StatPagesFetched])
	assert.Equal(t, 6, got.Stats[models.StatChunksProduced])
	assert.Equal(t, 6, got.Stats[models.StatVectorsEmbedded])
	assert.Equal(t, 6, got.Stats[models.StatPointsIndexed])
	assert.Nil(t, got.EstimatedCompletion)
	assert.Len(t, index.chunks, 6)
	for _, c := range index.chunks {
		assert.Equal(t, "kb-1", c.KnowledgeID)
		assert.NotEmpty(t, c.Embedding)
	}
}

func TestExecuteTextSourceSkipsFetching(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	fetcher := &fakeFetcher{pages: map[string]string{}}
	index := &fakeIndex{}
	runner := NewRunner(store, fetcher, &fakeChunker{perDoc: 1}, &fakeEmbedder{}, index, nil, testLogger(), fastConfig())

	run := newQueuedRun(t, store, "kb-2")
	job := Job{RunID: run.ID, EntityID: "kb-2", Sources: []models.Source{
		{Kind: models.SourceText, Content: "pasted knowledge"},
	}}

	require.NoError(t, runner.Execute(ctx, job))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Zero(t, fetcher.fetchCount())
	assert.Equal(t, 1, got.Stats[models.StatPointsIndexed])
}

func TestExecuteProgressNeverDecreases(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	recorder := &progressRecorder{RunStore: store}
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://docs.example.com/a": "a",
		"https://docs.example.com/b": "b",
		"https://docs.example.com/c": "c",
	}, failing: map[string]bool{"https://docs.example.com/b": true}}
	runner := NewRunner(recorder, fetcher, &fakeChunker{}, &fakeEmbedder{}, &fakeIndex{}, nil, testLogger(), fastConfig())

	run := newQueuedRun(t, store, "kb-3")
	require.NoError(t, runner.Execute(ctx, Job{RunID: run.ID, EntityID: "kb-3", Sources: []models.Source{
		{Kind: models.SourceURL, Location: "https://docs.example.com"},
	}}))

	require.NotEmpty(t, recorder.progress)
	prev := -1
	for _, p := range recorder.progress {
		assert.GreaterOrEqual(t, p, prev)
		prev = p
	}
	assert.Equal(t, 100, prev)
}

func TestExecuteStagesAdvanceInOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	recorder := &stageRecorder{RunStore: store}
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://docs.example.com/a": "a",
		"https://docs.example.com/b": "b",
	}}
	runner := NewRunner(recorder, fetcher, &fakeChunker{}, &fakeEmbedder{}, &fakeIndex{}, nil, testLogger(), fastConfig())

	run := newQueuedRun(t, store, "kb-8")
	require.NoError(t, runner.Execute(ctx, Job{RunID: run.ID, EntityID: "kb-8", Sources: []models.Source{
		{Kind: models.SourceURL, Location: "https://docs.example.com"},
	}}))

	require.NotEmpty(t, recorder.stages)

	// Persisted stage positions never move backwards and never skip a
	// stage; once a stage is left it is never revisited.
	var visited []models.Stage
	prev := -1
	for _, st := range recorder.stages {
		pos := st.Position()
		require.GreaterOrEqual(t, pos, 0, "unknown stage %q", st)
		assert.GreaterOrEqual(t, pos, prev, "stage %q regressed", st)
		if pos > prev {
			assert.Equal(t, prev+1, pos, "stage %q skipped over a stage", st)
			visited = append(visited, st)
		}
		prev = pos
	}
	assert.Equal(t, models.StageOrder, visited, "a completed run visits every stage once, in order")
}

// stageRecorder captures the current stage of every persisted update.
type stageRecorder struct {
	RunStore
	mu     sync.Mutex
	stages []models.Stage
}

func (r *stageRecorder) Update(ctx context.Context, run *models.PipelineRun) error {
	r.mu.Lock()
	r.stages = append(r.stages, run.CurrentStage)
	r.mu.Unlock()
	return r.RunStore.Update(ctx, run)
}

// progressRecorder captures the progress value of every persisted update.
type progressRecorder struct {
	RunStore
	mu       sync.Mutex
	progress []int
}

func (r *progressRecorder) Update(ctx context.Context, run *models.PipelineRun) error {
	r.mu.Lock()
	r.progress = append(r.progress, run.Progress)
	r.mu.Unlock()
	return r.RunStore.Update(ctx, run)
}

func TestExecuteItemFailuresDoNotAbortRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	fetcher := &fakeFetcher{
		pages: map[string]string{
			"https://docs.example.com/good": "fine",
			"https://docs.example.com/bad":  "",
		},
		failing: map[string]bool{"https://docs.example.com/bad": true},
	}
	runner := NewRunner(store, fetcher, &fakeChunker{}, &fakeEmbedder{}, &fakeIndex{}, nil, testLogger(), fastConfig())

	run := newQueuedRun(t, store, "kb-4")
	require.NoError(t, runner.Execute(ctx, Job{RunID: run.ID, EntityID: "kb-4", Sources: []models.Source{
		{Kind: models.SourceURL, Location: "https://docs.example.com"},
	}}))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Stats[models.StatPagesFetched])
	assert.Equal(t, 1, got.Stats[models.StatPagesFailed])
}

func TestExecuteFatalFailures(t *testing.T) {
	t.Run("nothing discovered", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemoryRunStore()
		fetcher := &fakeFetcher{failAll: true}
		runner := NewRunner(store, fetcher, &fakeChunker{}, &fakeEmbedder{}, &fakeIndex{}, nil, testLogger(), fastConfig())

		run := newQueuedRun(t, store, "kb-5")
		err := runner.Execute(ctx, Job{RunID: run.ID, EntityID: "kb-5", Sources: []models.Source{
			{Kind: models.SourceURL, Location: "https://docs.example.com"},
		}})
		require.Error(t, err)

		got, getErr := store.Get(ctx, run.ID)
		require.NoError(t, getErr)
		assert.Equal(t, models.RunStatusFailed, got.Status)
		assert.Equal(t, models.StageDiscover, got.CurrentStage)
	})

	t.Run("embedding provider down", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemoryRunStore()
		fetcher := &fakeFetcher{pages: map[string]string{"https://docs.example.com/a": "content"}}
		embedder := &fakeEmbedder{err: errors.New("connection refused")}
		runner := NewRunner(store, fetcher, &fakeChunker{}, embedder, &fakeIndex{}, nil, testLogger(), fastConfig())

		run := newQueuedRun(t, store, "kb-6")
		err := runner.Execute(ctx, Job{RunID: run.ID, EntityID: "kb-6", Sources: []models.Source{
			{Kind: models.SourceURL, Location: "https://docs.example.com"},
		}})
		require.Error(t, err)

		got, getErr := store.Get(ctx, run.ID)
		require.NoError(t, getErr)
		assert.Equal(t, models.RunStatusFailed, got.Status)
		assert.Equal(t, models.StageEmbed, got.CurrentStage)
		assert.Positive(t, got.Stats[models.StatEmbedFailed])
	})

	t.Run("failure keeps earlier stats and logs", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemoryRunStore()
		fetcher := &fakeFetcher{pages: map[string]string{"https://docs.example.com/a": "content"}}
		index := &fakeIndex{err: errors.New("surreal unreachable")}
		runner := NewRunner(store, fetcher, &fakeChunker{perDoc: 2}, &fakeEmbedder{}, index, nil, testLogger(), fastConfig())

		run := newQueuedRun(t, store, "kb-7")
		require.Error(t, runner.Execute(ctx, Job{RunID: run.ID, EntityID: "kb-7", Sources: []models.Source{
			{Kind: models.SourceURL, Location: "https://docs.example.com"},
		}}))

		got, err := store.Get(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusFailed, got.Status)
		assert.Equal(t, 2, got.Stats[models.StatVectorsEmbedded])
		assert.NotEmpty(t, got.Logs)
		last := got.Logs[len(got.Logs)-1]
		assert.Equal(t, slog.LevelError.String(), last.Level)
	})
}

func TestExecuteCancellationStopsWork(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()

	pages := make(map[string]string)
	for i := 0; i < 20; i++ {
		pages[fmt.Sprintf("https://docs.example.com/p%02d", i)] = "content"
	}
	run := models.NewPipelineRun("kb-8", models.EntityKnowledgeBase)
	require.NoError(t, store.Create(ctx, run))

	fetcher := &fakeFetcher{pages: pages}
	fetcher.onNFetch = func(n int) {
		if n == 3 {
			require.NoError(t, store.RequestCancel(ctx, run.ID))
		}
	}
	runner := NewRunner(store, fetcher, &fakeChunker{}, &fakeEmbedder{}, &fakeIndex{}, nil, testLogger(), fastConfig())

	require.NoError(t, runner.Execute(ctx, Job{RunID: run.ID, EntityID: "kb-8", Sources: []models.Source{
		{Kind: models.SourceURL, Location: "https://docs.example.com"},
	}}))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)
	// With CancelCheckEvery=1 the flag is observed before the next fetch.
	assert.LessOrEqual(t, fetcher.fetchCount(), 4)
	assert.Less(t, got.Progress, 100)
}

func TestTrackerLogsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	run := models.NewPipelineRun("kb-9", models.EntityKnowledgeBase)
	for i := 0; i < 5; i++ {
		run.Logs = append(run.Logs, models.LogEntry{
			Time:    time.Now(),
			Level:   "INFO",
			Message: fmt.Sprintf("entry %d", i),
		})
	}
	require.NoError(t, store.Create(ctx, run))

	tracker := NewTracker(store)

	logs, err := tracker.Logs(ctx, run.ID, 3)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "entry 4", logs[0].Message)
	assert.Equal(t, "entry 2", logs[2].Message)

	all, err := tracker.Logs(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestTrackerCancelTerminalRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	run := models.NewPipelineRun("kb-10", models.EntityKnowledgeBase)
	require.NoError(t, store.Create(ctx, run))
	run.Status = models.RunStatusCompleted
	require.NoError(t, store.Update(ctx, run))

	tracker := NewTracker(store)
	err := tracker.RequestCancel(ctx, run.ID)
	require.ErrorIs(t, err, ErrRunTerminal)

	err = tracker.RequestCancel(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestWorkerPoolRunsEnqueuedJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	fetcher := &fakeFetcher{pages: map[string]string{"https://docs.example.com/a": "content"}}
	runner := NewRunner(store, fetcher, &fakeChunker{}, &fakeEmbedder{}, &fakeIndex{}, nil, testLogger(), fastConfig())

	pool := NewWorkerPool(runner, store, 2, 0, testLogger())
	pool.Start(ctx)
	defer pool.Stop()

	var runs []*models.PipelineRun
	for i := 0; i < 3; i++ {
		run := models.NewPipelineRun(fmt.Sprintf("kb-%d", i), models.EntityKnowledgeBase)
		require.NoError(t, store.Create(ctx, run))
		runs = append(runs, run)
		require.NoError(t, pool.Enqueue(Job{RunID: run.ID, EntityID: run.EntityID, Sources: []models.Source{
			{Kind: models.SourceText, Content: "inline"},
		}}))
	}

	require.Eventually(t, func() bool {
		for _, run := range runs {
			got, err := store.Get(ctx, run.ID)
			if err != nil || got.Status != models.RunStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerPoolSweepsOrphansOnStart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()

	orphan := models.NewPipelineRun("kb-orphan", models.EntityKnowledgeBase)
	require.NoError(t, store.Create(ctx, orphan))
	orphan.Status = models.RunStatusRunning
	orphan.CurrentStage = models.StageEmbed
	require.NoError(t, store.Update(ctx, orphan))

	finished := models.NewPipelineRun("kb-done", models.EntityKnowledgeBase)
	require.NoError(t, store.Create(ctx, finished))
	finished.Status = models.RunStatusCompleted
	require.NoError(t, store.Update(ctx, finished))

	runner := NewRunner(store, &fakeFetcher{}, &fakeChunker{}, &fakeEmbedder{}, &fakeIndex{}, nil, testLogger(), fastConfig())
	pool := NewWorkerPool(runner, store, 1, 0, testLogger())
	pool.Start(ctx)
	defer pool.Stop()

	got, err := store.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	require.NotEmpty(t, got.Logs)
	assert.Contains(t, got.Logs[len(got.Logs)-1].Message, "restart")

	done, err := store.Get(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, done.Status)
}

func TestWatchdogFailsStalledRuns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()

	stalled := models.NewPipelineRun("kb-stalled", models.EntityKnowledgeBase)
	require.NoError(t, store.Create(ctx, stalled))
	stalled.Status = models.RunStatusRunning
	stalled.CurrentStage = models.StageFetch
	stalled.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Update(ctx, stalled))

	fresh := models.NewPipelineRun("kb-fresh", models.EntityKnowledgeBase)
	require.NoError(t, store.Create(ctx, fresh))
	fresh.Status = models.RunStatusRunning
	require.NoError(t, store.Update(ctx, fresh))

	runner := NewRunner(store, &fakeFetcher{}, &fakeChunker{}, &fakeEmbedder{}, &fakeIndex{}, nil, testLogger(), fastConfig())
	pool := NewWorkerPool(runner, store, 1, 10*time.Minute, testLogger())
	pool.sweepStalled(ctx)

	got, err := store.Get(ctx, stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	require.NotEmpty(t, got.Logs)
	assert.Contains(t, got.Logs[len(got.Logs)-1].Message, "stalled")

	ok, err := store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, ok.Status)
}
