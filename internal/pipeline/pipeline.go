package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/botforge-io/botforge/internal/chunk"
	"github.com/botforge-io/botforge/internal/fetch"
	"github.com/botforge-io/botforge/internal/metrics"
	"github.com/botforge-io/botforge/internal/models"
)

// Embedder is the embedding collaborator: batch of text in, batch of
// vectors out.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the vector store collaborator. It reports how many
// points were acknowledged.
type VectorIndex interface {
	IndexChunks(ctx context.Context, chunks []models.ChunkInput) (int, error)
}

// Job is one enqueued ingestion job. Sources are captured at finalize
// time so the worker does not depend on the entity store.
type Job struct {
	RunID    string
	EntityID string
	Sources  []models.Source
}

// Config tunes pipeline execution.
type Config struct {
	// ItemRetries is the retry budget for one failing item or batch.
	ItemRetries int
	// EmbedBatchSize is the number of chunks embedded per provider call.
	EmbedBatchSize int
	// CancelCheckEvery is the item interval between cancellation checks
	// inside long stages.
	CancelCheckEvery int
	// RetryBaseDelay seeds the exponential backoff between item retries.
	RetryBaseDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ItemRetries:      2,
		EmbedBatchSize:   16,
		CancelCheckEvery: 5,
		RetryBaseDelay:   500 * time.Millisecond,
	}
}

// Runner executes ingestion jobs stage by stage against the external
// collaborators, recording every state change in the run store.
type Runner struct {
	store     RunStore
	fetcher   fetch.Service
	chunker   chunk.Chunker
	embedder  Embedder
	index     VectorIndex
	collector *metrics.Collector
	logger    *slog.Logger
	cfg       Config
}

// NewRunner wires a runner with its collaborators.
func NewRunner(store RunStore, fetcher fetch.Service, chunker chunk.Chunker, embedder Embedder, index VectorIndex, collector *metrics.Collector, logger *slog.Logger, cfg Config) *Runner {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = DefaultConfig().EmbedBatchSize
	}
	if cfg.CancelCheckEvery <= 0 {
		cfg.CancelCheckEvery = DefaultConfig().CancelCheckEvery
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &Runner{
		store:     store,
		fetcher:   fetcher,
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		collector: collector,
		logger:    logger,
		cfg:       cfg,
	}
}

// errCancelled unwinds stage execution after the run was marked cancelled.
var errCancelled = errors.New("run cancelled")

// fatalError aborts the whole run, as opposed to a counted item failure.
type fatalError struct {
	stage models.Stage
	err   error
}

func (e *fatalError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.stage, e.err)
}

func (e *fatalError) Unwrap() error { return e.err }

// document is fetched content awaiting chunking.
type document struct {
	source  string
	content string
}

// Execute runs one job end to end. It never panics outward and reports
// all failures through the run record; the returned error exists for
// tests and logging only.
func (r *Runner) Execute(ctx context.Context, job Job) error {
	run, err := r.store.Get(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", job.RunID, err)
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}

	e := &execution{r: r, run: run, job: job}

	run.Status = models.RunStatusRunning
	e.logf(slog.LevelInfo, "", "pipeline started with %d sources", len(job.Sources))
	e.persist(ctx)

	err = e.runStages(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errCancelled):
		// Already marked by the checkpoint that observed the flag.
		return nil
	default:
		e.markFailed(ctx, err)
		return err
	}
}

type execution struct {
	r   *Runner
	run *models.PipelineRun
	job Job
}

func (e *execution) runStages(ctx context.Context) error {
	urls, inline, err := e.stageDiscover(ctx)
	if err != nil {
		return err
	}
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	docs, err := e.stageFetch(ctx, urls, inline)
	if err != nil {
		return err
	}
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	chunks, err := e.stageChunk(ctx, docs)
	if err != nil {
		return err
	}
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	embedded, err := e.stageEmbed(ctx, chunks)
	if err != nil {
		return err
	}
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	if err := e.stageIndex(ctx, embedded); err != nil {
		return err
	}

	e.finalizeStats(ctx)
	return nil
}

// stageDiscover expands configured sources into page URLs and inline
// documents.
func (e *execution) stageDiscover(ctx context.Context) ([]string, []document, error) {
	e.enterStage(ctx, models.StageDiscover)

	var urls []string
	var inline []document
	failures := 0

	for i, src := range e.job.Sources {
		if src.Kind == models.SourceText {
			inline = append(inline, document{
				source:  fmt.Sprintf("inline-%d", i),
				content: src.Content,
			})
			e.addStat(models.StatSourcesDiscovered, 1)
			continue
		}

		found, err := e.r.fetcher.Discover(ctx, src)
		if err != nil {
			failures++
			e.addStat(models.StatPagesFailed, 1)
			e.logf(slog.LevelWarn, models.StageDiscover, "source %s: discovery failed: %v", src.Location, err)
			continue
		}
		urls = append(urls, found...)
		e.addStat(models.StatSourcesDiscovered, len(found))
		e.setProgress(ctx, models.StageDiscover, float64(i+1)/float64(len(e.job.Sources)))
	}

	if len(urls) == 0 && len(inline) == 0 {
		return nil, nil, &fatalError{models.StageDiscover, fmt.Errorf("no sources could be discovered (%d failures)", failures)}
	}

	e.logf(slog.LevelInfo, models.StageDiscover, "discovered %d pages, %d inline documents", len(urls), len(inline))
	e.setProgress(ctx, models.StageDiscover, 1)
	return urls, inline, nil
}

// stageFetch retrieves every discovered page. Item failures are counted
// and retried within budget; the stage only aborts when nothing at all
// could be fetched.
func (e *execution) stageFetch(ctx context.Context, urls []string, inline []document) ([]document, error) {
	e.enterStage(ctx, models.StageFetch)

	docs := make([]document, 0, len(urls)+len(inline))
	for _, doc := range inline {
		docs = append(docs, doc)
		e.addStat(models.StatPagesFetched, 1)
	}

	for i, pageURL := range urls {
		if i%e.r.cfg.CancelCheckEvery == 0 {
			if err := e.checkpoint(ctx); err != nil {
				return nil, err
			}
		}

		var content string
		start := time.Now()
		err := e.retryItem(ctx, func() error {
			var fetchErr error
			content, fetchErr = e.r.fetcher.Fetch(ctx, pageURL)
			return fetchErr
		})
		e.r.collector.RecordBatch(metrics.OpFetch, time.Since(start), 1, err != nil)

		if err != nil {
			e.addStat(models.StatPagesFailed, 1)
			e.logf(slog.LevelWarn, models.StageFetch, "page %s: fetch failed after retries: %v", pageURL, err)
		} else {
			docs = append(docs, document{source: pageURL, content: content})
			e.addStat(models.StatPagesFetched, 1)
		}

		e.setProgress(ctx, models.StageFetch, float64(i+1)/float64(len(urls)))
	}

	if len(docs) == 0 {
		return nil, &fatalError{models.StageFetch, errors.New("no content could be fetched from any source")}
	}

	e.logf(slog.LevelInfo, models.StageFetch, "fetched %d of %d pages", len(docs)-len(inline), len(urls))
	e.setProgress(ctx, models.StageFetch, 1)
	return docs, nil
}

// stageChunk splits fetched documents into embeddable pieces.
func (e *execution) stageChunk(ctx context.Context, docs []document) ([]models.ChunkInput, error) {
	e.enterStage(ctx, models.StageChunk)

	var chunks []models.ChunkInput
	position := 0
	for i, doc := range docs {
		start := time.Now()
		pieces, err := e.r.chunker.Split(ctx, doc.content)
		e.r.collector.RecordBatch(metrics.OpChunk, time.Since(start), int64(len(pieces)), err != nil)

		if err != nil {
			e.addStat(models.StatChunkFailed, 1)
			e.logf(slog.LevelWarn, models.StageChunk, "document %s: chunking failed: %v", doc.source, err)
			continue
		}
		for _, piece := range pieces {
			chunks = append(chunks, models.ChunkInput{
				KnowledgeID: e.job.EntityID,
				Source:      doc.source,
				Position:    position,
				Content:     piece,
			})
			position++
		}
		e.setProgress(ctx, models.StageChunk, float64(i+1)/float64(len(docs)))
	}

	if len(chunks) == 0 {
		return nil, &fatalError{models.StageChunk, errors.New("no chunks produced from fetched content")}
	}

	e.addStat(models.StatChunksProduced, len(chunks))
	e.logf(slog.LevelInfo, models.StageChunk, "produced %d chunks from %d documents", len(chunks), len(docs))
	e.setProgress(ctx, models.StageChunk, 1)
	return chunks, nil
}

// stageEmbed attaches vectors to chunks in provider-sized batches. A
// batch that exhausts its retries is counted failed and skipped; the
// stage is fatal only when every batch failed, which means the provider
// is unreachable rather than struggling.
func (e *execution) stageEmbed(ctx context.Context, chunks []models.ChunkInput) ([]models.ChunkInput, error) {
	e.enterStage(ctx, models.StageEmbed)

	batchSize := e.r.cfg.EmbedBatchSize
	embedded := make([]models.ChunkInput, 0, len(chunks))
	batches := 0
	failedBatches := 0

	for start := 0; start < len(chunks); start += batchSize {
		if err := e.checkpoint(ctx); err != nil {
			return nil, err
		}

		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		batches++

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		var vectors [][]float32
		callStart := time.Now()
		err := e.retryItem(ctx, func() error {
			var embedErr error
			vectors, embedErr = e.r.embedder.EmbedBatch(ctx, texts)
			return embedErr
		})
		e.r.collector.RecordBatch(metrics.OpEmbed, time.Since(callStart), int64(len(batch)), err != nil)

		if err != nil {
			failedBatches++
			e.addStat(models.StatEmbedFailed, len(batch))
			e.logf(slog.LevelWarn, models.StageEmbed, "batch of %d: embedding failed after retries: %v", len(batch), err)
		} else {
			for i := range batch {
				c := batch[i]
				c.Embedding = vectors[i]
				embedded = append(embedded, c)
			}
			e.addStat(models.StatVectorsEmbedded, len(batch))
		}

		e.setProgress(ctx, models.StageEmbed, float64(end)/float64(len(chunks)))
	}

	if failedBatches == batches {
		return nil, &fatalError{models.StageEmbed, errors.New("embedding provider unreachable: every batch failed")}
	}

	e.logf(slog.LevelInfo, models.StageEmbed, "embedded %d of %d chunks", len(embedded), len(chunks))
	e.setProgress(ctx, models.StageEmbed, 1)
	return embedded, nil
}

// indexBatchSize bounds one vector store write.
const indexBatchSize = 64

// stageIndex upserts embedded chunks into the vector store.
func (e *execution) stageIndex(ctx context.Context, chunks []models.ChunkInput) error {
	e.enterStage(ctx, models.StageIndex)

	batches := 0
	failedBatches := 0

	for start := 0; start < len(chunks); start += indexBatchSize {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}

		end := start + indexBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		batches++

		var acked int
		callStart := time.Now()
		err := e.retryItem(ctx, func() error {
			var indexErr error
			acked, indexErr = e.r.index.IndexChunks(ctx, batch)
			return indexErr
		})
		e.r.collector.RecordBatch(metrics.OpIndex, time.Since(callStart), int64(len(batch)), err != nil)

		if err != nil {
			failedBatches++
			e.addStat(models.StatIndexFailed, len(batch))
			e.logf(slog.LevelWarn, models.StageIndex, "batch of %d: indexing failed after retries: %v", len(batch), err)
		} else {
			e.addStat(models.StatPointsIndexed, acked)
		}

		e.setProgress(ctx, models.StageIndex, float64(end)/float64(len(chunks)))
	}

	if batches > 0 && failedBatches == batches {
		return &fatalError{models.StageIndex, errors.New("vector store unreachable: every batch failed")}
	}

	e.setProgress(ctx, models.StageIndex, 1)
	return nil
}

// finalizeStats flips the run to its terminal completed state.
func (e *execution) finalizeStats(ctx context.Context) {
	e.enterStage(ctx, models.StageFinalize)
	e.run.Status = models.RunStatusCompleted
	e.run.Progress = 100
	e.run.EstimatedCompletion = nil
	e.logf(slog.LevelInfo, models.StageFinalize, "pipeline completed: %d chunks indexed, %d pages failed",
		e.run.Stats[models.StatPointsIndexed], e.run.Stats[models.StatPagesFailed])
	e.persist(ctx)
}

// checkpoint observes the cooperative cancellation flag and context
// cancellation. On cancellation the run is marked and errCancelled
// unwinds the stages; partial artifacts stay in place.
func (e *execution) checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		e.markCancelled(ctx, "worker shutting down")
		return errCancelled
	}

	requested, err := e.r.store.CancelRequested(ctx, e.run.ID)
	if err != nil {
		e.r.logger.Warn("cancel flag read failed", "pipeline_id", e.run.ID, "error", err)
		return nil
	}
	if requested {
		e.markCancelled(ctx, "cancelled by user request")
		return errCancelled
	}
	return nil
}

func (e *execution) markCancelled(ctx context.Context, reason string) {
	e.run.Status = models.RunStatusCancelled
	e.run.EstimatedCompletion = nil
	e.logf(slog.LevelInfo, e.run.CurrentStage, "pipeline cancelled during %s: %s", e.run.CurrentStage, reason)
	e.persist(context.WithoutCancel(ctx))
}

func (e *execution) markFailed(ctx context.Context, cause error) {
	e.run.Status = models.RunStatusFailed
	e.run.EstimatedCompletion = nil
	e.logf(slog.LevelError, e.run.CurrentStage, "pipeline failed: %v", cause)
	e.persist(context.WithoutCancel(ctx))
}

// enterStage advances CurrentStage. Stage order is fixed; this only ever
// moves forward.
func (e *execution) enterStage(ctx context.Context, stage models.Stage) {
	e.run.CurrentStage = stage
	e.logf(slog.LevelInfo, stage, "stage %s started", stage)
	e.persist(ctx)
}

// setProgress recomputes overall progress from the weighted stage shares.
// Progress never decreases.
func (e *execution) setProgress(ctx context.Context, stage models.Stage, frac float64) {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}

	base := 0
	for _, s := range models.StageOrder {
		if s == stage {
			break
		}
		base += models.StageWeights[s]
	}
	p := base + int(frac*float64(models.StageWeights[stage]))
	if p > e.run.Progress {
		e.run.Progress = p
	}
	e.persist(ctx)
}

// maxLogEntries bounds the per-run log buffer; oldest entries drop first.
const maxLogEntries = 200

func (e *execution) logf(level slog.Level, stage models.Stage, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.run.Logs = append(e.run.Logs, models.LogEntry{
		Time:    time.Now(),
		Level:   level.String(),
		Stage:   stage,
		Message: msg,
	})
	if len(e.run.Logs) > maxLogEntries {
		e.run.Logs = e.run.Logs[len(e.run.Logs)-maxLogEntries:]
	}
	e.r.logger.Log(context.Background(), level, msg, "pipeline_id", e.run.ID, "stage", stage)
}

func (e *execution) addStat(key string, delta int) {
	if e.run.Stats == nil {
		e.run.Stats = make(map[string]int)
	}
	e.run.Stats[key] += delta
}

// persist writes the worker's view of the run, refreshing UpdatedAt and
// the completion estimate.
func (e *execution) persist(ctx context.Context) {
	now := time.Now()
	e.run.UpdatedAt = now

	if e.run.Progress > 0 && e.run.Progress < 100 && !e.run.Status.Terminal() {
		elapsed := now.Sub(e.run.StartedAt)
		total := time.Duration(float64(elapsed) * 100 / float64(e.run.Progress))
		eta := e.run.StartedAt.Add(total)
		e.run.EstimatedCompletion = &eta
	}

	if err := e.r.store.Update(ctx, e.run); err != nil {
		e.r.logger.Warn("failed to persist pipeline run", "pipeline_id", e.run.ID, "error", err)
	}
}

// retryItem retries one item-level operation with exponential backoff up
// to the configured budget.
func (e *execution) retryItem(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.r.cfg.RetryBaseDelay
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.r.cfg.ItemRetries)), ctx))
}
