package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/botforge-io/botforge/internal/models"
)

// WorkerPool executes ingestion jobs on a bounded set of goroutines and
// supervises run health via its watchdog.
type WorkerPool struct {
	runner *Runner
	store  RunStore
	logger *slog.Logger

	jobs        chan Job
	workers     int
	stallWindow time.Duration

	active atomic.Int64
	done   atomic.Int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// queueDepth bounds pending jobs; Enqueue fails fast once it fills.
const queueDepth = 64

// NewWorkerPool builds a pool. Call Start before enqueueing.
func NewWorkerPool(runner *Runner, store RunStore, workers int, stallWindow time.Duration, logger *slog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		runner:      runner,
		store:       store,
		logger:      logger,
		jobs:        make(chan Job, queueDepth),
		workers:     workers,
		stallWindow: stallWindow,
	}
}

// Start sweeps orphaned runs from a previous process and launches the
// workers and the watchdog.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.sweepOrphans(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	if p.stallWindow > 0 {
		p.wg.Add(1)
		go p.watchdog(ctx)
	}

	p.logger.Info("worker pool started", "workers", p.workers, "queue_depth", queueDepth)
}

// Enqueue hands a job to the pool without blocking.
func (p *WorkerPool) Enqueue(job Job) error {
	select {
	case p.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%w: %d jobs pending", ErrQueueFull, len(p.jobs))
	}
}

// Stop cancels in-flight runs at their next checkpoint and waits for the
// workers to drain.
func (p *WorkerPool) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.logger.Info("worker pool stopped", "completed_jobs", p.done.Load())
	})
}

// Active returns the number of jobs currently executing.
func (p *WorkerPool) Active() int64 {
	return p.active.Load()
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.active.Add(1)
			p.runJob(ctx, id, job)
			p.active.Add(-1)
			p.done.Add(1)
		}
	}
}

// runJob isolates one job so a panic in a stage cannot take down the
// worker goroutine.
func (p *WorkerPool) runJob(ctx context.Context, workerID int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in pipeline job", "worker", workerID, "pipeline_id", job.RunID, "panic", r)
			p.failRun(context.WithoutCancel(ctx), job.RunID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	p.logger.Info("job started", "worker", workerID, "pipeline_id", job.RunID)
	if err := p.runner.Execute(ctx, job); err != nil {
		p.logger.Warn("job finished with error", "worker", workerID, "pipeline_id", job.RunID, "error", err)
		return
	}
	p.logger.Info("job finished", "worker", workerID, "pipeline_id", job.RunID)
}

// watchdog marks runs failed when their record has not moved within the
// stall window. A stalled record means the owning worker died without
// reaching a checkpoint.
func (p *WorkerPool) watchdog(ctx context.Context) {
	defer p.wg.Done()

	interval := p.stallWindow / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepStalled(ctx)
		}
	}
}

func (p *WorkerPool) sweepStalled(ctx context.Context) {
	runs, err := p.store.ListUnfinished(ctx)
	if err != nil {
		p.logger.Warn("watchdog sweep failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-p.stallWindow)
	for _, run := range runs {
		if run.Status != models.RunStatusRunning || !run.UpdatedAt.Before(cutoff) {
			continue
		}
		p.logger.Warn("run stalled", "pipeline_id", run.ID, "stage", run.CurrentStage, "last_update", run.UpdatedAt)
		p.failRun(ctx, run.ID, fmt.Sprintf("stalled in stage %s: no progress since %s", run.CurrentStage, run.UpdatedAt.Format(time.RFC3339)))
	}
}

// sweepOrphans fails any run left non-terminal by a previous process.
// Runs restart from scratch; partial indexing is overwritten on the next
// finalize.
func (p *WorkerPool) sweepOrphans(ctx context.Context) {
	runs, err := p.store.ListUnfinished(ctx)
	if err != nil {
		p.logger.Warn("orphan sweep failed", "error", err)
		return
	}

	for _, run := range runs {
		p.logger.Warn("failing orphaned run from previous process", "pipeline_id", run.ID, "stage", run.CurrentStage)
		p.failRun(ctx, run.ID, "interrupted by server restart")
	}
}

func (p *WorkerPool) failRun(ctx context.Context, id, reason string) {
	run, err := p.store.Get(ctx, id)
	if err != nil {
		p.logger.Warn("failed to load run for failure marking", "pipeline_id", id, "error", err)
		return
	}
	if run.Status.Terminal() {
		return
	}

	run.Status = models.RunStatusFailed
	run.EstimatedCompletion = nil
	run.UpdatedAt = time.Now()
	run.Logs = append(run.Logs, models.LogEntry{
		Time:    run.UpdatedAt,
		Level:   slog.LevelError.String(),
		Stage:   run.CurrentStage,
		Message: reason,
	})
	if err := p.store.Update(ctx, run); err != nil {
		p.logger.Warn("failed to mark run failed", "pipeline_id", id, "error", err)
	}
}
