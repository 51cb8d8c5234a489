// Package pipeline executes the multi-stage ingestion job that turns a
// knowledge base's raw sources into indexed vector data.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/botforge-io/botforge/internal/models"
)

// Sentinel errors for pipeline run storage and execution.
var (
	// ErrRunNotFound indicates no pipeline run exists for the id.
	ErrRunNotFound = errors.New("pipeline run not found")

	// ErrRunTerminal indicates a mutation was attempted after the run
	// reached completed, failed or cancelled.
	ErrRunTerminal = errors.New("pipeline run already terminal")

	// ErrQueueFull indicates the worker pool cannot accept more jobs.
	ErrQueueFull = errors.New("pipeline queue full")
)

// RunStore is the durable home of pipeline run records. The worker that
// owns a run is its only mutator; everything else reads or sets the
// cancellation flag.
type RunStore interface {
	// Create registers a new run in queued status.
	Create(ctx context.Context, run *models.PipelineRun) error

	// Get returns a copy of the run or ErrRunNotFound.
	Get(ctx context.Context, id string) (*models.PipelineRun, error)

	// Update persists the worker's view of the run. Updating a run whose
	// stored status is already terminal fails with ErrRunTerminal.
	Update(ctx context.Context, run *models.PipelineRun) error

	// RequestCancel sets the cooperative cancellation flag. Requests
	// against terminal runs are ignored.
	RequestCancel(ctx context.Context, id string) error

	// CancelRequested reads the cancellation flag.
	CancelRequested(ctx context.Context, id string) (bool, error)

	// ListUnfinished returns runs in queued or running status.
	ListUnfinished(ctx context.Context) ([]*models.PipelineRun, error)
}

// MemoryRunStore keeps runs in a mutex-guarded map. It backs tests and
// single-node deployments without a database.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*models.PipelineRun
}

var _ RunStore = (*MemoryRunStore)(nil)

// NewMemoryRunStore creates an empty run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*models.PipelineRun)}
}

func cloneRun(r *models.PipelineRun) *models.PipelineRun {
	out := *r
	out.Stats = make(map[string]int, len(r.Stats))
	for k, v := range r.Stats {
		out.Stats[k] = v
	}
	out.Logs = append([]models.LogEntry(nil), r.Logs...)
	return &out
}

// Create registers a new run.
func (s *MemoryRunStore) Create(ctx context.Context, run *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// Get returns a copy of the run.
func (s *MemoryRunStore) Get(ctx context.Context, id string) (*models.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(r), nil
}

// Update persists the worker's copy of the run.
func (s *MemoryRunStore) Update(ctx context.Context, run *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return ErrRunNotFound
	}
	if stored.Status.Terminal() {
		return ErrRunTerminal
	}

	// The cancellation flag belongs to the tracker side; a worker update
	// must not unset a cancel requested since its last read.
	cancel := stored.CancelRequested || run.CancelRequested
	updated := cloneRun(run)
	updated.CancelRequested = cancel
	s.runs[run.ID] = updated
	return nil
}

// RequestCancel sets the cooperative cancellation flag.
func (s *MemoryRunStore) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status.Terminal() {
		return nil
	}
	r.CancelRequested = true
	return nil
}

// CancelRequested reads the cancellation flag.
func (s *MemoryRunStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	return r.CancelRequested, nil
}

// ListUnfinished returns queued and running runs.
func (s *MemoryRunStore) ListUnfinished(ctx context.Context) ([]*models.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.PipelineRun
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			out = append(out, cloneRun(r))
		}
	}
	return out, nil
}
