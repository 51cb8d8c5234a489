package models

import (
	"fmt"
	"time"
)

// Stage is one ordered step of the ingestion pipeline.
type Stage string

const (
	StageDiscover Stage = "discover"
	StageFetch    Stage = "fetch"
	StageChunk    Stage = "chunk"
	StageEmbed    Stage = "embed"
	StageIndex    Stage = "index"

	// StageFinalize flips counters and the terminal status. It carries no
	// progress weight of its own.
	StageFinalize Stage = "finalize-stats"
)

// StageOrder is the fixed execution order. CurrentStage only ever moves
// forward through this slice.
var StageOrder = []Stage{
	StageDiscover,
	StageFetch,
	StageChunk,
	StageEmbed,
	StageIndex,
	StageFinalize,
}

// StageWeights assigns each stage its share of the 0-100 progress range.
var StageWeights = map[Stage]int{
	StageDiscover: 10,
	StageFetch:    30,
	StageChunk:    15,
	StageEmbed:    30,
	StageIndex:    15,
	StageFinalize: 0,
}

// Position returns the index of s in StageOrder, or -1 if unknown.
func (s Stage) Position() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status permits no further mutation.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// LogEntry is one timestamped line in a run's append-only log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Stage   Stage     `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// Stat counter names shared between the pipeline worker and clients.
const (
	StatSourcesDiscovered = "sources_discovered"
	StatPagesFetched      = "pages_fetched"
	StatPagesFailed       = "pages_failed"
	StatChunksProduced    = "chunks_produced"
	StatChunkFailed       = "chunk_failed"
	StatVectorsEmbedded   = "vectors_embedded"
	StatEmbedFailed       = "embed_failed"
	StatPointsIndexed     = "points_indexed"
	StatIndexFailed       = "index_failed"
)

// PipelineRun is the durable record of one background ingestion job.
// It is created by the orchestrator and mutated only by the worker
// executing it.
type PipelineRun struct {
	ID           string         `json:"id"`
	EntityID     string         `json:"entity_id"`
	EntityType   EntityType     `json:"entity_type"`
	Status       RunStatus      `json:"status"`
	CurrentStage Stage          `json:"current_stage"`
	Progress     int            `json:"progress_percentage"`
	Stats        map[string]int `json:"stats"`
	Logs         []LogEntry     `json:"logs"`

	// CancelRequested is the cooperative cancellation flag set by the
	// tracker and polled by the worker at stage and item checkpoints.
	CancelRequested bool `json:"cancel_requested"`

	StartedAt           time.Time  `json:"started_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// NewPipelineID builds the composite run identifier from the entity id and
// the start epoch. The result is globally unique per entity and readable in
// logs without a lookup.
func NewPipelineID(entityID string, startedAt time.Time) string {
	return fmt.Sprintf("%s-%d", entityID, startedAt.Unix())
}

// NewPipelineRun builds a queued run for the given entity, timestamped now.
func NewPipelineRun(entityID string, entityType EntityType) *PipelineRun {
	now := time.Now()
	return &PipelineRun{
		ID:           NewPipelineID(entityID, now),
		EntityID:     entityID,
		EntityType:   entityType,
		Status:       RunStatusQueued,
		CurrentStage: StageDiscover,
		Stats:        make(map[string]int),
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// RunView is the client-facing projection of a run, without the log buffer.
type RunView struct {
	ID                  string         `json:"pipeline_id"`
	EntityID            string         `json:"entity_id"`
	EntityType          EntityType     `json:"entity_type"`
	Status              RunStatus      `json:"status"`
	CurrentStage        Stage          `json:"current_stage"`
	Progress            int            `json:"progress_percentage"`
	Stats               map[string]int `json:"stats"`
	StartedAt           time.Time      `json:"started_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
}

// View projects the run into its client-facing form.
func (r *PipelineRun) View() RunView {
	stats := make(map[string]int, len(r.Stats))
	for k, v := range r.Stats {
		stats[k] = v
	}
	return RunView{
		ID:                  r.ID,
		EntityID:            r.EntityID,
		EntityType:          r.EntityType,
		Status:              r.Status,
		CurrentStage:        r.CurrentStage,
		Progress:            r.Progress,
		Stats:               stats,
		StartedAt:           r.StartedAt,
		UpdatedAt:           r.UpdatedAt,
		EstimatedCompletion: r.EstimatedCompletion,
	}
}
