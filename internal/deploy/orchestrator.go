package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/botforge-io/botforge/internal/draft"
	"github.com/botforge-io/botforge/internal/models"
	"github.com/botforge-io/botforge/internal/pipeline"
)

// EntityStore is the durable store the orchestrator commits finalized
// entities into. Each Create call is a single transaction.
type EntityStore interface {
	CreateKnowledgeBase(ctx context.Context, id, name, ownerScope string, sources []models.Source) (*models.KnowledgeBase, error)
	CreateBot(ctx context.Context, id string, bot models.Bot) (*models.Bot, error)
	CreateWorkflow(ctx context.Context, id string, wf models.Workflow) (*models.Workflow, error)
}

// Enqueuer hands ingestion jobs to the background workers.
type Enqueuer interface {
	Enqueue(job pipeline.Job) error
}

// Result is the caller-visible outcome of a successful finalize. PipelineID
// is empty when the entity has no content sources to ingest.
type Result struct {
	EntityID   string                                         `json:"entity_id"`
	PipelineID string                                         `json:"pipeline_id,omitempty"`
	Channels   map[models.ChannelType]models.ActivationResult `json:"channels,omitempty"`
}

// Orchestrator owns the draft-to-entity transition.
type Orchestrator struct {
	drafts   draft.Store
	entities EntityStore
	runs     pipeline.RunStore
	queue    Enqueuer
	registry *Registry
	logger   *slog.Logger
}

// NewOrchestrator wires the orchestrator with its collaborators.
func NewOrchestrator(drafts draft.Store, entities EntityStore, runs pipeline.RunStore, queue Enqueuer, registry *Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		drafts:   drafts,
		entities: entities,
		runs:     runs,
		queue:    queue,
		registry: registry,
		logger:   logger,
	}
}

// Finalize converts a draft into its persistent entity and, when the
// entity has content sources, launches the ingestion pipeline. Exactly one
// of two concurrent calls on the same draft wins; the loser observes
// draft.ErrConflict. The draft is only deleted after the entity commit
// succeeds, so a crash in between never loses the user's work.
func (o *Orchestrator) Finalize(ctx context.Context, entityType models.EntityType, draftID string) (*Result, error) {
	d, err := o.drafts.Get(ctx, entityType, draftID)
	if err != nil {
		return nil, err
	}

	if err := draft.Validate(d).Err(); err != nil {
		return nil, err
	}

	// The one critical section: CAS draft -> finalizing.
	guarded, err := o.drafts.BeginFinalize(ctx, entityType, draftID)
	if err != nil {
		return nil, err
	}

	// An auto-save can land between the read above and the guard. The
	// guarded snapshot is what gets committed, so it is the one that has
	// to pass validation.
	if err := draft.Validate(guarded).Err(); err != nil {
		if abortErr := o.drafts.AbortFinalize(ctx, entityType, draftID); abortErr != nil {
			o.logger.Error("failed to revert finalize guard",
				"draft_id", draftID, "entity_type", entityType, "error", abortErr)
		}
		return nil, err
	}

	entityID, sources, err := o.commitEntity(ctx, guarded)
	if err != nil {
		// Revert the guard so the user can fix and retry.
		if abortErr := o.drafts.AbortFinalize(ctx, entityType, draftID); abortErr != nil {
			o.logger.Error("failed to revert finalize guard",
				"draft_id", draftID, "entity_type", entityType, "error", abortErr)
		}
		return nil, fmt.Errorf("commit entity: %w", err)
	}

	// Entity is durable; the draft has served its purpose.
	if err := o.drafts.Delete(ctx, entityType, draftID); err != nil && !errors.Is(err, draft.ErrNotFound) {
		o.logger.Warn("failed to delete finalized draft", "draft_id", draftID, "error", err)
	}

	result := &Result{EntityID: entityID}

	if len(sources) > 0 {
		result.PipelineID = o.launchPipeline(ctx, entityID, entityType, sources)
	}

	dc := models.DeploymentConfigFromPayload(guarded.Payload)
	if len(dc.EnabledChannels()) > 0 && o.registry != nil {
		result.Channels = o.registry.Activate(ctx, entityID, dc)
	}

	o.logger.Info("draft finalized",
		"draft_id", draftID, "entity_type", entityType,
		"entity_id", entityID, "pipeline_id", result.PipelineID)
	return result, nil
}

// commitEntity builds the persistent entity from the draft payload and
// writes it in one transaction. Returns the sources that feed the pipeline.
func (o *Orchestrator) commitEntity(ctx context.Context, d *models.Draft) (string, []models.Source, error) {
	switch d.EntityType {
	case models.EntityKnowledgeBase:
		id := newEntityID("kb")
		sources := models.SourcesFromPayload(d.Payload)
		applySourceDefaults(sources)
		name, _ := d.Payload["name"].(string)
		if _, err := o.entities.CreateKnowledgeBase(ctx, id, name, d.OwnerScope, sources); err != nil {
			return "", nil, err
		}
		return id, sources, nil

	case models.EntityChatbot:
		id := newEntityID("bot")
		bot := botFromPayload(d)
		if _, err := o.entities.CreateBot(ctx, id, bot); err != nil {
			return "", nil, err
		}
		// Chatbots may carry inline sources of their own.
		return id, models.SourcesFromPayload(d.Payload), nil

	case models.EntityWorkflow:
		id := newEntityID("wf")
		name, _ := d.Payload["name"].(string)
		definition := map[string]any{
			"nodes": d.Payload["nodes"],
			"edges": d.Payload["edges"],
		}
		if _, err := o.entities.CreateWorkflow(ctx, id, models.Workflow{
			Name:       name,
			OwnerScope: d.OwnerScope,
			Definition: definition,
		}); err != nil {
			return "", nil, err
		}
		// Workflows have no content to ingest.
		return id, nil, nil

	default:
		return "", nil, fmt.Errorf("unknown entity type %q", d.EntityType)
	}
}

// launchPipeline registers a queued run and hands it to the workers. The
// entity is already committed, so a queue failure is recorded on the run
// rather than surfaced to the caller.
func (o *Orchestrator) launchPipeline(ctx context.Context, entityID string, entityType models.EntityType, sources []models.Source) string {
	run := models.NewPipelineRun(entityID, entityType)
	if err := o.runs.Create(ctx, run); err != nil {
		o.logger.Error("failed to create pipeline run", "entity_id", entityID, "error", err)
		return ""
	}

	job := pipeline.Job{RunID: run.ID, EntityID: entityID, Sources: sources}
	if err := o.queue.Enqueue(job); err != nil {
		o.logger.Error("failed to enqueue pipeline job", "pipeline_id", run.ID, "error", err)
		o.failQueuedRun(ctx, run, err)
	}
	return run.ID
}

func (o *Orchestrator) failQueuedRun(ctx context.Context, run *models.PipelineRun, cause error) {
	run.Status = models.RunStatusFailed
	run.UpdatedAt = time.Now()
	run.Logs = append(run.Logs, models.LogEntry{
		Time:    run.UpdatedAt,
		Level:   slog.LevelError.String(),
		Message: fmt.Sprintf("could not start: %v", cause),
	})
	if err := o.runs.Update(ctx, run); err != nil {
		o.logger.Error("failed to mark run failed", "pipeline_id", run.ID, "error", err)
	}
}

// defaultWebsiteChannel is the channel config every chatbot starts with.
func defaultWebsiteChannel() models.ChannelConfig {
	return models.ChannelConfig{
		Type:    models.ChannelWebsite,
		Enabled: false,
		Settings: map[string]any{
			"allowed_origin": "",
		},
	}
}

func botFromPayload(d *models.Draft) models.Bot {
	bot := models.Bot{OwnerScope: d.OwnerScope}
	bot.Name, _ = d.Payload["name"].(string)
	bot.Model, _ = d.Payload["model"].(string)
	bot.Greeting, _ = d.Payload["greeting"].(string)
	if temp, ok := d.Payload["temperature"].(float64); ok {
		bot.Temperature = temp
	}
	if kb, ok := d.Payload["knowledge_id"].(string); ok && kb != "" {
		bot.KnowledgeID = &kb
	}

	bot.Deployment = models.DeploymentConfigFromPayload(d.Payload)
	if len(bot.Deployment.Channels) == 0 {
		bot.Deployment.Channels = []models.ChannelConfig{defaultWebsiteChannel()}
	}
	return bot
}

const (
	defaultCrawlDepth = 1
	defaultPageBudget = 50
)

// applySourceDefaults fills the default crawl settings on sources that did
// not configure them.
func applySourceDefaults(sources []models.Source) {
	for i := range sources {
		if sources[i].Kind == models.SourceText {
			continue
		}
		if sources[i].MaxDepth <= 0 {
			sources[i].MaxDepth = defaultCrawlDepth
		}
		if sources[i].PageBudget <= 0 {
			sources[i].PageBudget = defaultPageBudget
		}
	}
}

func newEntityID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8])
}
