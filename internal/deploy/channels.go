// Package deploy turns validated drafts into persistent entities and fans
// their deployment out to external channels.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/botforge-io/botforge/internal/models"
)

// Activator deploys one channel type. Activate returns channel-specific
// details (embed snippet, webhook URL) on success.
type Activator interface {
	Type() models.ChannelType
	Activate(ctx context.Context, entityID string, cfg models.ChannelConfig) (map[string]any, error)
}

// Registry dispatches activation over the closed set of channel types.
type Registry struct {
	activators map[models.ChannelType]Activator
	logger     *slog.Logger
}

// NewRegistry builds a registry with the full activator set. baseURL is
// the public address embedded in website and iframe artifacts.
func NewRegistry(baseURL string, timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	client := &http.Client{Timeout: timeout}

	r := &Registry{
		activators: make(map[models.ChannelType]Activator),
		logger:     logger,
	}
	r.register(&websiteActivator{baseURL: baseURL})
	r.register(&iframeActivator{baseURL: baseURL})
	r.register(&slackActivator{client: client})
	r.register(&telegramActivator{client: client})
	r.register(&webhookActivator{client: client})
	return r
}

func (r *Registry) register(a Activator) {
	r.activators[a.Type()] = a
}

// Activate runs every enabled channel and returns one result per channel.
// A channel's failure is recorded in its own entry and never aborts the
// siblings.
func (r *Registry) Activate(ctx context.Context, entityID string, dc models.DeploymentConfig) map[models.ChannelType]models.ActivationResult {
	results := make(map[models.ChannelType]models.ActivationResult)

	for _, cfg := range dc.EnabledChannels() {
		result := r.activateOne(ctx, entityID, cfg)
		results[cfg.Type] = result

		if result.Status == models.ActivationError {
			r.logger.Warn("channel activation failed",
				"entity_id", entityID, "channel", cfg.Type, "error", result.ErrorMessage)
		} else {
			r.logger.Info("channel activated", "entity_id", entityID, "channel", cfg.Type)
		}
	}
	return results
}

func (r *Registry) activateOne(ctx context.Context, entityID string, cfg models.ChannelConfig) (result models.ActivationResult) {
	result = models.ActivationResult{Channel: cfg.Type}

	// An activator panic must stay inside this channel's result.
	defer func() {
		if rec := recover(); rec != nil {
			result.Status = models.ActivationError
			result.ErrorMessage = fmt.Sprintf("internal error: %v", rec)
		}
	}()

	activator, ok := r.activators[cfg.Type]
	if !ok {
		result.Status = models.ActivationError
		result.ErrorMessage = fmt.Sprintf("unknown channel type %q", cfg.Type)
		return result
	}

	details, err := activator.Activate(ctx, entityID, cfg)
	if err != nil {
		result.Status = models.ActivationError
		result.ErrorMessage = err.Error()
		return result
	}

	result.Status = models.ActivationSuccess
	result.Details = details
	return result
}

// websiteActivator generates the embed script snippet. Purely local; the
// only failure mode is malformed config.
type websiteActivator struct {
	baseURL string
}

func (a *websiteActivator) Type() models.ChannelType { return models.ChannelWebsite }

func (a *websiteActivator) Activate(_ context.Context, entityID string, cfg models.ChannelConfig) (map[string]any, error) {
	origin, _ := cfg.Settings["allowed_origin"].(string)
	if origin == "" {
		return nil, fmt.Errorf("website channel: allowed_origin is required")
	}

	snippet := fmt.Sprintf(
		`<script src="%s/embed.js" data-bot-id="%s" data-origin="%s" async></script>`,
		a.baseURL, entityID, origin)
	return map[string]any{
		"embed_snippet":  snippet,
		"allowed_origin": origin,
	}, nil
}

// iframeActivator generates the hosted iframe URL. Purely local.
type iframeActivator struct {
	baseURL string
}

func (a *iframeActivator) Type() models.ChannelType { return models.ChannelIframe }

func (a *iframeActivator) Activate(_ context.Context, entityID string, _ models.ChannelConfig) (map[string]any, error) {
	return map[string]any{
		"iframe_url": fmt.Sprintf("%s/chat/%s", a.baseURL, entityID),
	}, nil
}
