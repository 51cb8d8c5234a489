package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/botforge-io/botforge/internal/models"
)

// registerWebhook posts a JSON registration to an external endpoint and
// decodes the JSON response body. Non-2xx statuses are errors.
func registerWebhook(ctx context.Context, client *http.Client, endpoint string, body map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("register webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("register webhook: unexpected status %d", resp.StatusCode)
	}

	var decoded map[string]any
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return decoded, nil
}

// slackActivator registers an outbound webhook with a Slack-style API.
type slackActivator struct {
	client *http.Client
}

func (a *slackActivator) Type() models.ChannelType { return models.ChannelSlack }

func (a *slackActivator) Activate(ctx context.Context, entityID string, cfg models.ChannelConfig) (map[string]any, error) {
	endpoint, _ := cfg.Settings["api_url"].(string)
	token, _ := cfg.Settings["bot_token"].(string)
	if endpoint == "" || token == "" {
		return nil, fmt.Errorf("slack channel: api_url and bot_token are required")
	}

	resp, err := registerWebhook(ctx, a.client, endpoint, map[string]any{
		"bot_id": entityID,
		"token":  token,
	})
	if err != nil {
		return nil, fmt.Errorf("slack: %w", err)
	}
	return resp, nil
}

// telegramActivator calls a setWebhook-style endpoint.
type telegramActivator struct {
	client *http.Client
}

func (a *telegramActivator) Type() models.ChannelType { return models.ChannelTelegram }

func (a *telegramActivator) Activate(ctx context.Context, entityID string, cfg models.ChannelConfig) (map[string]any, error) {
	endpoint, _ := cfg.Settings["api_url"].(string)
	callback, _ := cfg.Settings["callback_url"].(string)
	if endpoint == "" || callback == "" {
		return nil, fmt.Errorf("telegram channel: api_url and callback_url are required")
	}

	resp, err := registerWebhook(ctx, a.client, endpoint, map[string]any{
		"url":    callback,
		"bot_id": entityID,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return resp, nil
}

// webhookActivator registers a generic automation callback.
type webhookActivator struct {
	client *http.Client
}

func (a *webhookActivator) Type() models.ChannelType { return models.ChannelWebhook }

func (a *webhookActivator) Activate(ctx context.Context, entityID string, cfg models.ChannelConfig) (map[string]any, error) {
	target, _ := cfg.Settings["target_url"].(string)
	if target == "" {
		return nil, fmt.Errorf("webhook channel: target_url is required")
	}

	resp, err := registerWebhook(ctx, a.client, target, map[string]any{
		"entity_id": entityID,
		"event":     "deployed",
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = map[string]any{}
	}
	resp["registered_url"] = target
	return resp, nil
}
