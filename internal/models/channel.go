package models

// ChannelType identifies an external deployment destination.
type ChannelType string

const (
	ChannelWebsite  ChannelType = "website"
	ChannelIframe   ChannelType = "iframe"
	ChannelSlack    ChannelType = "slack"
	ChannelTelegram ChannelType = "telegram"
	ChannelWebhook  ChannelType = "webhook"
)

// ChannelConfig is the per-channel portion of a deployment config.
type ChannelConfig struct {
	Type     ChannelType    `json:"type"`
	Enabled  bool           `json:"enabled"`
	Settings map[string]any `json:"settings,omitempty"`
}

// DeploymentConfig lists the channels a finalized entity deploys to.
type DeploymentConfig struct {
	Channels []ChannelConfig `json:"channels"`
}

// EnabledChannels returns the channels that should be activated.
func (c DeploymentConfig) EnabledChannels() []ChannelConfig {
	out := make([]ChannelConfig, 0, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

// DeploymentConfigFromPayload extracts the "deployment" section of a draft
// payload. Malformed entries are skipped; validation reports them before a
// payload reaches finalize.
func DeploymentConfigFromPayload(payload map[string]any) DeploymentConfig {
	var dc DeploymentConfig
	section, ok := payload["deployment"].(map[string]any)
	if !ok {
		return dc
	}
	raw, ok := section["channels"].([]any)
	if !ok {
		return dc
	}
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ch := ChannelConfig{}
		if t, ok := m["type"].(string); ok {
			ch.Type = ChannelType(t)
		}
		if enabled, ok := m["enabled"].(bool); ok {
			ch.Enabled = enabled
		}
		if settings, ok := m["settings"].(map[string]any); ok {
			ch.Settings = settings
		}
		dc.Channels = append(dc.Channels, ch)
	}
	return dc
}

// ActivationStatus is the outcome of one channel activation.
type ActivationStatus string

const (
	ActivationSuccess ActivationStatus = "success"
	ActivationError   ActivationStatus = "error"
)

// ActivationResult records the outcome of activating one channel. One
// channel's failure never removes or mutates another channel's result.
type ActivationResult struct {
	Channel      ChannelType      `json:"channel_type"`
	Status       ActivationStatus `json:"status"`
	Details      map[string]any   `json:"details,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}
