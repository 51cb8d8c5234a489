// Package config loads BotForge configuration from environment variables
// with an optional YAML file overlay.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider identifies an embedding backend.
type Provider string

const (
	ProviderOllama  Provider = "ollama"
	ProviderOpenAI  Provider = "openai"
	ProviderBedrock Provider = "bedrock"
)

// Config holds all configuration values.
type Config struct {
	// HTTP server
	ServerPort  string `yaml:"server_port"`
	ServerHost  string `yaml:"server_host"`
	PublicURL   string `yaml:"public_url"` // base URL used in embed snippets and iframe links
	LogFile     string `yaml:"log_file"`
	LogLevelStr string `yaml:"log_level"`

	// SurrealDB connection
	SurrealDBURL       string `yaml:"surrealdb_url"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string `yaml:"surrealdb_database"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level"`

	// Embedding
	EmbedProvider  Provider `yaml:"embed_provider"`
	EmbedModel     string   `yaml:"embed_model"`
	EmbedDimension int      `yaml:"embed_dimension"`
	EmbedBatchSize int      `yaml:"embed_batch_size"`
	OllamaHost     string   `yaml:"ollama_host"`
	OpenAIAPIKey   string   `yaml:"openai_api_key"`
	BedrockRegion  string   `yaml:"bedrock_region"`

	// Draft store
	DraftTTL time.Duration `yaml:"draft_ttl"`

	// Pipeline tuning
	PipelineWorkers     int           `yaml:"pipeline_workers"`
	ItemRetries         int           `yaml:"item_retries"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	WatchdogStallWindow time.Duration `yaml:"watchdog_stall_window"`

	// Channel activation
	ChannelTimeout time.Duration `yaml:"channel_timeout"`
}

// LogLevel parses the configured log level.
func (c Config) LogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevelStr) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads configuration: defaults, then the YAML file named by
// BOTFORGE_CONFIG (if any), then environment variables. Env always wins.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("BOTFORGE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func defaults() Config {
	return Config{
		ServerPort:  "8585",
		ServerHost:  "",
		PublicURL:   "http://localhost:8585",
		LogFile:     "/tmp/botforge.log",
		LogLevelStr: "INFO",

		SurrealDBURL:       "ws://localhost:8000/rpc",
		SurrealDBNamespace: "botforge",
		SurrealDBDatabase:  "platform",
		SurrealDBUser:      "root",
		SurrealDBPass:      "root",
		SurrealDBAuthLevel: "root",

		EmbedProvider:  ProviderOllama,
		EmbedModel:     "all-minilm:l6-v2",
		EmbedDimension: 384,
		EmbedBatchSize: 16,
		OllamaHost:     "http://localhost:11434",
		BedrockRegion:  "us-east-1",

		DraftTTL: 24 * time.Hour,

		PipelineWorkers:     2,
		ItemRetries:         2,
		FetchTimeout:        30 * time.Second,
		WatchdogStallWindow: 10 * time.Minute,

		ChannelTimeout: 15 * time.Second,
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.ServerPort, "BOTFORGE_PORT")
	setString(&cfg.ServerHost, "BOTFORGE_HOST")
	setString(&cfg.PublicURL, "BOTFORGE_PUBLIC_URL")
	setString(&cfg.LogFile, "BOTFORGE_LOG_FILE")
	setString(&cfg.LogLevelStr, "BOTFORGE_LOG_LEVEL")

	setString(&cfg.SurrealDBURL, "SURREALDB_URL")
	setString(&cfg.SurrealDBNamespace, "SURREALDB_NAMESPACE")
	setString(&cfg.SurrealDBDatabase, "SURREALDB_DATABASE")
	setString(&cfg.SurrealDBUser, "SURREALDB_USER")
	setString(&cfg.SurrealDBPass, "SURREALDB_PASS")
	setString(&cfg.SurrealDBAuthLevel, "SURREALDB_AUTH_LEVEL")

	if v := os.Getenv("BOTFORGE_EMBED_PROVIDER"); v != "" {
		cfg.EmbedProvider = Provider(v)
	}
	setString(&cfg.EmbedModel, "BOTFORGE_EMBED_MODEL")
	setInt(&cfg.EmbedDimension, "BOTFORGE_EMBED_DIMENSION")
	setInt(&cfg.EmbedBatchSize, "BOTFORGE_EMBED_BATCH_SIZE")
	setString(&cfg.OllamaHost, "OLLAMA_HOST")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.BedrockRegion, "AWS_REGION")

	setDuration(&cfg.DraftTTL, "BOTFORGE_DRAFT_TTL")
	setInt(&cfg.PipelineWorkers, "BOTFORGE_PIPELINE_WORKERS")
	setInt(&cfg.ItemRetries, "BOTFORGE_ITEM_RETRIES")
	setDuration(&cfg.FetchTimeout, "BOTFORGE_FETCH_TIMEOUT")
	setDuration(&cfg.WatchdogStallWindow, "BOTFORGE_WATCHDOG_STALL_WINDOW")
	setDuration(&cfg.ChannelTimeout, "BOTFORGE_CHANNEL_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
