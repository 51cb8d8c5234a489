// Package main provides the botforge API server.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/botforge-io/botforge/internal/chunk"
	"github.com/botforge-io/botforge/internal/config"
	"github.com/botforge-io/botforge/internal/db"
	"github.com/botforge-io/botforge/internal/deploy"
	"github.com/botforge-io/botforge/internal/draft"
	"github.com/botforge-io/botforge/internal/fetch"
	"github.com/botforge-io/botforge/internal/llm"
	"github.com/botforge-io/botforge/internal/metrics"
	"github.com/botforge-io/botforge/internal/pipeline"
	"github.com/botforge-io/botforge/internal/search"
	"github.com/botforge-io/botforge/internal/server"
)

const version = "0.1.0"

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel())
	defer cleanup()

	logger.Info("botforge-server starting",
		"version", version,
		"port", cfg.ServerPort,
		"surrealdb_url", cfg.SurrealDBURL,
		"embed_model", cfg.EmbedModel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("closing database connection")
		_ = dbClient.Close(context.Background())
	}()

	if err := dbClient.InitSchema(ctx); err != nil {
		logger.Error("failed to initialize database schema", "error", err)
		os.Exit(1)
	}

	if *wipeDB || os.Getenv("BOTFORGE_WIPE_DB") == "true" {
		if err := dbClient.WipeData(ctx); err != nil {
			logger.Error("failed to wipe database", "error", err)
			os.Exit(1)
		}
	}

	// Embedder
	embedder, err := llm.NewEmbedder(ctx, cfg)
	if err != nil {
		logger.Error("failed to create embedder", "error", err)
		os.Exit(1)
	}
	logger.Info("embedder initialized", "model", embedder.Model(), "dimension", embedder.Dimension())

	// Ingestion pipeline
	collector := metrics.NewCollector()
	runStore := db.NewRunStore(dbClient)
	fetcher := fetch.NewHTTPService(cfg.FetchTimeout, logger)
	chunker := chunk.NewSplitter(chunk.DefaultConfig())

	runnerCfg := pipeline.DefaultConfig()
	runnerCfg.ItemRetries = cfg.ItemRetries
	runnerCfg.EmbedBatchSize = cfg.EmbedBatchSize

	runner := pipeline.NewRunner(runStore, fetcher, chunker, embedder, dbClient, collector, logger, runnerCfg)
	pool := pipeline.NewWorkerPool(runner, runStore, cfg.PipelineWorkers, cfg.WatchdogStallWindow, logger)
	pool.Start(ctx)
	defer pool.Stop()

	// Draft store and deployment
	drafts := draft.NewMemoryStore(cfg.DraftTTL, logger)
	defer drafts.Close()

	registry := deploy.NewRegistry(cfg.PublicURL, cfg.ChannelTimeout, logger)
	orch := deploy.NewOrchestrator(drafts, dbClient, runStore, pool, registry, logger)
	tracker := pipeline.NewTracker(runStore)
	searcher := search.NewService(dbClient, embedder, logger)

	port, err := strconv.Atoi(cfg.ServerPort)
	if err != nil {
		logger.Error("invalid server port", "port", cfg.ServerPort)
		os.Exit(1)
	}

	srv := server.New(drafts, orch, tracker, collector, dbClient, searcher, cfg.ServerHost, port, logger)

	go func() {
		logger.Info("server ready", "addr", cfg.ServerHost+":"+cfg.ServerPort)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	pool.Stop()

	logger.Info("server stopped")
}
