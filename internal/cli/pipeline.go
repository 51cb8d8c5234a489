package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	pipelineWatch bool
	logsLimit     int
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline <run-id>",
	Short: "Show or watch an ingestion pipeline run",
	Long: `Show the status of an ingestion pipeline run.

Examples:
  botforge pipeline run-3f2a91c0            # One-off status
  botforge pipeline run-3f2a91c0 --watch    # Live progress display`,
	Args: cobra.ExactArgs(1),
	RunE: runPipeline,
}

var logsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Show log entries of a pipeline run, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cancellation of a pipeline run",
	Long: `Request cooperative cancellation. The worker stops at its next
checkpoint; work already indexed is kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	pipelineCmd.Flags().BoolVar(&pipelineWatch, "watch", false, "follow progress until the run finishes")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 20, "maximum entries to show (0 for all)")

	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(cancelCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	if pipelineWatch {
		return runWatchProgress(args[0])
	}

	ctx := context.Background()
	view, err := apiClient.RunStatus(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}

	fmt.Printf("Run: %s\n", view.ID)
	fmt.Printf("  Entity: %s (%s)\n", view.EntityID, view.EntityType)
	fmt.Printf("  Status: %s\n", view.Status)
	fmt.Printf("  Stage: %s\n", view.CurrentStage)
	fmt.Printf("  Progress: %d%%\n", view.Progress)
	fmt.Printf("  Started: %s\n", view.StartedAt.Format(time.RFC3339))
	if view.EstimatedCompletion != nil {
		fmt.Printf("  Estimated completion: %s\n", view.EstimatedCompletion.Format(time.RFC3339))
	}

	if len(view.Stats) > 0 {
		fmt.Println("\nStats:")
		for _, key := range statOrder {
			if v, ok := view.Stats[key]; ok {
				fmt.Printf("  %s: %d\n", key, v)
			}
		}
	}
	return nil
}

// statOrder fixes the display order of run counters.
var statOrder = []string{
	"sources_discovered",
	"pages_fetched",
	"pages_failed",
	"chunks_produced",
	"chunk_failed",
	"vectors_embedded",
	"embed_failed",
	"points_indexed",
	"index_failed",
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logs, err := apiClient.RunLogs(ctx, args[0], logsLimit)
	if err != nil {
		return fmt.Errorf("get run logs: %w", err)
	}

	if len(logs) == 0 {
		fmt.Println("No log entries")
		return nil
	}

	for _, entry := range logs {
		stage := ""
		if entry.Stage != "" {
			stage = fmt.Sprintf(" [%s]", entry.Stage)
		}
		fmt.Printf("%s %-5s%s %s\n", entry.Time.Format("15:04:05"), entry.Level, stage, entry.Message)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if err := apiClient.CancelRun(ctx, args[0]); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}

	fmt.Println("Cancellation requested. The run stops at its next checkpoint.")
	return nil
}
