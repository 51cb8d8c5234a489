package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/botforge-io/botforge/internal/client"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server statistics",
	Long: `Show entity counts and in-memory runtime statistics.

Examples:
  botforge stats`,
	RunE: runStats,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server and store reachability",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	stats, err := apiClient.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}

	fmt.Printf("Entities\n")
	fmt.Printf("═══════════════════════════════════════\n")
	names := make([]string, 0, len(stats.Entities))
	for name := range stats.Entities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-16s %d\n", name, stats.Entities[name])
	}

	if stats.Operations == nil {
		return nil
	}

	fmt.Printf("\nServer Statistics (in-memory, since restart)\n")
	fmt.Printf("═══════════════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n", stats.Operations.UptimeSeconds)

	printOp := func(name string, op *client.OperationStats) {
		if op == nil {
			return
		}
		fmt.Printf("\n%s:\n", name)
		fmt.Printf("  Calls: %d, Items: %d, Failures: %d\n", op.Count, op.Items, op.Failures)
		fmt.Printf("  Time: avg %.1fms, min %dms, max %dms, total %dms\n",
			op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs, op.TotalTimeMs)
	}

	printOp("Fetch", stats.Operations.Fetch)
	printOp("Chunk", stats.Operations.Chunk)
	printOp("Embed", stats.Operations.Embed)
	printOp("Index", stats.Operations.Index)
	printOp("DB Query", stats.Operations.DBQuery)
	printOp("Channels", stats.Operations.Channel)

	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if err := apiClient.Health(ctx); err != nil {
		exitWithError("%v", err)
	}

	fmt.Println("✓ Server is healthy")
	return nil
}
