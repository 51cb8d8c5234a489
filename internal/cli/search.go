package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <knowledge-id> <query...>",
	Short: "Search an indexed knowledge base",
	Long: `Search the chunks of a deployed knowledge base by fused keyword
and vector relevance.

Examples:
  botforge search kb-4f2a91c3 how do I reset my password
  botforge search kb-4f2a91c3 --limit 10 pricing tiers`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum results (default server-side)")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	knowledgeID := args[0]
	query := strings.Join(args[1:], " ")

	hits, err := apiClient.SearchKnowledge(ctx, knowledgeID, query, searchLimit)
	if err != nil {
		return fmt.Errorf("search knowledge base: %w", err)
	}

	if len(hits) == 0 {
		fmt.Println("No results.")
		return nil
	}

	for i, hit := range hits {
		fmt.Printf("%d. %s (chunk %d", i+1, hit.Source, hit.Position)
		if hit.Score > 0 {
			fmt.Printf(", score %.3f", hit.Score)
		}
		fmt.Printf(")\n")

		content := strings.TrimSpace(hit.Content)
		if len(content) > 300 {
			content = content[:300] + "…"
		}
		fmt.Printf("   %s\n\n", content)
	}
	return nil
}
