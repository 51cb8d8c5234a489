// Package cli provides the command-line interface for botforge.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/botforge-io/botforge/internal/client"
	"github.com/botforge-io/botforge/internal/models"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	verbose   bool

	// API client, created before every command runs
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "botforge",
	Short: "Build and deploy chatbots, knowledge bases and workflows",
	Long: `Botforge is the command-line companion of the botforge server.

Draft chatbots, knowledge bases and workflows, validate and preview them,
then finalize to deploy. Knowledge base content is ingested by a background
pipeline whose progress you can watch live.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		apiClient = client.New(serverURL)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default BOTFORGE_SERVER_URL or http://localhost:8585)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// parseEntityType converts a CLI argument into an entity type.
func parseEntityType(arg string) (models.EntityType, error) {
	t := models.EntityType(arg)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q (one of: knowledge-base, chatbot, workflow)", arg)
	}
	return t, nil
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
