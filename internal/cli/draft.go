package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var (
	draftOwnerScope  string
	draftPayloadJSON string
	draftPayloadFile string
	finalizeWatch    bool
	previewInput     string
)

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Create and manage entity drafts",
	Long: `Work with drafts of chatbots, knowledge bases and workflows.

Drafts are editable and validated without side effects; nothing is deployed
and no content is fetched until you finalize. Drafts expire after a server
configured idle period.

Examples:
  botforge draft create knowledge-base --owner acme --file kb.json
  botforge draft validate knowledge-base 3f2a91c0
  botforge draft finalize knowledge-base 3f2a91c0 --watch`,
}

var draftCreateCmd = &cobra.Command{
	Use:   "create <type>",
	Short: "Create a new draft",
	Args:  cobra.ExactArgs(1),
	RunE:  runDraftCreate,
}

var draftShowCmd = &cobra.Command{
	Use:   "show <type> <id>",
	Short: "Show a draft's payload and expiry",
	Args:  cobra.ExactArgs(2),
	RunE:  runDraftShow,
}

var draftUpdateCmd = &cobra.Command{
	Use:   "update <type> <id>",
	Short: "Replace a draft's payload",
	Args:  cobra.ExactArgs(2),
	RunE:  runDraftUpdate,
}

var draftDeleteCmd = &cobra.Command{
	Use:   "delete <type> <id>",
	Short: "Discard a draft",
	Args:  cobra.ExactArgs(2),
	RunE:  runDraftDelete,
}

var draftValidateCmd = &cobra.Command{
	Use:   "validate <type> <id>",
	Short: "Validate a draft without finalizing",
	Args:  cobra.ExactArgs(2),
	RunE:  runDraftValidate,
}

var draftPreviewCmd = &cobra.Command{
	Use:   "preview <type> <id>",
	Short: "Preview how the drafted entity would behave",
	Args:  cobra.ExactArgs(2),
	RunE:  runDraftPreview,
}

var draftFinalizeCmd = &cobra.Command{
	Use:   "finalize <type> <id>",
	Short: "Turn a draft into its deployed entity",
	Long: `Finalize validates the draft, commits the entity and, for knowledge
bases with content sources, starts the ingestion pipeline. Use --watch to
follow the pipeline's progress live.`,
	Args: cobra.ExactArgs(2),
	RunE: runDraftFinalize,
}

func init() {
	draftCreateCmd.Flags().StringVar(&draftOwnerScope, "owner", "", "owner scope the entity belongs to (required)")
	draftCreateCmd.Flags().StringVar(&draftPayloadJSON, "payload", "", "payload as inline JSON")
	draftCreateCmd.Flags().StringVar(&draftPayloadFile, "file", "", "payload from a JSON file")
	_ = draftCreateCmd.MarkFlagRequired("owner")

	draftUpdateCmd.Flags().StringVar(&draftPayloadJSON, "payload", "", "payload as inline JSON")
	draftUpdateCmd.Flags().StringVar(&draftPayloadFile, "file", "", "payload from a JSON file")

	draftPreviewCmd.Flags().StringVar(&previewInput, "input", "", "sample user input for the preview")

	draftFinalizeCmd.Flags().BoolVar(&finalizeWatch, "watch", false, "follow the ingestion pipeline after finalizing")

	draftCmd.AddCommand(draftCreateCmd)
	draftCmd.AddCommand(draftShowCmd)
	draftCmd.AddCommand(draftUpdateCmd)
	draftCmd.AddCommand(draftDeleteCmd)
	draftCmd.AddCommand(draftValidateCmd)
	draftCmd.AddCommand(draftPreviewCmd)
	draftCmd.AddCommand(draftFinalizeCmd)
	rootCmd.AddCommand(draftCmd)
}

// loadPayload reads the payload from --file or --payload.
func loadPayload() (map[string]any, error) {
	var raw []byte
	switch {
	case draftPayloadFile != "":
		data, err := os.ReadFile(draftPayloadFile)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = data
	case draftPayloadJSON != "":
		raw = []byte(draftPayloadJSON)
	default:
		return map[string]any{}, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return payload, nil
}

func runDraftCreate(cmd *cobra.Command, args []string) error {
	entityType, err := parseEntityType(args[0])
	if err != nil {
		return err
	}
	payload, err := loadPayload()
	if err != nil {
		return err
	}

	ctx := context.Background()
	result, err := apiClient.CreateDraft(ctx, entityType, draftOwnerScope, payload)
	if err != nil {
		return fmt.Errorf("create draft: %w", err)
	}

	fmt.Printf("Draft created: %s\n", result.DraftID)
	fmt.Printf("  Type: %s\n", result.EntityType)
	fmt.Printf("  Expires: %s\n", result.ExpiresAt.Format(time.RFC3339))
	return nil
}

func runDraftShow(cmd *cobra.Command, args []string) error {
	entityType, err := parseEntityType(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	d, err := apiClient.GetDraft(ctx, entityType, args[1])
	if err != nil {
		return fmt.Errorf("get draft: %w", err)
	}

	fmt.Printf("Draft: %s\n", d.ID)
	fmt.Printf("  Type: %s\n", d.EntityType)
	fmt.Printf("  Owner: %s\n", d.OwnerScope)
	fmt.Printf("  Status: %s\n", d.Status)
	fmt.Printf("  Updated: %s\n", d.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("  Expires: %s\n", d.ExpiresAt.Format(time.RFC3339))

	payload, err := json.MarshalIndent(d.Payload, "  ", "  ")
	if err != nil {
		return fmt.Errorf("render payload: %w", err)
	}
	fmt.Printf("\nPayload:\n  %s\n", payload)
	return nil
}

func runDraftUpdate(cmd *cobra.Command, args []string) error {
	entityType, err := parseEntityType(args[0])
	if err != nil {
		return err
	}
	payload, err := loadPayload()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := apiClient.UpdateDraft(ctx, entityType, args[1], payload); err != nil {
		return fmt.Errorf("update draft: %w", err)
	}

	fmt.Println("Draft updated")
	return nil
}

func runDraftDelete(cmd *cobra.Command, args []string) error {
	entityType, err := parseEntityType(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := apiClient.DeleteDraft(ctx, entityType, args[1]); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}

	fmt.Println("Draft deleted")
	return nil
}

func runDraftValidate(cmd *cobra.Command, args []string) error {
	entityType, err := parseEntityType(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	result, err := apiClient.ValidateDraft(ctx, entityType, args[1])
	if err != nil {
		return fmt.Errorf("validate draft: %w", err)
	}

	if result.Valid {
		fmt.Println("✓ Draft is valid")
	} else {
		fmt.Printf("✗ Draft has %d error(s):\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Printf("  • %s\n", e)
		}
	}
	for _, w := range result.Warnings {
		fmt.Printf("  ⚠ %s\n", w)
	}
	return nil
}

func runDraftPreview(cmd *cobra.Command, args []string) error {
	entityType, err := parseEntityType(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	preview, err := apiClient.PreviewDraft(ctx, entityType, args[1], previewInput)
	if err != nil {
		return fmt.Errorf("preview draft: %w", err)
	}

	keys := make([]string, 0, len(preview))
	for k := range preview {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Println("Preview:")
	for _, k := range keys {
		fmt.Printf("  %s: %v\n", k, preview[k])
	}
	return nil
}

func runDraftFinalize(cmd *cobra.Command, args []string) error {
	entityType, err := parseEntityType(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	result, err := apiClient.FinalizeDraft(ctx, entityType, args[1])
	if err != nil {
		return fmt.Errorf("finalize draft: %w", err)
	}

	fmt.Printf("✓ Deployed %s\n", result.EntityID)
	for name, activation := range result.Channels {
		if activation.Status == "success" {
			fmt.Printf("  Channel %s: active\n", name)
		} else {
			fmt.Printf("  Channel %s: failed (%s)\n", name, activation.ErrorMessage)
		}
	}

	if result.PipelineID == "" {
		return nil
	}
	fmt.Printf("  Ingestion pipeline: %s\n", result.PipelineID)

	if !finalizeWatch {
		fmt.Printf("\nUse 'botforge pipeline %s --watch' to follow progress.\n", result.PipelineID)
		return nil
	}
	return runWatchProgress(result.PipelineID)
}
