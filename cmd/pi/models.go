package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/pi/internal/config"
	"github.com/haasonsaas/pi/internal/providers/bedrock"
	"github.com/haasonsaas/pi/pkg/models"
)

// buildModelsCmd creates the "models" command: the built-in descriptors
// overlaid with the user catalog, with the settings default marked.
func buildModelsCmd() *cobra.Command {
	var (
		jsonOutput    bool
		discoverAWS   bool
		bedrockRegion string
	)

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List available models",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentDir, err := config.DefaultDir()
			if err != nil {
				return err
			}
			list, err := config.LoadModels(agentDir)
			if err != nil {
				return err
			}
			if discoverAWS {
				found, err := bedrock.Discover(cmd.Context(), &bedrock.DiscoveryConfig{Region: bedrockRegion})
				if err != nil {
					return fmt.Errorf("bedrock discovery: %w", err)
				}
				extra := make([]*models.Model, len(found))
				for i := range found {
					extra[i] = &found[i]
				}
				// Catalog entries win so user overrides keep their pricing.
				list = config.MergeModels(extra, list)
			}
			settingsPath, err := config.DefaultSettingsPath()
			if err != nil {
				return err
			}
			settings, err := config.LoadSettings(settingsPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tID\tAPI\tCONTEXT\tMAX OUT\tREASONING\tDEFAULT")
			for _, m := range list {
				def := ""
				if m.Provider == settings.DefaultProvider && m.ID == settings.DefaultModel {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%t\t%s\n",
					m.Provider, m.ID, m.API, m.ContextWindow, m.MaxTokens, m.Reasoning, def)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the catalog as JSON")
	cmd.Flags().BoolVar(&discoverAWS, "bedrock", false, "Include Bedrock foundation models discovered from AWS")
	cmd.Flags().StringVar(&bedrockRegion, "bedrock-region", "", "AWS region to query for Bedrock models (default us-east-1)")

	return cmd
}
