// Package main provides the pi CLI: a coding-agent runtime driven over
// line-delimited JSON.
//
// # Basic Usage
//
// Run a session over stdin/stdout:
//
//	pi rpc --model claude-sonnet-4-5
//
// Store provider credentials:
//
//	pi login anthropic
//	pi login openai --api-key sk-...
//
// List the model catalog:
//
//	pi models
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key (wins over stored credentials)
//   - OPENAI_API_KEY: OpenAI API key
//   - GEMINI_API_KEY / GOOGLE_API_KEY: Gemini API key
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP collector for trace export
//
// State lives under ~/.pi/agent: settings.json, oauth.json, the models
// catalog, and recorded session transcripts.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Structured logging on stderr; stdout is reserved for the RPC stream.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pi",
		Short: "pi - coding agent runtime",
		Long: `pi drives an agent session against an LLM provider with tool execution.

Supported providers: Anthropic, OpenAI, Google (Gemini), Amazon Bedrock
Transport: line-delimited JSON over stdin/stdout (rpc mode)`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRPCCmd(),
		buildLoginCmd(),
		buildLogoutCmd(),
		buildModelsCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "pi %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}
