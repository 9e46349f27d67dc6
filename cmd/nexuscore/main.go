// Command nexuscore is the CLI entry point for the multi-agent Nostr
// conversation engine.
//
// nexuscore wires configured agents onto a Nostr relay set, routing every
// inbound event to the right agent's Reasoning-and-Action Loop and
// publishing that loop's output back to the same relays.
//
// # Basic Usage
//
// Start the engine:
//
//	nexuscore serve --config nexuscore.yaml
//
// Inspect the configured agent roster:
//
//	nexuscore status --config nexuscore.yaml
//
// # Environment Variables
//
//   - NEXUSCORE_CONFIG: path to the YAML config file (default: nexuscore.yaml)
//   - TENEX_HOME_BASE_PATH, TENEX_SQLITE_PATH, TENEX_RELAYS: config overlay,
//     see internal/config
//   - <agent>.nsec_env names the env var carrying that agent's secret key
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached;
// kept separate from main for testability.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nexuscore",
		Short:        "nexuscore - multi-agent Nostr conversation engine",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildStatusCmd())
	return root
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if v := os.Getenv("NEXUSCORE_CONFIG"); v != "" {
		return v
	}
	return "nexuscore.yaml"
}
