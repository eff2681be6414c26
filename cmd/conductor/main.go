// Package main provides the CLI entry point for the Conductor multi-agent
// control plane.
//
// Conductor ingests agent event streams, maintains the shared knowledge
// store, routes blocking decisions to humans, and pushes classified state to
// dashboard clients over WebSocket.
//
// # Basic Usage
//
// Start the server:
//
//	conductor serve --config conductor.yaml
//
// # Environment Variables
//
//   - CONDUCTOR_CONFIG: Path to configuration file (default: conductor.yaml)
package main

import (
	"fmt"
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
	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Conductor multi-agent orchestration control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath picks the config path: explicit flag, then the
// CONDUCTOR_CONFIG environment variable, then the default.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CONDUCTOR_CONFIG"); env != "" {
		return env
	}
	return "conductor.yaml"
}
