// Swarmd coordinates a multi-level hierarchy of autonomous coding agents
// working one project workspace.
//
// The daemon validates agent-spawn transitions, parses completion signals
// out of terminated agents' output, classifies and recovers from their
// failures, aggregates completion percentages bottom-up through the
// Vision → Epic → Roadmap → Plan → Phase → Task hierarchy, warns on
// concurrent writes to the same resource, and scores drift between the
// planned vision and actual progress.
//
// Usage:
//
//	# Start the daemon with defaults
//	swarmd serve
//
//	# Custom config file
//	swarmd serve --config ~/.config/swarmd/config.yaml
//
//	# Audit git history for leaked secrets
//	swarmd audit --since 2026-01-01 --output json
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "swarmd",
	Short: "Multi-level agent orchestration daemon",
	Long: `swarmd coordinates a hierarchy of autonomous coding agents: it
validates spawn transitions, folds completion and failure signals into a
shared progress hierarchy, fires milestone notifications, and detects
drift from the planned vision.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("swarmd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
