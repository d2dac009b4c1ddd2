package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/audit"
)

var (
	auditRepoPath string
	auditSince    string
	auditOutput   string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Scan git history for leaked secrets",
	Long: `Audit walks the workspace's git history and scans the added lines
of every commit for secrets (tokens, keys, passwords). Agents commit
autonomously, so a periodic history audit catches what slipped past
review.

Exits nonzero when HIGH severity findings are present.

Examples:

  # Scan the whole history of the current workspace
  swarmd audit

  # Only recent commits, machine-readable output
  swarmd audit --since 2026-06-01 --output json`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditRepoPath, "repo", ".", "repository path to scan")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "only scan commits after this date (YYYY-MM-DD)")
	auditCmd.Flags().StringVar(&auditOutput, "output", "text", "output format: text or json")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg := &audit.Config{RepoPath: auditRepoPath}
	if auditSince != "" {
		since, err := time.Parse("2006-01-02", auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since date %q: %w", auditSince, err)
		}
		cfg.Since = since
	}

	analyzer, err := audit.NewAnalyzer(cfg, zap.NewNop())
	if err != nil {
		return err
	}

	findings, err := analyzer.Run(cmd.Context())
	if err != nil {
		return err
	}

	report := audit.NewReport(findings)
	switch auditOutput {
	case "json":
		if err := report.WriteJSON(os.Stdout); err != nil {
			return err
		}
	case "text":
		if err := report.WriteText(os.Stdout); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown output format %q", auditOutput)
	}

	if report.HasHigh() {
		// Findings are the command's output, not an error; the exit
		// code alone signals the failed audit.
		cmd.SilenceErrors = true
		os.Exit(1)
	}
	return nil
}
