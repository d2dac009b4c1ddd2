// Package audit scans a workspace's git history for leaked secrets.
//
// Swarms of autonomous agents commit on their own, and an agent pasting
// a token into a config file is a realistic failure mode, so the audit
// walks every commit (optionally since a cutoff) and runs the added
// lines of each diff through secret detection. Findings are graded
// HIGH/MEDIUM/LOW; a HIGH finding fails the audit command.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	fdiff "github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"
)

// Severity grades a finding.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Finding is one potential secret located in the commit history.
type Finding struct {
	Commit   string    `json:"commit"`
	Author   string    `json:"author"`
	Date     time.Time `json:"date"`
	Message  string    `json:"message"`
	File     string    `json:"file"`
	RuleID   string    `json:"rule_id"`
	RuleDesc string    `json:"rule_desc"`
	Secret   string    `json:"secret"`
	Severity Severity  `json:"severity"`
}

// Config configures the analyzer.
type Config struct {
	// RepoPath is the repository to scan (default: current directory).
	RepoPath string

	// Since limits the walk to commits after the cutoff; zero scans all.
	Since time.Time
}

// Analyzer walks commit history and scans added lines for secrets.
type Analyzer struct {
	config    *Config
	logger    *zap.Logger
	allowlist *Allowlist
	detector  *detect.Detector
}

// NewAnalyzer creates an analyzer with the default gitleaks rule set
// plus the workspace allowlist.
func NewAnalyzer(cfg *Config, logger *zap.Logger) (*Analyzer, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.RepoPath == "" {
		cfg.RepoPath = "."
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	allowlist, err := LoadAllowlist(cfg.RepoPath)
	if err != nil {
		return nil, err
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("create secret detector: %w", err)
	}
	allowlist.apply(detector)

	return &Analyzer{
		config:    cfg,
		logger:    logger,
		allowlist: allowlist,
		detector:  detector,
	}, nil
}

// Run walks the history and returns all findings, newest commit first.
func (a *Analyzer) Run(ctx context.Context) ([]Finding, error) {
	repo, err := git.PlainOpen(a.config.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", a.config.RepoPath, err)
	}

	opts := &git.LogOptions{}
	if !a.config.Since.IsZero() {
		since := a.config.Since
		opts.Since = &since
	}
	iter, err := repo.Log(opts)
	if err != nil {
		return nil, fmt.Errorf("walk history: %w", err)
	}
	defer iter.Close()

	var findings []Finding
	commits := 0
	err = iter.ForEach(func(commit *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		commits++
		found, err := a.scanCommit(commit)
		if err != nil {
			// A single unreadable commit does not sink the audit.
			a.logger.Warn("skipping unscannable commit",
				zap.String("commit", commit.Hash.String()),
				zap.Error(err))
			return nil
		}
		findings = append(findings, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("history audit finished",
		zap.Int("commits", commits),
		zap.Int("findings", len(findings)))
	return findings, nil
}

// scanCommit diffs the commit against its first parent (or the empty
// tree for roots) and scans the added lines of each file.
func (a *Analyzer) scanCommit(commit *object.Commit) ([]Finding, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	var parentTree *object.Tree
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return nil, err
		}
		parentTree, err = parent.Tree()
		if err != nil {
			return nil, err
		}
	}

	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return nil, err
	}
	patch, err := changes.Patch()
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, fp := range patch.FilePatches() {
		_, to := fp.Files()
		if to == nil {
			// Deletion; nothing was added.
			continue
		}
		path := to.Path()
		if a.allowlist.skipPath(path) {
			continue
		}

		var added strings.Builder
		for _, chunk := range fp.Chunks() {
			if chunk.Type() == fdiff.Add {
				added.WriteString(chunk.Content())
				added.WriteByte('\n')
			}
		}
		if added.Len() == 0 {
			continue
		}

		for _, leak := range a.detector.DetectString(added.String()) {
			findings = append(findings, Finding{
				Commit:   commit.Hash.String(),
				Author:   commit.Author.Name,
				Date:     commit.Author.When,
				Message:  strings.SplitN(commit.Message, "\n", 2)[0],
				File:     path,
				RuleID:   leak.RuleID,
				RuleDesc: leak.Description,
				Secret:   leak.Secret,
				Severity: severityFor(leak.RuleID, leak.Description),
			})
		}
	}
	return findings, nil
}

// severityFor grades a rule. Credentials that grant direct access are
// HIGH; scoped tokens and keys are MEDIUM; the rest are LOW.
func severityFor(ruleID, description string) Severity {
	text := strings.ToLower(ruleID + " " + description)

	for _, kw := range []string{"password", "private-key", "private key", "aws", "secret"} {
		if strings.Contains(text, kw) {
			return SeverityHigh
		}
	}
	for _, kw := range []string{"api-key", "api key", "token", "bearer"} {
		if strings.Contains(text, kw) {
			return SeverityMedium
		}
	}
	return SeverityLow
}
