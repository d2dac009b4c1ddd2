// Package extraction parses completion signals out of free-text agent
// output. Agents report outcomes through line-anchored markers
// (TASK_COMPLETED, TASK_FAILED, TASK_BLOCKED, PARTIAL_RESULT); outputs
// without markers fall back to generic error-indicator detection.
package extraction

import (
	"regexp"
	"strings"
)

// Kind tags a parsed completion signal.
type Kind string

const (
	KindCompleted Kind = "completed"
	KindBlocked   Kind = "blocked"
	KindFailed    Kind = "failed"
	// KindPartial is a worker progress note, never a terminal transition.
	KindPartial Kind = "partial"
)

// Signal is a parsed completion signal. Signals are ephemeral: consumed
// by the recovery engine and progress aggregator, never persisted.
type Signal struct {
	Kind   Kind
	TaskID string

	// Artifacts and Summary accompany completed/partial signals.
	Artifacts []string
	Summary   string

	// Error accompanies failed signals; Blocker accompanies blocked ones.
	Error   string
	Blocker string

	// AgentID is attached by the caller, not parsed from output.
	AgentID string
}

// Marker regexes, line-anchored and case-insensitive. Task ids use the
// same charset node ids do.
var (
	failedRe    = regexp.MustCompile(`(?im)^\s*TASK_FAILED:\s*([A-Za-z0-9._-]+)`)
	blockedRe   = regexp.MustCompile(`(?im)^\s*TASK_BLOCKED:\s*([A-Za-z0-9._-]+)`)
	completedRe = regexp.MustCompile(`(?im)^\s*TASK_COMPLETED:\s*([A-Za-z0-9._-]+)`)
	partialRe   = regexp.MustCompile(`(?im)^\s*PARTIAL_RESULT:\s*([A-Za-z0-9._-]+)`)

	errorLineRe   = regexp.MustCompile(`(?im)^\s*ERROR:\s*(.+)$`)
	blockerLineRe = regexp.MustCompile(`(?im)^\s*BLOCKER:\s*(.+)$`)
	artifactsRe   = regexp.MustCompile(`(?im)^\s*ARTIFACTS:\s*(.+)$`)
	summaryRe     = regexp.MustCompile(`(?im)^\s*SUMMARY:\s*(.+)$`)
)

// errorIndicators are generic failure phrases recognized when no marker
// is present. Case-insensitive substring match.
var errorIndicators = []string{
	"fatal error",
	"panic:",
	"command not found",
	"unhandled exception",
	"traceback (most recent call last)",
	"segmentation fault",
}

// Extract parses the highest-priority signal out of agent output. When
// multiple markers co-occur the order is failed > blocked > completed >
// partial: a failure is never superseded by a later completion claim in
// the same output. Outputs without markers are scanned for generic
// error indicators, which produce a failed signal with an empty TaskID.
// ok is false when the output carries no recognizable signal; that is a
// parse miss, not an error.
func Extract(output string) (*Signal, bool) {
	if output == "" {
		return nil, false
	}

	if m := failedRe.FindStringSubmatch(output); m != nil {
		return &Signal{
			Kind:   KindFailed,
			TaskID: m[1],
			Error:  firstGroup(errorLineRe, output),
		}, true
	}

	if m := blockedRe.FindStringSubmatch(output); m != nil {
		return &Signal{
			Kind:    KindBlocked,
			TaskID:  m[1],
			Blocker: firstGroup(blockerLineRe, output),
		}, true
	}

	if m := completedRe.FindStringSubmatch(output); m != nil {
		return &Signal{
			Kind:      KindCompleted,
			TaskID:    m[1],
			Artifacts: splitArtifacts(firstGroup(artifactsRe, output)),
			Summary:   firstGroup(summaryRe, output),
		}, true
	}

	if m := partialRe.FindStringSubmatch(output); m != nil {
		return &Signal{
			Kind:      KindPartial,
			TaskID:    m[1],
			Artifacts: splitArtifacts(firstGroup(artifactsRe, output)),
			Summary:   firstGroup(summaryRe, output),
		}, true
	}

	lower := strings.ToLower(output)
	for _, indicator := range errorIndicators {
		if strings.Contains(lower, indicator) {
			return &Signal{
				Kind:  KindFailed,
				Error: "generic error indicator: " + indicator,
			}, true
		}
	}

	return nil, false
}

// firstGroup returns the first capture of re's first match, trimmed.
func firstGroup(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// splitArtifacts parses the comma-separated ARTIFACTS list.
func splitArtifacts(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
