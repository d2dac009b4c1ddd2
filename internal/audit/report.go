package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// perSeverityPrintCap bounds the text report; the JSON report always
// carries everything.
const perSeverityPrintCap = 10

// Report aggregates findings for output.
type Report struct {
	ScannedAt     time.Time        `json:"scanned_at"`
	TotalFindings int              `json:"total_findings"`
	BySeverity    map[Severity]int `json:"by_severity"`
	Findings      []Finding        `json:"findings"`
}

// NewReport builds a report over the findings.
func NewReport(findings []Finding) *Report {
	r := &Report{
		ScannedAt:     time.Now().UTC(),
		TotalFindings: len(findings),
		BySeverity: map[Severity]int{
			SeverityHigh:   0,
			SeverityMedium: 0,
			SeverityLow:    0,
		},
		Findings: findings,
	}
	for _, f := range findings {
		r.BySeverity[f.Severity]++
	}
	return r
}

// HasHigh reports whether any HIGH finding is present. The audit
// command exits nonzero on HIGH findings.
func (r *Report) HasHigh() bool {
	return r.BySeverity[SeverityHigh] > 0
}

// WriteJSON writes the full report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes a human-readable summary grouped by severity.
func (r *Report) WriteText(w io.Writer) error {
	if r.TotalFindings == 0 {
		_, err := fmt.Fprintln(w, "No sensitive data found in git history.")
		return err
	}

	if _, err := fmt.Fprintf(w, "Found %d potential issues\n\n", r.TotalFindings); err != nil {
		return err
	}

	for _, sev := range []Severity{SeverityHigh, SeverityMedium, SeverityLow} {
		group := r.filter(sev)
		if len(group) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s severity (%d issues)\n", sev, len(group)); err != nil {
			return err
		}

		shown := group
		if len(shown) > perSeverityPrintCap {
			shown = shown[:perSeverityPrintCap]
		}
		for _, f := range shown {
			fmt.Fprintf(w, "  commit %.8s  %s  %s\n", f.Commit, f.Date.Format("2006-01-02"), f.Author)
			fmt.Fprintf(w, "    %s: %s (%s)\n", f.File, f.RuleID, truncate(f.Secret, 40))
		}
		if extra := len(group) - len(shown); extra > 0 {
			fmt.Fprintf(w, "  ... and %d more\n", extra)
		}
		fmt.Fprintln(w)
	}

	if r.HasHigh() {
		fmt.Fprintln(w, "Rotate any exposed credentials and rewrite the offending history.")
	}
	return nil
}

func (r *Report) filter(sev Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == sev {
			out = append(out, f)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
