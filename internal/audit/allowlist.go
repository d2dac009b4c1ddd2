package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Allowlist holds path and content patterns excluded from the audit.
type Allowlist struct {
	// Paths are file path regex patterns to skip.
	Paths []string
	// Regexes are content regex patterns to ignore.
	Regexes []string
}

// LoadAllowlist reads the workspace allowlist (.gitleaks.toml in the
// repository root). A missing file yields an empty allowlist; invalid
// TOML or regex patterns are errors.
func LoadAllowlist(repoPath string) (*Allowlist, error) {
	path := filepath.Join(repoPath, ".gitleaks.toml")

	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("parse allowlist %s: %w", path, err)
	}

	al := &Allowlist{Paths: doc.Allowlist.Paths, Regexes: doc.Allowlist.Regexes}
	for _, pattern := range append(append([]string{}, al.Paths...), al.Regexes...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid allowlist pattern %q: %w", pattern, err)
		}
	}
	return al, nil
}

// apply merges the allowlist into the detector's config. Patterns are
// validated in LoadAllowlist, so compilation cannot fail here.
func (al *Allowlist) apply(detector *detect.Detector) {
	if al == nil || (len(al.Paths) == 0 && len(al.Regexes) == 0) {
		return
	}

	global := &gitleaksconfig.Allowlist{Description: "swarmd audit allowlist"}
	for _, pattern := range al.Paths {
		global.Paths = append(global.Paths, (*gitleaksregexp.Regexp)(regexp.MustCompile(pattern)))
	}
	for _, pattern := range al.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksregexp.Regexp)(regexp.MustCompile(pattern)))
	}
	detector.Config.Allowlists = append(detector.Config.Allowlists, global)
}

// skipPath reports whether a file path is allowlisted outright.
func (al *Allowlist) skipPath(path string) bool {
	if al == nil {
		return false
	}
	for _, pattern := range al.Paths {
		if regexp.MustCompile(pattern).MatchString(path) {
			return true
		}
	}
	return false
}
