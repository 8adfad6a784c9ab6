// Package paths maps run identities to canonical artifact locations and
// enforces the output-directory allow-list.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath indicates a requested output directory escapes the
// allow-listed roots.
var ErrInvalidPath = errors.New("invalid path")

// ErrUnknownArtifact indicates an artifact name outside the closed set.
var ErrUnknownArtifact = errors.New("unknown artifact")

// Environment variables honored by the layout.
const (
	EnvProjectRoot   = "PROJECT_ROOT"
	EnvExtraRunsRoot = "STOCKBOT_EXTRA_RUNS_ROOT"
)

// Artifact names form a closed set; any other name is rejected at the
// boundary.
const (
	ArtifactMetrics = "metrics"
	ArtifactEquity  = "equity"
	ArtifactOrders  = "orders"
	ArtifactTrades  = "trades"
	ArtifactSummary = "summary"
	ArtifactConfig  = "config"
	ArtifactModel   = "model"
	ArtifactJobLog  = "job_log"
)

// artifactFiles maps artifact names to their path relative to out_dir.
var artifactFiles = map[string]string{
	ArtifactMetrics: filepath.Join("report", "metrics.json"),
	ArtifactEquity:  filepath.Join("report", "equity.csv"),
	ArtifactOrders:  filepath.Join("report", "orders.csv"),
	ArtifactTrades:  filepath.Join("report", "trades.csv"),
	ArtifactSummary: filepath.Join("report", "summary.json"),
	ArtifactConfig:  "config.snapshot.yaml",
	ArtifactModel:   "ppo_policy.zip",
	ArtifactJobLog:  "job.log",
}

// Layout resolves project-relative paths. The allow-list is immutable after
// construction.
type Layout struct {
	projectRoot string
	runsDir     string
	extraRoots  []string
}

// NewLayout builds a Layout from the environment. PROJECT_ROOT defaults to
// the working directory; runs live under <root>/runs.
func NewLayout() (*Layout, error) {
	root := os.Getenv(EnvProjectRoot)
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve project root: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	l := &Layout{
		projectRoot: abs,
		runsDir:     filepath.Join(abs, "runs"),
	}
	if extra := os.Getenv(EnvExtraRunsRoot); extra != "" {
		if extraAbs, err := filepath.Abs(extra); err == nil {
			l.extraRoots = append(l.extraRoots, extraAbs)
		}
	}
	return l, nil
}

// NewLayoutAt builds a Layout rooted at an explicit directory. Tests and the
// CLI use this to avoid touching process-wide environment state.
func NewLayoutAt(projectRoot string, extraRoots ...string) *Layout {
	abs, _ := filepath.Abs(projectRoot)
	l := &Layout{
		projectRoot: abs,
		runsDir:     filepath.Join(abs, "runs"),
	}
	for _, r := range extraRoots {
		if ra, err := filepath.Abs(r); err == nil {
			l.extraRoots = append(l.extraRoots, ra)
		}
	}
	return l
}

// ProjectRoot returns the absolute project root.
func (l *Layout) ProjectRoot() string { return l.projectRoot }

// RunsDir returns the default runs root.
func (l *Layout) RunsDir() string { return l.runsDir }

// AllowedRoots returns the output-directory allow-list.
func (l *Layout) AllowedRoots() []string {
	roots := make([]string, 0, 1+len(l.extraRoots))
	roots = append(roots, l.runsDir)
	roots = append(roots, l.extraRoots...)
	return roots
}

// ResolveOutDir resolves and creates the output directory for a run.
// An explicit requested path must sit inside an allow-listed root; otherwise
// a sanitized outTag (or the run id, when the tag is empty) is appended to
// the runs root. Returns ErrInvalidPath when the request escapes the
// allow-list.
func (l *Layout) ResolveOutDir(requested, outTag string) (string, error) {
	var dir string
	if requested != "" {
		abs, err := filepath.Abs(requested)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		abs = filepath.Clean(abs)
		if !l.allowed(abs) {
			return "", fmt.Errorf("%w: %s is outside allowed roots", ErrInvalidPath, abs)
		}
		dir = abs
	} else {
		tag := SanitizeTag(outTag)
		if tag == "" {
			return "", fmt.Errorf("%w: empty out tag", ErrInvalidPath)
		}
		dir = filepath.Join(l.runsDir, tag)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create out dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "report"), 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	return dir, nil
}

// allowed reports whether dir equals or sits under an allow-listed root.
func (l *Layout) allowed(dir string) bool {
	for _, root := range l.AllowedRoots() {
		if dir == root {
			return true
		}
		if strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// SanitizeTag strips everything but alphanumerics, '.', '_' and '-'.
func SanitizeTag(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		}
	}
	// Reject names that are only dots (".", "..") after sanitization.
	if strings.Trim(b.String(), ".") == "" {
		return ""
	}
	return b.String()
}

// ArtifactPath maps (out_dir, name) to the artifact's absolute path.
// Returns ErrUnknownArtifact for names outside the closed set.
func ArtifactPath(outDir, name string) (string, error) {
	rel, ok := artifactFiles[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownArtifact, name)
	}
	return filepath.Join(outDir, rel), nil
}

// ArtifactRel returns the artifact's path relative to its out_dir.
func ArtifactRel(name string) (string, error) {
	rel, ok := artifactFiles[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownArtifact, name)
	}
	return rel, nil
}

// ArtifactMap returns the full closed-set name→path mapping for an out_dir.
func ArtifactMap(outDir string) map[string]string {
	m := make(map[string]string, len(artifactFiles))
	for name, rel := range artifactFiles {
		m[name] = filepath.Join(outDir, rel)
	}
	return m
}

// ExistingArtifacts returns only the artifacts present on disk.
func ExistingArtifacts(outDir string) map[string]string {
	m := make(map[string]string)
	for name, rel := range artifactFiles {
		p := filepath.Join(outDir, rel)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			m[name] = p
		}
	}
	return m
}

// ArtifactNames returns the closed set of artifact names.
func ArtifactNames() []string {
	names := make([]string, 0, len(artifactFiles))
	for name := range artifactFiles {
		names = append(names, name)
	}
	return names
}
