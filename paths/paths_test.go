package paths

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveOutDirDefaultTag(t *testing.T) {
	root := t.TempDir()
	l := NewLayoutAt(root)

	dir, err := l.ResolveOutDir("", "exp-01")
	if err != nil {
		t.Fatalf("ResolveOutDir: %v", err)
	}
	want := filepath.Join(root, "runs", "exp-01")
	if dir != want {
		t.Errorf("dir = %q, want %q", dir, want)
	}
	if _, err := os.Stat(filepath.Join(dir, "report")); err != nil {
		t.Errorf("report dir not created: %v", err)
	}
}

func TestResolveOutDirSanitizesTag(t *testing.T) {
	root := t.TempDir()
	l := NewLayoutAt(root)

	dir, err := l.ResolveOutDir("", "../../etc/passwd")
	if err != nil {
		t.Fatalf("ResolveOutDir: %v", err)
	}
	if dir != filepath.Join(root, "runs", "etcpasswd") {
		t.Errorf("traversal characters survived: %q", dir)
	}
}

func TestResolveOutDirRejectsDotOnlyTag(t *testing.T) {
	l := NewLayoutAt(t.TempDir())
	if _, err := l.ResolveOutDir("", "..."); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("err = %v, want ErrInvalidPath", err)
	}
	if _, err := l.ResolveOutDir("", ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("empty tag err = %v, want ErrInvalidPath", err)
	}
}

func TestResolveOutDirExplicitInsideRoot(t *testing.T) {
	root := t.TempDir()
	l := NewLayoutAt(root)

	requested := filepath.Join(root, "runs", "explicit")
	dir, err := l.ResolveOutDir(requested, "")
	if err != nil {
		t.Fatalf("ResolveOutDir: %v", err)
	}
	if dir != requested {
		t.Errorf("dir = %q, want %q", dir, requested)
	}
}

func TestResolveOutDirRejectsEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	l := NewLayoutAt(root)

	if _, err := l.ResolveOutDir(outside, ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("err = %v, want ErrInvalidPath", err)
	}
	// Prefix tricks must not pass: /root/runs-evil is not under /root/runs.
	evil := filepath.Join(root, "runs-evil")
	if _, err := l.ResolveOutDir(evil, ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("sibling prefix accepted: %v", err)
	}
}

func TestResolveOutDirExtraRoot(t *testing.T) {
	root := t.TempDir()
	extra := t.TempDir()
	l := NewLayoutAt(root, extra)

	dir, err := l.ResolveOutDir(filepath.Join(extra, "r1"), "")
	if err != nil {
		t.Fatalf("extra root rejected: %v", err)
	}
	if dir != filepath.Join(extra, "r1") {
		t.Errorf("dir = %q", dir)
	}
}

func TestArtifactPathClosedSet(t *testing.T) {
	out := "/tmp/run1"
	p, err := ArtifactPath(out, ArtifactMetrics)
	if err != nil {
		t.Fatalf("ArtifactPath: %v", err)
	}
	if p != filepath.Join(out, "report", "metrics.json") {
		t.Errorf("metrics path = %q", p)
	}

	if _, err := ArtifactPath(out, "passwd"); !errors.Is(err, ErrUnknownArtifact) {
		t.Errorf("unknown artifact err = %v, want ErrUnknownArtifact", err)
	}
	if _, err := ArtifactPath(out, "../job.log"); !errors.Is(err, ErrUnknownArtifact) {
		t.Errorf("traversal name err = %v, want ErrUnknownArtifact", err)
	}
}

func TestExistingArtifacts(t *testing.T) {
	out := t.TempDir()
	if err := os.MkdirAll(filepath.Join(out, "report"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(out, "report", "metrics.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(out, "job.log"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := ExistingArtifacts(out)
	if len(got) != 2 {
		t.Fatalf("ExistingArtifacts = %v, want 2 entries", got)
	}
	if _, ok := got[ArtifactMetrics]; !ok {
		t.Errorf("metrics missing from %v", got)
	}
	if _, ok := got[ArtifactJobLog]; !ok {
		t.Errorf("job_log missing from %v", got)
	}
}

func TestSanitizeTag(t *testing.T) {
	cases := []struct{ in, want string }{
		{"exp_1.a-b", "exp_1.a-b"},
		{"a/b c!", "abc"},
		{"..", ""},
		{"..a", "..a"},
	}
	for _, tc := range cases {
		if got := SanitizeTag(tc.in); got != tc.want {
			t.Errorf("SanitizeTag(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
