package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadServerDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stockbot.yaml")
	if err := os.WriteFile(path, []byte("project_root: /srv/stockbot\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.Addr != ":8420" {
		t.Errorf("addr default = %q", cfg.Addr)
	}
	if cfg.Worker.Python != "python3" {
		t.Errorf("python default = %q", cfg.Worker.Python)
	}
	if cfg.Worker.TrainModule != "stockbot.rl.train" {
		t.Errorf("train module default = %q", cfg.Worker.TrainModule)
	}
	if cfg.Storage.Backend != "none" {
		t.Errorf("storage default = %q", cfg.Storage.Backend)
	}
	if cfg.ProjectRoot != "/srv/stockbot" {
		t.Errorf("project_root = %q", cfg.ProjectRoot)
	}
}

func TestLoadServerNotFound(t *testing.T) {
	_, err := LoadServer(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want fs.ErrNotExist in the chain", err)
	}
}

func TestLoadServerExpandsEnv(t *testing.T) {
	t.Setenv("STOCKBOT_TEST_ADDR", ":9999")
	path := filepath.Join(t.TempDir(), "stockbot.yaml")
	body := "addr: \"${STOCKBOT_TEST_ADDR}\"\nextra_runs_root: \"${STOCKBOT_TEST_UNSET:-/mnt/extra}\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.ExtraRunsRoot != "/mnt/extra" {
		t.Errorf("extra_runs_root = %q", cfg.ExtraRunsRoot)
	}
}

func TestLoadServerValidatesStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stockbot.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  backend: s3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadServer(path); err == nil {
		t.Error("s3 backend without bucket accepted")
	}
}

func TestLoadBaseAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	body := "run:\n  policy: mlp\nfees:\n  bps: 1.5\n"
	if err := os.WriteFile(basePath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	base, err := LoadBase(basePath)
	if err != nil {
		t.Fatalf("LoadBase: %v", err)
	}
	run, ok := base["run"].(map[string]any)
	if !ok || run["policy"] != "mlp" {
		t.Errorf("base = %v", base)
	}

	snapPath := filepath.Join(dir, "snapshot.yaml")
	if err := WriteSnapshot(snapPath, base); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	again, err := LoadBase(snapPath)
	if err != nil {
		t.Fatalf("reload snapshot: %v", err)
	}
	if !reflect.DeepEqual(base, again) {
		t.Errorf("snapshot round trip changed content:\n%v\n%v", base, again)
	}
}

func TestLoadBaseNotFound(t *testing.T) {
	_, err := LoadBase(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want fs.ErrNotExist in the chain", err)
	}
}
