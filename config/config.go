// Package config handles YAML configuration: the control-plane daemon config
// and the per-run base-config snapshotting with request overrides.
package config

import (
	"fmt"
	"time"
)

// Server is the stockbot.yaml daemon configuration. All values are optional
// and act as defaults; CLI flags always override config values.
type Server struct {
	// Addr is the HTTP listen address, e.g. ":8420".
	Addr string `yaml:"addr"`
	// ProjectRoot overrides the PROJECT_ROOT environment variable.
	ProjectRoot string `yaml:"project_root"`
	// ExtraRunsRoot is an additional output-root allow-list entry.
	ExtraRunsRoot string `yaml:"extra_runs_root"`
	// RegistryPath is the embedded registry database location.
	// Defaults to <project_root>/runs/registry.db.
	RegistryPath string `yaml:"registry_path"`

	Worker  WorkerConfig  `yaml:"worker"`
	Storage StorageConfig `yaml:"storage"`
	Canary  CanaryFile    `yaml:"canary"`
}

// WorkerConfig describes how worker subprocesses are launched.
type WorkerConfig struct {
	// Python is the interpreter used to launch worker modules.
	Python string `yaml:"python"`
	// TrainModule and BacktestModule are the worker module names passed
	// with -m.
	TrainModule    string `yaml:"train_module"`
	BacktestModule string `yaml:"backtest_module"`
}

// StorageConfig enables the optional S3 artifact mirror.
type StorageConfig struct {
	// Backend is "none" (default) or "s3".
	Backend string `yaml:"backend"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// CanaryFile points at default canary parameters for /trade/start requests
// that omit a config.
type CanaryFile struct {
	Path string `yaml:"path"`
}

// ApplyDefaults fills unset daemon config fields.
func (s *Server) ApplyDefaults() {
	if s.Addr == "" {
		s.Addr = ":8420"
	}
	if s.Worker.Python == "" {
		s.Worker.Python = "python3"
	}
	if s.Worker.TrainModule == "" {
		s.Worker.TrainModule = "stockbot.rl.train"
	}
	if s.Worker.BacktestModule == "" {
		s.Worker.BacktestModule = "stockbot.backtest.run"
	}
	if s.Storage.Backend == "" {
		s.Storage.Backend = "none"
	}
}

// Validate checks daemon config invariants.
func (s *Server) Validate() error {
	switch s.Storage.Backend {
	case "", "none":
	case "s3":
		if s.Storage.Bucket == "" {
			return fmt.Errorf("storage backend s3 requires a bucket")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", s.Storage.Backend)
	}
	return nil
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
