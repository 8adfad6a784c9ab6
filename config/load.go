package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadServer reads a stockbot.yaml daemon config, expands environment
// variables, and applies defaults.
func LoadServer(path string) (*Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s: %w", path, err)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	var cfg Server
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadBase reads a base experiment config into a generic map for merging.
// Environment variables are expanded before parsing.
func LoadBase(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("base config not found: %s: %w", path, err)
		}
		return nil, fmt.Errorf("cannot read base config %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	var m map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &m); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// WriteSnapshot serializes the merged effective config as YAML at path.
func WriteSnapshot(path string, merged map[string]any) error {
	data, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return nil
}
