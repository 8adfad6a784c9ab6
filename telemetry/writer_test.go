package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stockbot-io/stockbot/types"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var doc map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
			t.Fatalf("line not JSON: %v", err)
		}
		out = append(out, doc)
	}
	return out
}

func TestEmitBarStampsIdentity(t *testing.T) {
	dir := t.TempDir()
	barPath := filepath.Join(dir, BarFileName)

	w := NewWriter("run-1", barPath, "", "")
	defer w.Close()

	w.EmitBar(&types.TelemetryRecord{BarIdx: 7})

	lines := readLines(t, barPath)
	if len(lines) != 1 {
		t.Fatalf("lines = %d", len(lines))
	}
	doc := lines[0]
	if doc["run_id"] != "run-1" {
		t.Errorf("run_id = %v", doc["run_id"])
	}
	if doc["kind"] != "bar" {
		t.Errorf("kind = %v", doc["kind"])
	}
	if doc["schema"] != types.TelemetrySchema {
		t.Errorf("schema = %v", doc["schema"])
	}
	if doc["emitted_at"] == nil {
		t.Error("emitted_at missing")
	}
}

func TestOversizeRecordTruncated(t *testing.T) {
	dir := t.TempDir()
	barPath := filepath.Join(dir, BarFileName)

	w := NewWriter("run-1", barPath, "", "")
	defer w.Close()

	rec := &types.TelemetryRecord{
		BarIdx: 1,
		Data:   map[string]any{"blob": strings.Repeat("x", types.MaxTelemetryLineBytes)},
	}
	w.EmitBar(rec)

	lines := readLines(t, barPath)
	if len(lines) != 1 {
		t.Fatalf("oversize record dropped instead of truncated")
	}
	doc := lines[0]
	if doc["_truncated"] != true {
		t.Errorf("_truncated = %v", doc["_truncated"])
	}
	if _, ok := doc["data"]; ok {
		t.Error("heavyweight payload survived truncation")
	}
	if doc["run_id"] != "run-1" {
		t.Error("identity lost in truncation")
	}
}

func TestEmitNeverFails(t *testing.T) {
	// Unwritable destination: emits must be swallowed, not panic.
	w := NewWriter("run-1", "/nonexistent-dir/t.jsonl", "", "")
	defer w.Close()
	w.EmitBar(&types.TelemetryRecord{BarIdx: 1})
	w.EmitEvent("checkpoint", map[string]any{"step": 10})
	w.EmitRollup(map[string]any{"mean": 0.5})
}

func TestEventAndRollupStreams(t *testing.T) {
	dir := t.TempDir()
	eventPath := filepath.Join(dir, EventFileName)
	rollupPath := filepath.Join(dir, RollupFileName)

	w := NewWriter("run-2", "", eventPath, rollupPath)
	defer w.Close()

	w.EmitEvent("checkpoint", map[string]any{"step": float64(100)})
	w.EmitRollup(map[string]any{"sharpe": 1.2})

	events := readLines(t, eventPath)
	if len(events) != 1 || events[0]["kind"] != "event" {
		t.Fatalf("events = %v", events)
	}
	data := events[0]["data"].(map[string]any)
	if data["event"] != "checkpoint" || data["step"] != float64(100) {
		t.Errorf("event payload = %v", data)
	}

	rollups := readLines(t, rollupPath)
	if len(rollups) != 1 || rollups[0]["kind"] != "rollup" {
		t.Fatalf("rollups = %v", rollups)
	}
}

func TestNewWriterFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvRunID, "env-run")
	t.Setenv(EnvTelemetryPath, filepath.Join(dir, BarFileName))
	t.Setenv(EnvEventPath, "")
	t.Setenv(EnvRollupPath, "")

	w := NewWriterFromEnv()
	defer w.Close()
	w.EmitBar(&types.TelemetryRecord{})

	lines := readLines(t, filepath.Join(dir, BarFileName))
	if len(lines) != 1 || lines[0]["run_id"] != "env-run" {
		t.Fatalf("lines = %v", lines)
	}
}
