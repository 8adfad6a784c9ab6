// Package telemetry implements the per-run JSONL telemetry contract: an
// append-only writer used inside worker processes and a tailer that follows
// the files for live subscribers.
//
// Telemetry files are single-writer / multi-reader by construction: only the
// owning worker appends, tailers are read-only.
package telemetry

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/stockbot-io/stockbot/types"
)

// Environment variables addressing the three destination files and the run
// identity. All optional; an unset path disables that stream.
const (
	EnvTelemetryPath = "STOCKBOT_TELEMETRY_PATH"
	EnvEventPath     = "STOCKBOT_EVENT_PATH"
	EnvRollupPath    = "STOCKBOT_ROLLUP_PATH"
	EnvRunID         = "STOCKBOT_RUN_ID"
)

// Canonical telemetry file names under a run's out_dir. The launcher points
// the worker's STOCKBOT_* variables at these paths and the server tails them.
const (
	BarFileName    = "telemetry.jsonl"
	EventFileName  = "events.jsonl"
	RollupFileName = "rollups.jsonl"
)

// Writer appends telemetry records as one JSON object per line.
//
// The emit path never returns an error: filesystem failures are swallowed so
// the worker's forward progress is not perturbed. Oversize records are
// compacted and flagged with _truncated rather than dropped.
type Writer struct {
	runID string

	mu    sync.Mutex
	files map[types.TelemetryKind]*os.File
}

// NewWriter opens the destination files for the given paths. An empty path
// disables that stream. Open failures disable the stream silently, matching
// the never-fail emit contract.
func NewWriter(runID, barPath, eventPath, rollupPath string) *Writer {
	w := &Writer{
		runID: runID,
		files: make(map[types.TelemetryKind]*os.File),
	}
	for kind, path := range map[types.TelemetryKind]string{
		types.TelemetryBar:    barPath,
		types.TelemetryEvent:  eventPath,
		types.TelemetryRollup: rollupPath,
	} {
		if path == "" {
			continue
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			continue
		}
		w.files[kind] = f
	}
	return w
}

// NewWriterFromEnv builds a Writer from the STOCKBOT_* environment variables.
func NewWriterFromEnv() *Writer {
	return NewWriter(
		os.Getenv(EnvRunID),
		os.Getenv(EnvTelemetryPath),
		os.Getenv(EnvEventPath),
		os.Getenv(EnvRollupPath),
	)
}

// EmitBar appends a per-bar record to the bar stream.
func (w *Writer) EmitBar(rec *types.TelemetryRecord) {
	rec.Kind = types.TelemetryBar
	w.emit(rec)
}

// EmitEvent appends a named event record to the event stream.
func (w *Writer) EmitEvent(name string, data map[string]any) {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["event"] = name
	w.emit(&types.TelemetryRecord{
		Kind: types.TelemetryEvent,
		Data: payload,
	})
}

// EmitRollup appends a rollup record to the rollup stream.
func (w *Writer) EmitRollup(data map[string]any) {
	w.emit(&types.TelemetryRecord{
		Kind: types.TelemetryRollup,
		Data: data,
	})
}

// emit stamps identity fields, enforces the line size cap, and appends.
// All errors are swallowed.
func (w *Writer) emit(rec *types.TelemetryRecord) {
	f, ok := w.files[rec.Kind]
	if !ok {
		return
	}

	if rec.RunID == "" {
		rec.RunID = w.runID
	}
	if rec.Schema == "" {
		rec.Schema = types.TelemetrySchema
	}
	if rec.EmittedAt == "" {
		rec.EmittedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if rec.T == "" {
		rec.T = rec.EmittedAt
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if len(line) > types.MaxTelemetryLineBytes {
		line = w.compact(rec)
		if line == nil {
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = f.Write(append(line, '\n'))
}

// compact produces the truncated form of an oversize record: identity and
// health fields survive, heavyweight payloads are dropped.
func (w *Writer) compact(rec *types.TelemetryRecord) []byte {
	small := &types.TelemetryRecord{
		T:         rec.T,
		BarIdx:    rec.BarIdx,
		PnL:       rec.PnL,
		Rolling:   rec.Rolling,
		Health:    rec.Health,
		Schema:    rec.Schema,
		RunID:     rec.RunID,
		EmittedAt: rec.EmittedAt,
		Kind:      rec.Kind,
		Truncated: true,
	}
	line, err := json.Marshal(small)
	if err != nil || len(line) > types.MaxTelemetryLineBytes {
		return nil
	}
	return line
}

// Close closes all destination files. Safe to call on a writer with no
// open streams.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		_ = f.Close()
	}
	w.files = map[types.TelemetryKind]*os.File{}
}
