package stream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/stockbot-io/stockbot/registry"
	"github.com/stockbot-io/stockbot/types"
)

// statusInterval is the cadence at which the status broadcaster re-reads the
// record.
const statusInterval = time.Second

// PayloadHash returns the SHA-256 hex digest of v's canonical JSON encoding.
// Clients use it as a cache key for the originating request.
func PayloadHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RunStatus streams differential RunRecord snapshots to one subscriber.
//
// The subscriber first receives an init frame with the request payload hash
// and the resolved config pointer, then a status frame whenever any streamed
// field changes, sampled at a one-second cadence. The stream closes once the
// run reaches a terminal status or ctx is cancelled.
func RunStatus(ctx context.Context, reg *registry.Registry, runID string, sink Sink) error {
	rec, err := reg.Get(runID)
	if err != nil {
		return err
	}

	init := map[string]any{
		"run_id":          rec.ID,
		"created_at":      rec.CreatedAt.Format(time.RFC3339Nano),
		"request_sha256":  PayloadHash(rec.Meta["request"]),
		"config_snapshot": rec.Meta["config_snapshot"],
	}
	if err := sink.Send(JSONFrame("init", init)); err != nil {
		return err
	}

	var last *types.StatusFrame
	emit := func(rec *types.RunRecord) (bool, error) {
		frame := rec.Frame()
		if last != nil && statusEqual(*last, frame) {
			return rec.Status.Terminal(), nil
		}
		if err := sink.Send(JSONFrame("status", frame)); err != nil {
			return false, err
		}
		last = &frame
		return rec.Status.Terminal(), nil
	}

	if done, err := emit(rec); err != nil || done {
		return err
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rec, err := reg.Get(runID)
			if err != nil {
				// Run deleted mid-stream: tell the subscriber and stop.
				_ = sink.Send(JSONFrame("error", map[string]string{"error": "run_deleted"}))
				return nil
			}
			if done, err := emit(rec); err != nil || done {
				return err
			}
		}
	}
}

// statusEqual compares frames field-wise, dereferencing the optional
// timestamps.
func statusEqual(a, b types.StatusFrame) bool {
	if a.ID != b.ID || a.Type != b.Type || a.Status != b.Status ||
		a.OutDir != b.OutDir || !a.CreatedAt.Equal(b.CreatedAt) || a.Error != b.Error {
		return false
	}
	return timePtrEqual(a.StartedAt, b.StartedAt) && timePtrEqual(a.FinishedAt, b.FinishedAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
