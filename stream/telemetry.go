package stream

import (
	"context"
	"errors"
	"time"

	"github.com/stockbot-io/stockbot/telemetry"
	"github.com/stockbot-io/stockbot/types"
)

// TelemetryStream follows one run telemetry file and forwards each line as a
// named frame ("bar" for the per-bar stream, "event" for the event stream).
//
// The subscriber first receives an init frame. A file that never appears
// within the tailer's ceiling produces an error frame and a clean return.
// Cancelling ctx ends the stream without error.
func TelemetryStream(ctx context.Context, rec *types.RunRecord, path, event string, fromStart bool, sink Sink) error {
	init := map[string]any{
		"run_id":          rec.ID,
		"created_at":      rec.CreatedAt.Format(time.RFC3339Nano),
		"config_snapshot": rec.Meta["config_snapshot"],
	}
	if err := sink.Send(JSONFrame("init", init)); err != nil {
		return err
	}

	tailer := telemetry.NewTailer(path, fromStart)
	err := tailer.Tail(ctx, func(line []byte) error {
		return sink.Send(Frame{Event: event, Data: line})
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, telemetry.ErrFileNotFound):
		_ = sink.Send(Frame{Event: "error", Data: []byte(`{"error":"file_not_found"}`)})
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return err
	}
}
