package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrFileNotFound is returned when the tailed file never appears within the
// appearance ceiling.
var ErrFileNotFound = errors.New("file_not_found")

// Tailer timing parameters.
const (
	// pollInterval is the sleep between reads at EOF when no filesystem
	// event arrives first.
	pollInterval = 250 * time.Millisecond
	// appearCeiling bounds the total wait for the file to appear.
	appearCeiling = 60 * time.Second
	// appearBackoffMax caps the exponential appearance backoff.
	appearBackoffMax = 2 * time.Second
)

// Tailer follows one append-only JSONL file and forwards complete lines in
// the exact byte order they were written.
//
// A directory watcher wakes the loop on writes; the poll interval is kept as
// a fallback for filesystems without change notification.
type Tailer struct {
	path      string
	fromStart bool
}

// NewTailer creates a tailer for path. When fromStart is false the tailer
// seeks to the end before forwarding, so subscribers only see lines appended
// after attachment.
func NewTailer(path string, fromStart bool) *Tailer {
	return &Tailer{path: path, fromStart: fromStart}
}

// Tail runs until ctx is cancelled or emit returns an error. Each emitted
// payload is valid JSON: non-JSON source lines are wrapped as {"raw": ...}.
// Returns ErrFileNotFound when the file does not appear in time.
func (t *Tailer) Tail(ctx context.Context, emit func(line []byte) error) error {
	watcher, _ := fsnotify.NewWatcher()
	if watcher != nil {
		defer func() { _ = watcher.Close() }()
		// Watch the parent directory: the file itself may not exist yet.
		_ = watcher.Add(filepath.Dir(t.path))
	}

	f, err := t.waitForFile(ctx, watcher)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if !t.fromStart {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			return fmt.Errorf("seek %s: %w", t.path, err)
		}
	}

	reader := bufio.NewReader(f)
	var pending []byte

	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			pending = append(pending, chunk...)
		}
		if err == nil {
			line := bytes.TrimRight(pending, "\r\n")
			pending = pending[:0]
			if len(line) > 0 {
				if emitErr := emit(normalizeLine(line)); emitErr != nil {
					return emitErr
				}
			}
			continue
		}
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("read %s: %w", t.path, err)
		}
		// EOF with a partial line pending: keep accumulating on the next pass.
		if waitErr := t.waitForData(ctx, watcher); waitErr != nil {
			return waitErr
		}
	}
}

// waitForFile opens the file, retrying with exponential backoff until the
// appearance ceiling elapses.
func (t *Tailer) waitForFile(ctx context.Context, watcher *fsnotify.Watcher) (*os.File, error) {
	deadline := time.Now().Add(appearCeiling)
	backoff := 100 * time.Millisecond

	for {
		f, err := os.Open(t.path)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", t.path, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, t.path)
		}

		if err := waitTick(ctx, watcher, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > appearBackoffMax {
			backoff = appearBackoffMax
		}
	}
}

// waitForData blocks until a write notification, the poll interval, or
// cancellation.
func (t *Tailer) waitForData(ctx context.Context, watcher *fsnotify.Watcher) error {
	return waitTick(ctx, watcher, pollInterval)
}

func waitTick(ctx context.Context, watcher *fsnotify.Watcher, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	if watcher == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-watcher.Events:
		return nil
	case <-watcher.Errors:
		// Watcher trouble degrades to plain polling on the next pass.
		return nil
	}
}

// normalizeLine guarantees valid JSON output: raw text is wrapped.
func normalizeLine(line []byte) []byte {
	if json.Valid(line) {
		return line
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(line)})
	if err != nil {
		return []byte(`{"raw":""}`)
	}
	return wrapped
}
