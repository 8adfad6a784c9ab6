// Package stream pushes run telemetry and status to live subscribers over
// SSE and WebSocket transports.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Frame is one named event with a JSON payload.
type Frame struct {
	Event string
	Data  []byte
}

// JSONFrame marshals v into a Frame. Marshal failures degrade to an error
// frame rather than dropping the event silently.
func JSONFrame(event string, v any) Frame {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{Event: "error", Data: []byte(`{"error":"encode_failed"}`)}
	}
	return Frame{Event: event, Data: data}
}

// Sink delivers frames to one subscriber. SSE and WebSocket handlers provide
// their own implementations.
type Sink interface {
	Send(f Frame) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(f Frame) error

// Send implements Sink.
func (fn SinkFunc) Send(f Frame) error { return fn(f) }

// Broadcaster fans frames out to many subscribers with bounded history
// replay. Slow clients are dropped rather than allowed to block the sender.
// Thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []Frame
	clients map[uint64]chan Frame
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed on Close(), never on slow-client drops
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan Frame),
		doneCh:  make(chan struct{}),
	}
}

// Send appends the frame to history and delivers it to every subscriber.
// A subscriber whose buffer is full is disconnected.
func (b *Broadcaster) Send(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, f)
	for id, ch := range b.clients {
		select {
		case ch <- f:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns a frame channel, a done channel, and an unsubscribe
// function. The frame channel first replays all history, then carries live
// frames. The done channel closes only when the broadcaster itself closes,
// letting callers tell a finished stream apart from a slow-client drop.
func (b *Broadcaster) Subscribe() (<-chan Frame, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Sized for full history plus live headroom so replay never blocks
	// while holding the mutex.
	ch := make(chan Frame, len(b.history)+256)
	id := b.nextID
	b.nextID++

	for _, f := range b.history {
		ch <- f
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close ends the stream: all subscriber channels close and later Sends are
// ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// SSEWriter writes frames to an HTTP response in text/event-stream format.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares the response for event streaming. Returns an error
// when the ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Send implements Sink.
func (s *SSEWriter) Send(f Frame) error {
	if f.Event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", f.Event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", f.Data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
