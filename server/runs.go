package server

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/gorilla/websocket"

	"github.com/stockbot-io/stockbot/launcher"
	"github.com/stockbot-io/stockbot/paths"
	"github.com/stockbot-io/stockbot/registry"
	"github.com/stockbot-io/stockbot/stream"
	"github.com/stockbot-io/stockbot/telemetry"
	"github.com/stockbot-io/stockbot/types"
)

// handleTrain accepts a training submission and returns the allocated job id.
// Spawn failures surface later through the RunRecord, not here.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req types.TrainRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	rec, err := s.launcher.StartTrain(&req)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	s.metrics.RunsSubmitted.WithLabelValues(string(types.RunTypeTrain)).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": rec.ID})
}

// handleBacktest accepts a backtest submission.
func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req types.BacktestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	rec, err := s.launcher.StartBacktest(&req)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	s.metrics.RunsSubmitted.WithLabelValues(string(types.RunTypeBacktest)).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": rec.ID})
}

// writeSubmitError maps submission failures onto the error taxonomy:
// allow-list escapes, validation errors, and missing base configs are client
// errors; anything else is internal.
func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, paths.ErrInvalidPath), errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusBadRequest, "%v", err)
	case isValidationError(err):
		writeError(w, http.StatusBadRequest, "%v", err)
	default:
		s.logger.Error("submission failed", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "submission failed")
	}
}

// isValidationError reports whether err came from request validation rather
// than an I/O path. Validation errors are plain, unwrapped errors.
func isValidationError(err error) bool {
	var pathErr *os.PathError
	return !errors.As(err, &pathErr) && errors.Unwrap(err) == nil
}

// handleListRuns returns all records, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.reg.List()})
}

// getRun fetches the record or writes a 404.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) (*types.RunRecord, bool) {
	rec, err := s.reg.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return nil, false
	}
	return rec, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.getRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleArtifacts maps present artifacts to their download URLs. The weak
// ETag lets pollers skip unchanged trees.
func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.getRun(w, r)
	if !ok {
		return
	}

	etag := stream.WeakETag("artifacts", rec.OutDir, filepath.Join(rec.OutDir, "report"))
	if stream.NotModified(w, r, etag) {
		return
	}

	urls := make(map[string]string)
	for name := range paths.ExistingArtifacts(rec.OutDir) {
		urls[name] = fmt.Sprintf("/api/runs/%s/files/%s", rec.ID, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": urls})
}

// handleFile downloads one named artifact from the closed set.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.getRun(w, r)
	if !ok {
		return
	}
	path, err := paths.ArtifactPath(rec.OutDir, r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if info, statErr := os.Stat(path); statErr != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "artifact not present: %s", r.PathValue("name"))
		return
	}
	http.ServeFile(w, r, path)
}

// handleBundle streams a zip archive of the run's present artifacts.
// The model archive is skipped unless include_model=true.
func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.getRun(w, r)
	if !ok {
		return
	}
	includeModel := r.URL.Query().Get("include_model") == "true"

	artifacts := paths.ExistingArtifacts(rec.OutDir)
	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		if name == paths.ArtifactModel && !includeModel {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.ID+".zip"))
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	for _, name := range names {
		rel, err := paths.ArtifactRel(name)
		if err != nil {
			continue
		}
		if err := addZipEntry(zw, rel, artifacts[name]); err != nil {
			// Mid-stream failure: the archive is already partially written,
			// so all we can do is stop.
			s.logger.Warn("bundle stream aborted", map[string]any{
				"run_id": rec.ID, "artifact": name, "error": err.Error(),
			})
			return
		}
	}
	if err := zw.Close(); err != nil {
		s.logger.Warn("bundle finalize failed", map[string]any{"run_id": rec.ID, "error": err.Error()})
	}
}

func addZipEntry(zw *zip.Writer, rel, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	entry, err := zw.Create(filepath.ToSlash(rel))
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, f)
	return err
}

// handleCancel attempts cancellation. Cancelling a terminal run is a no-op.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.launcher.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, launcher.ErrSignal):
		// Intent recorded, delivery failed: non-fatal for the caller.
		writeJSON(w, http.StatusOK, map[string]any{
			"status": rec.Status, "warning": "terminate signal not delivered",
		})
	case err != nil:
		writeError(w, http.StatusInternalServerError, "%v", err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": rec.Status})
	}
}

// handleDelete removes the record and its tree.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := s.reg.Delete(r.PathValue("id"))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "%v", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "%v", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleStatusSSE streams differential status frames until terminal.
func (s *Server) handleStatusSSE(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.getRun(w, r)
	if !ok {
		return
	}
	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	s.metrics.StreamSubscribers.WithLabelValues("status").Inc()
	defer s.metrics.StreamSubscribers.WithLabelValues("status").Dec()

	// Peer loss ends the stream silently.
	_ = stream.RunStatus(r.Context(), s.reg, rec.ID, sse)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon is a local control plane; cross-origin browser clients
	// are expected (dashboards served elsewhere).
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFrame is the WebSocket representation of a stream frame.
type wsFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// handleStatusWS is the WebSocket twin of handleStatusSSE.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.getRun(w, r)
	if !ok {
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	s.metrics.StreamSubscribers.WithLabelValues("status_ws").Inc()
	defer s.metrics.StreamSubscribers.WithLabelValues("status_ws").Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain the read side so close frames are processed; any read error
	// means the peer is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sink := stream.SinkFunc(func(f stream.Frame) error {
		return conn.WriteJSON(wsFrame{Event: f.Event, Data: json.RawMessage(f.Data)})
	})
	_ = stream.RunStatus(ctx, s.reg, rec.ID, sink)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// handleTelemetry streams the per-bar telemetry file as SSE "bar" events.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	s.streamTelemetry(w, r, telemetry.BarFileName, "bar")
}

// handleEvents streams the event telemetry file as SSE "event" events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.streamTelemetry(w, r, telemetry.EventFileName, "event")
}

func (s *Server) streamTelemetry(w http.ResponseWriter, r *http.Request, fileName, event string) {
	rec, ok := s.getRun(w, r)
	if !ok {
		return
	}
	fromStart := r.URL.Query().Get("from_start") == "true"

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	s.metrics.StreamSubscribers.WithLabelValues(event).Inc()
	defer s.metrics.StreamSubscribers.WithLabelValues(event).Dec()

	counted := stream.SinkFunc(func(f stream.Frame) error {
		if f.Event == event {
			s.metrics.StreamLines.WithLabelValues(event).Inc()
		}
		return sse.Send(f)
	})

	path := filepath.Join(rec.OutDir, fileName)
	if err := stream.TelemetryStream(r.Context(), rec, path, event, fromStart, counted); err != nil {
		s.logger.Warn("telemetry stream ended with error", map[string]any{
			"run_id": rec.ID, "stream": event, "error": err.Error(),
		})
	}
}
