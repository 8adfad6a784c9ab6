package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stockbot-io/stockbot/config"
	"github.com/stockbot-io/stockbot/launcher"
	"github.com/stockbot-io/stockbot/log"
	"github.com/stockbot-io/stockbot/metrics"
	"github.com/stockbot-io/stockbot/paths"
	"github.com/stockbot-io/stockbot/registry"
	"github.com/stockbot-io/stockbot/types"
)

// testServer wires a full daemon over a temp project root with "true" as the
// worker binary.
type testServer struct {
	ts       *httptest.Server
	reg      *registry.Registry
	basePath string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	layout := paths.NewLayoutAt(root)
	logger := log.New("server-test")

	reg, err := registry.Open(filepath.Join(root, "registry.db"), logger)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	basePath := filepath.Join(root, "base.yaml")
	if err := os.WriteFile(basePath, []byte("run:\n  policy: mlp\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Server{}
	cfg.ApplyDefaults()
	cfg.Worker.Python = "true"

	launch := launcher.New(layout, reg, cfg.Worker, logger)
	srv := New(cfg, layout, reg, launch, metrics.New(), nil, logger)
	t.Cleanup(srv.Shutdown)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, reg: reg, basePath: basePath}
}

func (s *testServer) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("body not JSON: %v: %s", err, data)
	}
	return doc
}

// submitTrain posts a valid train request and waits for the run to finish.
func (s *testServer) submitTrain(t *testing.T) string {
	t.Helper()
	resp, doc := s.post(t, "/api/train", map[string]any{
		"config_path": s.basePath,
		"timesteps":   100,
		"symbols":     []string{"AAPL"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("train status = %d: %v", resp.StatusCode, doc)
	}
	id, _ := doc["job_id"].(string)
	if id == "" {
		t.Fatalf("job_id missing: %v", doc)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := s.reg.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status.Terminal() {
			if rec.Status != types.StatusSucceeded {
				t.Fatalf("run finished %s: %s", rec.Status, rec.Error)
			}
			return id
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run never finished")
	return ""
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, doc := s.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if doc["status"] != "ok" || doc["version"] != types.Version {
		t.Errorf("body = %v", doc)
	}
}

func TestTrainValidationError(t *testing.T) {
	s := newTestServer(t)
	resp, doc := s.post(t, "/api/train", map[string]any{
		"config_path": s.basePath,
		"timesteps":   0,
		"symbols":     []string{"AAPL"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if msg, _ := doc["error"].(string); !strings.Contains(msg, "timesteps") {
		t.Errorf("error = %v", doc)
	}
}

func TestTrainUnknownFieldRejected(t *testing.T) {
	s := newTestServer(t)
	resp, doc := s.post(t, "/api/train", map[string]any{
		"config_path": s.basePath,
		"timesteps":   100,
		"symbols":     []string{"AAPL"},
		"timestep":    100, // typo must not pass silently
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d: %v", resp.StatusCode, doc)
	}
}

func TestTrainMissingBaseConfig(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.post(t, "/api/train", map[string]any{
		"config_path": filepath.Join(t.TempDir(), "missing.yaml"),
		"timesteps":   100,
		"symbols":     []string{"AAPL"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestTrainOutDirEscapeRejected(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.post(t, "/api/train", map[string]any{
		"config_path": s.basePath,
		"timesteps":   100,
		"symbols":     []string{"AAPL"},
		"out_dir":     t.TempDir(),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	id := s.submitTrain(t)

	resp, doc := s.get(t, "/api/runs/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run = %d", resp.StatusCode)
	}
	if doc["status"] != string(types.StatusSucceeded) {
		t.Errorf("status = %v", doc["status"])
	}

	resp, doc = s.get(t, "/api/runs")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	runs, _ := doc["runs"].([]any)
	if len(runs) != 1 {
		t.Errorf("runs = %v", doc)
	}
}

func TestGetUnknownRun(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.get(t, "/api/runs/does-not-exist")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestArtifactsAndETag(t *testing.T) {
	s := newTestServer(t)
	id := s.submitTrain(t)

	resp, doc := s.get(t, "/api/runs/"+id+"/artifacts")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("artifacts = %d", resp.StatusCode)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("no etag")
	}
	artifacts, _ := doc["artifacts"].(map[string]any)
	url, ok := artifacts[paths.ArtifactConfig].(string)
	if !ok {
		t.Fatalf("config artifact missing: %v", artifacts)
	}
	if url != fmt.Sprintf("/api/runs/%s/files/%s", id, paths.ArtifactConfig) {
		t.Errorf("url = %q", url)
	}

	req, _ := http.NewRequest("GET", s.ts.URL+"/api/runs/"+id+"/artifacts", nil)
	req.Header.Set("If-None-Match", etag)
	cached, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = cached.Body.Close()
	if cached.StatusCode != http.StatusNotModified {
		t.Errorf("cached status = %d", cached.StatusCode)
	}
}

func TestFileDownload(t *testing.T) {
	s := newTestServer(t)
	id := s.submitTrain(t)

	resp, err := http.Get(s.ts.URL + "/api/runs/" + id + "/files/" + paths.ArtifactConfig)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "policy") {
		t.Errorf("snapshot body = %q", body)
	}

	// Unknown names are client errors, absent artifacts are 404.
	resp, _ = s.get(t, "/api/runs/"+id+"/files/passwd")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown artifact = %d", resp.StatusCode)
	}
	resp, _ = s.get(t, "/api/runs/"+id+"/files/"+paths.ArtifactModel)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("absent artifact = %d", resp.StatusCode)
	}
}

func TestCancelEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.post(t, "/api/runs/nope/cancel", map[string]any{})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown cancel = %d", resp.StatusCode)
	}

	id := s.submitTrain(t)
	resp, doc := s.post(t, "/api/runs/"+id+"/cancel", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("terminal cancel = %d", resp.StatusCode)
	}
	if doc["status"] != string(types.StatusSucceeded) {
		t.Errorf("terminal cancel status = %v", doc["status"])
	}
}

func TestDeleteRun(t *testing.T) {
	s := newTestServer(t)
	id := s.submitTrain(t)

	req, _ := http.NewRequest("DELETE", s.ts.URL+"/api/runs/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}

	getResp, _ := s.get(t, "/api/runs/"+id)
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("after delete = %d", getResp.StatusCode)
	}
}

func tradeConfig() map[string]any {
	return map[string]any{
		"stages":           []float64{0.01, 0.05},
		"window_trades":    3,
		"min_sharpe":       1.0,
		"min_hitrate":      0.5,
		"max_slippage_bps": 10,
		"max_daily_dd_pct": 5,
	}
}

func TestTradeSessionLifecycle(t *testing.T) {
	s := newTestServer(t)

	// Status and stop without a session are conflicts.
	resp, _ := s.post(t, "/api/trade/status", map[string]any{"metrics": map[string]any{}, "last_bar_ts": 0})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status without session = %d", resp.StatusCode)
	}
	resp, _ = s.post(t, "/api/trade/stop", map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stop without session = %d", resp.StatusCode)
	}

	resp, doc := s.post(t, "/api/trade/start", map[string]any{
		"config":         tradeConfig(),
		"target_capital": 100000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start = %d: %v", resp.StatusCode, doc)
	}
	if doc["session_id"] == "" || doc["out_dir"] == "" {
		t.Errorf("start body = %v", doc)
	}

	// Second start conflicts.
	resp, _ = s.post(t, "/api/trade/start", map[string]any{
		"config":         tradeConfig(),
		"target_capital": 100000,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start = %d", resp.StatusCode)
	}

	now := float64(time.Now().Unix())
	resp, dec := s.post(t, "/api/trade/status", map[string]any{
		"metrics": map[string]any{
			"sharpe": 1.5, "hitrate": 0.6, "slippage_bps": 4,
		},
		"last_bar_ts": now,
		"now_ts":      now + 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, dec)
	}
	if dec["stage_idx"] != float64(0) || dec["halted"] != false {
		t.Errorf("decision = %v", dec)
	}
	if dec["deploy_capital"] != 0.01*100000 {
		t.Errorf("deploy_capital = %v", dec["deploy_capital"])
	}

	resp, doc = s.post(t, "/api/trade/stop", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop = %d", resp.StatusCode)
	}
	if doc["stopped"] != true {
		t.Errorf("stop body = %v", doc)
	}
}

func TestTradeStartValidation(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.post(t, "/api/trade/start", map[string]any{
		"config": tradeConfig(),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("zero capital = %d", resp.StatusCode)
	}

	// No inline config and no daemon default.
	resp, _ = s.post(t, "/api/trade/start", map[string]any{
		"target_capital": 100000,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing config = %d", resp.StatusCode)
	}
}

func TestStatusSSEForFinishedRun(t *testing.T) {
	s := newTestServer(t)
	id := s.submitTrain(t)

	resp, err := http.Get(s.ts.URL + "/api/runs/" + id + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	text := string(body)
	if !strings.Contains(text, "event: init") || !strings.Contains(text, "event: status") {
		t.Errorf("stream = %q", text)
	}
	if !strings.Contains(text, string(types.StatusSucceeded)) {
		t.Errorf("terminal status missing: %q", text)
	}
}
