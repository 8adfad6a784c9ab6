package server

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stockbot-io/stockbot/canary"
	"github.com/stockbot-io/stockbot/types"
)

// tradeStartRequest begins a live canary session. Config may come inline or
// from the daemon's configured canary file.
type tradeStartRequest struct {
	Config        *types.CanaryConfig `json:"config,omitempty"`
	OutTag        string              `json:"out_tag,omitempty"`
	OutDir        string              `json:"out_dir,omitempty"`
	TargetCapital float64             `json:"target_capital"`
}

// tradeStatusRequest is one metrics/heartbeat tick. broker_ok defaults to
// true when omitted; now_ts defaults to the server clock.
type tradeStatusRequest struct {
	Metrics       types.TradeMetrics `json:"metrics"`
	LastBarTS     float64            `json:"last_bar_ts"`
	NowTS         *float64           `json:"now_ts,omitempty"`
	BrokerOK      *bool              `json:"broker_ok,omitempty"`
	TargetCapital *float64           `json:"target_capital,omitempty"`
}

func (s *Server) handleTradeStart(w http.ResponseWriter, r *http.Request) {
	var req tradeStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.TargetCapital <= 0 {
		writeError(w, http.StatusBadRequest, "target_capital must be > 0")
		return
	}

	cfg := req.Config
	if cfg == nil {
		loaded, err := s.loadCanaryFile()
		if err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		cfg = loaded
	}

	tag := req.OutTag
	if tag == "" {
		tag = "live-" + time.Now().UTC().Format("20060102T150405Z")
	}
	outDir, err := s.layout.ResolveOutDir(req.OutDir, tag)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	s.tradeMu.Lock()
	defer s.tradeMu.Unlock()
	if s.trade != nil {
		writeError(w, http.StatusConflict, "a live session is already active: %s", s.trade.SessionID())
		return
	}

	engine, err := canary.NewEngine(*cfg, outDir, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.trade = engine
	s.tradeDir = outDir
	s.tradeCap = req.TargetCapital
	s.metrics.CanaryStageIdx.Set(0)

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": engine.SessionID(),
		"out_dir":    outDir,
	})
}

// loadCanaryFile reads the daemon's default canary parameters.
func (s *Server) loadCanaryFile() (*types.CanaryConfig, error) {
	path := s.cfg.Canary.Path
	if path == "" {
		return nil, fmt.Errorf("no canary config in request and no default configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read canary config %s: %w", path, err)
	}
	var cfg types.CanaryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse canary config %s: %w", path, err)
	}
	return &cfg, nil
}

func (s *Server) handleTradeStatus(w http.ResponseWriter, r *http.Request) {
	var req tradeStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	s.tradeMu.Lock()
	engine := s.trade
	target := s.tradeCap
	s.tradeMu.Unlock()
	if engine == nil {
		writeError(w, http.StatusConflict, "no live session active")
		return
	}

	now := float64(time.Now().UnixNano()) / 1e9
	if req.NowTS != nil {
		now = *req.NowTS
	}
	brokerOK := true
	if req.BrokerOK != nil {
		brokerOK = *req.BrokerOK
	}
	if req.TargetCapital != nil {
		target = *req.TargetCapital
	}

	dec := engine.Record(canary.Tick{
		Metrics:       req.Metrics,
		LastBarTS:     req.LastBarTS,
		NowTS:         now,
		BrokerOK:      brokerOK,
		TargetCapital: target,
	})

	s.metrics.CanaryStageIdx.Set(float64(dec.StageIdx))
	if strings.HasPrefix(dec.Event, "halt:") {
		s.metrics.CanaryHalts.WithLabelValues(strings.TrimPrefix(dec.Event, "halt:")).Inc()
	}

	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleTradeStop(w http.ResponseWriter, _ *http.Request) {
	s.tradeMu.Lock()
	engine := s.trade
	s.trade = nil
	s.tradeDir = ""
	s.tradeCap = 0
	s.tradeMu.Unlock()

	if engine == nil {
		writeError(w, http.StatusConflict, "no live session active")
		return
	}
	engine.Stop()
	s.logger.Info("live session stopped", map[string]any{
		"session_id": engine.SessionID(),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"stopped":    true,
		"session_id": engine.SessionID(),
	})
}
