// Package canary implements the staged capital-ramp guardrail for live
// deployments: a rolling-window metrics accumulator feeding a stage/halt
// state machine with best-effort audit persistence.
package canary

import (
	"crypto/rand"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/stockbot-io/stockbot/log"
	"github.com/stockbot-io/stockbot/types"
)

// Event labels recorded on promotions and halts.
const (
	EventHaltHeartbeat = "halt:heartbeat"
	EventHaltSlippage  = "halt:slippage"
	EventHaltDailyLoss = "halt:daily_loss"
)

// Decision is the outcome of one Record call.
type Decision struct {
	StageIdx      int     `json:"stage_idx"`
	Halted        bool    `json:"halted"`
	Event         string  `json:"event,omitempty"`
	DeployCapital float64 `json:"deploy_capital"`
	WindowSize    int     `json:"window_size"`
}

// Tick is one metrics/heartbeat observation fed to Record.
type Tick struct {
	Metrics       types.TradeMetrics
	LastBarTS     float64 // unix seconds of the last market bar
	NowTS         float64 // unix seconds at observation
	BrokerOK      bool
	TargetCapital float64
}

// Engine is the per-session guardrail state machine. Concurrent Record calls
// are serialized internally; each session owns exactly one Engine.
type Engine struct {
	cfg       types.CanaryConfig
	sessionID string
	logger    *log.Logger
	persist   *persister

	mu          sync.Mutex
	stageIdx    int
	window      []types.TradeMetrics
	halted      bool
	lastEvent   string
	lastBarTS   float64
	lastBeatTS  float64
	recordCount int64
	startedAt   time.Time
}

// NewEngine validates the config, writes the session meta file, and opens
// the audit log under outDir. Persistence failures during setup are fatal;
// afterwards they degrade to warnings.
func NewEngine(cfg types.CanaryConfig, outDir string, logger *log.Logger) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("canary config: %w", err)
	}

	sessionID := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
	if logger == nil {
		logger = log.NewSessionLogger(sessionID)
	}

	p, err := newPersister(outDir, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		sessionID: sessionID,
		logger:    logger,
		persist:   p,
		startedAt: time.Now().UTC(),
	}
	p.writeSessionMeta(sessionID, e.startedAt, cfg)

	logger.Info("canary session started", map[string]any{
		"stages": cfg.Stages, "window_trades": cfg.WindowTrades,
	})
	return e, nil
}

// SessionID returns the session identifier.
func (e *Engine) SessionID() string { return e.sessionID }

// Record ingests one tick and advances the state machine. Every call
// appends exactly one audit line, halted ticks included.
//
// Order of evaluation: heartbeat gate, window append, window statistics,
// promotion predicate (full window only), explicit halt triggers. Halt is
// sticky for the lifetime of the session.
func (e *Engine) Record(tick Tick) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.recordCount++
	e.lastBarTS = tick.LastBarTS
	e.lastBeatTS = tick.NowTS

	// Heartbeat gate: stale bars or a sick broker halt immediately. The
	// tick never enters the window, but it is still audited.
	if tick.NowTS-tick.LastBarTS > e.cfg.MaxDelaySec || !tick.BrokerOK {
		e.halt(EventHaltHeartbeat)
		dec := e.decideLocked(tick.TargetCapital, EventHaltHeartbeat)
		e.auditLocked(tick, e.windowStats(), dec)
		return dec
	}

	e.window = append(e.window, tick.Metrics)
	if len(e.window) > e.cfg.WindowTrades {
		e.window = e.window[len(e.window)-e.cfg.WindowTrades:]
	}

	stats := e.windowStats()
	event := ""

	if !e.halted && len(e.window) >= e.cfg.WindowTrades && e.promotable(stats) {
		if e.stageIdx < len(e.cfg.Stages)-1 {
			e.stageIdx++
		}
		event = fmt.Sprintf("promote:stage_%d", e.stageIdx)
		e.lastEvent = event
		e.logger.Info("stage promoted", map[string]any{
			"stage_idx": e.stageIdx, "fraction": e.cfg.Stages[e.stageIdx],
		})
	}

	// Explicit halt triggers run even when no promotion was considered.
	switch {
	case stats.meanSlippage > e.cfg.MaxSlippageBps:
		e.halt(EventHaltSlippage)
		event = EventHaltSlippage
	case stats.maxDailyLoss > e.cfg.MaxDailyDDPct:
		e.halt(EventHaltDailyLoss)
		event = EventHaltDailyLoss
	}

	dec := e.decideLocked(tick.TargetCapital, event)
	e.auditLocked(tick, stats, dec)
	return dec
}

// auditLocked appends the per-call audit line and rewrites the rolling
// summary on the SummaryEvery cadence. Caller holds e.mu.
func (e *Engine) auditLocked(tick Tick, stats windowStatistics, dec Decision) {
	e.persist.appendAudit(e.auditRecordLocked(tick, stats, dec))
	if e.recordCount%int64(e.cfg.SummaryEvery) == 0 {
		e.persist.writeSummary(e.summaryLocked(stats))
	}
}

// halt sets the sticky halted flag. Caller holds e.mu.
func (e *Engine) halt(event string) {
	if !e.halted {
		e.logger.Warn("session halted", map[string]any{"event": event})
	}
	e.halted = true
	e.lastEvent = event
}

// decideLocked computes the effective deployment. Caller holds e.mu.
func (e *Engine) decideLocked(targetCapital float64, event string) Decision {
	deploy := 0.0
	if !e.halted {
		deploy = e.cfg.Stages[e.stageIdx] * targetCapital
	}
	return Decision{
		StageIdx:      e.stageIdx,
		Halted:        e.halted,
		Event:         event,
		DeployCapital: deploy,
		WindowSize:    len(e.window),
	}
}

// windowStatistics aggregates the rolling window.
type windowStatistics struct {
	meanSharpe   float64
	meanHitRate  float64
	meanSlippage float64
	maxDailyLoss float64
	realizedVol  *float64
}

// windowStats computes means over the window, the daily-loss maximum (with
// the configured bound as fallback for records that omit it), and, when
// return samples exist, annualized realized volatility. Caller holds e.mu.
func (e *Engine) windowStats() windowStatistics {
	n := len(e.window)
	if n == 0 {
		return windowStatistics{}
	}

	var stats windowStatistics
	var rets []float64
	for _, m := range e.window {
		stats.meanSharpe += m.Sharpe
		stats.meanHitRate += m.HitRate
		stats.meanSlippage += m.SlippageBps
		loss := e.cfg.MaxDailyDDPct
		if m.DailyLossPct != nil {
			loss = *m.DailyLossPct
		}
		if loss > stats.maxDailyLoss {
			stats.maxDailyLoss = loss
		}
		if m.Ret != nil {
			rets = append(rets, *m.Ret)
		}
	}
	stats.meanSharpe /= float64(n)
	stats.meanHitRate /= float64(n)
	stats.meanSlippage /= float64(n)

	// Per-record returns are treated as dimensionless samples and scaled by
	// sqrt(AnnualizationFactor); the target is annual. The unit assumption
	// is configurable via annualization_factor.
	if len(rets) >= 2 {
		vol := stdev(rets) * math.Sqrt(e.cfg.AnnualizationFactor)
		stats.realizedVol = &vol
	}
	return stats
}

// promotable evaluates the stage-advance predicate.
func (e *Engine) promotable(s windowStatistics) bool {
	if s.meanSharpe < e.cfg.MinSharpe {
		return false
	}
	if s.meanHitRate < e.cfg.MinHitRate {
		return false
	}
	if s.meanSlippage > e.cfg.MaxSlippageBps {
		return false
	}
	if s.maxDailyLoss > e.cfg.MaxDailyDDPct {
		return false
	}
	if e.cfg.VolTargetAnnual != nil && s.realizedVol != nil {
		if *s.realizedVol > *e.cfg.VolTargetAnnual*(1+e.cfg.VolBandFrac) {
			return false
		}
	}
	return true
}

// Snapshot returns the current state for status queries.
func (e *Engine) Snapshot(targetCapital float64) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decideLocked(targetCapital, e.lastEvent)
}

// Stop appends a final audit record, writes a closing summary, and releases
// the audit log. The engine must not be used afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := e.windowStats()
	e.persist.appendAudit(map[string]any{
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		"session_id": e.sessionID,
		"event":      "session_stop",
		"stage_idx":  e.stageIdx,
		"halted":     e.halted,
		"records":    e.recordCount,
	})
	e.persist.writeSummary(e.summaryLocked(stats))
	e.persist.close()

	e.logger.Info("canary session stopped", map[string]any{
		"records": e.recordCount, "halted": e.halted,
	})
}

// auditRecordLocked builds one audit log line. Caller holds e.mu.
func (e *Engine) auditRecordLocked(tick Tick, stats windowStatistics, dec Decision) map[string]any {
	rec := map[string]any{
		"ts":             time.Now().UTC().Format(time.RFC3339Nano),
		"session_id":     e.sessionID,
		"metrics":        tick.Metrics,
		"last_bar_ts":    tick.LastBarTS,
		"now_ts":         tick.NowTS,
		"broker_ok":      tick.BrokerOK,
		"stage_idx":      dec.StageIdx,
		"halted":         dec.Halted,
		"deploy_capital": dec.DeployCapital,
		"mean_sharpe":    stats.meanSharpe,
		"mean_hitrate":   stats.meanHitRate,
		"mean_slippage":  stats.meanSlippage,
		"max_daily_loss": stats.maxDailyLoss,
	}
	if dec.Event != "" {
		rec["event"] = dec.Event
	}
	if stats.realizedVol != nil {
		rec["realized_vol"] = *stats.realizedVol
	}
	return rec
}

// summaryLocked builds the rolling summary payload. Caller holds e.mu.
func (e *Engine) summaryLocked(stats windowStatistics) map[string]any {
	return map[string]any{
		"session_id":        e.sessionID,
		"updated_at":        time.Now().UTC().Format(time.RFC3339Nano),
		"records":           e.recordCount,
		"stage_idx":         e.stageIdx,
		"stage_fraction":    e.cfg.Stages[e.stageIdx],
		"halted":            e.halted,
		"last_event":        e.lastEvent,
		"last_bar_ts":       e.lastBarTS,
		"last_heartbeat_ts": e.lastBeatTS,
		"mean_sharpe":       stats.meanSharpe,
		"mean_hitrate":      stats.meanHitRate,
		"mean_slippage":     stats.meanSlippage,
	}
}

// stdev computes the sample standard deviation.
func stdev(xs []float64) float64 {
	n := float64(len(xs))
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= n
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / (n - 1))
}
