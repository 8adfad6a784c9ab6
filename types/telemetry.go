package types

// TelemetryKind discriminates the three per-run telemetry streams.
type TelemetryKind string

const (
	TelemetryBar    TelemetryKind = "bar"
	TelemetryEvent  TelemetryKind = "event"
	TelemetryRollup TelemetryKind = "rollup"
)

// MaxTelemetryLineBytes is the per-line size cap. Oversize records are
// compacted and flagged with _truncated rather than dropped.
const MaxTelemetryLineBytes = 10 * 1024

// Positions is the portfolio state at a bar.
type Positions struct {
	Qty      []float64 `json:"qty"`
	MktValue []float64 `json:"mkt_value"`
	Cash     float64   `json:"cash"`
	NAV      float64   `json:"nav"`
}

// PolicyOut captures the policy head outputs for a bar.
type PolicyOut struct {
	ActionRaw      []float64 `json:"action_raw"`
	Entropy        *float64  `json:"entropy,omitempty"`
	ValuePred      *float64  `json:"value_pred,omitempty"`
	FeaturesDigest string    `json:"features_digest,omitempty"`
}

// Regime carries the regime-model outputs, when a regime filter is active.
type Regime struct {
	Gamma  *float64 `json:"gamma,omitempty"`
	State  *int     `json:"state,omitempty"`
	Scaler *float64 `json:"scaler,omitempty"`
}

// Weights traces the sizing pipeline from raw policy output to capped targets.
type Weights struct {
	Raw      []float64 `json:"raw"`
	Regime   []float64 `json:"regime,omitempty"`
	KellyVol []float64 `json:"kelly_vol,omitempty"`
	Capped   []float64 `json:"capped"`
}

// Leverage summarizes gross and net book exposure.
type Leverage struct {
	Gross float64 `json:"gross"`
	Net   float64 `json:"net"`
}

// Orders groups the order flow for a bar.
type Orders struct {
	Intended []map[string]any `json:"intended,omitempty"`
	Sent     []map[string]any `json:"sent,omitempty"`
	Fills    []map[string]any `json:"fills,omitempty"`
}

// PnL is bar and cumulative profit-and-loss.
type PnL struct {
	BarBps float64 `json:"bar_bps"`
	CumPct float64 `json:"cum_pct"`
	DDPct  float64 `json:"dd_pct"`
}

// Rolling holds windowed performance statistics.
type Rolling struct {
	Sharpe      float64 `json:"sharpe"`
	Sortino     float64 `json:"sortino"`
	VolRealized float64 `json:"vol_realized"`
	HitRate     float64 `json:"hit_rate"`
}

// Turnover is the traded fraction of NAV for a bar.
type Turnover struct {
	BarPct float64 `json:"bar_pct"`
}

// Health is the worker liveness block.
type Health struct {
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Status      string `json:"status"`
}

// TelemetryRecord is one JSON line appended by a worker. The writer owns the
// file exclusively; streamers are read-only tailers.
type TelemetryRecord struct {
	T       string    `json:"t"`
	BarIdx  int64     `json:"bar_idx"`
	Symbols []string  `json:"symbols,omitempty"`
	Prices  []float64 `json:"prices,omitempty"`

	Positions *Positions `json:"positions,omitempty"`
	Policy    *PolicyOut `json:"policy,omitempty"`
	Regime    *Regime    `json:"regime,omitempty"`
	Weights   *Weights   `json:"weights,omitempty"`
	Leverage  *Leverage  `json:"leverage,omitempty"`
	Orders    *Orders    `json:"orders,omitempty"`
	PnL       *PnL       `json:"pnl,omitempty"`
	Rolling   *Rolling   `json:"rolling,omitempty"`
	Turnover  *Turnover  `json:"turnover,omitempty"`
	Health    *Health    `json:"health,omitempty"`

	// Data is the free-form payload for event and rollup records.
	Data map[string]any `json:"data,omitempty"`

	Schema    string        `json:"schema"`
	RunID     string        `json:"run_id"`
	EmittedAt string        `json:"emitted_at"`
	Kind      TelemetryKind `json:"kind"`
	Truncated bool          `json:"_truncated,omitempty"`
}
