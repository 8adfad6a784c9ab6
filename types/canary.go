package types

import (
	"errors"
	"fmt"
)

// Default canary parameters applied by CanaryConfig.ApplyDefaults.
const (
	DefaultMaxDelaySec         = 300.0
	DefaultSummaryEvery        = 20
	DefaultAnnualizationFactor = 252.0
)

// CanaryConfig holds the immutable parameters of a staged capital ramp.
type CanaryConfig struct {
	// Stages is the ordered list of target-capital fractions, strictly
	// increasing, e.g. [0.01, 0.02, 0.05, 0.10].
	Stages       []float64 `json:"stages" yaml:"stages"`
	WindowTrades int       `json:"window_trades" yaml:"window_trades"`

	MinSharpe      float64 `json:"min_sharpe" yaml:"min_sharpe"`
	MinHitRate     float64 `json:"min_hitrate" yaml:"min_hitrate"`
	MaxSlippageBps float64 `json:"max_slippage_bps" yaml:"max_slippage_bps"`
	MaxDailyDDPct  float64 `json:"max_daily_dd_pct" yaml:"max_daily_dd_pct"`

	// VolTargetAnnual, when set, gates promotion on realized volatility
	// staying within VolBandFrac of the annualized target. Per-record
	// returns are treated as dimensionless and annualized with
	// AnnualizationFactor; see the engine for the unit assumption.
	VolTargetAnnual *float64 `json:"vol_target_annual,omitempty" yaml:"vol_target_annual,omitempty"`
	VolBandFrac     float64  `json:"vol_band_frac,omitempty" yaml:"vol_band_frac,omitempty"`

	// MaxDelaySec is the heartbeat staleness bound (default 300).
	MaxDelaySec float64 `json:"max_delay_sec,omitempty" yaml:"max_delay_sec,omitempty"`
	// SummaryEvery is the rolling-summary rewrite interval in records.
	SummaryEvery int `json:"summary_every,omitempty" yaml:"summary_every,omitempty"`
	// AnnualizationFactor converts per-record vol to annual terms (default 252).
	AnnualizationFactor float64 `json:"annualization_factor,omitempty" yaml:"annualization_factor,omitempty"`
}

// ApplyDefaults fills zero-valued optional parameters.
func (c *CanaryConfig) ApplyDefaults() {
	if c.MaxDelaySec <= 0 {
		c.MaxDelaySec = DefaultMaxDelaySec
	}
	if c.SummaryEvery <= 0 {
		c.SummaryEvery = DefaultSummaryEvery
	}
	if c.AnnualizationFactor <= 0 {
		c.AnnualizationFactor = DefaultAnnualizationFactor
	}
}

// Validate checks structural invariants of the ramp parameters.
func (c *CanaryConfig) Validate() error {
	if len(c.Stages) == 0 {
		return errors.New("stages must not be empty")
	}
	prev := 0.0
	for i, s := range c.Stages {
		if s <= prev || s > 1.0 {
			return fmt.Errorf("stages[%d]=%v: stages must be strictly increasing fractions in (0, 1]", i, s)
		}
		prev = s
	}
	if c.WindowTrades <= 0 {
		return errors.New("window_trades must be > 0")
	}
	return nil
}

// TradeMetrics is one per-trade metrics tick fed to the guardrail engine.
// Unknown keys are preserved in Extra for audit purposes.
type TradeMetrics struct {
	Sharpe       float64  `json:"sharpe"`
	HitRate      float64  `json:"hitrate"`
	SlippageBps  float64  `json:"slippage_bps"`
	DailyLossPct *float64 `json:"daily_loss_pct,omitempty"`
	Ret          *float64 `json:"ret,omitempty"`
}
