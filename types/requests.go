package types

import (
	"errors"
	"fmt"
	"regexp"
)

// datePattern matches YYYY-MM-DD. Calendar validity is checked downstream
// when the range is applied to a dataset slice.
var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// DateRange bounds a dataset slice. Both ends are inclusive YYYY-MM-DD dates.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Validate checks date formats and ordering.
func (d *DateRange) Validate() error {
	if !datePattern.MatchString(d.Start) {
		return fmt.Errorf("start %q: want YYYY-MM-DD", d.Start)
	}
	if !datePattern.MatchString(d.End) {
		return fmt.Errorf("end %q: want YYYY-MM-DD", d.End)
	}
	if d.End < d.Start {
		return fmt.Errorf("end %s before start %s", d.End, d.Start)
	}
	return nil
}

// FeeOverrides adjusts transaction cost assumptions.
type FeeOverrides struct {
	CommissionPerShare *float64 `json:"commission_per_share,omitempty"`
	SlippageBps        *float64 `json:"slippage_bps,omitempty"`
	MinCommission      *float64 `json:"min_commission,omitempty"`
}

// MarginOverrides adjusts leverage limits.
type MarginOverrides struct {
	MaxGrossLeverage *float64 `json:"max_gross_leverage,omitempty"`
	MaxNetLeverage   *float64 `json:"max_net_leverage,omitempty"`
	MaintenancePct   *float64 `json:"maintenance_pct,omitempty"`
}

// ExecutionOverrides adjusts order execution modeling.
type ExecutionOverrides struct {
	FillModel      *string  `json:"fill_model,omitempty"`
	MaxParticipate *float64 `json:"max_participation,omitempty"`
	LimitOffsetBps *float64 `json:"limit_offset_bps,omitempty"`
}

// EpisodeOverrides adjusts episode construction for training.
type EpisodeOverrides struct {
	Length      *int     `json:"length,omitempty"`
	RandomStart *bool    `json:"random_start,omitempty"`
	StartCash   *float64 `json:"start_cash,omitempty"`
}

// FeatureOverrides selects the feature set fed to the policy.
type FeatureOverrides struct {
	Set         *string `json:"set,omitempty"` // "alias" or "ohlcv"
	Lookback    *int    `json:"lookback,omitempty"`
	EmbargoBars *int    `json:"embargo_bars,omitempty"`
	Normalize   *bool   `json:"normalize,omitempty"`
}

// RewardOverrides adjusts the reward shaping terms.
type RewardOverrides struct {
	Kind            *string  `json:"kind,omitempty"`
	DrawdownPenalty *float64 `json:"drawdown_penalty,omitempty"`
	TurnoverPenalty *float64 `json:"turnover_penalty,omitempty"`
}

// PPOParams is the flat optional hyperparameter record for PPO training.
type PPOParams struct {
	LearningRate *float64 `json:"learning_rate,omitempty"`
	Gamma        *float64 `json:"gamma,omitempty"`
	GaeLambda    *float64 `json:"gae_lambda,omitempty"`
	ClipRange    *float64 `json:"clip_range,omitempty"`
	EntCoef      *float64 `json:"ent_coef,omitempty"`
	VfCoef       *float64 `json:"vf_coef,omitempty"`
	NSteps       *int     `json:"n_steps,omitempty"`
	BatchSize    *int     `json:"batch_size,omitempty"`
	NEpochs      *int     `json:"n_epochs,omitempty"`
	MaxGradNorm  *float64 `json:"max_grad_norm,omitempty"`
}

// TrainRequest is the POST /train body. The schema is closed: the boundary
// decodes with unknown fields rejected.
type TrainRequest struct {
	ConfigPath string   `json:"config_path"`
	Policy     string   `json:"policy,omitempty"` // policy family, e.g. "mlp", "lstm"
	Timesteps  int      `json:"timesteps"`
	Seed       *int     `json:"seed,omitempty"`
	Normalize  *bool    `json:"normalize,omitempty"`
	OutTag     string   `json:"out_tag,omitempty"`
	OutDir     string   `json:"out_dir,omitempty"`
	Symbols    []string `json:"symbols"`

	TrainRange *DateRange `json:"train_range,omitempty"`
	EvalRange  *DateRange `json:"eval_range,omitempty"`

	Fees      *FeeOverrides       `json:"fees,omitempty"`
	Margin    *MarginOverrides    `json:"margin,omitempty"`
	Execution *ExecutionOverrides `json:"execution,omitempty"`
	Episode   *EpisodeOverrides   `json:"episode,omitempty"`
	Features  *FeatureOverrides   `json:"features,omitempty"`
	Reward    *RewardOverrides    `json:"reward,omitempty"`
	PPO       *PPOParams          `json:"ppo,omitempty"`
}

// Validate checks boundary invariants for a train submission.
func (r *TrainRequest) Validate() error {
	if r.ConfigPath == "" {
		return errors.New("config_path is required")
	}
	if r.Timesteps <= 0 {
		return errors.New("timesteps must be > 0")
	}
	if len(r.Symbols) == 0 {
		return errors.New("symbols must not be empty")
	}
	for _, rng := range []*DateRange{r.TrainRange, r.EvalRange} {
		if rng == nil {
			continue
		}
		if err := rng.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BacktestRequest is the POST /backtest body. Same closed-schema rules as
// TrainRequest.
type BacktestRequest struct {
	ConfigPath string   `json:"config_path"`
	ModelPath  string   `json:"model_path,omitempty"`
	Policy     string   `json:"policy,omitempty"`
	Normalize  *bool    `json:"normalize,omitempty"`
	OutTag     string   `json:"out_tag,omitempty"`
	OutDir     string   `json:"out_dir,omitempty"`
	Symbols    []string `json:"symbols"`

	Range *DateRange `json:"range,omitempty"`

	Fees      *FeeOverrides       `json:"fees,omitempty"`
	Margin    *MarginOverrides    `json:"margin,omitempty"`
	Execution *ExecutionOverrides `json:"execution,omitempty"`
	Features  *FeatureOverrides   `json:"features,omitempty"`
}

// Validate checks boundary invariants for a backtest submission.
func (r *BacktestRequest) Validate() error {
	if r.ConfigPath == "" {
		return errors.New("config_path is required")
	}
	if len(r.Symbols) == 0 {
		return errors.New("symbols must not be empty")
	}
	if r.Range != nil {
		if err := r.Range.Validate(); err != nil {
			return err
		}
	}
	return nil
}
