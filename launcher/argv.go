package launcher

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/stockbot-io/stockbot/config"
	"github.com/stockbot-io/stockbot/types"
)

// argvBuilder assembles a worker argument vector from a fixed flag mapping.
// There is no shell involved anywhere: the vector goes straight to exec.
type argvBuilder struct {
	args []string
}

func newArgvBuilder(head ...string) *argvBuilder {
	return &argvBuilder{args: head}
}

// flag appends a required "--name value" pair.
func (b *argvBuilder) flag(name, value string) {
	b.args = append(b.args, name, value)
}

// optional appends the pair only when value is non-empty.
func (b *argvBuilder) optional(name, value string) {
	if value != "" {
		b.flag(name, value)
	}
}

// finish rejects vectors containing empty entries: every argument must
// coerce to a non-empty string before the process is allowed to spawn.
func (b *argvBuilder) finish() ([]string, error) {
	for i, a := range b.args {
		if a == "" {
			return nil, fmt.Errorf("empty argument at position %d in %v", i, b.args)
		}
	}
	return b.args, nil
}

// trainArgv maps a TrainRequest onto the train worker's CLI surface.
func trainArgv(w config.WorkerConfig, snapshotPath string, req *types.TrainRequest) ([]string, error) {
	b := newArgvBuilder(w.Python, "-m", w.TrainModule)
	b.flag("--config", snapshotPath)
	b.flag("--timesteps", strconv.Itoa(req.Timesteps))
	b.flag("--symbols", strings.Join(req.Symbols, ","))
	b.optional("--policy", req.Policy)
	if req.Seed != nil {
		b.flag("--seed", strconv.Itoa(*req.Seed))
	}
	if req.Normalize != nil {
		b.flag("--normalize", strconv.FormatBool(*req.Normalize))
	}
	if req.TrainRange != nil {
		b.flag("--train-start", req.TrainRange.Start)
		b.flag("--train-end", req.TrainRange.End)
	}
	if req.EvalRange != nil {
		b.flag("--eval-start", req.EvalRange.Start)
		b.flag("--eval-end", req.EvalRange.End)
	}
	return b.finish()
}

// backtestArgv maps a BacktestRequest onto the backtest worker's CLI surface.
func backtestArgv(w config.WorkerConfig, snapshotPath string, req *types.BacktestRequest) ([]string, error) {
	b := newArgvBuilder(w.Python, "-m", w.BacktestModule)
	b.flag("--config", snapshotPath)
	b.flag("--symbols", strings.Join(req.Symbols, ","))
	b.optional("--model", req.ModelPath)
	b.optional("--policy", req.Policy)
	if req.Normalize != nil {
		b.flag("--normalize", strconv.FormatBool(*req.Normalize))
	}
	if req.Range != nil {
		b.flag("--start", req.Range.Start)
		b.flag("--end", req.Range.End)
	}
	return b.finish()
}

// trainOverrides projects the request's override sections onto the base
// config's key space. Nil sections drop out entirely.
func trainOverrides(req *types.TrainRequest) (map[string]any, error) {
	overlay := struct {
		Run       map[string]any            `json:"run"`
		Fees      *types.FeeOverrides       `json:"fees,omitempty"`
		Margin    *types.MarginOverrides    `json:"margin,omitempty"`
		Execution *types.ExecutionOverrides `json:"execution,omitempty"`
		Episode   *types.EpisodeOverrides   `json:"episode,omitempty"`
		Features  *types.FeatureOverrides   `json:"features,omitempty"`
		Reward    *types.RewardOverrides    `json:"reward,omitempty"`
		PPO       *types.PPOParams          `json:"ppo,omitempty"`
	}{
		Run:       runSection(req.Policy, req.Symbols, req.Timesteps, req.Seed),
		Fees:      req.Fees,
		Margin:    req.Margin,
		Execution: req.Execution,
		Episode:   req.Episode,
		Features:  req.Features,
		Reward:    req.Reward,
		PPO:       req.PPO,
	}
	return toMap(overlay)
}

// backtestOverrides is the backtest counterpart of trainOverrides.
func backtestOverrides(req *types.BacktestRequest) (map[string]any, error) {
	run := runSection(req.Policy, req.Symbols, 0, nil)
	if req.ModelPath != "" {
		run["model_path"] = req.ModelPath
	}
	overlay := struct {
		Run       map[string]any            `json:"run"`
		Fees      *types.FeeOverrides       `json:"fees,omitempty"`
		Margin    *types.MarginOverrides    `json:"margin,omitempty"`
		Execution *types.ExecutionOverrides `json:"execution,omitempty"`
		Features  *types.FeatureOverrides   `json:"features,omitempty"`
	}{
		Run:       run,
		Fees:      req.Fees,
		Margin:    req.Margin,
		Execution: req.Execution,
		Features:  req.Features,
	}
	return toMap(overlay)
}

func runSection(policy string, symbols []string, timesteps int, seed *int) map[string]any {
	run := map[string]any{"symbols": symbols}
	if policy != "" {
		run["policy"] = policy
	}
	if timesteps > 0 {
		run["timesteps"] = timesteps
	}
	if seed != nil {
		run["seed"] = *seed
	}
	return run
}

// toMap round-trips a struct through JSON so that omitempty trims the nil
// sections and the result merges cleanly into the YAML-decoded base config.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode overrides: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode overrides: %w", err)
	}
	return m, nil
}
