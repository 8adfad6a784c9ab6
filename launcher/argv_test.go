package launcher

import (
	"reflect"
	"strings"
	"testing"

	"github.com/stockbot-io/stockbot/config"
	"github.com/stockbot-io/stockbot/types"
)

func testWorker() config.WorkerConfig {
	return config.WorkerConfig{
		Python:         "python3",
		TrainModule:    "stockbot.rl.train",
		BacktestModule: "stockbot.backtest.run",
	}
}

func TestTrainArgvMinimal(t *testing.T) {
	req := &types.TrainRequest{
		ConfigPath: "configs/base.yaml",
		Timesteps:  5000,
		Symbols:    []string{"AAPL", "MSFT"},
	}
	argv, err := trainArgv(testWorker(), "/runs/r1/config.snapshot.yaml", req)
	if err != nil {
		t.Fatalf("trainArgv: %v", err)
	}
	want := []string{
		"python3", "-m", "stockbot.rl.train",
		"--config", "/runs/r1/config.snapshot.yaml",
		"--timesteps", "5000",
		"--symbols", "AAPL,MSFT",
	}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("argv = %v\nwant %v", argv, want)
	}
}

func TestTrainArgvOptionalFlags(t *testing.T) {
	seed := 7
	normalize := true
	req := &types.TrainRequest{
		ConfigPath: "configs/base.yaml",
		Timesteps:  1000,
		Symbols:    []string{"SPY"},
		Policy:     "lstm",
		Seed:       &seed,
		Normalize:  &normalize,
		TrainRange: &types.DateRange{Start: "2023-01-01", End: "2023-12-31"},
		EvalRange:  &types.DateRange{Start: "2024-01-01", End: "2024-06-30"},
	}
	argv, err := trainArgv(testWorker(), "/runs/r1/config.snapshot.yaml", req)
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(argv, " ")
	for _, frag := range []string{
		"--policy lstm", "--seed 7", "--normalize true",
		"--train-start 2023-01-01", "--train-end 2023-12-31",
		"--eval-start 2024-01-01", "--eval-end 2024-06-30",
	} {
		if !strings.Contains(joined, frag) {
			t.Errorf("argv missing %q: %v", frag, argv)
		}
	}
}

func TestBacktestArgv(t *testing.T) {
	req := &types.BacktestRequest{
		ConfigPath: "configs/base.yaml",
		Symbols:    []string{"SPY"},
		ModelPath:  "runs/train-1/ppo_policy.zip",
		Range:      &types.DateRange{Start: "2024-01-01", End: "2024-06-30"},
	}
	argv, err := backtestArgv(testWorker(), "/runs/r2/config.snapshot.yaml", req)
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(argv, " ")
	if !strings.HasPrefix(joined, "python3 -m stockbot.backtest.run") {
		t.Errorf("argv head wrong: %v", argv)
	}
	for _, frag := range []string{
		"--model runs/train-1/ppo_policy.zip",
		"--start 2024-01-01", "--end 2024-06-30",
	} {
		if !strings.Contains(joined, frag) {
			t.Errorf("argv missing %q: %v", frag, argv)
		}
	}
}

func TestArgvRejectsEmptyEntries(t *testing.T) {
	w := testWorker()
	w.TrainModule = ""
	req := &types.TrainRequest{
		ConfigPath: "configs/base.yaml",
		Timesteps:  1000,
		Symbols:    []string{"SPY"},
	}
	if _, err := trainArgv(w, "/runs/r1/config.snapshot.yaml", req); err == nil {
		t.Error("empty module accepted into argv")
	}
}

func TestTrainOverridesProjection(t *testing.T) {
	seed := 3
	bps := 2.5
	req := &types.TrainRequest{
		ConfigPath: "configs/base.yaml",
		Timesteps:  1000,
		Symbols:    []string{"AAPL"},
		Policy:     "mlp",
		Seed:       &seed,
		Fees:       &types.FeeOverrides{SlippageBps: &bps},
	}
	m, err := trainOverrides(req)
	if err != nil {
		t.Fatal(err)
	}

	run, ok := m["run"].(map[string]any)
	if !ok {
		t.Fatalf("run section = %T", m["run"])
	}
	if run["policy"] != "mlp" || run["timesteps"] != float64(1000) || run["seed"] != float64(3) {
		t.Errorf("run = %v", run)
	}
	if _, ok := m["fees"]; !ok {
		t.Error("fees section dropped")
	}
	// Nil sections must not appear at all.
	if _, ok := m["ppo"]; ok {
		t.Errorf("nil ppo section survived: %v", m)
	}
}

func TestBacktestOverridesModelPath(t *testing.T) {
	req := &types.BacktestRequest{
		ConfigPath: "configs/base.yaml",
		Symbols:    []string{"SPY"},
		ModelPath:  "runs/t/ppo_policy.zip",
	}
	m, err := backtestOverrides(req)
	if err != nil {
		t.Fatal(err)
	}
	run := m["run"].(map[string]any)
	if run["model_path"] != "runs/t/ppo_policy.zip" {
		t.Errorf("run = %v", run)
	}
}
