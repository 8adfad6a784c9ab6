// Package launcher converts typed job requests into supervised worker
// subprocesses and drives their RunRecord lifecycle.
package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/stockbot-io/stockbot/config"
	"github.com/stockbot-io/stockbot/log"
	"github.com/stockbot-io/stockbot/paths"
	"github.com/stockbot-io/stockbot/registry"
	"github.com/stockbot-io/stockbot/telemetry"
	"github.com/stockbot-io/stockbot/types"
)

// ErrSignal indicates a cancel intent was recorded but the terminate signal
// could not be delivered to the worker process.
var ErrSignal = errors.New("terminate signal not delivered")

// Launcher owns worker subprocess supervision. One Launcher serves the whole
// daemon; it is safe for concurrent use.
type Launcher struct {
	layout *paths.Layout
	reg    *registry.Registry
	worker config.WorkerConfig
	logger *log.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd

	onFinish func(runID, outDir string, status types.RunStatus)

	wg sync.WaitGroup
}

// New builds a Launcher over the given layout, registry, and worker config.
func New(layout *paths.Layout, reg *registry.Registry, worker config.WorkerConfig, logger *log.Logger) *Launcher {
	return &Launcher{
		layout: layout,
		reg:    reg,
		worker: worker,
		logger: logger,
		procs:  make(map[string]*exec.Cmd),
	}
}

// OnFinish registers a callback invoked from the supervisor goroutine after
// a run reaches SUCCEEDED or FAILED. Set once at wiring time, before any
// submissions.
func (l *Launcher) OnFinish(fn func(runID, outDir string, status types.RunStatus)) {
	l.onFinish = fn
}

// StartTrain registers a QUEUED train run and schedules its supervision.
// The returned record is the QUEUED snapshot; progress flows through the
// registry.
func (l *Launcher) StartTrain(req *types.TrainRequest) (*types.RunRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	overrides, err := trainOverrides(req)
	if err != nil {
		return nil, err
	}
	return l.start(types.RunTypeTrain, req.OutDir, req.OutTag, req.ConfigPath, overrides,
		func(snapshotPath string) ([]string, error) {
			return trainArgv(l.worker, snapshotPath, req)
		},
		map[string]any{"request": req},
	)
}

// StartBacktest registers a QUEUED backtest run and schedules its
// supervision.
func (l *Launcher) StartBacktest(req *types.BacktestRequest) (*types.RunRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	overrides, err := backtestOverrides(req)
	if err != nil {
		return nil, err
	}
	return l.start(types.RunTypeBacktest, req.OutDir, req.OutTag, req.ConfigPath, overrides,
		func(snapshotPath string) ([]string, error) {
			return backtestArgv(l.worker, snapshotPath, req)
		},
		map[string]any{"request": req},
	)
}

// start is the shared submission path: resolve out_dir, snapshot the merged
// config, register QUEUED, then hand off to the supervisor goroutine.
func (l *Launcher) start(
	runType types.RunType,
	requestedDir, outTag, configPath string,
	overrides map[string]any,
	buildArgv func(snapshotPath string) ([]string, error),
	meta map[string]any,
) (*types.RunRecord, error) {
	runID := types.NewRunID()

	tag := outTag
	if tag == "" {
		tag = runID
	}
	outDir, err := l.layout.ResolveOutDir(requestedDir, tag)
	if err != nil {
		return nil, err
	}

	snapshotPath, err := l.snapshotConfig(configPath, overrides, outDir)
	if err != nil {
		return nil, err
	}

	argv, err := buildArgv(snapshotPath)
	if err != nil {
		return nil, err
	}

	meta["config_snapshot"] = snapshotPath
	rec := &types.RunRecord{
		ID:        runID,
		Type:      runType,
		Status:    types.StatusQueued,
		OutDir:    outDir,
		CreatedAt: time.Now().UTC(),
		Meta:      meta,
	}
	if err := l.reg.Save(rec); err != nil {
		return nil, err
	}

	l.logger.Info("run queued", map[string]any{
		"run_id": runID, "type": string(runType), "out_dir": outDir,
	})

	l.wg.Add(1)
	go l.supervise(runID, outDir, argv)
	return rec.Clone(), nil
}

// snapshotConfig deep-merges request overrides into the base config and
// writes the result as the run's config artifact.
func (l *Launcher) snapshotConfig(basePath string, overrides map[string]any, outDir string) (string, error) {
	base, err := config.LoadBase(basePath)
	if err != nil {
		return "", err
	}
	merged := config.DeepMerge(base, overrides)
	snapshotPath, err := paths.ArtifactPath(outDir, paths.ArtifactConfig)
	if err != nil {
		return "", err
	}
	if err := config.WriteSnapshot(snapshotPath, merged); err != nil {
		return "", err
	}
	return snapshotPath, nil
}

// supervise runs the worker to completion: RUNNING at spawn, combined
// stdout+stderr into job_log, SUCCEEDED on exit 0, else FAILED with the exit
// code preserved. A run cancelled before or during execution keeps its
// CANCELLED status.
func (l *Launcher) supervise(runID, outDir string, argv []string) {
	defer l.wg.Done()
	runLog := log.NewRunLogger(runID)

	logPath, err := paths.ArtifactPath(outDir, paths.ArtifactJobLog)
	if err != nil {
		l.fail(runID, runLog, fmt.Sprintf("resolve job log: %v", err))
		return
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.fail(runID, runLog, fmt.Sprintf("open job log: %v", err))
		return
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.layout.ProjectRoot()
	cmd.Env = l.workerEnv(runID, outDir)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		l.fail(runID, runLog, fmt.Sprintf("spawn failed: %v", err))
		return
	}
	pid := cmd.Process.Pid
	startedAt := time.Now().UTC()

	_, err = l.reg.Update(runID, func(r *types.RunRecord) error {
		r.Status = types.StatusRunning
		r.StartedAt = &startedAt
		r.PID = &pid
		return nil
	})
	if err != nil {
		// Cancelled between QUEUED and spawn: the record is already
		// terminal, so reap the process we just started.
		runLog.Warn("run terminal before spawn completed", map[string]any{"error": err.Error()})
		_ = cmd.Process.Signal(syscall.SIGTERM)
		_ = cmd.Wait()
		return
	}
	runLog.Info("worker spawned", map[string]any{"pid": pid, "argv": argv})

	l.track(runID, cmd)
	waitErr := cmd.Wait()
	l.untrack(runID)

	finishedAt := time.Now().UTC()
	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	// A cancel may have landed while the worker ran; the terminal status it
	// set wins over the exit outcome.
	if rec, err := l.reg.Get(runID); err == nil && rec.Status.Terminal() {
		runLog.Info("worker reaped after terminal status", map[string]any{
			"status": string(rec.Status), "exit_code": exitCode,
		})
		return
	}

	_, err = l.reg.Update(runID, func(r *types.RunRecord) error {
		r.FinishedAt = &finishedAt
		if exitCode == 0 {
			r.Status = types.StatusSucceeded
		} else {
			r.Status = types.StatusFailed
			r.Error = fmt.Sprintf("exit_code=%d", exitCode)
		}
		return nil
	})
	if err != nil {
		runLog.Warn("final status update failed", map[string]any{"error": err.Error()})
		return
	}
	runLog.Info("worker finished", map[string]any{"exit_code": exitCode})

	if l.onFinish != nil {
		status := types.StatusSucceeded
		if exitCode != 0 {
			status = types.StatusFailed
		}
		l.onFinish(runID, outDir, status)
	}
}

// fail marks a run FAILED with the given reason. Used for pre-spawn errors.
func (l *Launcher) fail(runID string, runLog *log.Logger, reason string) {
	now := time.Now().UTC()
	_, err := l.reg.Update(runID, func(r *types.RunRecord) error {
		r.Status = types.StatusFailed
		r.FinishedAt = &now
		r.Error = reason
		return nil
	})
	if err != nil {
		runLog.Warn("failure update rejected", map[string]any{"error": err.Error()})
	}
	runLog.Error("run failed before spawn", map[string]any{"reason": reason})
}

// Cancel marks the run CANCELLED and delivers SIGTERM to its worker.
// Cancelling a terminal run is a no-op returning the current snapshot.
// When the record flips but the signal cannot be delivered, the snapshot is
// returned together with ErrSignal.
func (l *Launcher) Cancel(id string) (*types.RunRecord, error) {
	rec, err := l.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	now := time.Now().UTC()
	updated, err := l.reg.Update(id, func(r *types.RunRecord) error {
		if r.Status.Terminal() {
			return nil
		}
		r.Status = types.StatusCancelled
		r.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	var sigErr error
	if cmd := l.proc(id); cmd != nil && cmd.Process != nil {
		sigErr = cmd.Process.Signal(syscall.SIGTERM)
	} else if updated.PID != nil {
		if proc, findErr := os.FindProcess(*updated.PID); findErr == nil {
			sigErr = proc.Signal(syscall.SIGTERM)
		} else {
			sigErr = findErr
		}
	}
	if sigErr != nil {
		l.logger.Warn("cancel signal failed", map[string]any{"run_id": id, "error": sigErr.Error()})
		return updated, fmt.Errorf("%w: %v", ErrSignal, sigErr)
	}
	l.logger.Info("run cancelled", map[string]any{"run_id": id})
	return updated, nil
}

// Shutdown signals every live worker and waits for their supervisors to
// drain. Called once on daemon exit.
func (l *Launcher) Shutdown() {
	l.mu.Lock()
	for id, cmd := range l.procs {
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				l.logger.Warn("shutdown signal failed", map[string]any{"run_id": id, "error": err.Error()})
			}
		}
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// workerEnv builds the sanitized child environment: only the variables the
// worker needs, with the project root forced onto the module path and a
// stable text encoding.
func (l *Launcher) workerEnv(runID, outDir string) []string {
	root := l.layout.ProjectRoot()
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		paths.EnvProjectRoot + "=" + root,
		"PYTHONPATH=" + root,
		"PYTHONUNBUFFERED=1",
		"PYTHONIOENCODING=utf-8",
		"LC_ALL=C.UTF-8",
		telemetry.EnvRunID + "=" + runID,
		telemetry.EnvTelemetryPath + "=" + filepath.Join(outDir, telemetry.BarFileName),
		telemetry.EnvEventPath + "=" + filepath.Join(outDir, telemetry.EventFileName),
		telemetry.EnvRollupPath + "=" + filepath.Join(outDir, telemetry.RollupFileName),
	}
	if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
		env = append(env, "VIRTUAL_ENV="+venv)
	}
	return env
}

func (l *Launcher) track(runID string, cmd *exec.Cmd) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.procs[runID] = cmd
}

func (l *Launcher) untrack(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.procs, runID)
}

func (l *Launcher) proc(runID string) *exec.Cmd {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[runID]
}
