package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/stockbot-io/stockbot/config"
	"github.com/stockbot-io/stockbot/launcher"
	"github.com/stockbot-io/stockbot/log"
	"github.com/stockbot-io/stockbot/metrics"
	"github.com/stockbot-io/stockbot/paths"
	"github.com/stockbot-io/stockbot/registry"
	"github.com/stockbot-io/stockbot/server"
	"github.com/stockbot-io/stockbot/store"
	"github.com/stockbot-io/stockbot/types"
)

// ServeCommand returns the daemon command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the control-plane daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Daemon config file (YAML)",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address (overrides config)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	logger := log.New("server")

	cfg, err := loadServerConfig(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if listen := c.String("listen"); listen != "" {
		cfg.Addr = listen
	}

	layout, err := buildLayout(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	registryPath := cfg.RegistryPath
	if registryPath == "" {
		registryPath = filepath.Join(layout.RunsDir(), "registry.db")
	}
	if err := os.MkdirAll(filepath.Dir(registryPath), 0o755); err != nil {
		return cli.Exit("create registry dir: "+err.Error(), 1)
	}
	reg, err := registry.Open(registryPath, log.New("registry"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() { _ = reg.Close() }()

	m := metrics.New()
	m.ObserveActiveRuns(func() float64 {
		n := 0
		for _, rec := range reg.List() {
			if !rec.Status.Terminal() {
				n++
			}
		}
		return float64(n)
	})
	launch := launcher.New(layout, reg, cfg.Worker, log.New("launcher"))

	var mirror store.Mirror
	if cfg.Storage.Backend == "s3" {
		s3Mirror, err := store.NewS3Mirror(c.Context, cfg.Storage, log.New("store"))
		if err != nil {
			return cli.Exit("s3 mirror: "+err.Error(), 1)
		}
		mirror = s3Mirror
	}

	launch.OnFinish(func(runID, outDir string, status types.RunStatus) {
		m.RunsFinished.WithLabelValues(runTypeOf(reg, runID), string(status)).Inc()
		if mirror != nil && status == types.StatusSucceeded {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := mirror.MirrorRun(ctx, runID, outDir); err != nil {
				logger.Warn("artifact mirror failed", map[string]any{
					"run_id": runID, "error": err.Error(),
				})
			}
		}
	})

	srv := server.New(cfg, layout, reg, launch, m, mirror, logger)
	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
		// No WriteTimeout: SSE and WebSocket connections are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daemon listening", map[string]any{
			"addr": cfg.Addr, "version": types.Version, "registry": registryPath,
		})
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return cli.Exit(err.Error(), 1)
		}
	case <-ctx.Done():
		logger.Info("shutdown requested", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		srv.Shutdown()
	}
	return nil
}

// loadServerConfig reads the daemon config, falling back to pure defaults
// when no file was given.
func loadServerConfig(path string) (*config.Server, error) {
	if path == "" {
		cfg := &config.Server{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	return config.LoadServer(path)
}

// buildLayout resolves the path allow-list from config and environment.
func buildLayout(cfg *config.Server) (*paths.Layout, error) {
	if cfg.ProjectRoot != "" {
		var extras []string
		if cfg.ExtraRunsRoot != "" {
			extras = append(extras, cfg.ExtraRunsRoot)
		}
		if env := os.Getenv(paths.EnvExtraRunsRoot); env != "" {
			extras = append(extras, env)
		}
		return paths.NewLayoutAt(cfg.ProjectRoot, extras...), nil
	}
	layout, err := paths.NewLayout()
	if err != nil {
		return nil, err
	}
	if cfg.ExtraRunsRoot != "" {
		layout = paths.NewLayoutAt(layout.ProjectRoot(), append([]string{cfg.ExtraRunsRoot}, extraEnvRoots()...)...)
	}
	return layout, nil
}

func extraEnvRoots() []string {
	if env := os.Getenv(paths.EnvExtraRunsRoot); env != "" {
		return []string{env}
	}
	return nil
}

// runTypeOf resolves the run's type label for metrics; unknown ids degrade
// to "unknown" rather than failing the hook.
func runTypeOf(reg *registry.Registry, runID string) string {
	rec, err := reg.Get(runID)
	if err != nil {
		return "unknown"
	}
	return string(rec.Type)
}
