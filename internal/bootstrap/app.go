// Package bootstrap assembles the application from configuration: logger,
// telemetry, report writers, live view, and the lifecycle that ties them to
// one batch run.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mm_backtest/internal/alert"
	"mm_backtest/internal/backtest"
	"mm_backtest/internal/core"
	"mm_backtest/internal/infrastructure/health"
	"mm_backtest/internal/infrastructure/metrics"
	"mm_backtest/internal/report"
	"mm_backtest/internal/strategy"
	"mm_backtest/pkg/liveview"
	"mm_backtest/pkg/telemetry"
)

// App holds the components assembled for one batch run. Optional components
// are nil when their config section disables them.
type App struct {
	Cfg    *Config
	Logger core.ILogger

	Checks *health.Registry
	CSV    *report.CSVWriter
	Store  *report.Store // nil when run.results_db is empty

	Telemetry *telemetry.Telemetry // nil when telemetry is disabled
	Metrics   *metrics.Server      // nil when telemetry is disabled
	Hub       *liveview.Hub        // nil when live view is disabled
	Live      *liveview.Server     // nil when live view is disabled
	Alerts    *alert.Manager       // nil when no alert channel is configured
}

// NewApp loads configuration and builds every enabled component.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	app := &App{
		Cfg:    cfg,
		Logger: logger,
		Checks: health.NewRegistry(),
	}

	if cfg.Telemetry.Enabled {
		tel, err := telemetry.Setup("mm_backtest")
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		app.Telemetry = tel
		app.Metrics = metrics.NewServer(cfg.Telemetry.MetricsPort, app.Checks, logger)
	}

	csv, err := report.NewCSVWriter(cfg.Run.OutputDir, logger)
	if err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	app.CSV = csv

	if cfg.Run.ResultsDB != "" {
		store, err := report.NewStore(cfg.Run.ResultsDB, logger)
		if err != nil {
			return nil, fmt.Errorf("results store: %w", err)
		}
		app.Store = store
		app.Checks.Register("results_store", store.Ping)
	}

	if cfg.Live.Enabled {
		app.Hub = liveview.NewHub(logger)
		app.Live = liveview.NewServer(app.Hub, logger, cfg.Live.AllowedOrigins)
	}

	if cfg.Alerts.Configured() {
		mgr := alert.NewManager(logger)
		if cfg.Alerts.SlackWebhookURL != "" {
			mgr.AddChannel(alert.NewSlackChannel(string(cfg.Alerts.SlackWebhookURL)))
		}
		if cfg.Alerts.TelegramBotToken != "" && cfg.Alerts.TelegramChatID != "" {
			mgr.AddChannel(alert.NewTelegramChannel(string(cfg.Alerts.TelegramBotToken), cfg.Alerts.TelegramChatID))
		}
		app.Alerts = mgr
	}

	return app, nil
}

// Notify forwards a notification to the alert channels, if any are configured.
func (a *App) Notify(ctx context.Context, title, message string, level alert.Level, fields map[string]string) {
	if a.Alerts == nil {
		return
	}
	a.Alerts.Notify(ctx, title, message, level, fields)
}

// BatchConfig converts the file configuration into the runner's form and
// wires the live view progress feed when enabled.
func (a *App) BatchConfig() (backtest.RunnerConfig, error) {
	variant, err := a.Cfg.Variant()
	if err != nil {
		return backtest.RunnerConfig{}, err
	}

	securities := make(map[string]strategy.Config, len(a.Cfg.Securities))
	for sec, sc := range a.Cfg.Securities {
		securities[sec] = sc.Strategy()
	}

	var snapshotInterval time.Duration
	if a.Cfg.Run.SnapshotIntervalSec > 0 {
		snapshotInterval = time.Duration(a.Cfg.Run.SnapshotIntervalSec) * time.Second
	}

	rc := backtest.RunnerConfig{
		DataDir:          a.Cfg.Run.DataDir,
		Variant:          variant,
		Securities:       securities,
		ChunkSize:        a.Cfg.Run.ChunkSize,
		SnapshotInterval: snapshotInterval,
		FlattenAtEnd:     a.Cfg.Run.FlattenAtEnd,
		MaxWorkers:       a.Cfg.Run.MaxWorkers,
	}

	if a.Hub != nil {
		hub := a.Hub
		rc.Progress = func(p backtest.Progress) {
			hub.Broadcast(liveview.NewProgressMessage(map[string]interface{}{
				"security":         p.Security,
				"events_processed": p.Events,
				"trades":           p.Trades,
				"position":         p.Position,
				"realized_pnl":     p.RealizedPnL.String(),
				"day":              p.Day.Format("2006-01-02"),
			}))
		}
	}

	return rc, nil
}

// Runner is a component driven by the app lifecycle.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts the enabled services, executes the job, and tears everything
// down once the job finishes or a termination signal arrives. The returned
// error is the job's (or the first service failure); context.Canceled means
// an interrupted run.
func (a *App) Run(job Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if a.Metrics != nil {
		a.Metrics.Start()
	}
	if a.Hub != nil {
		g.Go(func() error {
			a.Hub.Run(ctx)
			return nil
		})
	}
	if a.Live != nil {
		g.Go(func() error {
			return a.Live.Start(ctx, a.Cfg.Live.ListenAddr)
		})
	}

	g.Go(func() error {
		// Stopping here cancels the service contexts once the job is done.
		defer stop()
		return job.Run(ctx)
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.close(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
	}
	return err
}

// close releases everything NewApp opened, in reverse dependency order.
func (a *App) close(ctx context.Context) {
	if a.Metrics != nil {
		if err := a.Metrics.Stop(ctx); err != nil {
			a.Logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("Results store close failed", "error", err)
		}
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
}
