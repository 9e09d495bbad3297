package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"mm_backtest/internal/alert"
	"mm_backtest/internal/backtest"
	"mm_backtest/internal/bootstrap"
	"mm_backtest/internal/core"
	"mm_backtest/internal/report"
	"mm_backtest/pkg/liveview"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/backtest.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mm_backtest version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configPath = envConfig
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	logger := app.Logger

	batchCfg, err := app.BatchConfig()
	if err != nil {
		logger.Fatal("Invalid batch configuration", "error", err)
	}

	logger.Info("Starting tick replay batch",
		"version", version,
		"strategy", batchCfg.Variant.String(),
		"securities", len(batchCfg.Securities),
		"data_dir", app.Cfg.Run.DataDir,
		"output_dir", app.Cfg.Run.OutputDir)

	var batch backtest.BatchResult
	runErr := app.Run(bootstrap.RunnerFunc(func(ctx context.Context) error {
		if app.Hub != nil {
			app.Hub.Broadcast(liveview.NewBatchStartMessage(map[string]interface{}{
				"strategy":   batchCfg.Variant.String(),
				"securities": len(batchCfg.Securities),
			}))
		}

		runner := backtest.NewRunner(batchCfg, logger)
		res, err := runner.Run(ctx)
		batch = res

		if app.Hub != nil {
			for _, s := range batch.Summaries() {
				app.Hub.Broadcast(liveview.NewSummaryMessage(summaryPayload(s)))
			}
			app.Hub.Broadcast(liveview.NewBatchEndMessage(map[string]interface{}{
				"run_id":   batch.RunID,
				"duration": batch.Duration.String(),
				"failed":   batch.Failed,
			}))
		}

		// Reports persist whatever the batch produced, interrupted or not,
		// so they run on their own deadline rather than the batch context.
		writeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if werr := writeReports(writeCtx, app, batch); werr != nil {
			logger.Error("Failed to write reports", "error", werr)
			if err == nil {
				err = werr
			}
		}
		return err
	}))

	logSummaries(logger, batch)
	notifyOutcome(app, batch, runErr)

	switch {
	case errors.Is(runErr, context.Canceled):
		logger.Warn("Batch interrupted, partial results written", "run_id", batch.RunID)
		os.Exit(1)
	case runErr != nil:
		os.Exit(1)
	case batch.Failed > 0:
		logger.Warn("Batch finished with failed securities", "failed", batch.Failed)
		os.Exit(1)
	}
}

// notifyOutcome reports the batch result to the configured alert channels.
// It runs on a fresh context because the run context is already canceled
// when the batch was interrupted.
func notifyOutcome(app *bootstrap.App, batch backtest.BatchResult, runErr error) {
	if app.Alerts == nil {
		return
	}

	fields := map[string]string{
		"run_id":     batch.RunID,
		"strategy":   app.Cfg.Run.Strategy,
		"securities": fmt.Sprintf("%d", len(batch.Results)),
		"failed":     fmt.Sprintf("%d", batch.Failed),
		"duration":   batch.Duration.Round(time.Millisecond).String(),
	}

	ctx := context.Background()
	switch {
	case errors.Is(runErr, context.Canceled):
		app.Notify(ctx, "Batch interrupted", "partial results were written", alert.Warning, fields)
	case runErr != nil:
		app.Notify(ctx, "Batch aborted", runErr.Error(), alert.Critical, fields)
	case batch.Failed > 0:
		msg := fmt.Sprintf("%d of %d securities failed", batch.Failed, len(batch.Results))
		app.Notify(ctx, "Batch finished with failures", msg, alert.Error, fields)
	default:
		msg := fmt.Sprintf("%d securities replayed in %s", len(batch.Results), batch.Duration.Round(time.Millisecond))
		app.Notify(ctx, "Batch complete", msg, alert.Info, fields)
	}
}

// writeReports persists everything the batch produced: per-security CSV
// files, the batch summary, and the SQLite results store when configured.
func writeReports(ctx context.Context, app *bootstrap.App, batch backtest.BatchResult) error {
	var errs []error

	for _, res := range batch.Results {
		sec := res.Summary.Security
		if _, err := app.CSV.WriteTradeSeries(sec, res.Records); err != nil {
			errs = append(errs, fmt.Errorf("%s trades: %w", sec, err))
		}
		if _, err := app.CSV.WriteSnapshots(sec, res.Snapshots); err != nil {
			errs = append(errs, fmt.Errorf("%s snapshots: %w", sec, err))
		}
	}
	if _, err := app.CSV.WriteSummary(batch.Summaries()); err != nil {
		errs = append(errs, fmt.Errorf("summary: %w", err))
	}

	if app.Store != nil {
		meta := report.RunMeta{
			ID:         batch.RunID,
			Strategy:   app.Cfg.Run.Strategy,
			StartedAt:  batch.StartedAt,
			Duration:   batch.Duration,
			Securities: len(batch.Results),
			Failed:     batch.Failed,
		}
		if err := app.Store.SaveRun(ctx, meta, batch.Summaries()); err != nil {
			errs = append(errs, fmt.Errorf("store run: %w", err))
		} else {
			for _, res := range batch.Results {
				sec := res.Summary.Security
				if err := app.Store.SaveTradeSeries(ctx, batch.RunID, sec, res.Records); err != nil {
					errs = append(errs, fmt.Errorf("%s store trades: %w", sec, err))
				}
				if err := app.Store.SaveSnapshots(ctx, batch.RunID, sec, res.Snapshots); err != nil {
					errs = append(errs, fmt.Errorf("%s store snapshots: %w", sec, err))
				}
			}
		}
	}

	return errors.Join(errs...)
}

func summaryPayload(s core.RunSummary) map[string]interface{} {
	return map[string]interface{}{
		"security":         s.Security,
		"trades":           s.TotalTrades,
		"realized_pnl":     s.TotalRealizedPnL.StringFixed(2),
		"final_position":   s.FinalPosition,
		"market_dates":     s.MarketDaysWithData,
		"strategy_dates":   s.TradingDaysWithActivity,
		"events_processed": s.EventsProcessed,
		"error":            s.Error,
	}
}

func logSummaries(logger core.ILogger, batch backtest.BatchResult) {
	for _, s := range batch.Summaries() {
		if s.Error != "" {
			logger.Error("Security failed", "security", s.Security, "error", s.Error)
			continue
		}
		logger.Info("Security result",
			"security", s.Security,
			"trades", s.TotalTrades,
			"realized_pnl", s.TotalRealizedPnL.StringFixed(2),
			"final_position", s.FinalPosition,
			"market_dates", s.MarketDaysWithData,
			"strategy_dates", s.TradingDaysWithActivity,
			"events", s.EventsProcessed)
	}
	logger.Info("Batch complete",
		"run_id", batch.RunID,
		"duration", batch.Duration.String(),
		"securities", len(batch.Results),
		"failed", batch.Failed)
}
