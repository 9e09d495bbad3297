package backtest

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"mm_backtest/internal/core"
	"mm_backtest/internal/feed"
	"mm_backtest/internal/market"
	"mm_backtest/internal/strategy"
	"mm_backtest/pkg/concurrency"
)

// progressRate bounds how often worker progress reaches the callback so the
// replay loops never wait on reporting.
var progressRate = rate.Every(100 * time.Millisecond)

// RunnerConfig describes one batch: which securities, which strategy
// variant, and how to replay them.
type RunnerConfig struct {
	DataDir          string
	Variant          strategy.Variant
	Securities       map[string]strategy.Config
	ChunkSize        int
	SnapshotInterval time.Duration
	FlattenAtEnd     bool
	MaxWorkers       int

	// Progress receives throttled per-security updates; may be nil. It is
	// called from worker goroutines and must be safe for concurrent use.
	Progress func(Progress)
	// Trace receives strategy decisions from all workers; may be nil. Must
	// be safe for concurrent use.
	Trace core.TraceFunc
}

// BatchResult is the merged outcome of a batch run. Results are sorted by
// security so output files are deterministic regardless of worker order.
type BatchResult struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Results   []Result
	Failed    int
}

// Summaries extracts the per-security summary rows in order.
func (b BatchResult) Summaries() []core.RunSummary {
	out := make([]core.RunSummary, len(b.Results))
	for i, r := range b.Results {
		out[i] = r.Summary
	}
	return out
}

// Runner replays every configured security, one worker task each. Workers
// share nothing but the result slice; merging happens after the pool drains.
type Runner struct {
	cfg    RunnerConfig
	logger core.ILogger
}

// NewRunner creates a batch runner.
func NewRunner(cfg RunnerConfig, logger core.ILogger) *Runner {
	return &Runner{cfg: cfg, logger: logger.WithField("component", "runner")}
}

// Run executes the batch and blocks until every security finished or the
// context is canceled. Fatal failures are isolated: they surface as error
// rows in the result, never as a Run error.
func (r *Runner) Run(ctx context.Context) (BatchResult, error) {
	runID := uuid.New().String()
	started := time.Now()

	securities := make([]string, 0, len(r.cfg.Securities))
	for sec := range r.cfg.Securities {
		securities = append(securities, sec)
	}
	sort.Strings(securities)

	r.logger.Info("Starting backtest batch",
		"run_id", runID,
		"securities", len(securities),
		"strategy", r.cfg.Variant.String(),
		"workers", r.cfg.MaxWorkers)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "backtest",
		MaxWorkers:  r.cfg.MaxWorkers,
		MaxCapacity: len(securities) + 1,
	}, r.logger)

	limiter := rate.NewLimiter(progressRate, 1)
	progress := func(p Progress) {
		if r.cfg.Progress != nil && limiter.Allow() {
			r.cfg.Progress(p)
		}
	}

	var mu sync.Mutex
	results := make([]Result, 0, len(securities))
	failed := 0

	for _, sec := range securities {
		cfg := r.cfg.Securities[sec]
		pool.Submit(func() {
			res, fatal := r.runSecurity(ctx, sec, cfg, progress)
			mu.Lock()
			results = append(results, res)
			if fatal {
				failed++
			}
			mu.Unlock()
		})
	}
	pool.StopAndWait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Summary.Security < results[j].Summary.Security
	})

	batch := BatchResult{
		RunID:     runID,
		StartedAt: started,
		Duration:  time.Since(started),
		Results:   results,
		Failed:    failed,
	}
	r.logger.Info("Backtest batch finished",
		"run_id", runID,
		"duration", batch.Duration.String(),
		"failed", failed,
		"pool", pool.Stats())
	return batch, ctx.Err()
}

// runSecurity builds the per-security pipeline and drives it to completion.
// The bool reports a fatal failure (config, data access, invariant) as
// opposed to a clean or canceled run.
func (r *Runner) runSecurity(ctx context.Context, sec string, cfg strategy.Config, progress func(Progress)) (Result, bool) {
	log := r.logger.WithField("security", sec)

	strat, err := strategy.New(sec, r.cfg.Variant, cfg, r.logger, r.cfg.Trace)
	if err != nil {
		log.Error("Rejecting security: invalid configuration", "error", err)
		return errorResult(sec, err), true
	}

	path := filepath.Join(r.cfg.DataDir, sec+".csv")
	source, err := feed.NewCSVSource(path, sec, r.cfg.ChunkSize, r.logger)
	if err != nil {
		log.Error("Rejecting security: cannot open tick data", "error", err, "path", path)
		return errorResult(sec, err), true
	}

	driver := NewDriver(sec, source, market.NewOrderBook(sec), strat, Options{
		SnapshotInterval: r.cfg.SnapshotInterval,
		FlattenAtEnd:     r.cfg.FlattenAtEnd,
		Progress:         progress,
	}, r.logger)

	res, err := driver.Run(ctx)
	if err != nil {
		canceled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		return res, !canceled
	}
	log.Info("Security finished",
		"trades", res.Summary.TotalTrades,
		"realized_pnl", res.Summary.TotalRealizedPnL.String(),
		"final_position", res.Summary.FinalPosition,
		"events", res.Summary.EventsProcessed)
	return res, false
}

func errorResult(sec string, err error) Result {
	return Result{Summary: core.RunSummary{Security: sec, Error: err.Error()}}
}
