package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"mm_backtest/internal/core"
	apperrors "mm_backtest/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	strategy    TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	securities  INTEGER NOT NULL,
	failed      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS summaries (
	run_id           TEXT NOT NULL,
	security         TEXT NOT NULL,
	trades           INTEGER NOT NULL,
	realized_pnl     TEXT NOT NULL,
	position         INTEGER NOT NULL,
	market_dates     INTEGER NOT NULL,
	strategy_dates   INTEGER NOT NULL,
	events_processed INTEGER NOT NULL,
	error            TEXT NOT NULL,
	PRIMARY KEY (run_id, security)
);

CREATE TABLE IF NOT EXISTS trades (
	run_id       TEXT NOT NULL,
	security     TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	ts           TEXT NOT NULL,
	side         TEXT NOT NULL,
	fill_price   TEXT NOT NULL,
	fill_qty     INTEGER NOT NULL,
	realized_pnl TEXT NOT NULL,
	position     INTEGER NOT NULL,
	pnl          TEXT NOT NULL,
	reason       TEXT NOT NULL,
	PRIMARY KEY (run_id, security, seq)
);

CREATE TABLE IF NOT EXISTS snapshots (
	run_id       TEXT NOT NULL,
	security     TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	ts           TEXT NOT NULL,
	position     INTEGER NOT NULL,
	realized_pnl TEXT NOT NULL,
	bid          TEXT,
	bid_size     INTEGER,
	ask          TEXT,
	ask_size     INTEGER,
	PRIMARY KEY (run_id, security, seq)
);
`

// RunMeta is the batch-level row stored alongside the per-security results.
type RunMeta struct {
	ID         string
	Strategy   string
	StartedAt  time.Time
	Duration   time.Duration
	Securities int
	Failed     int
}

// Store persists batch results into a SQLite database. Writes from parallel
// workers can collide on the file lock, so every write transaction runs
// through a retry pipeline that handles SQLITE_BUSY.
type Store struct {
	db       *sql.DB
	pipeline failsafe.Executor[any]
	logger   core.ILogger

	mu     sync.Mutex
	closed bool
}

// NewStore opens (creating if missing) the results database.
func NewStore(dbPath string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return isBusy(err)
		}).
		WithBackoff(50*time.Millisecond, time.Second).
		WithMaxRetries(5).
		Build()

	return &Store{
		db:       db,
		pipeline: failsafe.With[any](retryPolicy),
		logger:   logger,
	}, nil
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func (s *Store) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrStoreClosed
	}
	return nil
}

// Ping verifies the database is still reachable.
func (s *Store) Ping() error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.Ping()
}

// SaveRun writes the batch row plus one summary row per security.
func (s *Store) SaveRun(ctx context.Context, meta RunMeta, summaries []core.RunSummary) error {
	if err := s.guard(); err != nil {
		return err
	}

	return s.pipeline.Run(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO runs (id, strategy, started_at, duration_ms, securities, failed) VALUES (?, ?, ?, ?, ?, ?)`,
			meta.ID, meta.Strategy, meta.StartedAt.Format(tsLayout), meta.Duration.Milliseconds(), meta.Securities, meta.Failed)
		if err != nil {
			return fmt.Errorf("failed to write run row: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO summaries (run_id, security, trades, realized_pnl, position, market_dates, strategy_dates, events_processed, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare summary insert: %w", err)
		}
		defer stmt.Close()

		for _, sum := range summaries {
			_, err := stmt.ExecContext(ctx, meta.ID, sum.Security, sum.TotalTrades,
				sum.TotalRealizedPnL.String(), sum.FinalPosition, sum.MarketDaysWithData,
				sum.TradingDaysWithActivity, sum.EventsProcessed, sum.Error)
			if err != nil {
				return fmt.Errorf("failed to write summary for %s: %w", sum.Security, err)
			}
		}

		return tx.Commit()
	})
}

// SaveTradeSeries writes one security's trade records in event order.
func (s *Store) SaveTradeSeries(ctx context.Context, runID, security string, records []core.TradeRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	return s.pipeline.Run(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO trades (run_id, security, seq, ts, side, fill_price, fill_qty, realized_pnl, position, pnl, reason) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare trade insert: %w", err)
		}
		defer stmt.Close()

		for seq, rec := range records {
			_, err := stmt.ExecContext(ctx, runID, security, seq,
				rec.Timestamp.Format(tsLayout), rec.Side.String(), rec.FillPrice.String(),
				rec.FillQty, rec.RealizedPnLDelta.String(), rec.PositionAfter,
				rec.CumulativeRealizedPnL.String(), string(rec.Reason))
			if err != nil {
				return fmt.Errorf("failed to write trade %d for %s: %w", seq, security, err)
			}
		}

		return tx.Commit()
	})
}

// SaveSnapshots writes one security's periodic state samples.
func (s *Store) SaveSnapshots(ctx context.Context, runID, security string, snapshots []core.Snapshot) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}

	return s.pipeline.Run(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO snapshots (run_id, security, seq, ts, position, realized_pnl, bid, bid_size, ask, ask_size) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare snapshot insert: %w", err)
		}
		defer stmt.Close()

		for seq, snap := range snapshots {
			var bid, ask interface{}
			var bidSize, askSize interface{}
			if snap.HasBid {
				bid, bidSize = snap.BidPrice.String(), snap.BidSize
			}
			if snap.HasAsk {
				ask, askSize = snap.AskPrice.String(), snap.AskSize
			}
			_, err := stmt.ExecContext(ctx, runID, security, seq,
				snap.Timestamp.Format(tsLayout), snap.Position,
				snap.CumulativeRealizedPnL.String(), bid, bidSize, ask, askSize)
			if err != nil {
				return fmt.Errorf("failed to write snapshot %d for %s: %w", seq, security, err)
			}
		}

		return tx.Commit()
	})
}

// LoadSummaries reads back the per-security summary rows of one run.
func (s *Store) LoadSummaries(ctx context.Context, runID string) ([]core.RunSummary, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT security, trades, realized_pnl, position, market_dates, strategy_dates, events_processed, error FROM summaries WHERE run_id = ? ORDER BY security`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var summaries []core.RunSummary
	for rows.Next() {
		var sum core.RunSummary
		var pnl string
		if err := rows.Scan(&sum.Security, &sum.TotalTrades, &pnl, &sum.FinalPosition,
			&sum.MarketDaysWithData, &sum.TradingDaysWithActivity, &sum.EventsProcessed, &sum.Error); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		sum.TotalRealizedPnL, err = decimal.NewFromString(pnl)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored pnl %q: %w", pnl, err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Close releases the database handle. Further calls on the store fail with
// ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
