// Package report writes batch results to per-security CSV files and an
// optional SQLite results store.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mm_backtest/internal/core"
)

// tsLayout is the timestamp format used in every output file. Fractions are
// always written so column width stays stable across rows.
const tsLayout = "2006-01-02 15:04:05.000"

var (
	tradeHeader    = []string{"timestamp", "side", "fill_price", "fill_qty", "realized_pnl", "position", "pnl", "reason"}
	snapshotHeader = []string{"timestamp", "position", "realized_pnl", "bid", "bid_size", "ask", "ask_size"}
	summaryHeader  = []string{"security", "trades", "realized_pnl", "position", "market_dates", "strategy_dates", "events_processed", "error"}
)

// CSVWriter writes result files under a single output directory.
type CSVWriter struct {
	outputDir string
	logger    core.ILogger
}

// NewCSVWriter creates the output directory if needed.
func NewCSVWriter(outputDir string, logger core.ILogger) (*CSVWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &CSVWriter{outputDir: outputDir, logger: logger}, nil
}

// WriteTradeSeries writes one security's ordered trade records. Securities
// with no trades produce no file; the returned path is empty in that case.
func (w *CSVWriter) WriteTradeSeries(security string, records []core.TradeRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	path := filepath.Join(w.outputDir, strings.ToLower(security)+"_trades_timeseries.csv")
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.Timestamp.Format(tsLayout),
			rec.Side.String(),
			rec.FillPrice.String(),
			strconv.FormatInt(rec.FillQty, 10),
			rec.RealizedPnLDelta.StringFixed(2),
			strconv.FormatInt(rec.PositionAfter, 10),
			rec.CumulativeRealizedPnL.StringFixed(2),
			string(rec.Reason),
		})
	}

	if err := w.writeFile(path, tradeHeader, rows); err != nil {
		return "", err
	}
	w.logger.Debug("Wrote trade timeseries", "security", security, "path", path, "rows", len(records))
	return path, nil
}

// WriteSnapshots writes one security's periodic state samples. An absent book
// side leaves its price and size cells empty.
func (w *CSVWriter) WriteSnapshots(security string, snapshots []core.Snapshot) (string, error) {
	if len(snapshots) == 0 {
		return "", nil
	}

	path := filepath.Join(w.outputDir, strings.ToLower(security)+"_snapshots.csv")
	rows := make([][]string, 0, len(snapshots))
	for _, snap := range snapshots {
		row := []string{
			snap.Timestamp.Format(tsLayout),
			strconv.FormatInt(snap.Position, 10),
			snap.CumulativeRealizedPnL.StringFixed(2),
			"", "", "", "",
		}
		if snap.HasBid {
			row[3] = snap.BidPrice.String()
			row[4] = strconv.FormatInt(snap.BidSize, 10)
		}
		if snap.HasAsk {
			row[5] = snap.AskPrice.String()
			row[6] = strconv.FormatInt(snap.AskSize, 10)
		}
		rows = append(rows, row)
	}

	if err := w.writeFile(path, snapshotHeader, rows); err != nil {
		return "", err
	}
	w.logger.Debug("Wrote snapshots", "security", security, "path", path, "rows", len(snapshots))
	return path, nil
}

// WriteSummary writes the batch summary, one row per security. It is always
// written, even when every security failed.
func (w *CSVWriter) WriteSummary(summaries []core.RunSummary) (string, error) {
	path := filepath.Join(w.outputDir, "backtest_summary.csv")
	rows := make([][]string, 0, len(summaries))
	for _, sum := range summaries {
		rows = append(rows, []string{
			sum.Security,
			strconv.Itoa(sum.TotalTrades),
			sum.TotalRealizedPnL.StringFixed(2),
			strconv.FormatInt(sum.FinalPosition, 10),
			strconv.Itoa(sum.MarketDaysWithData),
			strconv.Itoa(sum.TradingDaysWithActivity),
			strconv.FormatInt(sum.EventsProcessed, 10),
			sum.Error,
		})
	}

	if err := w.writeFile(path, summaryHeader, rows); err != nil {
		return "", err
	}
	w.logger.Info("Wrote batch summary", "path", path, "securities", len(summaries))
	return path, nil
}

func (w *CSVWriter) writeFile(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("failed to write header to %s: %w", path, err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("failed to write row to %s: %w", path, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return f.Close()
}
