// Package backtest contains the per-security streaming driver and the batch
// runner that fans securities out across a worker pool.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"mm_backtest/internal/core"
	"mm_backtest/internal/market"
	"mm_backtest/pkg/telemetry"
)

// Options tunes one security's replay.
type Options struct {
	// SnapshotInterval is the sim-time cadence for state snapshots, 0
	// disables them.
	SnapshotInterval time.Duration
	// FlattenAtEnd closes a position left open at end of stream at the last
	// trade price. Default is to leave it open and report FinalPosition.
	FlattenAtEnd bool
	// Progress, when non-nil, is called once per consumed chunk.
	Progress func(Progress)
}

// Progress is a point-in-time view of a running security, safe to hand to
// another goroutine.
type Progress struct {
	Security    string
	Events      int64
	Trades      int
	Position    int64
	RealizedPnL decimal.Decimal
	Day         time.Time
}

// Result is everything one security produced. On a fatal error Records and
// Snapshots are empty and Summary carries the error; on cancellation they
// hold everything up to the last fully processed chunk.
type Result struct {
	Summary   core.RunSummary
	Records   []core.TradeRecord
	Snapshots []core.Snapshot
}

// Driver replays one security's event stream through its book and strategy.
// It owns both exclusively; a driver runs on exactly one goroutine.
type Driver struct {
	security string
	source   core.EventSource
	book     *market.OrderBook
	strat    core.IStrategy
	opts     Options
	logger   core.ILogger

	eventsCounter  metric.Int64Counter
	fillsCounter   metric.Int64Counter
	droppedCounter metric.Int64Counter
	durationHist   metric.Float64Histogram

	records   []core.TradeRecord
	snapshots []core.Snapshot

	events  int64
	unknown int64
	dropped int

	haveDay    bool
	day        time.Time
	marketDays int

	haveActivityDay bool
	activityDay     time.Time
	activityDays    int

	lastTradePrice decimal.Decimal
	lastEventTime  time.Time
	lastSnapshot   time.Time
}

// NewDriver wires a driver for one security. The source is closed by Run.
func NewDriver(security string, source core.EventSource, book *market.OrderBook, strat core.IStrategy, opts Options, logger core.ILogger) *Driver {
	meter := telemetry.GetMeter("backtest-driver")
	eventsCounter, _ := meter.Int64Counter(telemetry.MetricEventsProcessedTotal,
		metric.WithDescription("Total tick events processed"))
	fillsCounter, _ := meter.Int64Counter(telemetry.MetricFillsTotal,
		metric.WithDescription("Total simulated fills"))
	droppedCounter, _ := meter.Int64Counter(telemetry.MetricRowsDroppedTotal,
		metric.WithDescription("Total unparseable input rows skipped"))
	durationHist, _ := meter.Float64Histogram(telemetry.MetricSecurityDurationSeconds,
		metric.WithDescription("Wall-clock duration of one security's replay"),
		metric.WithUnit("s"))

	return &Driver{
		security:       security,
		source:         source,
		book:           book,
		strat:          strat,
		opts:           opts,
		logger:         logger.WithField("component", "driver").WithField("security", security),
		eventsCounter:  eventsCounter,
		fillsCounter:   fillsCounter,
		droppedCounter: droppedCounter,
		durationHist:   durationHist,
	}
}

// Run consumes the stream to exhaustion. The returned error is non-nil for a
// fatal per-security failure or cancellation; the Result is always usable.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() {
		d.durationHist.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("security", d.security)))
	}()
	defer d.source.Close()

	attrs := metric.WithAttributes(attribute.String("security", d.security))

	for {
		chunk, err := d.source.NextChunk(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				d.logger.Warn("Run canceled, keeping partial output", "events", d.events)
				res := d.finish()
				res.Summary.Error = fmt.Sprintf("run canceled: %v", err)
				return res, err
			}
			d.logger.Error("Event source failed", "error", err)
			return d.fatal(err), err
		}

		if chunk.Dropped > 0 {
			d.dropped += chunk.Dropped
			d.droppedCounter.Add(ctx, int64(chunk.Dropped), attrs)
		}
		for i := range chunk.Events {
			if err := d.step(ctx, chunk.Events[i]); err != nil {
				d.logger.Error("Fatal error, aborting this security", "error", err, "events", d.events)
				return d.fatal(err), err
			}
		}
		d.eventsCounter.Add(ctx, int64(len(chunk.Events)), attrs)
		d.reportProgress()
	}

	d.flattenLeftover()
	return d.finish(), nil
}

// step processes one event: day rollover, book update, strategy, snapshot.
func (d *Driver) step(ctx context.Context, ev core.Event) error {
	if !d.haveDay {
		d.haveDay = true
		d.day = ev.Timestamp
		d.marketDays = 1
	} else if !market.SameTradingDay(d.day, ev.Timestamp) {
		d.rollDay(ev.Timestamp)
	}

	d.events++
	d.lastEventTime = ev.Timestamp

	if ev.Kind == core.KindUnknown {
		d.unknown++
		return nil
	}
	if ev.Kind == core.KindTrade && ev.Price.Sign() > 0 {
		d.lastTradePrice = ev.Price
	}

	before := d.book.Top()
	d.book.Apply(ev)
	recs, err := d.strat.OnEvent(ev, before, d.book.Top())
	if err != nil {
		return err
	}
	if len(recs) > 0 {
		d.records = append(d.records, recs...)
		d.fillsCounter.Add(ctx, int64(len(recs)),
			metric.WithAttributes(attribute.String("security", d.security)))
		if !d.haveActivityDay || !market.SameTradingDay(d.activityDay, ev.Timestamp) {
			d.haveActivityDay = true
			d.activityDay = ev.Timestamp
			d.activityDays++
		}
	}

	d.maybeSnapshot(ev.Timestamp)
	return nil
}

func (d *Driver) rollDay(ts time.Time) {
	d.logger.Debug("Trading day rollover", "from", d.day.Format("2006-01-02"), "to", ts.Format("2006-01-02"))
	d.day = ts
	d.marketDays++
	d.book.Reset()
	d.strat.BeginDay(ts)
}

func (d *Driver) maybeSnapshot(ts time.Time) {
	if d.opts.SnapshotInterval <= 0 {
		return
	}
	if !d.lastSnapshot.IsZero() && ts.Sub(d.lastSnapshot) < d.opts.SnapshotInterval {
		return
	}
	d.lastSnapshot = ts

	snap := core.Snapshot{
		Timestamp:             ts,
		Position:              d.strat.Position(),
		CumulativeRealizedPnL: d.strat.RealizedPnL(),
	}
	if bid, ok := d.book.BestBid(); ok {
		snap.HasBid = true
		snap.BidPrice = bid.Price
		snap.BidSize = bid.Size
	}
	if ask, ok := d.book.BestAsk(); ok {
		snap.HasAsk = true
		snap.AskPrice = ask.Price
		snap.AskSize = ask.Size
	}
	d.snapshots = append(d.snapshots, snap)
}

// flattenLeftover applies the end-of-stream policy to a position still open
// after the final event.
func (d *Driver) flattenLeftover() {
	if d.strat.Position() == 0 {
		return
	}
	if !d.opts.FlattenAtEnd {
		d.logger.Info("Position left open at end of stream", "position", d.strat.Position())
		return
	}
	price := d.lastTradePrice
	if price.Sign() <= 0 {
		if mid, ok := d.book.Top().Mid(); ok {
			price = mid
		}
	}
	rec, ok := d.strat.ForceFlatten(d.lastEventTime, price)
	if !ok {
		d.logger.Warn("No usable price to flatten at end of stream", "position", d.strat.Position())
		return
	}
	d.records = append(d.records, rec)
	d.logger.Info("Flattened at end of stream", "qty", rec.FillQty, "price", rec.FillPrice)
}

func (d *Driver) reportProgress() {
	telemetry.GetGlobalMetrics().SetPosition(d.security, float64(d.strat.Position()))
	telemetry.GetGlobalMetrics().SetRealizedPnL(d.security, d.strat.RealizedPnL().InexactFloat64())
	if d.opts.Progress == nil {
		return
	}
	d.opts.Progress(Progress{
		Security:    d.security,
		Events:      d.events,
		Trades:      len(d.records),
		Position:    d.strat.Position(),
		RealizedPnL: d.strat.RealizedPnL(),
		Day:         d.day,
	})
}

func (d *Driver) finish() Result {
	if d.unknown > 0 {
		d.logger.Info("Skipped events of unknown kind", "count", d.unknown)
	}
	if d.dropped > 0 {
		d.logger.Warn("Skipped unparseable input rows", "count", d.dropped)
	}
	return Result{
		Summary: core.RunSummary{
			Security:                d.security,
			TotalTrades:             len(d.records),
			TotalRealizedPnL:        d.strat.RealizedPnL(),
			FinalPosition:           d.strat.Position(),
			TradingDaysWithActivity: d.activityDays,
			MarketDaysWithData:      d.marketDays,
			EventsProcessed:         d.events,
		},
		Records:   d.records,
		Snapshots: d.snapshots,
	}
}

// fatal produces the zero-trades error row required for a security that
// failed mid-run. Partial records are discarded; the failure is the result.
func (d *Driver) fatal(err error) Result {
	return Result{
		Summary: core.RunSummary{
			Security:           d.security,
			MarketDaysWithData: d.marketDays,
			EventsProcessed:    d.events,
			TotalRealizedPnL:   decimal.Zero,
			Error:              err.Error(),
		},
	}
}
