package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mm_backtest/internal/core"
	"mm_backtest/internal/feed"
	"mm_backtest/internal/market"
	"mm_backtest/internal/strategy"
	apperrors "mm_backtest/pkg/errors"
)

type testLogger struct{}

func (l *testLogger) Debug(msg string, f ...interface{})               {}
func (l *testLogger) Info(msg string, f ...interface{})                {}
func (l *testLogger) Warn(msg string, f ...interface{})                {}
func (l *testLogger) Error(msg string, f ...interface{})               {}
func (l *testLogger) Fatal(msg string, f ...interface{})               {}
func (l *testLogger) WithField(k string, v interface{}) core.ILogger   { return l }
func (l *testLogger) WithFields(f map[string]interface{}) core.ILogger { return l }

func testStrategyConfig() strategy.Config {
	return strategy.Config{
		QuoteSize:              500,
		MaxPosition:            100000,
		MaxNotional:            decimal.NewFromInt(10000000),
		MinNotionalBeforeQuote: decimal.NewFromInt(1000),
		StopLossThresholdPct:   decimal.NewFromFloat(2.0),
	}
}

func newTestStrategy(t *testing.T, sec string) *strategy.Strategy {
	t.Helper()
	s, err := strategy.New(sec, strategy.VariantPriceFollow, testStrategyConfig(), &testLogger{}, nil)
	if err != nil {
		t.Fatalf("strategy.New: %v", err)
	}
	return s
}

func at(day, hour, min, sec int) time.Time {
	return time.Date(2024, 3, day, hour, min, sec, 0, time.UTC)
}

func mkEvent(ts time.Time, kind core.EventKind, price float64, size int64) core.Event {
	return core.Event{
		Security:  "TEST",
		Timestamp: ts,
		Kind:      kind,
		Price:     decimal.NewFromFloat(price),
		Size:      size,
	}
}

// tradingDay emits a seeded book and one crossing trade inside continuous
// trading for the given calendar day.
func tradingDay(day int) []core.Event {
	return []core.Event{
		mkEvent(at(day, 10, 30, 0), core.KindBid, 10.00, 5000),
		mkEvent(at(day, 10, 30, 1), core.KindAsk, 10.05, 5000),
		mkEvent(at(day, 10, 30, 2), core.KindTrade, 9.99, 500),
	}
}

func runDriver(t *testing.T, events []core.Event, strat core.IStrategy, opts Options) (Result, error) {
	t.Helper()
	d := NewDriver("TEST", feed.NewSliceSource(events, 2), market.NewOrderBook("TEST"), strat, opts, &testLogger{})
	return d.Run(context.Background())
}

func TestDriver_ReplaysStreamAndSummarizes(t *testing.T) {
	res, err := runDriver(t, tradingDay(4), newTestStrategy(t, "TEST"), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	s := res.Summary
	if s.Security != "TEST" {
		t.Errorf("Security = %q", s.Security)
	}
	if s.TotalTrades != 1 || len(res.Records) != 1 {
		t.Fatalf("TotalTrades = %d (records %d), want 1", s.TotalTrades, len(res.Records))
	}
	if s.EventsProcessed != 3 {
		t.Errorf("EventsProcessed = %d, want 3", s.EventsProcessed)
	}
	if s.MarketDaysWithData != 1 || s.TradingDaysWithActivity != 1 {
		t.Errorf("Days = %d market / %d active, want 1/1", s.MarketDaysWithData, s.TradingDaysWithActivity)
	}
	if s.FinalPosition != 500 {
		t.Errorf("FinalPosition = %d, want 500", s.FinalPosition)
	}
	if s.Error != "" {
		t.Errorf("Error = %q, want empty", s.Error)
	}
}

func TestDriver_DayRolloverResetsBookState(t *testing.T) {
	// Day 4 builds a position. Day 5 starts with a fresh (empty) book: the
	// lone trade cannot fill because no quotes can be posted yet.
	events := append(tradingDay(4),
		mkEvent(at(5, 10, 30, 0), core.KindTrade, 9.99, 500),
	)

	res, err := runDriver(t, events, newTestStrategy(t, "TEST"), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary.MarketDaysWithData != 2 {
		t.Errorf("MarketDaysWithData = %d, want 2", res.Summary.MarketDaysWithData)
	}
	if res.Summary.TradingDaysWithActivity != 1 {
		t.Errorf("TradingDaysWithActivity = %d, want 1", res.Summary.TradingDaysWithActivity)
	}
	if res.Summary.TotalTrades != 1 {
		t.Errorf("TotalTrades = %d, want 1 (day 5 book is empty)", res.Summary.TotalTrades)
	}
	if res.Summary.FinalPosition != 500 {
		t.Errorf("FinalPosition = %d, want the carried-over 500", res.Summary.FinalPosition)
	}
}

func TestDriver_UnknownEventsAreCountedNotFatal(t *testing.T) {
	events := []core.Event{
		mkEvent(at(4, 10, 30, 0), core.KindBid, 10.00, 5000),
		{Security: "TEST", Timestamp: at(4, 10, 30, 1), Kind: core.KindUnknown},
		mkEvent(at(4, 10, 30, 2), core.KindAsk, 10.05, 5000),
	}

	res, err := runDriver(t, events, newTestStrategy(t, "TEST"), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary.EventsProcessed != 3 {
		t.Errorf("EventsProcessed = %d, want 3 (unknown events count)", res.Summary.EventsProcessed)
	}
	if res.Summary.Error != "" {
		t.Errorf("Unknown kinds must never be fatal, got %q", res.Summary.Error)
	}
}

func TestDriver_SnapshotCadenceFollowsSimTime(t *testing.T) {
	events := []core.Event{
		mkEvent(at(4, 10, 30, 0), core.KindBid, 10.00, 5000),
		mkEvent(at(4, 10, 30, 10), core.KindAsk, 10.05, 5000),
		mkEvent(at(4, 10, 31, 10), core.KindTrade, 9.99, 100),
		mkEvent(at(4, 10, 33, 30), core.KindBid, 10.01, 5000),
	}

	res, err := runDriver(t, events, newTestStrategy(t, "TEST"), Options{SnapshotInterval: time.Minute})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Snapshots) != 3 {
		t.Fatalf("Snapshots = %d, want 3 (first event, +70s, +140s)", len(res.Snapshots))
	}

	last := res.Snapshots[len(res.Snapshots)-1]
	if last.Position != 100 {
		t.Errorf("Snapshot position = %d, want 100", last.Position)
	}
	if !last.HasBid || !last.BidPrice.Equal(decimal.NewFromFloat(10.01)) {
		t.Errorf("Snapshot bid = %v %s, want 10.01", last.HasBid, last.BidPrice)
	}
}

func TestDriver_FlattenAtEndUsesLastTradePrice(t *testing.T) {
	events := append(tradingDay(4),
		mkEvent(at(4, 11, 0, 0), core.KindTrade, 10.20, 50),
	)

	res, err := runDriver(t, events, newTestStrategy(t, "TEST"), Options{FlattenAtEnd: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Summary.FinalPosition != 0 {
		t.Fatalf("FinalPosition = %d, want 0", res.Summary.FinalPosition)
	}
	last := res.Records[len(res.Records)-1]
	if last.Reason != core.ReasonEndOfStream {
		t.Errorf("Reason = %s, want %s", last.Reason, core.ReasonEndOfStream)
	}
	if !last.FillPrice.Equal(decimal.NewFromFloat(10.20)) {
		t.Errorf("Flatten price = %s, want the last trade's 10.20", last.FillPrice)
	}
}

func TestDriver_DefaultLeavesPositionOpen(t *testing.T) {
	res, err := runDriver(t, tradingDay(4), newTestStrategy(t, "TEST"), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary.FinalPosition != 500 {
		t.Errorf("FinalPosition = %d, want 500 left open", res.Summary.FinalPosition)
	}
	for _, rec := range res.Records {
		if rec.Reason == core.ReasonEndOfStream {
			t.Error("No end-of-stream flatten expected by default")
		}
	}
}

// faultyStrategy returns a canned error after a set number of events.
type faultyStrategy struct {
	failAfter int
	seen      int
}

func (f *faultyStrategy) OnEvent(ev core.Event, before, after core.BookTop) ([]core.TradeRecord, error) {
	f.seen++
	if f.seen > f.failAfter {
		return nil, apperrors.NewInvariantViolation("TEST", "synthetic failure")
	}
	return []core.TradeRecord{{Security: "TEST", Timestamp: ev.Timestamp}}, nil
}

func (f *faultyStrategy) BeginDay(day time.Time) {}

func (f *faultyStrategy) ForceFlatten(ts time.Time, price decimal.Decimal) (core.TradeRecord, bool) {
	return core.TradeRecord{}, false
}

func (f *faultyStrategy) Position() int64 { return 0 }

func (f *faultyStrategy) RealizedPnL() decimal.Decimal { return decimal.Zero }

func TestDriver_InvariantViolationZeroesTheResult(t *testing.T) {
	res, err := runDriver(t, tradingDay(4), &faultyStrategy{failAfter: 2}, Options{})
	if !errors.Is(err, apperrors.ErrInvariantViolation) {
		t.Fatalf("err = %v, want an invariant violation", err)
	}

	if res.Summary.TotalTrades != 0 || len(res.Records) != 0 {
		t.Errorf("Fatal failure must report zero trades, got %d/%d", res.Summary.TotalTrades, len(res.Records))
	}
	if res.Summary.Error == "" {
		t.Error("Summary must carry the error message")
	}
	if len(res.Snapshots) != 0 {
		t.Errorf("Fatal failure must not emit snapshots, got %d", len(res.Snapshots))
	}
}

func TestDriver_CancellationKeepsPartialOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	events := append(tradingDay(4), tradingDay(5)...)
	d := NewDriver("TEST", feed.NewSliceSource(events, 3), market.NewOrderBook("TEST"),
		newTestStrategy(t, "TEST"), Options{
			Progress: func(Progress) { cancel() },
		}, &testLogger{})

	res, err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(res.Records) != 1 {
		t.Errorf("Partial records = %d, want the first chunk's fill", len(res.Records))
	}
	if res.Summary.Error == "" {
		t.Error("Summary must record the cancellation")
	}
	if res.Summary.EventsProcessed != 3 {
		t.Errorf("EventsProcessed = %d, want 3 (one full chunk)", res.Summary.EventsProcessed)
	}
}
