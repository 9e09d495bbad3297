package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mm_backtest/internal/core"
	"mm_backtest/internal/market"
)

// testLogger is a no-op core.ILogger for tests.
type testLogger struct{}

func (l *testLogger) Debug(msg string, f ...interface{})               {}
func (l *testLogger) Info(msg string, f ...interface{})                {}
func (l *testLogger) Warn(msg string, f ...interface{})                {}
func (l *testLogger) Error(msg string, f ...interface{})               {}
func (l *testLogger) Fatal(msg string, f ...interface{})               {}
func (l *testLogger) WithField(k string, v interface{}) core.ILogger   { return l }
func (l *testLogger) WithFields(f map[string]interface{}) core.ILogger { return l }

func testConfig() Config {
	return Config{
		QuoteSize:              500,
		MaxPosition:            100000,
		MaxNotional:            decimal.NewFromInt(10000000),
		RefillInterval:         0,
		MinNotionalBeforeQuote: decimal.NewFromInt(5000),
		StopLossThresholdPct:   decimal.NewFromFloat(2.0),
	}
}

// harness drives a strategy the way the backtest driver does: apply the
// event to the book, then hand the before/after snapshots to the strategy.
type harness struct {
	t       *testing.T
	book    *market.OrderBook
	strat   *Strategy
	records []core.TradeRecord
	traces  []core.TraceEvent
}

func newHarness(t *testing.T, variant Variant, cfg Config) *harness {
	h := &harness{t: t, book: market.NewOrderBook("TEST")}
	strat, err := New("TEST", variant, cfg, &testLogger{}, func(ev core.TraceEvent) {
		h.traces = append(h.traces, ev)
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	h.strat = strat
	return h
}

func (h *harness) push(ev core.Event) []core.TradeRecord {
	h.t.Helper()
	before := h.book.Top()
	h.book.Apply(ev)
	recs, err := h.strat.OnEvent(ev, before, h.book.Top())
	if err != nil {
		h.t.Fatalf("OnEvent returned error: %v", err)
	}
	h.records = append(h.records, recs...)
	return recs
}

func (h *harness) postedQuotes() []core.TraceEvent {
	var out []core.TraceEvent
	for _, tr := range h.traces {
		if tr.Kind == core.TraceQuotePosted {
			out = append(out, tr)
		}
	}
	return out
}

func tsRegular(min, sec int) time.Time {
	return time.Date(2024, 3, 4, 11, min, sec, 0, time.UTC)
}

func tsAt(hour, min, sec int) time.Time {
	return time.Date(2024, 3, 4, hour, min, sec, 0, time.UTC)
}

func bidEv(ts time.Time, price float64, size int64) core.Event {
	return core.Event{Security: "TEST", Timestamp: ts, Kind: core.KindBid, Price: decimal.NewFromFloat(price), Size: size}
}

func askEv(ts time.Time, price float64, size int64) core.Event {
	return core.Event{Security: "TEST", Timestamp: ts, Kind: core.KindAsk, Price: decimal.NewFromFloat(price), Size: size}
}

func tradeEv(ts time.Time, price float64, size int64) core.Event {
	return core.Event{Security: "TEST", Timestamp: ts, Kind: core.KindTrade, Price: decimal.NewFromFloat(price), Size: size}
}

// seedBook posts a two-sided book and lets the strategy quote against it.
func (h *harness) seedBook(ts time.Time, bidPx float64, bidSz int64, askPx float64, askSz int64) {
	h.push(bidEv(ts, bidPx, bidSz))
	h.push(askEv(ts, askPx, askSz))
}
