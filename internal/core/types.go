package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind identifies the kind of a tick event.
type EventKind uint8

const (
	KindUnknown EventKind = iota
	KindBid
	KindAsk
	KindTrade
)

// String returns the string representation of an event kind
func (k EventKind) String() string {
	switch k {
	case KindBid:
		return "Bid"
	case KindAsk:
		return "Ask"
	case KindTrade:
		return "Trade"
	default:
		return "Unknown"
	}
}

// ParseEventKind maps a raw type column value to an EventKind. Matching is
// case-insensitive; anything unrecognized maps to KindUnknown (counted by the
// driver, never fatal).
func ParseEventKind(s string) EventKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bid":
		return KindBid
	case "ask":
		return KindAsk
	case "trade":
		return KindTrade
	default:
		return KindUnknown
	}
}

// Event is one market-data update for a single security. Price and Size may
// be zero: that is a valid but inert update, not an error.
type Event struct {
	Security  string
	Timestamp time.Time
	Kind      EventKind
	Price     decimal.Decimal
	Size      int64
}

// Chunk is one bounded slice of an event stream. Dropped counts input rows
// the source could not parse at all (skipped with a warning).
type Chunk struct {
	Events  []Event
	Dropped int
}

// Level is one side of the top of book: best price and the size resting there.
type Level struct {
	Price decimal.Decimal
	Size  int64
}

// Notional returns price * size.
func (l Level) Notional() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(l.Size))
}

// BookTop is an immutable snapshot of a book's top of book. Sides are absent
// until the first valid update; consumers must treat an absent side as
// "cannot quote or fill on that side".
type BookTop struct {
	Bid    Level
	Ask    Level
	HasBid bool
	HasAsk bool
}

// Mid returns the midpoint price. The second return is false unless both
// sides are present.
func (t BookTop) Mid() (decimal.Decimal, bool) {
	if !t.HasBid || !t.HasAsk {
		return decimal.Zero, false
	}
	return t.Bid.Price.Add(t.Ask.Price).Div(decimal.NewFromInt(2)), true
}

// Crossed reports whether both sides are present and bid >= ask.
func (t BookTop) Crossed() bool {
	return t.HasBid && t.HasAsk && t.Bid.Price.GreaterThanOrEqual(t.Ask.Price)
}

// Side is the direction of a fill.
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

// String returns the string representation of a side
func (s Side) String() string {
	if s == SideBuy {
		return "BUY"
	}
	return "SELL"
}

// FillReason tags why a TradeRecord was emitted.
type FillReason string

const (
	ReasonQuoteFill   FillReason = "quote_fill"
	ReasonEODFlatten  FillReason = "eod_flatten"
	ReasonStopLoss    FillReason = "stop_loss"
	ReasonEndOfStream FillReason = "end_of_stream"
)

// TradeRecord is one simulated execution. Records are immutable once emitted
// and appended in event order per security.
type TradeRecord struct {
	Security              string
	Timestamp             time.Time
	Side                  Side
	FillPrice             decimal.Decimal
	FillQty               int64
	PositionAfter         int64
	RealizedPnLDelta      decimal.Decimal
	CumulativeRealizedPnL decimal.Decimal
	Reason                FillReason
}

// Snapshot is a periodic sample of strategy state plus the top of book at
// that moment, taken by the driver at a configurable sim-time cadence.
type Snapshot struct {
	Timestamp             time.Time
	Position              int64
	CumulativeRealizedPnL decimal.Decimal
	BidPrice              decimal.Decimal
	BidSize               int64
	AskPrice              decimal.Decimal
	AskSize               int64
	HasBid                bool
	HasAsk                bool
}

// RunSummary is the per-security batch result row. A security that failed
// fatally reports zero trades and a non-empty Error.
type RunSummary struct {
	Security                string
	TotalTrades             int
	TotalRealizedPnL        decimal.Decimal
	FinalPosition           int64
	TradingDaysWithActivity int
	MarketDaysWithData      int
	EventsProcessed         int64
	Error                   string
}

// TraceKind identifies a strategy decision surfaced to an observer.
type TraceKind uint8

const (
	TraceQuotePosted TraceKind = iota
	TraceQuoteWithdrawn
	TraceFill
	TraceFlatten
	TracePendingSet
	TracePendingResolved
	TracePendingExpired
	TraceStopLossTriggered
)

// String returns the string representation of a trace kind
func (k TraceKind) String() string {
	switch k {
	case TraceQuotePosted:
		return "quote_posted"
	case TraceQuoteWithdrawn:
		return "quote_withdrawn"
	case TraceFill:
		return "fill"
	case TraceFlatten:
		return "flatten"
	case TracePendingSet:
		return "pending_set"
	case TracePendingResolved:
		return "pending_resolved"
	case TracePendingExpired:
		return "pending_expired"
	case TraceStopLossTriggered:
		return "stop_loss_triggered"
	default:
		return "unknown"
	}
}

// TraceEvent is the observer payload. Injected tracing replaces the ad hoc
// instrumentation the strategy would otherwise grow; the strategy never
// blocks on the callback.
type TraceEvent struct {
	Kind      TraceKind
	Security  string
	Timestamp time.Time
	Side      Side
	Price     decimal.Decimal
	Qty       int64
	Position  int64
	Detail    string
}

// TraceFunc receives strategy decisions. A nil TraceFunc disables tracing.
type TraceFunc func(TraceEvent)
