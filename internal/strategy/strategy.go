package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"mm_backtest/internal/core"
	"mm_backtest/internal/market"
)

// quoteSide indexes the two standing quotes.
type quoteSide uint8

const (
	sideBid quoteSide = iota
	sideAsk
)

// standingQuote is one side of our posted liquidity. armed=false means the
// quote is visible state but cannot be filled (fill cooldown, or withdrawn
// by the liquidity monitor) until the next refill re-arms it.
type standingQuote struct {
	price     decimal.Decimal
	remaining int64
	armed     bool
	set       bool
}

// pendingFlatten is a deferred forced-close awaiting the next usable trade
// price. At most one is outstanding; while it is, ordinary quoting and
// fills are suspended.
type pendingFlatten struct {
	targetQty int64 // signed position captured at trigger time
	setAt     time.Time
	reason    core.FillReason
}

// Strategy is the per-security quoting/fill state machine. It owns its state
// exclusively and must be driven from a single goroutine in event order.
type Strategy struct {
	security string
	variant  Variant
	cfg      Config
	logger   core.ILogger
	trace    core.TraceFunc

	position int64
	entry    decimal.Decimal // volume-weighted cost basis, zero when flat
	realized decimal.Decimal

	bidQuote standingQuote
	askQuote standingQuote

	lastQuoteAt   time.Time
	lastBidFillAt time.Time
	lastAskFillAt time.Time

	closedAtEOD bool
	pending     *pendingFlatten
}

// New constructs a strategy for one security. The config is validated here;
// a ConfigError aborts this security before any event is processed. trace
// may be nil.
func New(security string, variant Variant, cfg Config, logger core.ILogger, trace core.TraceFunc) (*Strategy, error) {
	if err := cfg.Validate(variant); err != nil {
		return nil, err
	}
	return &Strategy{
		security: security,
		variant:  variant,
		cfg:      cfg,
		logger:   logger.WithField("component", "strategy").WithField("security", security),
		trace:    trace,
		entry:    decimal.Zero,
		realized: decimal.Zero,
	}, nil
}

// Position returns the current signed inventory.
func (s *Strategy) Position() int64 { return s.position }

// RealizedPnL returns the cumulative realized P&L.
func (s *Strategy) RealizedPnL() decimal.Decimal { return s.realized }

// EntryPrice returns the volume-weighted cost basis, zero when flat.
func (s *Strategy) EntryPrice() decimal.Decimal { return s.entry }

// OnEvent advances the state machine by one event. Order matters: pending
// resolution preempts everything once set, then EOD flatten precedence,
// then (Regular window only) stop-loss, quote maintenance, fill simulation.
func (s *Strategy) OnEvent(ev core.Event, before, after core.BookTop) ([]core.TradeRecord, error) {
	w := market.Classify(ev.Timestamp)

	// 1. Pending resolution. Checked before any other logic, regardless of
	// window; every event is consumed while the liquidation is outstanding.
	if s.pending != nil {
		if ev.Kind == core.KindTrade && ev.Price.Sign() > 0 {
			rec, err := s.resolvePending(ev.Timestamp, ev.Price)
			if err != nil {
				return nil, err
			}
			return []core.TradeRecord{rec}, nil
		}
		return nil, nil
	}

	// 2. EOD flatten precedence. First event at or past 14:55 closes the
	// day: flatten immediately at a usable trade price, otherwise record a
	// pending flatten and wait for one.
	if w == market.WindowEODFlatten && !s.closedAtEOD {
		s.closedAtEOD = true
		s.clearQuotes(ev.Timestamp)
		if s.position == 0 {
			return nil, nil
		}
		if ev.Kind == core.KindTrade && ev.Price.Sign() > 0 {
			rec, err := s.flattenNow(ev.Timestamp, ev.Price, core.ReasonEODFlatten)
			if err != nil {
				return nil, err
			}
			return []core.TradeRecord{rec}, nil
		}
		s.setPending(ev.Timestamp, core.ReasonEODFlatten)
		return nil, nil
	}

	// 3. Quoting and ordinary fills only in continuous trading.
	if w != market.WindowRegular || s.closedAtEOD {
		return nil, nil
	}

	// 4. Stop-loss trigger, using the same two-step liquidation as EOD.
	if s.variant == VariantStopLoss && s.position != 0 {
		if pct, hit := s.stopLossHit(after); hit {
			s.clearQuotes(ev.Timestamp)
			s.emit(core.TraceEvent{
				Kind:      core.TraceStopLossTriggered,
				Security:  s.security,
				Timestamp: ev.Timestamp,
				Position:  s.position,
				Detail:    "unrealized " + pct.StringFixed(4) + "%",
			})
			if ev.Kind == core.KindTrade && ev.Price.Sign() > 0 {
				rec, err := s.flattenNow(ev.Timestamp, ev.Price, core.ReasonStopLoss)
				if err != nil {
					return nil, err
				}
				return []core.TradeRecord{rec}, nil
			}
			s.setPending(ev.Timestamp, core.ReasonStopLoss)
			return nil, nil
		}
	}

	// 5. Quote maintenance against the post-event book.
	s.maintainQuotes(ev.Timestamp, after)

	// 6. Fill simulation: does this event cross a standing quote?
	return s.checkFills(ev)
}

// BeginDay resets day-scoped state at a trading-day rollover. An unresolved
// pending flatten is dropped with a warning; the position carries over and
// the next day's close-out will pick it up.
func (s *Strategy) BeginDay(day time.Time) {
	if s.pending != nil {
		s.logger.Warn("Pending flatten expired unresolved at day rollover",
			"target_qty", s.pending.targetQty,
			"set_at", s.pending.setAt,
			"reason", string(s.pending.reason))
		s.emit(core.TraceEvent{
			Kind:      core.TracePendingExpired,
			Security:  s.security,
			Timestamp: day,
			Qty:       s.pending.targetQty,
			Position:  s.position,
		})
		s.pending = nil
	}
	s.closedAtEOD = false
	s.bidQuote = standingQuote{}
	s.askQuote = standingQuote{}
	s.lastQuoteAt = time.Time{}
	s.lastBidFillAt = time.Time{}
	s.lastAskFillAt = time.Time{}
}

// ForceFlatten closes the whole position at the given price, used by the
// driver's optional end-of-stream policy.
func (s *Strategy) ForceFlatten(ts time.Time, price decimal.Decimal) (core.TradeRecord, bool) {
	if s.position == 0 || price.Sign() <= 0 {
		return core.TradeRecord{}, false
	}
	s.pending = nil
	s.clearQuotes(ts)
	rec, err := s.flattenNow(ts, price, core.ReasonEndOfStream)
	if err != nil {
		return core.TradeRecord{}, false
	}
	return rec, true
}

// stopLossHit computes the unrealized P&L percentage from the mid and
// reports whether it crossed the configured threshold.
func (s *Strategy) stopLossHit(top core.BookTop) (decimal.Decimal, bool) {
	mark, ok := top.Mid()
	if !ok || s.entry.Sign() <= 0 {
		return decimal.Zero, false
	}
	sign := decimal.NewFromInt(100)
	if s.position < 0 {
		sign = decimal.NewFromInt(-100)
	}
	pct := mark.Sub(s.entry).Div(s.entry).Mul(sign)
	return pct, pct.LessThan(s.cfg.StopLossThresholdPct.Neg())
}

func (s *Strategy) emit(ev core.TraceEvent) {
	if s.trace != nil {
		s.trace(ev)
	}
}
