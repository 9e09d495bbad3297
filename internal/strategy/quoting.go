package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"mm_backtest/internal/core"
)

// maintainQuotes recomputes the standing quotes against the post-event book.
// Posting requires both sides present, an uncrossed book, and the liquidity
// gate on both best levels; a tick failing the guard posts nothing and
// leaves standing quotes untouched, so an incoming aggressor that thinned or
// crossed the book can still fill them.
func (s *Strategy) maintainQuotes(now time.Time, top core.BookTop) {
	if s.postingAllowed(top) {
		switch s.variant {
		case VariantBaseline:
			s.refillOnTimer(now, top)
		default:
			s.refillPriceFollowing(now, top)
		}
	}
	if s.variant == VariantLiquidityMonitor {
		s.enforceDepth(now, top)
	}
}

// postingAllowed is the quoting guard of the shared core.
func (s *Strategy) postingAllowed(top core.BookTop) bool {
	if !top.HasBid || !top.HasAsk || top.Crossed() {
		return false
	}
	return top.Bid.Notional().GreaterThanOrEqual(s.cfg.MinNotionalBeforeQuote) &&
		top.Ask.Notional().GreaterThanOrEqual(s.cfg.MinNotionalBeforeQuote)
}

// refillOnTimer is the baseline rule: quotes recompute on the cooldown timer
// only and ignore the fresh book in between.
func (s *Strategy) refillOnTimer(now time.Time, top core.BookTop) {
	if !s.lastQuoteAt.IsZero() && now.Sub(s.lastQuoteAt) < s.cfg.RefillInterval {
		return
	}
	s.postQuote(now, sideBid, top.Bid.Price, top)
	s.postQuote(now, sideAsk, top.Ask.Price, top)
	s.lastQuoteAt = now
}

// refillPriceFollowing re-anchors each side to the current best price and
// replenishes it to full size on every tick, unless that side is cooling
// down after a fill; a cooling side stays frozen and disarmed until the
// cooldown expires and the next tick re-posts it.
func (s *Strategy) refillPriceFollowing(now time.Time, top core.BookTop) {
	if !s.coolingDown(now, sideBid) {
		s.postQuote(now, sideBid, top.Bid.Price, top)
		s.lastQuoteAt = now
	}
	if !s.coolingDown(now, sideAsk) {
		s.postQuote(now, sideAsk, top.Ask.Price, top)
		s.lastQuoteAt = now
	}
}

func (s *Strategy) coolingDown(now time.Time, side quoteSide) bool {
	if s.cfg.RefillInterval <= 0 {
		return false
	}
	lastFill := s.lastBidFillAt
	if side == sideAsk {
		lastFill = s.lastAskFillAt
	}
	return !lastFill.IsZero() && now.Sub(lastFill) < s.cfg.RefillInterval
}

// postQuote places one side at the given price with the full capped size. A
// side with no remaining capacity is withdrawn instead.
func (s *Strategy) postQuote(now time.Time, side quoteSide, price decimal.Decimal, top core.BookTop) {
	size := s.cfg.sizeFor(side)
	if room := s.capacity(side, top); room < size {
		size = room
	}
	q := s.quoteRef(side)
	if size <= 0 {
		if q.set {
			s.traceQuote(core.TraceQuoteWithdrawn, now, side, q.price, 0, "no remaining capacity")
		}
		*q = standingQuote{}
		return
	}
	*q = standingQuote{price: price, remaining: size, armed: true, set: true}
	s.traceQuote(core.TraceQuotePosted, now, side, price, size, "")
}

// capacity returns how many shares this side may still quote given the
// position bound and the notional bound derived from the current mid.
func (s *Strategy) capacity(side quoteSide, top core.BookTop) int64 {
	maxPos := s.cfg.MaxPosition
	if mid, ok := top.Mid(); ok && mid.Sign() > 0 {
		if byNotional := s.cfg.MaxNotional.Div(mid).IntPart(); byNotional < maxPos {
			maxPos = byNotional
		}
	}
	if side == sideBid {
		return maxPos - s.position
	}
	return maxPos + s.position
}

// enforceDepth is the liquidity-monitor rule: a standing quote whose price
// is no longer the best on its side, or whose best level dropped below the
// gate, is disarmed until depth returns.
func (s *Strategy) enforceDepth(now time.Time, top core.BookTop) {
	s.enforceDepthSide(now, sideBid, top.Bid, top.HasBid)
	s.enforceDepthSide(now, sideAsk, top.Ask, top.HasAsk)
}

func (s *Strategy) enforceDepthSide(now time.Time, side quoteSide, best core.Level, present bool) {
	q := s.quoteRef(side)
	if !q.set {
		return
	}
	backed := present && best.Price.Equal(q.price) &&
		best.Notional().GreaterThanOrEqual(s.cfg.MinNotionalBeforeQuote)
	if q.armed && !backed {
		q.armed = false
		s.traceQuote(core.TraceQuoteWithdrawn, now, side, q.price, q.remaining, "depth below gate")
	} else if !q.armed && backed && !s.coolingDown(now, side) {
		q.armed = true
		s.traceQuote(core.TraceQuotePosted, now, side, q.price, q.remaining, "depth restored")
	}
}

func (s *Strategy) quoteRef(side quoteSide) *standingQuote {
	if side == sideBid {
		return &s.bidQuote
	}
	return &s.askQuote
}

// clearQuotes withdraws both sides, used when entering any liquidation path
// and at day rollover.
func (s *Strategy) clearQuotes(now time.Time) {
	if s.bidQuote.set {
		s.traceQuote(core.TraceQuoteWithdrawn, now, sideBid, s.bidQuote.price, s.bidQuote.remaining, "cleared")
	}
	if s.askQuote.set {
		s.traceQuote(core.TraceQuoteWithdrawn, now, sideAsk, s.askQuote.price, s.askQuote.remaining, "cleared")
	}
	s.bidQuote = standingQuote{}
	s.askQuote = standingQuote{}
}

func (s *Strategy) traceQuote(kind core.TraceKind, now time.Time, side quoteSide, price decimal.Decimal, qty int64, detail string) {
	if s.trace == nil {
		return
	}
	traceSide := core.SideBuy
	if side == sideAsk {
		traceSide = core.SideSell
	}
	s.trace(core.TraceEvent{
		Kind:      kind,
		Security:  s.security,
		Timestamp: now,
		Side:      traceSide,
		Price:     price,
		Qty:       qty,
		Position:  s.position,
		Detail:    detail,
	})
}
