package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"mm_backtest/internal/core"
	apperrors "mm_backtest/pkg/errors"
)

// checkFills tests whether the incoming event crosses a standing armed
// quote. A trade fills at the trade's price; an opposing quote update that
// crosses fills at our resting price. Ask side is checked before bid side.
func (s *Strategy) checkFills(ev core.Event) ([]core.TradeRecord, error) {
	if ev.Price.Sign() <= 0 || ev.Size <= 0 {
		return nil, nil
	}

	var records []core.TradeRecord

	if q := &s.askQuote; q.set && q.armed && q.remaining > 0 {
		crossed := (ev.Kind == core.KindTrade || ev.Kind == core.KindBid) &&
			ev.Price.GreaterThanOrEqual(q.price)
		if crossed {
			fillPx := q.price
			if ev.Kind == core.KindTrade {
				fillPx = ev.Price
			}
			rec, err := s.fillQuote(ev.Timestamp, sideAsk, fillPx, ev.Size)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}

	if q := &s.bidQuote; q.set && q.armed && q.remaining > 0 {
		crossed := (ev.Kind == core.KindTrade || ev.Kind == core.KindAsk) &&
			ev.Price.LessThanOrEqual(q.price)
		if crossed {
			fillPx := q.price
			if ev.Kind == core.KindTrade {
				fillPx = ev.Price
			}
			rec, err := s.fillQuote(ev.Timestamp, sideBid, fillPx, ev.Size)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}

	return records, nil
}

// fillQuote executes a partial or full fill of one standing quote.
func (s *Strategy) fillQuote(ts time.Time, side quoteSide, price decimal.Decimal, incomingSize int64) (core.TradeRecord, error) {
	q := s.quoteRef(side)
	qty := incomingSize
	if q.remaining < qty {
		qty = q.remaining
	}

	fillSide := core.SideBuy
	if side == sideAsk {
		fillSide = core.SideSell
	}
	rec, err := s.applyFill(ts, fillSide, price, qty, core.ReasonQuoteFill)
	if err != nil {
		return core.TradeRecord{}, err
	}

	q.remaining -= qty
	if q.remaining <= 0 {
		*q = standingQuote{}
	}

	switch s.variant {
	case VariantBaseline:
		// Restart the refill timer so a fill is not followed by an instant
		// re-quote.
		s.lastQuoteAt = ts
	default:
		if side == sideBid {
			s.lastBidFillAt = ts
		} else {
			s.lastAskFillAt = ts
		}
		// A quote filled this cycle cannot be filled again until the next
		// refill re-arms it.
		if s.cfg.RefillInterval > 0 && q.set {
			q.armed = false
		}
	}

	return rec, nil
}

// applyFill is the single bookkeeping path for every execution: ordinary
// fills, EOD flattens, stop-loss liquidations. It updates the position, the
// volume-weighted cost basis, and the realized P&L, and emits one record.
// P&L is realized only on the portion that reduces an existing position; a
// fill that flips the sign closes against the prior cost basis and opens
// the remainder at the fill price with zero realized delta.
func (s *Strategy) applyFill(ts time.Time, side core.Side, price decimal.Decimal, qty int64, reason core.FillReason) (core.TradeRecord, error) {
	if qty <= 0 {
		return core.TradeRecord{}, apperrors.NewInvariantViolation(s.security,
			"computed fill size %d is not positive (side %s, price %s)", qty, side, price)
	}
	if price.Sign() <= 0 {
		return core.TradeRecord{}, apperrors.NewInvariantViolation(s.security,
			"fill price %s is not positive", price)
	}

	signed := qty
	if side == core.SideSell {
		signed = -qty
	}

	delta := decimal.Zero
	switch {
	case s.position == 0 || (s.position > 0) == (signed > 0):
		// Opening or adding: fold the fill into the weighted cost basis.
		oldAbs := decimal.NewFromInt(abs64(s.position))
		fillQty := decimal.NewFromInt(qty)
		s.entry = s.entry.Mul(oldAbs).Add(price.Mul(fillQty)).Div(oldAbs.Add(fillQty))
		s.position += signed
	default:
		closeQty := qty
		if a := abs64(s.position); a < closeQty {
			closeQty = a
		}
		closed := decimal.NewFromInt(closeQty)
		if s.position > 0 {
			delta = price.Sub(s.entry).Mul(closed)
		} else {
			delta = s.entry.Sub(price).Mul(closed)
		}
		s.realized = s.realized.Add(delta)
		s.position += signed
		switch {
		case s.position == 0:
			s.entry = decimal.Zero
		case (s.position > 0) == (signed > 0):
			// Sign flip: the opening leg starts a fresh basis at this price.
			s.entry = price
		}
	}

	if abs64(s.position) > s.cfg.MaxPosition {
		return core.TradeRecord{}, apperrors.NewInvariantViolation(s.security,
			"position %d exceeds max_position %d after %s %d @ %s",
			s.position, s.cfg.MaxPosition, side, qty, price)
	}

	rec := core.TradeRecord{
		Security:              s.security,
		Timestamp:             ts,
		Side:                  side,
		FillPrice:             price,
		FillQty:               qty,
		PositionAfter:         s.position,
		RealizedPnLDelta:      delta,
		CumulativeRealizedPnL: s.realized,
		Reason:                reason,
	}
	s.emit(core.TraceEvent{
		Kind:      core.TraceFill,
		Security:  s.security,
		Timestamp: ts,
		Side:      side,
		Price:     price,
		Qty:       qty,
		Position:  s.position,
		Detail:    string(reason),
	})
	return rec, nil
}

// flattenNow liquidates the entire position at the given price.
func (s *Strategy) flattenNow(ts time.Time, price decimal.Decimal, reason core.FillReason) (core.TradeRecord, error) {
	side := core.SideSell
	if s.position < 0 {
		side = core.SideBuy
	}
	qty := abs64(s.position)
	rec, err := s.applyFill(ts, side, price, qty, reason)
	if err != nil {
		return core.TradeRecord{}, err
	}
	s.emit(core.TraceEvent{
		Kind:      core.TraceFlatten,
		Security:  s.security,
		Timestamp: ts,
		Side:      side,
		Price:     price,
		Qty:       qty,
		Position:  s.position,
		Detail:    string(reason),
	})
	return rec, nil
}

// setPending records a deferred liquidation of the whole current position,
// to be executed at the next usable trade price.
func (s *Strategy) setPending(ts time.Time, reason core.FillReason) {
	s.pending = &pendingFlatten{targetQty: s.position, setAt: ts, reason: reason}
	s.emit(core.TraceEvent{
		Kind:      core.TracePendingSet,
		Security:  s.security,
		Timestamp: ts,
		Qty:       s.position,
		Position:  s.position,
		Detail:    string(reason),
	})
}

// resolvePending executes the deferred liquidation at the given trade price.
func (s *Strategy) resolvePending(ts time.Time, price decimal.Decimal) (core.TradeRecord, error) {
	p := s.pending
	if p.targetQty != s.position {
		return core.TradeRecord{}, apperrors.NewInvariantViolation(s.security,
			"pending flatten target %d diverged from position %d", p.targetQty, s.position)
	}
	rec, err := s.flattenNow(ts, price, p.reason)
	if err != nil {
		return core.TradeRecord{}, err
	}
	s.pending = nil
	s.emit(core.TraceEvent{
		Kind:      core.TracePendingResolved,
		Security:  s.security,
		Timestamp: ts,
		Side:      rec.Side,
		Price:     price,
		Qty:       rec.FillQty,
		Position:  s.position,
	})
	return rec, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
