// Package market holds the per-security market-structure primitives: the
// top-of-book order book and the trading-window policy.
package market

import (
	"mm_backtest/internal/core"
)

// OrderBook tracks the best bid and best ask for one security, rebuilt one
// tick at a time from the replayed feed. Each side is absent until its first
// valid update. The book is exclusively owned by one security's processing
// context and is not safe for concurrent use.
type OrderBook struct {
	security string
	bid      core.Level
	ask      core.Level
	hasBid   bool
	hasAsk   bool
}

// NewOrderBook creates an empty book for the given security.
func NewOrderBook(security string) *OrderBook {
	return &OrderBook{security: security}
}

// Security returns the security this book belongs to.
func (b *OrderBook) Security() string { return b.security }

// Apply folds one event into the book. A Bid or Ask with price > 0 and
// size > 0 replaces that side's level; anything else is silently ignored.
// Trade events never mutate the book: the top-of-book feed is maintained
// independently of prints, and that behavior is preserved here as observed
// (see DESIGN.md).
func (b *OrderBook) Apply(ev core.Event) {
	if ev.Price.Sign() <= 0 || ev.Size <= 0 {
		return
	}
	switch ev.Kind {
	case core.KindBid:
		b.bid = core.Level{Price: ev.Price, Size: ev.Size}
		b.hasBid = true
	case core.KindAsk:
		b.ask = core.Level{Price: ev.Price, Size: ev.Size}
		b.hasAsk = true
	}
}

// BestBid returns the best bid level. The second return is false while the
// side has never seen a valid update.
func (b *OrderBook) BestBid() (core.Level, bool) {
	return b.bid, b.hasBid
}

// BestAsk returns the best ask level. The second return is false while the
// side has never seen a valid update.
func (b *OrderBook) BestAsk() (core.Level, bool) {
	return b.ask, b.hasAsk
}

// Top returns an immutable snapshot of both sides.
func (b *OrderBook) Top() core.BookTop {
	return core.BookTop{Bid: b.bid, Ask: b.ask, HasBid: b.hasBid, HasAsk: b.hasAsk}
}

// Reset returns both sides to absent. Called at trading-day rollover so
// yesterday's quotes never leak into today's open.
func (b *OrderBook) Reset() {
	b.bid = core.Level{}
	b.ask = core.Level{}
	b.hasBid = false
	b.hasAsk = false
}
