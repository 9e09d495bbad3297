// Package core defines the core types and interfaces for the backtest engine
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IStrategy defines the interface for the quoting/fill state machine. One
// instance owns exactly one security's state; the driver calls it from a
// single goroutine in event order.
type IStrategy interface {
	// OnEvent advances the state machine by one event and returns the trade
	// records it produced. The book snapshots are taken immediately before
	// and after the event was applied to the order book. A returned error is
	// always an invariant violation and fatal for this security.
	OnEvent(ev Event, before, after BookTop) ([]TradeRecord, error)

	// BeginDay resets day-scoped state at a trading-day rollover.
	BeginDay(day time.Time)

	// ForceFlatten closes the entire open position at the given price. Used
	// by the driver's optional end-of-stream policy. The second return is
	// false when there was nothing to close.
	ForceFlatten(ts time.Time, price decimal.Decimal) (TradeRecord, bool)

	Position() int64
	RealizedPnL() decimal.Decimal
}

// EventSource delivers one security's ordered event stream in bounded
// chunks. NextChunk returns io.EOF after the final chunk; chunk boundaries
// never reorder, duplicate, or drop events. Sources are single-pass.
type EventSource interface {
	NextChunk(ctx context.Context) (Chunk, error)
	Close() error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
