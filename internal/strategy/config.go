// Package strategy implements the quoting/fill/inventory state machine: one
// shared core algorithm with a tagged set of behavioral variants.
package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "mm_backtest/pkg/errors"
)

// Variant selects the behavioral flavor of the shared core.
type Variant uint8

const (
	// VariantBaseline recomputes quotes strictly on the refill timer and
	// ignores the fresh book between refills.
	VariantBaseline Variant = iota
	// VariantPriceFollow re-anchors quotes to the current best bid/ask and
	// applies a per-side fill cooldown.
	VariantPriceFollow
	// VariantStopLoss is VariantPriceFollow plus an unrealized-loss trigger
	// that force-liquidates the position.
	VariantStopLoss
	// VariantLiquidityMonitor is VariantPriceFollow plus continuous depth
	// checks that withdraw a quote no longer backed by book liquidity.
	VariantLiquidityMonitor
)

// String returns the string representation of a variant
func (v Variant) String() string {
	switch v {
	case VariantBaseline:
		return "baseline"
	case VariantPriceFollow:
		return "price_follow"
	case VariantStopLoss:
		return "stop_loss"
	case VariantLiquidityMonitor:
		return "liquidity_monitor"
	default:
		return "unknown"
	}
}

// ParseVariant maps a config token to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "baseline":
		return VariantBaseline, nil
	case "price_follow":
		return VariantPriceFollow, nil
	case "stop_loss":
		return VariantStopLoss, nil
	case "liquidity_monitor":
		return VariantLiquidityMonitor, nil
	default:
		return VariantBaseline, fmt.Errorf("%w: %q", apperrors.ErrUnknownStrategy, s)
	}
}

// Config is the immutable per-security parameter set. It is constructed once
// per run and passed by value; the strategy never mutates it.
type Config struct {
	// QuoteSize is the default shares per quote. QuoteSizeBid/QuoteSizeAsk
	// override it per side when non-zero.
	QuoteSize    int64
	QuoteSizeBid int64
	QuoteSizeAsk int64

	// MaxPosition bounds |position| at all times.
	MaxPosition int64

	// MaxNotional bounds the position's notional value; together with the
	// observed mid it shrinks the effective position cap.
	MaxNotional decimal.Decimal

	// RefillInterval is the quote recompute cooldown (baseline) or the
	// per-side fill cooldown (price-following variants). Zero disables it.
	RefillInterval time.Duration

	// MinNotionalBeforeQuote is the liquidity gate: both best levels must
	// carry at least this notional before quotes are posted.
	MinNotionalBeforeQuote decimal.Decimal

	// StopLossThresholdPct triggers liquidation when the unrealized loss
	// percentage crosses it. Required positive for VariantStopLoss only.
	StopLossThresholdPct decimal.Decimal
}

// sizeFor returns the configured quote size for one side.
func (c Config) sizeFor(side quoteSide) int64 {
	if side == sideBid {
		if c.QuoteSizeBid > 0 {
			return c.QuoteSizeBid
		}
	} else if c.QuoteSizeAsk > 0 {
		return c.QuoteSizeAsk
	}
	return c.QuoteSize
}

// Validate checks the parameter set for the given variant. A failure is a
// ConfigError: fatal for this security before any event is processed.
func (c Config) Validate(variant Variant) error {
	if c.QuoteSize <= 0 && (c.QuoteSizeBid <= 0 || c.QuoteSizeAsk <= 0) {
		return apperrors.NewConfigError("quote_size", c.QuoteSize, "must be positive")
	}
	if c.MaxPosition <= 0 {
		return apperrors.NewConfigError("max_position", c.MaxPosition, "must be positive")
	}
	if c.MaxNotional.Sign() <= 0 {
		return apperrors.NewConfigError("max_notional", c.MaxNotional, "must be positive")
	}
	if c.RefillInterval < 0 {
		return apperrors.NewConfigError("refill_interval_sec", c.RefillInterval, "must not be negative")
	}
	if c.MinNotionalBeforeQuote.Sign() < 0 {
		return apperrors.NewConfigError("min_local_currency_before_quote", c.MinNotionalBeforeQuote, "must not be negative")
	}
	if variant == VariantStopLoss && c.StopLossThresholdPct.Sign() <= 0 {
		return apperrors.NewConfigError("stop_loss_threshold_pct", c.StopLossThresholdPct, "must be positive for the stop_loss strategy")
	}
	return nil
}
