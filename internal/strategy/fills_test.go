package strategy

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"mm_backtest/internal/core"
	apperrors "mm_backtest/pkg/errors"
)

func newBareStrategy(t *testing.T, cfg Config) *Strategy {
	t.Helper()
	s, err := New("TEST", VariantBaseline, cfg, &testLogger{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func mustFill(t *testing.T, s *Strategy, side core.Side, price float64, qty int64) core.TradeRecord {
	t.Helper()
	rec, err := s.applyFill(tsRegular(0, 0), side, decimal.NewFromFloat(price), qty, core.ReasonQuoteFill)
	if err != nil {
		t.Fatalf("applyFill(%s %d @ %v): %v", side, qty, price, err)
	}
	return rec
}

func TestApplyFill_WeightedAverageEntry(t *testing.T) {
	s := newBareStrategy(t, testConfig())

	mustFill(t, s, core.SideBuy, 10.00, 100)
	if !s.EntryPrice().Equal(decimal.NewFromInt(10)) {
		t.Fatalf("Entry after first buy = %s, want 10", s.EntryPrice())
	}

	mustFill(t, s, core.SideBuy, 12.00, 100)
	if !s.EntryPrice().Equal(decimal.NewFromInt(11)) {
		t.Errorf("Entry after second buy = %s, want the volume-weighted 11", s.EntryPrice())
	}
	if s.Position() != 200 {
		t.Errorf("Position = %d, want 200", s.Position())
	}
	if !s.RealizedPnL().IsZero() {
		t.Errorf("Opening fills must not realize P&L, got %s", s.RealizedPnL())
	}
}

func TestApplyFill_RealizesOnlyTheReducingPortion(t *testing.T) {
	s := newBareStrategy(t, testConfig())
	mustFill(t, s, core.SideBuy, 10.00, 500)

	// Sell 800 against a long 500: closes 500 at +1 each, opens a short 300
	// with a fresh basis at the fill price.
	rec := mustFill(t, s, core.SideSell, 11.00, 800)

	if !rec.RealizedPnLDelta.Equal(decimal.NewFromInt(500)) {
		t.Errorf("RealizedPnLDelta = %s, want 500 (closing portion only)", rec.RealizedPnLDelta)
	}
	if rec.PositionAfter != -300 || s.Position() != -300 {
		t.Errorf("Position = %d, want -300", s.Position())
	}
	if !s.EntryPrice().Equal(decimal.NewFromInt(11)) {
		t.Errorf("Entry after flip = %s, want the flip price 11", s.EntryPrice())
	}

	// Covering the short realizes against the new basis.
	rec = mustFill(t, s, core.SideBuy, 10.50, 300)
	if !rec.RealizedPnLDelta.Equal(decimal.NewFromFloat(150)) {
		t.Errorf("Short-cover delta = %s, want 150", rec.RealizedPnLDelta)
	}
	if s.Position() != 0 {
		t.Errorf("Position = %d, want 0", s.Position())
	}
	if !s.EntryPrice().IsZero() {
		t.Errorf("Entry must reset to zero when flat, got %s", s.EntryPrice())
	}
	if !s.RealizedPnL().Equal(decimal.NewFromInt(650)) {
		t.Errorf("Cumulative realized = %s, want 650", s.RealizedPnL())
	}
	if !rec.CumulativeRealizedPnL.Equal(decimal.NewFromInt(650)) {
		t.Errorf("Record cumulative = %s, want 650", rec.CumulativeRealizedPnL)
	}
}

func TestApplyFill_ShortSideAccounting(t *testing.T) {
	s := newBareStrategy(t, testConfig())

	mustFill(t, s, core.SideSell, 10.00, 200)
	mustFill(t, s, core.SideSell, 9.00, 200)
	if !s.EntryPrice().Equal(decimal.NewFromFloat(9.5)) {
		t.Fatalf("Short entry = %s, want 9.5", s.EntryPrice())
	}
	if s.Position() != -400 {
		t.Fatalf("Position = %d, want -400", s.Position())
	}

	rec := mustFill(t, s, core.SideBuy, 9.25, 400)
	if !rec.RealizedPnLDelta.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Cover delta = %s, want (9.5-9.25)*400 = 100", rec.RealizedPnLDelta)
	}
	if s.Position() != 0 || !s.EntryPrice().IsZero() {
		t.Errorf("Flat state = position %d entry %s, want 0 and 0", s.Position(), s.EntryPrice())
	}
}

func TestApplyFill_PartialReduceKeepsBasis(t *testing.T) {
	s := newBareStrategy(t, testConfig())
	mustFill(t, s, core.SideBuy, 10.00, 500)

	rec := mustFill(t, s, core.SideSell, 10.40, 200)
	if !rec.RealizedPnLDelta.Equal(decimal.NewFromInt(80)) {
		t.Errorf("Partial-close delta = %s, want 80", rec.RealizedPnLDelta)
	}
	if s.Position() != 300 {
		t.Errorf("Position = %d, want 300", s.Position())
	}
	if !s.EntryPrice().Equal(decimal.NewFromInt(10)) {
		t.Errorf("Basis must survive a partial reduce, got %s", s.EntryPrice())
	}
}

func TestApplyFill_RecordCarriesRunContext(t *testing.T) {
	s := newBareStrategy(t, testConfig())
	ts := tsRegular(5, 30)
	rec, err := s.applyFill(ts, core.SideBuy, decimal.NewFromFloat(10.00), 100, core.ReasonStopLoss)
	if err != nil {
		t.Fatalf("applyFill: %v", err)
	}
	if rec.Security != "TEST" {
		t.Errorf("Security = %q, want TEST", rec.Security)
	}
	if !rec.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %s, want %s", rec.Timestamp, ts)
	}
	if rec.Reason != core.ReasonStopLoss {
		t.Errorf("Reason = %s, want %s", rec.Reason, core.ReasonStopLoss)
	}
}

func TestApplyFill_RejectsDegenerateFills(t *testing.T) {
	s := newBareStrategy(t, testConfig())

	if _, err := s.applyFill(tsRegular(0, 0), core.SideBuy, decimal.NewFromInt(10), 0, core.ReasonQuoteFill); !errors.Is(err, apperrors.ErrInvariantViolation) {
		t.Errorf("Zero quantity: err = %v, want an invariant violation", err)
	}
	if _, err := s.applyFill(tsRegular(0, 0), core.SideBuy, decimal.Zero, 100, core.ReasonQuoteFill); !errors.Is(err, apperrors.ErrInvariantViolation) {
		t.Errorf("Zero price: err = %v, want an invariant violation", err)
	}
	if s.Position() != 0 {
		t.Errorf("Rejected fills must not move the position, got %d", s.Position())
	}
}

func TestApplyFill_PositionBoundIsEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPosition = 100
	s := newBareStrategy(t, cfg)

	// Bypassing the quoting capacity cap must still be caught here.
	_, err := s.applyFill(tsRegular(0, 0), core.SideBuy, decimal.NewFromInt(10), 150, core.ReasonQuoteFill)
	if !errors.Is(err, apperrors.ErrInvariantViolation) {
		t.Fatalf("err = %v, want an invariant violation", err)
	}

	var iv *apperrors.InvariantViolation
	if !errors.As(err, &iv) {
		t.Fatalf("err = %T, want *InvariantViolation", err)
	}
	if iv.Security != "TEST" {
		t.Errorf("Violation security = %q, want TEST", iv.Security)
	}
}

func TestResolvePending_DetectsDivergedPosition(t *testing.T) {
	s := newBareStrategy(t, testConfig())
	mustFill(t, s, core.SideBuy, 10.00, 500)
	s.pending = &pendingFlatten{targetQty: 400, setAt: tsRegular(0, 0), reason: core.ReasonEODFlatten}

	_, err := s.resolvePending(tsRegular(0, 1), decimal.NewFromInt(10))
	if !errors.Is(err, apperrors.ErrInvariantViolation) {
		t.Fatalf("err = %v, want an invariant violation for a diverged pending target", err)
	}
}
