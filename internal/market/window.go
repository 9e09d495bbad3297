package market

import "time"

// Window classifies a moment of the trading day.
type Window uint8

const (
	// WindowOpeningAuction covers everything before the silent period,
	// including pre-market rows that occasionally appear in raw exports.
	WindowOpeningAuction Window = iota
	// WindowSilent is the no-action gap between the opening auction match
	// and continuous trading.
	WindowSilent
	// WindowRegular is continuous trading: the only window in which quotes
	// are posted and ordinary fills occur.
	WindowRegular
	// WindowClosingAuction suppresses all strategy action.
	WindowClosingAuction
	// WindowEODFlatten is the close-out period: any open position is
	// liquidated at the first usable trade price.
	WindowEODFlatten
)

// String returns the string representation of a window
func (w Window) String() string {
	switch w {
	case WindowOpeningAuction:
		return "opening_auction"
	case WindowSilent:
		return "silent"
	case WindowRegular:
		return "regular"
	case WindowClosingAuction:
		return "closing_auction"
	case WindowEODFlatten:
		return "eod_flatten"
	default:
		return "unknown"
	}
}

// Session boundaries in minutes since midnight, exchange local time.
const (
	silentStartMin     = 600 // 10:00
	regularStartMin    = 605 // 10:05
	closingAuctionMin  = 885 // 14:45
	eodFlattenStartMin = 895 // 14:55
)

// Classify maps a timestamp to its trading window. Pure function of the
// wall-clock time of day; the date part is ignored.
func Classify(ts time.Time) Window {
	m := ts.Hour()*60 + ts.Minute()
	switch {
	case m < silentStartMin:
		return WindowOpeningAuction
	case m < regularStartMin:
		return WindowSilent
	case m < closingAuctionMin:
		return WindowRegular
	case m < eodFlattenStartMin:
		return WindowClosingAuction
	default:
		return WindowEODFlatten
	}
}

// SameTradingDay reports whether two timestamps fall on the same calendar
// day. Used by the driver to detect day rollovers.
func SameTradingDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
