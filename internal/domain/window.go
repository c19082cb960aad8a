package domain

import "time"

// TradingWindow gates when trades may be opened and settled. The platform
// trades Monday to Friday between OpenHour and CloseHour unless weekend
// trading has been switched on.
type TradingWindow struct {
	OpenHour       int
	CloseHour      int
	WeekendEnabled bool
}

func DefaultTradingWindow() TradingWindow {
	return TradingWindow{OpenHour: 8, CloseHour: 18}
}

func (w TradingWindow) isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// TradingDay reports whether settlement may run on t's date. Hours do not
// matter here: completed trades are settled around the clock on trading days.
func (w TradingWindow) TradingDay(t time.Time) bool {
	return w.WeekendEnabled || !w.isWeekend(t)
}

// Allows reports whether a new trade may be opened at t.
func (w TradingWindow) Allows(t time.Time) bool {
	if !w.TradingDay(t) {
		return false
	}
	h := t.Hour()
	return h >= w.OpenHour && h < w.CloseHour
}
