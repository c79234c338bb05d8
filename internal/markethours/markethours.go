// Package markethours provides the NSE trading calendar and the interval
// clock that gates every polling decision in a trading session.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Market hours in IST.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30

	// The live loop keeps running one minute past close so the final
	// 15:30 candle gets resampled and valued before shutdown.
	cutoffGraceMinutes = 1
)

// TodayOpen returns today's market open time (9:15 AM IST) for t's date.
func TodayOpen(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
}

// TodayClose returns today's market close time (3:30 PM IST) for t's date.
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// SessionCutoff returns the moment a live trading loop should exit:
// one minute past close.
func SessionCutoff(t time.Time) time.Time {
	return TodayClose(t).Add(cutoffGraceMinutes * time.Minute)
}

// IsMarketOpen returns true if t falls within NSE trading hours
// (9:15 AM – 3:30 PM IST, Mon–Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsWeekday returns true if t is Mon–Fri.
func IsWeekday(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	return IsWeekday(ist) && !IsHoliday(ist)
}

// NextBoundary computes the next aligned interval boundary after ref,
// anchored to market open on ref's date. If ref precedes the anchor, the
// anchor itself is the next boundary. Otherwise the boundary is
//
//	open + (floor(elapsed/interval)+1) * interval
//
// truncated to whole minutes. The original system carried two subtly
// different rounding rules for this; the floor-then-plus-one rule is
// applied uniformly here so a ref sitting exactly on a boundary always
// yields the boundary one full interval ahead.
func NextBoundary(intervalMinutes int, ref time.Time) time.Time {
	open := TodayOpen(ref)
	elapsed := ref.In(IST).Sub(open)
	if elapsed < 0 {
		return open
	}
	step := time.Duration(intervalMinutes) * time.Minute
	passed := elapsed / step
	return open.Add((passed + 1) * step).Truncate(time.Minute)
}

// TimeUntilOpen returns the duration until today's open; 0 if already past.
func TimeUntilOpen(t time.Time) time.Duration {
	d := TodayOpen(t).Sub(t.In(IST))
	if d < 0 {
		return 0
	}
	return d
}

// TimeUntilClose returns the duration until today's close; 0 if already past.
func TimeUntilClose(t time.Time) time.Duration {
	d := TodayClose(t).Sub(t.In(IST))
	if d < 0 {
		return 0
	}
	return d
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market Open — closes in %s", fmtDur(TimeUntilClose(t)))
	}
	return fmt.Sprintf("Market Closed — opens in %s", fmtDur(TimeUntilOpen(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
