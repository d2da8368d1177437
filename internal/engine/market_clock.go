package engine

import (
	"time"
)

// newYork is the exchange-local zone for equity trade gates.
var newYork *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Zone database missing from the host; fall back to a fixed
		// offset rather than refusing to start. EDT is the worse of the
		// two errors only half the year.
		loc = time.FixedZone("EST", -5*3600)
	}
	newYork = loc
}

// MarketClock answers the session questions the engine asks. It is a
// value type so tests can pin nowUTC.
type MarketClock struct{}

// regular US equity session bounds, exchange-local.
const (
	sessionOpenHour   = 9
	sessionOpenMinute = 30
	sessionCloseHour  = 16
)

// IsRegularSession reports whether now falls inside the regular US equity
// session (09:30-16:00 New York, weekdays).
func (MarketClock) IsRegularSession(now time.Time) bool {
	ny := now.In(newYork)
	if ny.Weekday() == time.Saturday || ny.Weekday() == time.Sunday {
		return false
	}

	minutes := ny.Hour()*60 + ny.Minute()
	open := sessionOpenHour*60 + sessionOpenMinute
	close := sessionCloseHour * 60
	return minutes >= open && minutes < close
}

// IsEntryWindow reports whether new positions may still be opened: the
// regular session minus the final 15 minutes, when admission stands down
// and the time-exit rules take over.
func (c MarketClock) IsEntryWindow(now time.Time) bool {
	return c.IsRegularSession(now) && !c.IsPreCloseWindow(now, 15)
}

// IsPreCloseWindow reports whether now is within the last `minutes`
// minutes before the regular close.
func (MarketClock) IsPreCloseWindow(now time.Time, minutes int) bool {
	ny := now.In(newYork)
	if ny.Weekday() == time.Saturday || ny.Weekday() == time.Sunday {
		return false
	}

	nowMin := ny.Hour()*60 + ny.Minute()
	close := sessionCloseHour * 60
	return nowMin >= close-minutes && nowMin < close
}

// IsPastEODFlatten reports whether now (UTC) has reached the configured
// flatten time for intraday strategies.
func (MarketClock) IsPastEODFlatten(now time.Time, hourUTC, minuteUTC int) bool {
	utc := now.UTC()
	nowMin := utc.Hour()*60 + utc.Minute()
	return nowMin >= hourUTC*60+minuteUTC
}
