// Package calendar provides trading-day arithmetic for US equity markets.
// All date-range planning in the engine goes through this package so that
// weekends and exchange holidays never appear in a planned range.
package calendar

import "time"

// Calendar answers trading-day questions for a set of market holidays.
// The zero value treats every weekday as a trading day.
type Calendar struct {
	holidays map[string]bool // "2006-01-02" keys
}

// New creates a Calendar with an explicit holiday list. Used by tests and by
// callers that load holidays from an external source.
func New(holidays []time.Time) *Calendar {
	c := &Calendar{holidays: make(map[string]bool, len(holidays))}
	for _, h := range holidays {
		c.holidays[h.Format("2006-01-02")] = true
	}
	return c
}

// NYSE returns a Calendar with rule-derived NYSE holidays for the years
// covering [from, to].
func NYSE(from, to int) *Calendar {
	var holidays []time.Time
	for y := from; y <= to; y++ {
		holidays = append(holidays, nyseHolidays(y)...)
	}
	return New(holidays)
}

// IsTradingDay reports whether d is a weekday that is not a market holiday.
func (c *Calendar) IsTradingDay(d time.Time) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if c.holidays == nil {
		return true
	}
	return !c.holidays[d.Format("2006-01-02")]
}

// LatestOnOrBefore returns the most recent trading day on or before d.
func (c *Calendar) LatestOnOrBefore(d time.Time) time.Time {
	d = midnight(d)
	for !c.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// NextAfter returns the first trading day strictly after d.
func (c *Calendar) NextAfter(d time.Time) time.Time {
	d = midnight(d).AddDate(0, 0, 1)
	for !c.IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// Range returns all trading days in [start, end] in ascending order.
// Returns nil when start is after end.
func (c *Calendar) Range(start, end time.Time) []time.Time {
	start, end = midnight(start), midnight(end)
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if c.IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// NYSE holiday rules
// ---------------------------------------------------------------------------

// nyseHolidays computes the observed NYSE holidays for one year: New Year's
// Day, MLK Day, Washington's Birthday, Good Friday, Memorial Day, Juneteenth,
// Independence Day, Labor Day, Thanksgiving, and Christmas. Saturday
// holidays are observed the preceding Friday, Sunday holidays the following
// Monday.
func nyseHolidays(year int) []time.Time {
	fixed := []time.Time{
		observed(time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)),
		observed(time.Date(year, time.June, 19, 0, 0, 0, 0, time.UTC)),
		observed(time.Date(year, time.July, 4, 0, 0, 0, 0, time.UTC)),
		observed(time.Date(year, time.December, 25, 0, 0, 0, 0, time.UTC)),
	}
	return append(fixed,
		nthWeekday(year, time.January, time.Monday, 3),  // MLK Day
		nthWeekday(year, time.February, time.Monday, 3), // Washington's Birthday
		easter(year).AddDate(0, 0, -2),                  // Good Friday
		lastWeekday(year, time.May, time.Monday),        // Memorial Day
		nthWeekday(year, time.September, time.Monday, 1),
		nthWeekday(year, time.November, time.Thursday, 4),
	)
}

func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

func nthWeekday(year int, month time.Month, wd time.Weekday, n int) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, 7*(n-1))
}

func lastWeekday(year int, month time.Month, wd time.Weekday) time.Time {
	d := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// easter returns Easter Sunday for the given year (Anonymous Gregorian
// algorithm).
func easter(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
