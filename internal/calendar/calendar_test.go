package calendar

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestIsTradingDay(t *testing.T) {
	c := NYSE(2025, 2025)

	cases := []struct {
		day  time.Time
		want bool
	}{
		{date(2025, time.January, 6), true},    // Monday
		{date(2025, time.January, 4), false},   // Saturday
		{date(2025, time.January, 5), false},   // Sunday
		{date(2025, time.January, 1), false},   // New Year's Day
		{date(2025, time.January, 20), false},  // MLK Day
		{date(2025, time.April, 18), false},    // Good Friday
		{date(2025, time.May, 26), false},      // Memorial Day
		{date(2025, time.July, 4), false},      // Independence Day
		{date(2025, time.November, 27), false}, // Thanksgiving
		{date(2025, time.December, 25), false}, // Christmas
		{date(2025, time.December, 24), true},  // Christmas Eve is a session
	}

	for _, tc := range cases {
		if got := c.IsTradingDay(tc.day); got != tc.want {
			t.Errorf("IsTradingDay(%s) = %v, want %v", tc.day.Format("2006-01-02"), got, tc.want)
		}
	}
}

func TestLatestOnOrBefore(t *testing.T) {
	c := NYSE(2025, 2025)

	// Saturday Jan 4 → Friday Jan 3.
	got := c.LatestOnOrBefore(date(2025, time.January, 4))
	if want := date(2025, time.January, 3); !got.Equal(want) {
		t.Errorf("LatestOnOrBefore(Sat) = %s, want %s", got, want)
	}

	// New Year's Day (Wednesday) → Tuesday Dec 31 2024... holidays outside
	// the loaded year fall back to weekday logic, so build a two-year calendar.
	c2 := NYSE(2024, 2025)
	got = c2.LatestOnOrBefore(date(2025, time.January, 1))
	if want := date(2024, time.December, 31); !got.Equal(want) {
		t.Errorf("LatestOnOrBefore(New Year) = %s, want %s", got, want)
	}

	// A trading day maps to itself.
	got = c.LatestOnOrBefore(date(2025, time.March, 12))
	if want := date(2025, time.March, 12); !got.Equal(want) {
		t.Errorf("LatestOnOrBefore(trading day) = %s, want %s", got, want)
	}
}

func TestNextAfterSkipsWeekendAndHoliday(t *testing.T) {
	c := NYSE(2025, 2025)

	// Friday Apr 17 → Good Friday Apr 18 and the weekend are skipped.
	got := c.NextAfter(date(2025, time.April, 17))
	if want := date(2025, time.April, 21); !got.Equal(want) {
		t.Errorf("NextAfter = %s, want %s", got, want)
	}
}

func TestRange(t *testing.T) {
	c := NYSE(2025, 2025)

	// Mon Jan 13 .. Fri Jan 24 spans MLK Day (Jan 20): 9 sessions.
	days := c.Range(date(2025, time.January, 13), date(2025, time.January, 24))
	if len(days) != 9 {
		t.Fatalf("Range returned %d days, want 9: %v", len(days), days)
	}
	for i := 1; i < len(days); i++ {
		if !days[i].After(days[i-1]) {
			t.Errorf("Range not ascending at %d: %s then %s", i, days[i-1], days[i])
		}
	}

	// Empty when start > end.
	if days := c.Range(date(2025, time.Month(2), 10), date(2025, time.Month(2), 7)); days != nil {
		t.Errorf("inverted range should be nil, got %v", days)
	}

	// Single-day range on a trading day.
	days = c.Range(date(2025, time.March, 12), date(2025, time.March, 12))
	if len(days) != 1 {
		t.Errorf("single-day range returned %d days, want 1", len(days))
	}
}
