package delivery

import "time"

// NextOccurrence computes the fire time that follows last for the given
// cadence. It returns false for terminal cadences (once) and unknown values.
//
// The next slot is always derived from last, never from wall-clock now, so a
// timer that fires late does not accumulate drift: given the same (recurrence,
// last) the result is deterministic.
//
// original is the admission anchor; it is accepted for symmetry with the
// stored row but does not participate in the arithmetic.
func NextOccurrence(original time.Time, rec Recurrence, last time.Time) (time.Time, bool) {
	_ = original
	switch rec {
	case Daily:
		return last.Add(24 * time.Hour), true
	case Weekly:
		return last.Add(7 * 24 * time.Hour), true
	case Monthly:
		return addCalendarMonth(last), true
	default:
		// once, or anything unrecognized: terminal
		return time.Time{}, false
	}
}

// addCalendarMonth advances t by one calendar month, clamping the day to the
// target month's last valid day (31 Jan -> 28/29 Feb). Plain AddDate would
// overflow into the month after.
func addCalendarMonth(t time.Time) time.Time {
	y, m, d := t.Date()
	y2, m2 := y, m+1
	if m2 > time.December {
		y2, m2 = y+1, time.January
	}
	if last := daysIn(y2, m2); d > last {
		d = last
	}
	h, min, sec := t.Clock()
	return time.Date(y2, m2, d, h, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month) int {
	// day 0 of the next month normalizes to the last day of m.
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
