package timeutils

import "time"

// FloorHour returns the given `t` rounded down to the nearest hour boundary.
// Hours are physical hours aligned to UTC, matching how time series stores
// window hourly aggregates.
func FloorHour(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

// FloorDay returns the given `t` rounded down to midnight on the same day, in t's location.
func FloorDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// FloorWeek returns the given `t` rounded down to midnight on the Monday of the same week, in t's location.
func FloorWeek(t time.Time) time.Time {
	day := FloorDay(t)
	// time.Weekday numbers Sunday as zero, but weeks here start on Monday
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// FloorMonth returns the given `t` rounded down to midnight on the first day of the same month, in t's location.
func FloorMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// NextHour returns the start of the hour bucket following the given bucket start.
func NextHour(t time.Time) time.Time {
	return t.Add(time.Hour)
}

// NextDay returns the start of the day bucket following the given bucket start.
// Daylight saving transitions are handled by the calendar arithmetic, so a
// "day" can be 23 or 25 physical hours long.
func NextDay(t time.Time) time.Time {
	return t.AddDate(0, 0, 1)
}

// NextWeek returns the start of the week bucket following the given bucket start.
func NextWeek(t time.Time) time.Time {
	return t.AddDate(0, 0, 7)
}

// NextMonth returns the start of the month bucket following the given bucket start.
// The given `t` must already be floored to a month boundary, otherwise the
// day-of-month can overflow into the month after next.
func NextMonth(t time.Time) time.Time {
	return t.AddDate(0, 1, 0)
}
