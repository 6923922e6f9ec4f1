package schedule

import (
	"time"

	"github.com/gorhill/cronexpr"
)

// NextRun returns the first instant strictly after from at which rule fires,
// computed in from's location. It reports false when the rule is invalid or
// never fires again.
func NextRun(rule Rule, from time.Time) (time.Time, bool) {
	if rule == nil || rule.Validate() != nil {
		return time.Time{}, false
	}
	switch r := rule.(type) {
	case Daily:
		next := at(from, 0, r.Hour, r.Minute)
		if !next.After(from) {
			next = at(from, 1, r.Hour, r.Minute)
		}
		return next, true

	case Weekly:
		offset := (r.Weekday - isoWeekday(from) + 7) % 7
		next := at(from, offset, r.Hour, r.Minute)
		if !next.After(from) {
			next = at(from, offset+7, r.Hour, r.Minute)
		}
		return next, true

	case Monthly:
		year, month, _ := from.Date()
		next := monthDay(year, month, r, from.Location())
		if !next.After(from) {
			next = monthDay(year, month+1, r, from.Location())
		}
		return next, true

	case Custom:
		expr, err := cronexpr.Parse(r.Expression)
		if err != nil {
			return time.Time{}, false
		}
		next := expr.Next(from)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	}
	return time.Time{}, false
}

// at returns hour:minute on the day days after from's date.
func at(from time.Time, days, hour, minute int) time.Time {
	y, m, d := from.Date()
	return time.Date(y, m, d+days, hour, minute, 0, 0, from.Location())
}

// isoWeekday numbers Monday 1 through Sunday 7.
func isoWeekday(t time.Time) int {
	if wd := t.Weekday(); wd != time.Sunday {
		return int(wd)
	}
	return 7
}

// monthDay places r in the given month, clamping the day to the month's
// length. month may be 13, which normalizes to January of the next year.
func monthDay(year int, month time.Month, r Monthly, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1).Day()
	day := min(r.Day, last)
	return time.Date(first.Year(), first.Month(), day, r.Hour, r.Minute, 0, 0, loc)
}
