package interpret

import (
	"fmt"
	"time"
)

// TimeRange is a half-open [From, To) interval.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// WeekRangeAt returns Monday 00:00 of the week containing now and the
// following Monday.
func WeekRangeAt(now time.Time) (time.Time, time.Time) {
	weekday := now.Weekday()
	if weekday == time.Sunday {
		weekday = 7
	}
	daysFromMonday := int(weekday) - int(time.Monday)
	monday := time.Date(now.Year(), now.Month(), now.Day()-daysFromMonday, 0, 0, 0, 0, now.Location())
	return monday, monday.AddDate(0, 0, 7)
}

func quarterStart(t time.Time) time.Time {
	m := ((int(t.Month())-1)/3)*3 + 1
	return time.Date(t.Year(), time.Month(m), 1, 0, 0, 0, 0, t.Location())
}

// ResolvePeriod maps a relative period code to its range at now.
func ResolvePeriod(code string, now time.Time) (TimeRange, error) {
	today := dayStart(now)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	yearStart := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location())

	switch code {
	case "td":
		return TimeRange{today, today.AddDate(0, 0, 1)}, nil
	case "yd":
		return TimeRange{today.AddDate(0, 0, -1), today}, nil
	case "tw":
		from, to := WeekRangeAt(now)
		return TimeRange{from, to}, nil
	case "lw":
		from, to := WeekRangeAt(now)
		return TimeRange{from.AddDate(0, 0, -7), to.AddDate(0, 0, -7)}, nil
	case "cm":
		return TimeRange{monthStart, monthStart.AddDate(0, 1, 0)}, nil
	case "lm":
		return TimeRange{monthStart.AddDate(0, -1, 0), monthStart}, nil
	case "cq":
		qs := quarterStart(now)
		return TimeRange{qs, qs.AddDate(0, 3, 0)}, nil
	case "lq":
		qs := quarterStart(now)
		return TimeRange{qs.AddDate(0, -3, 0), qs}, nil
	case "cy":
		return TimeRange{yearStart, yearStart.AddDate(1, 0, 0)}, nil
	case "ly":
		return TimeRange{yearStart.AddDate(-1, 0, 0), yearStart}, nil
	case "ytd":
		return TimeRange{yearStart, today.AddDate(0, 0, 1)}, nil
	default:
		return TimeRange{}, fmt.Errorf("unknown period %q", code)
	}
}
