package datefilter

import (
	"fmt"
	"regexp"
	"time"
)

var literalDate = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)

// Interval is the closed span of days a date literal covers.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether other lies entirely within i.
func (i Interval) Contains(other Interval) bool {
	return !other.Start.Before(i.Start) && !other.End.After(i.End)
}

// ParseInterval expands a date literal into the days it covers:
// "2023" → 2023-01-01..2023-12-31, "2024-02" → 2024-02-01..2024-02-29,
// "2023-07-15" → that single day. Calendar-invalid values are rejected.
func ParseInterval(s string) (Interval, error) {
	if !literalDate.MatchString(s) {
		return Interval{}, fmt.Errorf("date %q: %w", s, ErrInvalidDateFormat)
	}

	switch len(s) {
	case 4:
		t, err := time.Parse("2006", s)
		if err != nil {
			return Interval{}, fmt.Errorf("date %q: %w", s, ErrInvalidDateFormat)
		}
		return Interval{Start: t, End: t.AddDate(1, 0, -1)}, nil
	case 7:
		t, err := time.Parse("2006-01", s)
		if err != nil {
			return Interval{}, fmt.Errorf("date %q: %w", s, ErrInvalidDateFormat)
		}
		return Interval{Start: t, End: t.AddDate(0, 1, -1)}, nil
	default:
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return Interval{}, fmt.Errorf("date %q: %w", s, ErrInvalidDateFormat)
		}
		return Interval{Start: t, End: t}, nil
	}
}

// Earliest returns the earliest interval start among dates, skipping
// unparseable values. ok is false when nothing parsed.
func Earliest(dates []string) (string, bool) {
	var best time.Time
	found := false
	for _, d := range dates {
		ivl, err := ParseInterval(d)
		if err != nil {
			continue
		}
		if !found || ivl.Start.Before(best) {
			best, found = ivl.Start, true
		}
	}
	if !found {
		return "", false
	}
	return best.Format("2006-01-02"), true
}

// LatestEnd returns the latest interval end among dates.
func LatestEnd(dates []string) (string, bool) {
	var best time.Time
	found := false
	for _, d := range dates {
		ivl, err := ParseInterval(d)
		if err != nil {
			continue
		}
		if !found || ivl.End.After(best) {
			best, found = ivl.End, true
		}
	}
	if !found {
		return "", false
	}
	return best.Format("2006-01-02"), true
}

// Less orders two observation dates chronologically by interval start,
// then by interval end, then lexically. Unparseable dates sort last.
func Less(a, b string) bool {
	ia, errA := ParseInterval(a)
	ib, errB := ParseInterval(b)
	switch {
	case errA != nil && errB != nil:
		return a < b
	case errA != nil:
		return false
	case errB != nil:
		return true
	}
	if !ia.Start.Equal(ib.Start) {
		return ia.Start.Before(ib.Start)
	}
	if !ia.End.Equal(ib.End) {
		return ia.End.Before(ib.End)
	}
	return a < b
}
