// Package datefilter turns the loosely-typed date parameters of a
// get_observations call into a canonical Filter.
//
// Resolution follows a strict priority order:
//  1. no date and no bounds        → Latest
//  2. "all"                        → All
//  3. "latest"                     → Latest
//  4. "range"                      → Range (at least one bound)
//  5. YYYY / YYYY-MM / YYYY-MM-DD  → Point
package datefilter

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the tag of a Filter.
type Kind string

const (
	KindAll    Kind = "all"
	KindLatest Kind = "latest"
	KindPoint  Kind = "point"
	KindRange  Kind = "range"
)

// Date selector keywords accepted in the "date" parameter.
const (
	KeywordAll    = "all"
	KeywordLatest = "latest"
	KeywordRange  = "range"
)

// Sentinel errors. Every error returned by Normalize matches one of them
// via errors.Is.
var (
	ErrInvalidDateFormat = errors.New("invalid date format")
	ErrInvalidDateSpec   = errors.New("invalid date specification")
)

// FormatError reports a literal date that is not YYYY, YYYY-MM or YYYY-MM-DD.
type FormatError struct {
	Field string
	Value string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s %q is not a valid date: expected YYYY, YYYY-MM or YYYY-MM-DD", e.Field, e.Value)
}

func (e *FormatError) Is(target error) bool { return target == ErrInvalidDateFormat }

// SpecError reports a combination of parameters that has no meaning.
type SpecError struct {
	Reason string
}

func (e *SpecError) Error() string { return e.Reason }

func (e *SpecError) Is(target error) bool { return target == ErrInvalidDateSpec }

// Filter is the normalized date filter. Only the fields relevant to Kind
// are set: Date for Point, Start/End (either may be empty) for Range.
type Filter struct {
	Kind  Kind   `json:"kind"`
	Date  string `json:"date,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// All returns the All filter.
func All() Filter { return Filter{Kind: KindAll} }

// Latest returns the Latest filter.
func Latest() Filter { return Filter{Kind: KindLatest} }

// Normalize resolves date, rangeStart and rangeEnd into a Filter.
// An empty string means the parameter was not supplied.
func Normalize(date, rangeStart, rangeEnd string) (Filter, error) {
	date = strings.TrimSpace(date)
	rangeStart = strings.TrimSpace(rangeStart)
	rangeEnd = strings.TrimSpace(rangeEnd)
	hasBounds := rangeStart != "" || rangeEnd != ""

	keyword := strings.ToLower(date)
	switch {
	case date == "" && !hasBounds:
		return Latest(), nil
	case date == "" || keyword == KeywordRange:
		return newRange(rangeStart, rangeEnd)
	case hasBounds:
		return Filter{}, &SpecError{Reason: fmt.Sprintf(
			"date_range_start/date_range_end require date=%q, got date=%q", KeywordRange, date)}
	case keyword == KeywordAll:
		return All(), nil
	case keyword == KeywordLatest:
		return Latest(), nil
	}

	if _, err := ParseInterval(date); err != nil {
		return Filter{}, &FormatError{Field: "date", Value: date}
	}
	return Filter{Kind: KindPoint, Date: date}, nil
}

func newRange(start, end string) (Filter, error) {
	if start == "" && end == "" {
		return Filter{}, &SpecError{Reason: fmt.Sprintf(
			"date=%q requires at least one of date_range_start or date_range_end", KeywordRange)}
	}

	var lo, hi Interval
	if start != "" {
		ivl, err := ParseInterval(start)
		if err != nil {
			return Filter{}, &FormatError{Field: "date_range_start", Value: start}
		}
		lo = ivl
	}
	if end != "" {
		ivl, err := ParseInterval(end)
		if err != nil {
			return Filter{}, &FormatError{Field: "date_range_end", Value: end}
		}
		hi = ivl
	}
	if start != "" && end != "" && lo.Start.After(hi.End) {
		return Filter{}, &SpecError{Reason: fmt.Sprintf(
			"date_range_start %q cannot be after date_range_end %q", start, end)}
	}
	return Filter{Kind: KindRange, Start: start, End: end}, nil
}

// IsBounded reports whether the filter limits the volume of returned
// observations (everything except All).
func (f Filter) IsBounded() bool { return f.Kind != KindAll }

// APIDate returns the upstream date selector for the filter. The upstream
// selector matches dates exactly, so points and ranges are fetched in full
// and narrowed locally with Includes.
func (f Filter) APIDate() string {
	if f.Kind == KindLatest {
		return "LATEST"
	}
	return ""
}

// Includes reports whether an observation dated obsDate passes the filter.
// Range bounds are inclusive; an observation passes only if its whole
// interval lies inside the range.
func (f Filter) Includes(obsDate string) bool {
	switch f.Kind {
	case KindAll, KindLatest:
		return true
	case KindPoint:
		ivl, err := ParseInterval(obsDate)
		if err != nil {
			return false
		}
		point, err := ParseInterval(f.Date)
		if err != nil {
			return false
		}
		return point.Contains(ivl)
	case KindRange:
		ivl, err := ParseInterval(obsDate)
		if err != nil {
			return false
		}
		r := f.rangeInterval()
		if !r.Start.IsZero() && ivl.Start.Before(r.Start) {
			return false
		}
		if !r.End.IsZero() && ivl.End.After(r.End) {
			return false
		}
		return true
	}
	return false
}

// rangeInterval spans from the first day of Start to the last day of End.
// A missing bound leaves the zero time (open on that side).
func (f Filter) rangeInterval() Interval {
	var r Interval
	if s, err := ParseInterval(f.Start); err == nil {
		r.Start = s.Start
	}
	if e, err := ParseInterval(f.End); err == nil {
		r.End = e.End
	}
	return r
}

// String renders the filter for logs.
func (f Filter) String() string {
	switch f.Kind {
	case KindPoint:
		return "point(" + f.Date + ")"
	case KindRange:
		return "range(" + f.Start + ".." + f.End + ")"
	}
	return string(f.Kind)
}
