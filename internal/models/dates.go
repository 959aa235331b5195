package models

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage format for calendar dates.
const DateLayout = "2006-01-02"

// DateRange is an inclusive range of calendar dates, both at UTC midnight.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func (r DateRange) Days() int {
	if r.Start.After(r.End) {
		return 0
	}
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

func (r DateRange) String() string {
	return FormatDate(r.Start) + ".." + FormatDate(r.End)
}

// ParseDate parses a YYYY-MM-DD string into UTC midnight.
func ParseDate(value string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", value)
	}
	return t, nil
}

func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Day drops the clock part of t, keeping its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func AddDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}

// DateSet is a set of calendar dates keyed by their YYYY-MM-DD form.
type DateSet map[string]struct{}

func (s DateSet) Add(t time.Time) {
	s[FormatDate(t)] = struct{}{}
}

func (s DateSet) Has(t time.Time) bool {
	_, ok := s[FormatDate(t)]
	return ok
}

// Covers reports whether every day in r is present in the set.
func (s DateSet) Covers(r DateRange) bool {
	if len(s) == 0 || r.Start.After(r.End) {
		return false
	}
	for d := r.Start; !d.After(r.End); d = AddDays(d, 1) {
		if !s.Has(d) {
			return false
		}
	}
	return true
}
