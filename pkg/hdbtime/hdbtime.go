// Package hdbtime holds the time handling shared by the archive read path.
//
// HDB++ stores timestamps split into a whole-second column and a separate
// microsecond column, and partitions every data table by the calendar day
// ("period") the sample belongs to. This package composes the two columns
// into a single microsecond epoch and derives period keys from time ranges.
package hdbtime

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Day is the layout of a period partition key.
const Day = "2006-01-02"

// Micros is an instant expressed as microseconds since the unix epoch.
type Micros int64

// Compose combines a whole-second instant with its microsecond remainder.
func Compose(sec int64, us int32) Micros {
	return Micros(sec)*1_000_000 + Micros(us)
}

// FromTime converts a time.Time, truncating to microsecond resolution.
func FromTime(t time.Time) Micros {
	return Micros(t.UnixMicro())
}

// Sec returns the whole-second part of the instant.
func (m Micros) Sec() int64 {
	return int64(m) / 1_000_000
}

// Us returns the microsecond remainder in [0, 1e6).
func (m Micros) Us() int32 {
	return int32(int64(m) % 1_000_000)
}

// Time converts back to a time.Time in UTC.
func (m Micros) Time() time.Time {
	return time.Unix(m.Sec(), int64(m.Us())*1000).UTC()
}

// Millis renders the instant as float milliseconds, the unit used by the
// Grafana wire format.
func (m Micros) Millis() float64 {
	return float64(m) / 1000.0
}

// SplitAttr splits a fully qualified attribute name into the control system
// prefix and the domain/family/member/name part. The control system itself
// may contain slashes (e.g. a host:port pair plus a path), so the split is
// on the last four separators.
func SplitAttr(full string) (cs string, attr string, err error) {
	parts := strings.Split(full, "/")
	if len(parts) < 5 {
		return "", "", errors.Errorf("attribute name %q is not of the form cs/domain/family/member/attr", full)
	}
	cs = strings.Join(parts[:len(parts)-4], "/")
	attr = strings.Join(parts[len(parts)-4:], "/")
	return cs, attr, nil
}

// Days enumerates the period keys, in calendar order, of every day in zone
// touched by the range [t0, t1].
func Days(t0, t1 time.Time, zone *time.Location) []string {
	l0 := t0.In(zone)
	l1 := t1.In(zone)
	first := time.Date(l0.Year(), l0.Month(), l0.Day(), 0, 0, 0, 0, zone)
	last := time.Date(l1.Year(), l1.Month(), l1.Day(), 0, 0, 0, 0, zone)

	var periods []string
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		periods = append(periods, d.Format(Day))
	}
	return periods
}

// Today returns the period key currently receiving writes, as decided by
// the given instant and zone.
func Today(now time.Time, zone *time.Location) string {
	return now.In(zone).Format(Day)
}

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses a client supplied timestamp. Timestamps carrying a zone
// are honored; naive timestamps are assumed to be UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range parseLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("unparseable timestamp %q", s)
}
