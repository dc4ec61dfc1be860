package model

import (
	"encoding/json"
	"time"
)

// Kind tells which of the three iCalendar time shapes a DateTime holds.
type Kind uint8

const (
	// KindNone marks an absent value (the zero DateTime).
	KindNone Kind = iota
	// KindDate is a calendar date without time of day (VALUE=DATE).
	KindDate
	// KindFloating is a wall-clock date-time without any zone.
	KindFloating
	// KindZoned is an absolute instant bound to a named location.
	KindZoned
)

func (k Kind) String() string {
	switch k {
	case KindDate:
		return "date"
	case KindFloating:
		return "floating"
	case KindZoned:
		return "zoned"
	default:
		return "none"
	}
}

const (
	dateLayout     = "2006-01-02"
	floatingLayout = "2006-01-02T15:04:05"
)

// DateTime is a tagged union over CalendarDate, FloatingInstant and
// ZonedInstant. Dates and floating values keep their wall-clock fields in a
// UTC time.Time; zoned values carry their own location.
type DateTime struct {
	kind Kind
	t    time.Time
}

// NewDate returns a calendar date.
func NewDate(year int, month time.Month, day int) DateTime {
	return DateTime{kind: KindDate, t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar date of t as seen in t's own location.
func DateOf(t time.Time) DateTime {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// NewFloating keeps the wall clock of t and drops its zone.
func NewFloating(t time.Time) DateTime {
	return DateTime{kind: KindFloating, t: wallUTC(t)}
}

// NewZoned wraps an absolute instant in its own location.
func NewZoned(t time.Time) DateTime {
	return DateTime{kind: KindZoned, t: t}
}

func wallUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func (d DateTime) Kind() Kind { return d.kind }

// IsZero reports whether the value is absent.
func (d DateTime) IsZero() bool { return d.kind == KindNone }

// IsInstant reports whether the value has a time of day (floating or zoned).
func (d DateTime) IsInstant() bool { return d.kind == KindFloating || d.kind == KindZoned }

// Time returns the underlying time. Dates come back as midnight UTC and
// floating values as their wall clock in UTC.
func (d DateTime) Time() time.Time { return d.t }

// Location returns the zone of a zoned value, nil otherwise.
func (d DateTime) Location() *time.Location {
	if d.kind != KindZoned {
		return nil
	}
	return d.t.Location()
}

// Date returns the calendar date in the value's own representation.
func (d DateTime) Date() (int, time.Month, int) {
	return d.t.Date()
}

// DateKey formats the calendar date as YYYYMMDD.
func (d DateTime) DateKey() string {
	return d.t.Format("20060102")
}

// Clock returns the wall-clock time of day.
func (d DateTime) Clock() (hour, min, sec int) {
	return d.t.Clock()
}

// In reprojects a zoned value into loc. Other kinds are returned unchanged.
func (d DateTime) In(loc *time.Location) DateTime {
	if d.kind != KindZoned || loc == nil {
		return d
	}
	return DateTime{kind: KindZoned, t: d.t.In(loc)}
}

// Assign turns any value into a zoned one in loc: dates become local
// midnight, floating values keep their wall clock, zoned values are
// reprojected.
func (d DateTime) Assign(loc *time.Location) DateTime {
	if loc == nil {
		loc = time.UTC
	}
	switch d.kind {
	case KindDate:
		y, m, day := d.t.Date()
		return DateTime{kind: KindZoned, t: time.Date(y, m, day, 0, 0, 0, 0, loc)}
	case KindFloating:
		return DateTime{kind: KindZoned, t: time.Date(d.t.Year(), d.t.Month(), d.t.Day(),
			d.t.Hour(), d.t.Minute(), d.t.Second(), d.t.Nanosecond(), loc)}
	case KindZoned:
		return DateTime{kind: KindZoned, t: d.t.In(loc)}
	}
	return d
}

// Floor drops the time of day, keeping the calendar date.
func (d DateTime) Floor() DateTime {
	if d.kind == KindNone {
		return d
	}
	return DateOf(d.t)
}

// AddDuration applies a nominal duration. Day parts move the wall-clock date, so a
// zoned value keeps its local time across DST changes; the clock part is
// exact. Dates only move by whole days.
func (d DateTime) AddDuration(dur Duration) DateTime {
	days, clock := dur.Days, dur.Clock
	if dur.Negative {
		days, clock = -days, -clock
	}
	switch d.kind {
	case KindDate:
		days += int(clock / (24 * time.Hour))
		return DateTime{kind: KindDate, t: d.t.AddDate(0, 0, days)}
	case KindFloating, KindZoned:
		return DateTime{kind: d.kind, t: d.t.AddDate(0, 0, days).Add(clock)}
	}
	return d
}

// Between returns the nominal duration from start to end, such that
// start.AddDuration(Between(start, end)) == end.
func Between(start, end DateTime) Duration {
	switch {
	case start.kind == KindDate && end.kind == KindDate:
		days := int(end.t.Sub(start.t).Hours() / 24)
		return DurationOf(days, 0)
	case start.kind == KindZoned && end.kind == KindZoned:
		e := end.t.In(start.t.Location())
		days := int(wallUTC(e).Sub(wallUTC(start.t)).Hours() / 24)
		clock := e.Sub(start.t.AddDate(0, 0, days))
		return DurationOf(days, clock)
	case start.kind == KindFloating && end.kind == KindFloating:
		return DurationOf(0, end.t.Sub(start.t))
	case start.IsZero() || end.IsZero():
		return Duration{}
	}
	// mixed kinds: floating and dates read as UTC
	return DurationOf(0, end.t.Sub(start.t))
}

// Equal compares two values of the same kind. Values of different kinds are
// never equal.
func (d DateTime) Equal(o DateTime) bool {
	if d.kind != o.kind {
		return false
	}
	switch d.kind {
	case KindNone:
		return true
	case KindDate:
		return d.DateKey() == o.DateKey()
	default:
		return d.t.Equal(o.t)
	}
}

// Compare orders two present values: dates by calendar order, instants by
// absolute instant (floating read as UTC), and a date against an instant by
// the instant's calendar date.
func Compare(a, b DateTime) int {
	switch {
	case a.kind == KindDate && b.kind == KindDate:
		return a.t.Compare(b.t)
	case a.IsInstant() && b.IsInstant():
		return a.t.UTC().Compare(b.t.UTC())
	case a.kind == KindDate && b.IsInstant():
		return a.t.Compare(DateOf(b.t).t)
	case a.IsInstant() && b.kind == KindDate:
		return DateOf(a.t).t.Compare(b.t)
	}
	return 0
}

func (d DateTime) String() string {
	switch d.kind {
	case KindDate:
		return d.t.Format(dateLayout)
	case KindFloating:
		return d.t.Format(floatingLayout)
	case KindZoned:
		return d.t.Format(time.RFC3339) + " " + d.t.Location().String()
	}
	return ""
}

func (d DateTime) MarshalJSON() ([]byte, error) {
	switch d.kind {
	case KindDate:
		return json.Marshal(d.t.Format(dateLayout))
	case KindFloating:
		return json.Marshal(d.t.Format(floatingLayout))
	case KindZoned:
		return json.Marshal(d.t.Format(time.RFC3339Nano))
	}
	return []byte("null"), nil
}
