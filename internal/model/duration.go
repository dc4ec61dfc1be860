package model

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a signed nominal iCalendar duration. Days (weeks included)
// are calendar days; Clock is exact elapsed time.
type Duration struct {
	Negative bool
	Days     int
	Clock    time.Duration
}

// DurationOf builds a Duration from signed parts. Both parts should share
// a sign; the result is negative when either is negative.
func DurationOf(days int, clock time.Duration) Duration {
	if days < 0 || clock < 0 {
		if days < 0 {
			days = -days
		}
		if clock < 0 {
			clock = -clock
		}
		return Duration{Negative: true, Days: days, Clock: clock}
	}
	return Duration{Days: days, Clock: clock}
}

func (d Duration) IsZero() bool { return d.Days == 0 && d.Clock == 0 }

// Approx converts to a time.Duration counting every day as 24 hours.
func (d Duration) Approx() time.Duration {
	out := time.Duration(d.Days)*24*time.Hour + d.Clock
	if d.Negative {
		return -out
	}
	return out
}

// Neg flips the sign.
func (d Duration) Neg() Duration {
	if d.IsZero() {
		return d
	}
	d.Negative = !d.Negative
	return d
}

// String renders the RFC 5545 form, e.g. "-PT15M" or "P1DT2H".
func (d Duration) String() string {
	if d.IsZero() {
		return "PT0S"
	}
	var b strings.Builder
	if d.Negative {
		b.WriteByte('-')
	}
	b.WriteByte('P')
	if d.Days > 0 {
		if d.Days%7 == 0 && d.Clock == 0 {
			fmt.Fprintf(&b, "%dW", d.Days/7)
			return b.String()
		}
		fmt.Fprintf(&b, "%dD", d.Days)
	}
	if d.Clock > 0 {
		b.WriteByte('T')
		c := d.Clock.Round(time.Second)
		h := int(c / time.Hour)
		m := int(c % time.Hour / time.Minute)
		s := int(c % time.Minute / time.Second)
		if h > 0 {
			fmt.Fprintf(&b, "%dH", h)
		}
		if m > 0 {
			fmt.Fprintf(&b, "%dM", m)
		}
		if s > 0 || (h == 0 && m == 0) {
			fmt.Fprintf(&b, "%dS", s)
		}
	}
	return b.String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
