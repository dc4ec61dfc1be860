package ical

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goical "github.com/arran4/golang-ical"
	"github.com/rickb777/date/period"

	"calmat/internal/model"
)

// Zones resolves a TZID parameter to a location. Implementations return nil
// for unknown names.
type Zones interface {
	Lookup(name string) *time.Location
}

var (
	ErrBadDateTime = errors.New("malformed date-time value")
	ErrBadDuration = errors.New("malformed duration value")
	ErrBadOffset   = errors.New("malformed utc-offset value")
)

const (
	dateForm     = "20060102"
	dateTimeForm = "20060102T150405"
)

// IsDate reports whether the property carries a DATE value, either through
// VALUE=DATE or by the shape of the value itself.
func (p *Property) IsDate() bool {
	if p == nil {
		return false
	}
	if strings.EqualFold(p.Param("VALUE"), "DATE") {
		return true
	}
	v := strings.TrimSpace(p.Value)
	return len(v) == len(dateForm) && !strings.ContainsRune(v, 'T')
}

// DateTime decodes a DATE or DATE-TIME value. A UTC suffix yields a zoned
// UTC value; a TZID yields a value zoned in the resolved location (UTC
// when the name is unknown); otherwise the value is floating. List values
// decode their first element.
func (p *Property) DateTime(zones Zones) (model.DateTime, error) {
	if p == nil {
		return model.DateTime{}, nil
	}
	v, _, _ := strings.Cut(p.Value, ",")
	return ParseDateTime(v, p.Param("TZID"), zones)
}

// DateTimes decodes a comma-separated list of DATE or DATE-TIME values.
// PERIOD values contribute their start.
func (p *Property) DateTimes(zones Zones) ([]model.DateTime, error) {
	if p == nil {
		return nil, nil
	}
	tzid := p.Param("TZID")
	var out []model.DateTime
	var errs []error
	for _, v := range strings.Split(p.Value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		v, _, _ = strings.Cut(v, "/")
		dt, err := ParseDateTime(v, tzid, zones)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, dt)
	}
	return out, errors.Join(errs...)
}

// ParseDateTime decodes one DATE or DATE-TIME string.
func ParseDateTime(v, tzid string, zones Zones) (model.DateTime, error) {
	v = strings.TrimSpace(v)
	switch {
	case len(v) == len(dateForm):
		t, err := time.Parse(dateForm, v)
		if err != nil {
			return model.DateTime{}, fmt.Errorf("%w: %q", ErrBadDateTime, v)
		}
		return model.DateOf(t), nil
	case len(v) == len(dateTimeForm)+1 && (v[len(v)-1] == 'Z' || v[len(v)-1] == 'z'):
		t, err := time.ParseInLocation(dateTimeForm, v[:len(v)-1], time.UTC)
		if err != nil {
			return model.DateTime{}, fmt.Errorf("%w: %q", ErrBadDateTime, v)
		}
		return model.NewZoned(t), nil
	case len(v) == len(dateTimeForm):
		t, err := time.ParseInLocation(dateTimeForm, v, time.UTC)
		if err != nil {
			return model.DateTime{}, fmt.Errorf("%w: %q", ErrBadDateTime, v)
		}
		if tzid == "" {
			return model.NewFloating(t), nil
		}
		var loc *time.Location
		if zones != nil {
			loc = zones.Lookup(tzid)
		}
		return model.NewFloating(t).Assign(loc), nil
	}
	return model.DateTime{}, fmt.Errorf("%w: %q", ErrBadDateTime, v)
}

// Duration decodes an RFC 5545 DURATION value such as "-PT15M" or "P1W".
func (p *Property) Duration() (model.Duration, error) {
	if p == nil {
		return model.Duration{}, nil
	}
	return ParseDuration(p.Value)
}

// ParseDuration decodes an RFC 5545 duration. Year and month designators
// are rejected since they have no fixed length.
func ParseDuration(v string) (model.Duration, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	v = strings.TrimPrefix(v, "+")
	if v == "" {
		return model.Duration{}, fmt.Errorf("%w: empty", ErrBadDuration)
	}
	per, err := period.Parse(v, false)
	if err != nil {
		return model.Duration{}, fmt.Errorf("%w: %q: %v", ErrBadDuration, v, err)
	}
	neg := per.IsNegative()
	if neg {
		per = per.Negate()
	}
	if per.Years() != 0 || per.Months() != 0 {
		return model.Duration{}, fmt.Errorf("%w: %q has years or months", ErrBadDuration, v)
	}
	clock := time.Duration(per.Hours())*time.Hour +
		time.Duration(per.Minutes())*time.Minute +
		time.Duration(per.Seconds())*time.Second
	d := model.Duration{Days: per.Days(), Clock: clock}
	if neg && !d.IsZero() {
		d.Negative = true
	}
	return d, nil
}

// Int decodes an INTEGER value.
func (p *Property) Int() (int, error) {
	if p == nil {
		return 0, errors.New("missing property")
	}
	return strconv.Atoi(strings.TrimSpace(p.Value))
}

// List splits a multi-valued property on commas, dropping empty items.
// TEXT lists are split on the raw value so an escaped comma stays inside
// its item.
func (p *Property) List() []string {
	if p == nil {
		return nil
	}
	items := strings.Split(p.Value, ",")
	text := p.Raw != "" && p.isText()
	if text {
		items = splitEscaped(p.Raw)
	}
	var out []string
	for _, v := range items {
		if text {
			v = goical.FromText(v)
		}
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// splitEscaped splits on commas not preceded by a backslash escape.
func splitEscaped(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case ',':
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

// RawValue returns the value as stored, or "" for a missing property.
func (p *Property) RawValue() string {
	if p == nil {
		return ""
	}
	return p.Value
}

// Text returns the value as normalized text.
func (p *Property) Text() string {
	if p == nil {
		return ""
	}
	return NormalizeText(p.Value)
}

// UTCOffset decodes a UTC-OFFSET value (+HHMM or +HHMMSS) into seconds east
// of UTC.
func (p *Property) UTCOffset() (int, error) {
	if p == nil {
		return 0, fmt.Errorf("%w: missing", ErrBadOffset)
	}
	return ParseUTCOffset(p.Value)
}

func ParseUTCOffset(v string) (int, error) {
	v = strings.TrimSpace(v)
	if len(v) != 5 && len(v) != 7 {
		return 0, fmt.Errorf("%w: %q", ErrBadOffset, v)
	}
	sign := 1
	switch v[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadOffset, v)
	}
	parts := []string{v[1:3], v[3:5]}
	if len(v) == 7 {
		parts = append(parts, v[5:7])
	}
	mult := []int{3600, 60, 1}
	secs := 0
	for i, s := range parts {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrBadOffset, v)
		}
		secs += n * mult[i]
	}
	return sign * secs, nil
}
