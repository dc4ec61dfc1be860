package tz

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calmat/internal/ical"
	appLog "calmat/internal/log"
	"calmat/internal/model"
)

// ErrIncompleteZone is returned when a VTIMEZONE has no usable
// STANDARD or DAYLIGHT observance.
var ErrIncompleteZone = errors.New("vtimezone has no usable observance")

// transitions are generated up to this instant; the last one holds after.
var horizon = time.Date(2100, time.January, 1, 0, 0, 0, 0, time.UTC)

type observance struct {
	typ   zoneType
	from  int
	onset []time.Time // local wall clock, kept in UTC representation
}

// Compile turns a VTIMEZONE component into a location named after its
// TZID. Each observance's DTSTART, RRULE and RDATE onsets become
// transitions; an onset's UTC instant is its local time minus TZOFFSETFROM.
func Compile(c *ical.Component) (*time.Location, error) {
	name := strings.TrimSpace(c.Get("TZID").Text())
	if name == "" {
		return nil, errors.New("vtimezone without TZID")
	}

	var obs []observance
	for _, child := range c.Children {
		if child.Name != "STANDARD" && child.Name != "DAYLIGHT" {
			continue
		}
		o, err := readObservance(child)
		if err != nil {
			appLog.Debug("skipping timezone observance", "tzid", name, "kind", child.Name, "err", err)
			continue
		}
		obs = append(obs, o)
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrIncompleteZone, name)
	}

	types := []zoneType{}
	typeIdx := map[zoneType]int{}
	var trans []transition
	type firstSeen struct {
		at   int64
		from int
	}
	first := firstSeen{at: 1<<63 - 1}
	for _, o := range obs {
		idx, ok := typeIdx[o.typ]
		if !ok {
			// index 0 is reserved for the type in effect before the first transition
			idx = len(types) + 1
			typeIdx[o.typ] = idx
			types = append(types, o.typ)
		}
		for _, wall := range o.onset {
			at := wall.Unix() - int64(o.from)
			trans = append(trans, transition{at: at, index: idx})
			if at < first.at {
				first = firstSeen{at: at, from: o.from}
			}
		}
	}
	if len(trans) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrIncompleteZone, name)
	}

	initial := zoneType{offset: first.from, abbr: offsetAbbr(first.from)}
	for _, o := range obs {
		if o.typ.offset == first.from {
			initial = zoneType{offset: o.typ.offset, isDST: o.typ.isDST, abbr: o.typ.abbr}
			break
		}
	}
	types = append([]zoneType{initial}, types...)

	sort.SliceStable(trans, func(i, j int) bool { return trans[i].at < trans[j].at })
	trans = dedupTransitions(trans)

	return loadTZif(name, types, trans)
}

func readObservance(c *ical.Component) (observance, error) {
	var o observance
	to, err := c.Get("TZOFFSETTO").UTCOffset()
	if err != nil {
		return o, err
	}
	from, err := c.Get("TZOFFSETFROM").UTCOffset()
	if err != nil {
		from = to
	}
	start, err := c.Get("DTSTART").DateTime(nil)
	if err != nil {
		return o, err
	}
	if start.IsZero() {
		return o, errors.New("observance without DTSTART")
	}
	// DTSTART of an observance is local time; a stray UTC suffix is read as
	// local as well.
	startWall := start.Time()

	abbr := strings.TrimSpace(c.Get("TZNAME").Text())
	if abbr == "" {
		abbr = offsetAbbr(to)
	}
	o.typ = zoneType{offset: to, isDST: c.Name == "DAYLIGHT", abbr: abbr}
	o.from = from

	seen := map[int64]bool{}
	add := func(t time.Time) {
		if t.After(horizon) || seen[t.Unix()] {
			return
		}
		seen[t.Unix()] = true
		o.onset = append(o.onset, t)
	}
	add(startWall)

	for _, p := range c.GetAll("RRULE") {
		rec, err := p.Recur()
		if err != nil {
			appLog.Debug("skipping observance rule", "rule", p.Value, "err", err)
			continue
		}
		opt := rec.Option
		opt.Dtstart = startWall
		if !rec.Until.IsZero() {
			until := rec.Until.Time()
			if rec.Until.Kind() == model.KindZoned {
				// UTC until, compare against local onsets
				until = until.Add(time.Duration(from) * time.Second)
			}
			opt.Until = until
		}
		r, err := rrule.NewRRule(opt)
		if err != nil {
			appLog.Debug("skipping observance rule", "rule", p.Value, "err", err)
			continue
		}
		for _, t := range r.Between(startWall, horizon, true) {
			add(t)
		}
	}

	for _, p := range c.GetAll("RDATE") {
		dts, err := p.DateTimes(nil)
		if err != nil {
			appLog.Debug("bad observance RDATE", "value", p.Value, "err", err)
		}
		for _, dt := range dts {
			t := dt.Time()
			if dt.Kind() == model.KindZoned {
				t = t.Add(time.Duration(from) * time.Second)
			}
			add(t)
		}
	}
	return o, nil
}

func dedupTransitions(in []transition) []transition {
	out := in[:0]
	for i, tr := range in {
		if i > 0 && tr.at == out[len(out)-1].at {
			out[len(out)-1] = tr
			continue
		}
		out = append(out, tr)
	}
	return out
}

// offsetAbbr names an unnamed type the way tzdata does, e.g. "+0530".
func offsetAbbr(offset int) string {
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	h, m := offset/3600, offset%3600/60
	if m == 0 {
		return fmt.Sprintf("%c%02d", sign, h)
	}
	return fmt.Sprintf("%c%02d%02d", sign, h, m)
}
