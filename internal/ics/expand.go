package ics

import (
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calmat/internal/ical"
	appLog "calmat/internal/log"
	"calmat/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// Expand materializes the occurrences of a recurring event that overlap w.
// The rule is anchored at ev.Start, reprojected into zone when zone is
// non-nil and the start is zoned. Every RRULE of comp is expanded and the
// results merged. Occurrences whose calendar day is listed in an EXDATE
// are dropped.
func Expand(ev model.Event, comp *ical.Component, zone *time.Location, w model.Window) []model.Event {
	out, _ := expandEvent(ev, comp, zone, w, defaultMaxOccurrencesPerEvent)
	return out
}

// expandEvent is Expand with an occurrence cap; it also reports whether
// the cap was hit.
func expandEvent(ev model.Event, comp *ical.Component, zone *time.Location, w model.Window, limit int) ([]model.Event, bool) {
	if limit <= 0 {
		limit = defaultMaxOccurrencesPerEvent
	}
	if ev.Start.IsZero() {
		return nil, false
	}

	anchor := ev.Start
	if zone != nil {
		anchor = anchor.In(zone)
	}
	length := model.Between(ev.Start, ev.End)
	exceptions := ExceptionDays(comp)
	from, to := windowBounds(anchor, w, true)

	span := w.Span()
	if l := length.Approx(); l > span {
		span = l
	} else if -l > span {
		span = -l
	}
	probeFrom := from.Time().Add(-span)
	probeTo := to.Time().Add(span)
	if anchor.Kind() == model.KindDate {
		// whole days so the probe edges never cut a midnight start
		probeFrom = probeFrom.AddDate(0, 0, -1)
		probeTo = probeTo.AddDate(0, 0, 1)
	}

	// zoned anchors keep their location; dates and floating values run in
	// their UTC wall representation
	dtstart := anchor.Time()
	var starts []time.Time
	parsed := 0
	for _, p := range comp.GetAll("RRULE") {
		rec, err := p.Recur()
		if err != nil {
			appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", p.Value)
			continue
		}
		opt := rec.Option
		opt.Dtstart = dtstart
		if !rec.Until.IsZero() {
			opt.Until = conformUntil(rec.Until, anchor)
		}
		r, err := rrule.NewRRule(opt)
		if err != nil {
			appLog.Error("expand: failed to build RRULE", err, "uid", ev.UID, "rrule", p.Value)
			continue
		}
		parsed++
		starts = append(starts, r.Between(probeFrom, probeTo, true)...)
	}

	if parsed == 0 {
		// no usable rule: the event stands for its first instance only
		if overlaps(ev.Start, ev.End, from, to) && !exceptions[ev.Start.DateKey()] {
			return []model.Event{ev.Clone()}, false
		}
		return nil, false
	}

	starts = mergeStarts(starts)

	out := make([]model.Event, 0, len(starts))
	for _, t := range starts {
		start := relocalize(anchor, t)
		end := start.AddDuration(length)
		if !overlaps(start, end, from, to) {
			continue
		}
		if exceptions[start.DateKey()] {
			continue
		}
		if len(out) >= limit {
			return out, true
		}
		occ := ev.Clone()
		occ.Start = start
		occ.End = end
		occ.Recurring = true
		out = append(out, occ)
	}
	return out, false
}

// ExceptionDays collects the calendar days (YYYYMMDD, taken from the
// declared value) of every EXDATE of comp.
func ExceptionDays(comp *ical.Component) map[string]bool {
	days := map[string]bool{}
	for _, p := range comp.GetAll("EXDATE") {
		for _, v := range strings.Split(p.Value, ",") {
			v = strings.TrimSpace(v)
			if len(v) >= 8 {
				days[v[:8]] = true
			}
		}
	}
	return days
}

// relocalize turns a generated start back into the anchor's kind. Zoned
// starts are rebuilt from their wall clock in the anchor's named zone so
// a 10:00 series stays at 10:00 across DST changes.
func relocalize(anchor model.DateTime, t time.Time) model.DateTime {
	switch anchor.Kind() {
	case model.KindDate:
		return model.DateOf(t)
	case model.KindFloating:
		return model.NewFloating(t)
	}
	loc := anchor.Location()
	local := t.In(loc)
	return model.NewZoned(time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), loc))
}

// conformUntil brings UNTIL into the anchor's representation:
//   - date anchor: date-time UNTIL becomes the following date;
//   - zoned anchor, zoned UNTIL: shifted by the anchor zone's absolute
//     offset at that instant;
//   - zoned anchor, date or floating UNTIL: its wall clock read as UTC,
//     plus the anchor's offset;
//   - floating anchor: UNTIL's wall clock, a date UNTIL covering its whole day.
func conformUntil(until, anchor model.DateTime) time.Time {
	switch anchor.Kind() {
	case model.KindDate:
		if until.Kind() == model.KindDate {
			return until.Time()
		}
		return until.Floor().Time().AddDate(0, 0, 1)
	case model.KindZoned:
		loc := anchor.Location()
		switch until.Kind() {
		case model.KindZoned:
			_, off := until.Time().In(loc).Zone()
			if off < 0 {
				off = -off
			}
			return until.Time().Add(time.Duration(off) * time.Second)
		default:
			_, off := anchor.Time().Zone()
			return until.Time().Add(time.Duration(off) * time.Second)
		}
	default:
		if until.Kind() == model.KindDate {
			return until.Time().AddDate(0, 0, 1).Add(-time.Second)
		}
		return until.Time()
	}
}

// windowBounds expresses w in the representation of start so the two can be
// compared: absolute instants for zoned starts, window dates for
// non-recurring all-day events, and the window's wall clock otherwise.
func windowBounds(start model.DateTime, w model.Window, recurring bool) (model.DateTime, model.DateTime) {
	switch {
	case start.Kind() == model.KindZoned:
		return model.NewZoned(w.Start), model.NewZoned(w.End)
	case start.Kind() == model.KindDate && !recurring:
		return model.DateOf(w.Start), model.DateOf(w.End)
	default:
		return model.NewFloating(w.Start), model.NewFloating(w.End)
	}
}

// overlaps reports end >= from && start <= to.
func overlaps(start, end, from, to model.DateTime) bool {
	return model.Compare(end, from) >= 0 && model.Compare(start, to) <= 0
}

func mergeStarts(in []time.Time) []time.Time {
	sort.Slice(in, func(i, j int) bool { return in[i].Before(in[j]) })
	out := in[:0]
	for i, t := range in {
		if i > 0 && t.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, t)
	}
	return out
}
