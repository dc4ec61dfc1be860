package ics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"calmat/internal/model"
)

// NormalizeOptions selects the output policy applied by Normalize.
type NormalizeOptions struct {
	// Strict keeps every value in the kind it was declared with. Otherwise
	// dates become midnight in Zone, floating values are assigned Zone and
	// zoned values are reprojected into it.
	Strict bool
	// Zone is the document default zone; nil means UTC.
	Zone *time.Location
	// TargetZone, when set, reprojects every zoned value last.
	TargetZone *time.Location
	// Sort orders the result by start.
	Sort bool
}

// Normalize applies the zone policy, removes exact duplicates and
// optionally sorts. The input slice is not modified.
func Normalize(events []model.Event, opts NormalizeOptions) ([]model.Event, error) {
	zone := opts.Zone
	if zone == nil {
		zone = time.UTC
	}

	out := make([]model.Event, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		ev = ev.Clone()
		if !opts.Strict {
			coerce(&ev, func(d model.DateTime) model.DateTime { return d.Assign(zone) })
		}
		if opts.TargetZone != nil {
			loc := opts.TargetZone
			coerce(&ev, func(d model.DateTime) model.DateTime { return d.In(loc) })
		}
		key := dedupKey(ev)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ev)
	}

	if opts.Sort {
		if err := SortEvents(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// coerce applies fn to every present date-time field of ev.
func coerce(ev *model.Event, fn func(model.DateTime) model.DateTime) {
	apply := func(d *model.DateTime) {
		if !d.IsZero() {
			*d = fn(*d)
		}
	}
	apply(&ev.Start)
	apply(&ev.End)
	apply(&ev.Created)
	apply(&ev.LastModified)
	for i := range ev.Alarms {
		apply(&ev.Alarms[i].AlarmInstant)
	}
}

// SortEvents sorts by start, stably. Dates compare by calendar order,
// instants by absolute time, and a date against an instant by the
// instant's calendar date. An event without a start is a usage error.
func SortEvents(events []model.Event) error {
	for i, ev := range events {
		if ev.Start.IsZero() {
			return fmt.Errorf("%w: event %d (uid %q) has no start", ErrNotComparable, i, ev.UID)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return model.Compare(events[i].Start, events[j].Start) < 0
	})
	return nil
}

func dedupKey(ev model.Event) string {
	var b strings.Builder
	b.WriteString(ev.UID)
	for _, d := range []model.DateTime{ev.Start, ev.End, ev.RecurrenceID} {
		fmt.Fprintf(&b, "|%d:%d.%d", d.Kind(), d.Time().Unix(), d.Time().Nanosecond())
	}
	b.WriteByte('|')
	if ev.Summary != nil {
		b.WriteString(*ev.Summary)
	}
	return b.String()
}
