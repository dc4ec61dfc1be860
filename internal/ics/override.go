package ics

import "calmat/internal/model"

// ResolveOverrides drops every event without a RecurrenceID whose
// (UID, Start) equals the (UID, RecurrenceID) of another event in the
// batch. The overriding events themselves are always kept. Start and
// RecurrenceID must be of the same kind to match.
func ResolveOverrides(events []model.Event) []model.Event {
	overrides := make(map[string][]model.DateTime)
	for _, ev := range events {
		if !ev.RecurrenceID.IsZero() {
			overrides[ev.UID] = append(overrides[ev.UID], ev.RecurrenceID)
		}
	}
	if len(overrides) == 0 {
		return events
	}

	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.RecurrenceID.IsZero() && superseded(ev, overrides[ev.UID]) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func superseded(ev model.Event, rids []model.DateTime) bool {
	for _, rid := range rids {
		if rid.Equal(ev.Start) {
			return true
		}
	}
	return false
}
