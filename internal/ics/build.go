package ics

import (
	"strings"

	"github.com/google/uuid"

	"calmat/internal/ical"
	appLog "calmat/internal/log"
	"calmat/internal/model"
	"calmat/internal/tz"
)

// BuildEvent turns one VEVENT into an Event. Malformed properties degrade
// only themselves: they are logged and left absent.
//
//   - Start keeps its declared kind (date, floating or zoned).
//   - End is DTEND, else start plus DURATION, else start.
//   - With strict set, only zone-less date-times are floating; otherwise
//     dates are floating too.
func BuildEvent(comp *ical.Component, zones *tz.Table, strict bool) model.Event {
	ev := model.Event{Component: comp}

	ev.UID = buildUID(comp.Get("UID"))

	ev.Start = decodeTime(comp, "DTSTART", zones, ev.UID)
	switch {
	case comp.Has("DTEND"):
		ev.End = decodeTime(comp, "DTEND", zones, ev.UID)
	case comp.Has("DURATION"):
		d, err := comp.Get("DURATION").Duration()
		if err != nil {
			appLog.Debug("bad DURATION", "uid", ev.UID, "err", err)
			ev.End = ev.Start
		} else {
			ev.End = ev.Start.AddDuration(d)
		}
	default:
		ev.End = ev.Start
	}
	if ev.End.IsZero() {
		ev.End = ev.Start
	}

	ev.AllDay = ev.Start.Kind() == model.KindDate
	if strict {
		ev.Floating = ev.Start.Kind() == model.KindFloating
	} else {
		ev.Floating = ev.Start.Kind() == model.KindDate || ev.Start.Kind() == model.KindFloating
	}
	ev.Recurring = comp.Has("RRULE")

	ev.Summary = textOf(comp.Get("SUMMARY"))
	ev.Description = textOf(comp.Get("DESCRIPTION"))
	ev.Location = textOf(comp.Get("LOCATION"))
	ev.Status = textOf(comp.Get("STATUS"))
	ev.URL = textOf(comp.Get("URL"))

	if p := comp.Get("ORGANIZER"); p != nil {
		org := attendeeOf(p)
		ev.Organizer = &org
	}
	for _, p := range comp.GetAll("ATTENDEE") {
		ev.Attendees = append(ev.Attendees, attendeeOf(p))
	}

	if p := comp.Get("CLASS"); p != nil {
		class := strings.ToUpper(strings.TrimSpace(p.Value))
		ev.Private = class == "PRIVATE" || class == "CONFIDENTIAL"
	}
	if p := comp.Get("TRANSP"); p != nil {
		ev.Transparent = strings.EqualFold(strings.TrimSpace(p.Value), "TRANSPARENT")
	}

	ev.Created = decodeTime(comp, "CREATED", zones, ev.UID)
	if comp.Has("LAST-MODIFIED") {
		ev.LastModified = decodeTime(comp, "LAST-MODIFIED", zones, ev.UID)
	} else {
		ev.LastModified = ev.Created
	}

	if p := comp.Get("SEQUENCE"); p != nil {
		if n, err := p.Int(); err == nil {
			ev.Sequence = &n
		} else {
			appLog.Debug("bad SEQUENCE", "uid", ev.UID, "value", p.Value)
		}
	}

	for _, p := range comp.GetAll("CATEGORIES") {
		for _, c := range p.List() {
			ev.Categories = append(ev.Categories, ical.NormalizeText(c))
		}
	}

	if comp.Has("RECURRENCE-ID") {
		rid := decodeTime(comp, "RECURRENCE-ID", zones, ev.UID)
		if ev.Start.Kind() == model.KindDate {
			rid = rid.Floor()
		}
		ev.RecurrenceID = rid
	}

	return ev
}

func buildUID(p *ical.Property) string {
	if p != nil && ical.IsPlainIdentifier(p.Value) {
		return p.Value
	}
	uid := uuid.NewString()
	if p != nil {
		appLog.Debug("undecodable UID replaced", "uid", uid)
	}
	return uid
}

func decodeTime(comp *ical.Component, name string, zones *tz.Table, uid string) model.DateTime {
	p := comp.Get(name)
	if p == nil {
		return model.DateTime{}
	}
	dt, err := p.DateTime(zones)
	if err != nil {
		appLog.Debug("bad date-time property", "uid", uid, "property", name, "err", err)
		return model.DateTime{}
	}
	if tzid := p.Param("TZID"); tzid != "" && dt.Kind() == model.KindZoned && zones.Lookup(tzid) == nil {
		appLog.Debug("unresolved TZID read as UTC", "uid", uid, "property", name, "tzid", tzid)
	}
	return dt
}

func textOf(p *ical.Property) *string {
	if p == nil {
		return nil
	}
	s := p.Text()
	return &s
}

func attendeeOf(p *ical.Property) model.Attendee {
	return model.Attendee{
		Address:    ical.NormalizeText(strings.TrimSpace(p.Value)),
		Parameters: p.ParamMap(),
	}
}
