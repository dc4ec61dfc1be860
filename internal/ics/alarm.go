package ics

import (
	"strings"

	"calmat/internal/ical"
	appLog "calmat/internal/log"
	"calmat/internal/model"
)

// ResolveAlarms computes the alarms of one occurrence from the VALARM
// components of its source event.
//
// Absolute triggers (VALUE=DATE-TIME) keep their literal instant and no
// offset. Relative triggers are applied to the occurrence start, or to its
// end for RELATED=END. A date start counts from local midnight, so the
// instant is floating. A missing or malformed TRIGGER counts as a zero
// offset from the start.
func ResolveAlarms(ev model.Event, alarms []*ical.Component) []model.Alarm {
	if len(alarms) == 0 {
		return nil
	}
	out := make([]model.Alarm, 0, len(alarms))
	for _, c := range alarms {
		a := model.Alarm{
			Action:      model.AlarmAction(strings.ToUpper(strings.TrimSpace(c.Get("ACTION").Text()))),
			Description: c.Get("DESCRIPTION").Text(),
			Attachment:  strings.TrimSpace(c.Get("ATTACH").RawValue()),
			UID:         alarmUID(c),
		}

		trigger := c.Get("TRIGGER")
		if trigger != nil && isAbsoluteTrigger(trigger) {
			at, err := trigger.DateTime(nil)
			if err == nil {
				a.AlarmInstant = at
				out = append(out, a)
				continue
			}
			appLog.Debug("bad absolute TRIGGER", "uid", ev.UID, "value", trigger.Value, "err", err)
		}

		var offset model.Duration
		if trigger != nil {
			d, err := trigger.Duration()
			if err != nil {
				appLog.Debug("bad TRIGGER duration", "uid", ev.UID, "value", trigger.Value, "err", err)
			} else {
				offset = d
			}
			a.TriggerRelatedEnd = strings.EqualFold(trigger.Param("RELATED"), "END")
		}
		a.TriggerOffset = &offset

		base := ev.Start
		if a.TriggerRelatedEnd {
			base = ev.End
		}
		if base.Kind() == model.KindDate {
			base = model.NewFloating(base.Time())
		}
		a.AlarmInstant = base.AddDuration(offset)
		out = append(out, a)
	}
	return out
}

func isAbsoluteTrigger(p *ical.Property) bool {
	if strings.EqualFold(p.Param("VALUE"), "DATE-TIME") {
		return true
	}
	v := strings.TrimSpace(p.Value)
	return v != "" && v[0] >= '0' && v[0] <= '9'
}

// alarmUID reads UID, falling back to Apple's X-WR-ALARMUID.
func alarmUID(c *ical.Component) string {
	if p := c.Get("UID"); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return strings.TrimSpace(c.Get("X-WR-ALARMUID").RawValue())
}

// alarmComponents returns the VALARM children of an event's source
// component.
func alarmComponents(ev model.Event) []*ical.Component {
	comp, ok := ev.Component.(*ical.Component)
	if !ok || comp == nil {
		return nil
	}
	return comp.Components("VALARM")
}
