package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one materialized occurrence of a calendar component. Recurring
// series produce one Event per instance, all sharing UID.
type Event struct {
	UID string

	// Optional text; nil means the property was absent.
	Summary     *string
	Description *string
	Location    *string

	// Start/End ordering is whatever the source said; End == Start when
	// neither DTEND nor DURATION was present.
	Start DateTime
	End   DateTime

	AllDay      bool
	Floating    bool
	Recurring   bool
	Transparent bool
	Private     bool

	Status     *string
	URL        *string
	Categories []string
	Attendees  []Attendee
	Organizer  *Attendee

	Created      DateTime
	LastModified DateTime
	// Sequence is nil only when SEQUENCE was absent; 0 is a real value.
	Sequence     *int
	RecurrenceID DateTime

	Alarms []Alarm

	// Component points back at the source component (*ical.Component).
	Component any `json:"-"`
}

// Clone returns a copy that shares no slices or pointers with e. The
// source component reference is shared.
func (e Event) Clone() Event {
	out := e
	out.Summary = cloneString(e.Summary)
	out.Description = cloneString(e.Description)
	out.Location = cloneString(e.Location)
	out.Status = cloneString(e.Status)
	out.URL = cloneString(e.URL)
	if e.Categories != nil {
		out.Categories = append([]string(nil), e.Categories...)
	}
	if e.Attendees != nil {
		out.Attendees = make([]Attendee, len(e.Attendees))
		for i, a := range e.Attendees {
			out.Attendees[i] = a.clone()
		}
	}
	if e.Organizer != nil {
		o := e.Organizer.clone()
		out.Organizer = &o
	}
	if e.Sequence != nil {
		s := *e.Sequence
		out.Sequence = &s
	}
	if e.Alarms != nil {
		out.Alarms = make([]Alarm, len(e.Alarms))
		for i, a := range e.Alarms {
			out.Alarms[i] = a.clone()
		}
	}
	return out
}

// Length is the nominal duration between Start and End.
func (e Event) Length() Duration {
	return Between(e.Start, e.End)
}

// TimeLeft is the time from now until the event starts. Floating and date
// starts are read as UTC wall clock.
func (e Event) TimeLeft(now time.Time) time.Duration {
	if e.Start.Kind() == KindZoned {
		return e.Start.Time().Sub(now)
	}
	return e.Start.Time().Sub(wallUTC(now))
}

func (e Event) String() string {
	summary := ""
	if e.Summary != nil {
		summary = *e.Summary
	}
	return fmt.Sprintf("%s: %s (%s)", e.Start, summary, e.Length())
}

// Attendee is a calendar address plus its parameters (CN, PARTSTAT, ...).
type Attendee struct {
	Address    string            `json:"address"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Is reports whether both refer to the same calendar address.
func (a Attendee) Is(other Attendee) bool {
	return strings.EqualFold(a.Address, other.Address)
}

func (a Attendee) CommonName() string { return a.Parameters["CN"] }

func (a Attendee) ParticipationStatus() string { return a.Parameters["PARTSTAT"] }

func (a Attendee) String() string { return a.Address }

func (a Attendee) clone() Attendee {
	out := Attendee{Address: a.Address}
	if a.Parameters != nil {
		out.Parameters = make(map[string]string, len(a.Parameters))
		for k, v := range a.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// AlarmAction is the upper-cased ACTION of a VALARM; empty when absent.
type AlarmAction string

const (
	ActionAudio     AlarmAction = "AUDIO"
	ActionDisplay   AlarmAction = "DISPLAY"
	ActionEmail     AlarmAction = "EMAIL"
	ActionProcedure AlarmAction = "PROCEDURE"
)

// Alarm is a resolved reminder. String fields are empty when absent.
type Alarm struct {
	Action      AlarmAction `json:"action"`
	Description string      `json:"description"`
	Attachment  string      `json:"attachment"`
	UID         string      `json:"uid"`

	// TriggerOffset is nil for absolute triggers.
	TriggerOffset *Duration `json:"trigger_offset,omitempty"`
	// TriggerRelatedEnd is set for RELATED=END triggers.
	TriggerRelatedEnd bool     `json:"trigger_related_end,omitempty"`
	AlarmInstant      DateTime `json:"alarm_instant"`
}

func (a Alarm) clone() Alarm {
	if a.TriggerOffset != nil {
		off := *a.TriggerOffset
		a.TriggerOffset = &off
	}
	return a
}

// Window is a query range; overlap tests treat both ends as inclusive.
type Window struct {
	Start time.Time
	End   time.Time
}

// ErrWindowOrder is returned by Validate when End precedes Start.
var ErrWindowOrder = errors.New("window end before start")

func (w Window) Validate() error {
	if w.End.Before(w.Start) {
		return fmt.Errorf("%w: %s < %s", ErrWindowOrder, w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

func (w Window) Span() time.Duration { return w.End.Sub(w.Start) }

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
