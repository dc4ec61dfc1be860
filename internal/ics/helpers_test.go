package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"calmat/internal/ical"
	"calmat/internal/model"
	"calmat/internal/tz"
)

// calendar wraps content lines in a VCALENDAR with CRLF line ends.
func calendar(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//calmat//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR")
	return []byte(strings.Join(all, "\r\n") + "\r\n")
}

// vevent wraps property lines in a VEVENT.
func vevent(lines ...string) []string {
	return append(append([]string{"BEGIN:VEVENT"}, lines...), "END:VEVENT")
}

func join(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func loadLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

// firstEvent parses doc and builds its first VEVENT.
func firstEvent(t *testing.T, doc []byte, strict bool) (model.Event, *ical.Component) {
	t.Helper()
	root, err := ical.ParseBytes(doc)
	require.NoError(t, err)
	comps := root.Walk("VEVENT")
	require.NotEmpty(t, comps)
	zones := tz.Resolve(root, tz.Options{Strict: strict})
	return BuildEvent(comps[0], zones, strict), comps[0]
}

func starts(events []model.Event) []time.Time {
	out := make([]time.Time, len(events))
	for i, ev := range events {
		out[i] = ev.Start.Time().UTC()
	}
	return out
}

func summary(ev model.Event) string {
	if ev.Summary == nil {
		return ""
	}
	return *ev.Summary
}
