package ical

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmat/internal/model"
)

const sampleDoc = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"X-WR-TIMEZONE:Europe/Berlin\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:one@example.com\r\n" +
	"DTSTART;TZID=Europe/Berlin:20240301T090000\r\n" +
	"SUMMARY:Planning\\, weekly\r\n" +
	"DESCRIPTION:line one\\nline two that is long enough to be folded by the\r\n" +
	"  producer\r\n" +
	"ATTENDEE;CN=Jane;PARTSTAT=ACCEPTED:mailto:jane@example.com\r\n" +
	"BEGIN:VALARM\r\n" +
	"ACTION:DISPLAY\r\n" +
	"TRIGGER:-PT15M\r\n" +
	"END:VALARM\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type zoneMap map[string]*time.Location

func (z zoneMap) Lookup(name string) *time.Location { return z[name] }

func TestParseTree(t *testing.T) {
	doc, err := ParseBytes([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, "VCALENDAR", doc.Name)
	assert.Equal(t, "Europe/Berlin", doc.Get("x-wr-timezone").Value)

	events := doc.Components("VEVENT")
	require.Len(t, events, 1)
	ev := events[0]

	assert.Equal(t, "Planning, weekly", ev.Get("SUMMARY").Text())
	assert.Equal(t, "line one\nline two that is long enough to be folded by the producer", ev.Get("DESCRIPTION").Text())
	assert.Equal(t, "Europe/Berlin", ev.Get("DTSTART").Param("tzid"))

	att := ev.Get("ATTENDEE")
	require.NotNil(t, att)
	assert.Equal(t, map[string]string{"CN": "Jane", "PARTSTAT": "ACCEPTED"}, att.ParamMap())

	alarms := ev.Components("VALARM")
	require.Len(t, alarms, 1)
	assert.Equal(t, "-PT15M", alarms[0].Get("TRIGGER").Value)

	names := []string{}
	for _, c := range doc.Walk() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"VCALENDAR", "VEVENT", "VALARM"}, names)
	assert.Len(t, doc.Walk("valarm"), 1)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParseBytes([]byte("this is not a calendar"))
	assert.True(t, errors.Is(err, ErrNotCalendar))

	_, err = ParseBytes([]byte("BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nEND:VTODO\r\nEND:VCALENDAR\r\n"))
	assert.True(t, errors.Is(err, ErrNotCalendar))

	_, err = ParseBytes([]byte("BEGIN:VEVENT\r\nEND:VEVENT\r\n"))
	assert.True(t, errors.Is(err, ErrNotCalendar))
}

func TestListKeepsEscapedCommas(t *testing.T) {
	doc, err := ParseBytes([]byte("BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\n" +
		"CATEGORIES:x\\,y,z\r\n" +
		"CATEGORIES;LANGUAGE=en:a\\;b\r\n" +
		"EXDATE:20240101T090000Z,20240102T090000Z\r\n" +
		"END:VEVENT\r\nEND:VCALENDAR\r\n"))
	require.NoError(t, err)
	ev := doc.Components("VEVENT")[0]

	cats := ev.GetAll("CATEGORIES")
	require.Len(t, cats, 2)
	assert.Equal(t, []string{"x,y", "z"}, cats[0].List())
	assert.Equal(t, "x,y,z", cats[0].Value)
	assert.Equal(t, `CATEGORIES:x\,y,z`, cats[0].Serialize())
	assert.Equal(t, []string{"a;b"}, cats[1].List())

	assert.Equal(t, []string{"20240101T090000Z", "20240102T090000Z"}, ev.Get("EXDATE").List())

	// built without a raw value, the decoded value is split as is
	p := &Property{Name: "CATEGORIES", Value: "a, b"}
	assert.Equal(t, []string{"a", "b"}, p.List())
}

func TestParseToleratesTruncatedDocument(t *testing.T) {
	doc, err := ParseBytes([]byte("BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:cut\r\n"))
	require.NoError(t, err)
	events := doc.Components("VEVENT")
	require.Len(t, events, 1)
	assert.Equal(t, "cut", events[0].Get("UID").Value)
}

func TestSerializeEscapesText(t *testing.T) {
	p := &Property{Name: "SUMMARY", Value: "a, b; c", Params: map[string][]string{"LANGUAGE": {"en"}}}
	assert.Equal(t, `SUMMARY;LANGUAGE=en:a\, b\; c`, p.Serialize())

	dt := &Property{Name: "DTSTART", Value: "20240101T100000", Params: map[string][]string{"TZID": {"Europe/Berlin"}}}
	assert.Equal(t, "DTSTART;TZID=Europe/Berlin:20240101T100000", dt.String())
}

func TestNilPropertyAccessors(t *testing.T) {
	var p *Property
	assert.Equal(t, "", p.Param("X"))
	assert.False(t, p.HasParam("X"))
	assert.Nil(t, p.ParamMap())
	assert.Equal(t, "", p.Text())
	assert.Equal(t, "", p.RawValue())
	dt, err := p.DateTime(nil)
	assert.NoError(t, err)
	assert.True(t, dt.IsZero())
}

func TestParseDateTime(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	zones := zoneMap{"Europe/Berlin": berlin}

	d, err := ParseDateTime("20200615", "", zones)
	require.NoError(t, err)
	assert.Equal(t, model.KindDate, d.Kind())
	assert.Equal(t, "20200615", d.DateKey())

	d, err = ParseDateTime("20180101T100000Z", "", zones)
	require.NoError(t, err)
	assert.Equal(t, model.KindZoned, d.Kind())
	assert.Equal(t, time.UTC, d.Location())

	d, err = ParseDateTime("20240301T090000", "", zones)
	require.NoError(t, err)
	assert.Equal(t, model.KindFloating, d.Kind())

	d, err = ParseDateTime("20240301T090000", "Europe/Berlin", zones)
	require.NoError(t, err)
	assert.Equal(t, model.KindZoned, d.Kind())
	assert.True(t, d.Time().Equal(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)))

	d, err = ParseDateTime("20240301T090000", "Mars/Olympus", zones)
	require.NoError(t, err)
	assert.Equal(t, model.KindZoned, d.Kind())
	assert.True(t, d.Time().Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)))

	for _, bad := range []string{"", "2024", "20241301", "20240301T250000", "20240301T0900"} {
		_, err := ParseDateTime(bad, "", zones)
		assert.True(t, errors.Is(err, ErrBadDateTime), bad)
	}
}

func TestDateTimesList(t *testing.T) {
	p := &Property{Name: "EXDATE", Value: "20240101T100000Z,20240102T100000Z/PT1H, bogus"}
	dts, err := p.DateTimes(nil)
	assert.Error(t, err)
	require.Len(t, dts, 2)
	assert.Equal(t, "20240102", dts[1].DateKey())
}

func TestIsDate(t *testing.T) {
	assert.True(t, (&Property{Value: "20240101"}).IsDate())
	assert.True(t, (&Property{Value: "20240101T000000", Params: map[string][]string{"VALUE": {"DATE"}}}).IsDate())
	assert.False(t, (&Property{Value: "20240101T000000"}).IsDate())
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"PT15M", 15 * time.Minute},
		{"-PT15M", -15 * time.Minute},
		{"+P1D", 24 * time.Hour},
		{"P1W", 7 * 24 * time.Hour},
		{"P1DT2H30M", 26*time.Hour + 30*time.Minute},
		{"PT0S", 0},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			d, err := ParseDuration(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Approx())
		})
	}

	for _, bad := range []string{"", "15M", "P1M", "P1Y"} {
		_, err := ParseDuration(bad)
		assert.True(t, errors.Is(err, ErrBadDuration), bad)
	}
}

func TestParseUTCOffset(t *testing.T) {
	tests := map[string]int{
		"+0100":   3600,
		"-0500":   -5 * 3600,
		"+0530":   5*3600 + 30*60,
		"+005328": 53*60 + 28,
	}
	for in, want := range tests {
		got, err := ParseUTCOffset(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"0100", "+1", "+01:00", "*0100"} {
		_, err := ParseUTCOffset(bad)
		assert.True(t, errors.Is(err, ErrBadOffset), bad)
	}
}

func TestParseRecur(t *testing.T) {
	rec, err := ParseRecur("freq=weekly;byday=MO,WE;UNTIL=20240101T000000Z;X-NAME=foo")
	require.NoError(t, err)
	assert.Equal(t, model.KindZoned, rec.Until.Kind())
	assert.Len(t, rec.Option.Byweekday, 2)

	rec, err = ParseRecur("FREQ=DAILY;UNTIL=20240101")
	require.NoError(t, err)
	assert.Equal(t, model.KindDate, rec.Until.Kind())

	_, err = ParseRecur("FREQ=SOMETIMES")
	assert.Error(t, err)
	_, err = ParseRecur("FREQ")
	assert.Error(t, err)
}

func TestNormalizeText(t *testing.T) {
	// "café" in Windows-1252
	assert.Equal(t, "caf\u00e9", NormalizeText("caf\xe9"))
	// decomposed e + combining acute becomes the composed form
	assert.Equal(t, "caf\u00e9", NormalizeText("cafe\u0301"))
	assert.Equal(t, "plain", NormalizeText("plain"))
}

func TestIsPlainIdentifier(t *testing.T) {
	assert.True(t, IsPlainIdentifier("abc-123@example.com"))
	assert.False(t, IsPlainIdentifier(""))
	assert.False(t, IsPlainIdentifier("ünïcode"))
}
