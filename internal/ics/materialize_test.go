package ics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmat/internal/model"
)

func TestDailyCountSeries(t *testing.T) {
	doc := calendar(vevent(
		"UID:daily@example.com",
		"DTSTART:20180101T100000Z",
		"RRULE:FREQ=DAILY;COUNT=5",
		"SUMMARY:Daily",
	)...)

	events, err := Materialize(doc, Options{Start: utc(2018, 1, 1, 0, 0), End: utc(2018, 1, 10, 0, 0)})
	require.NoError(t, err)
	require.Len(t, events, 5)

	for i, ev := range events {
		want := utc(2018, 1, 1+i, 10, 0)
		assert.True(t, ev.Start.Time().Equal(want), "occurrence %d: %s", i, ev.Start)
		h, m, s := ev.Start.Time().UTC().Clock()
		assert.Equal(t, []int{10, 0, 0}, []int{h, m, s})
		assert.True(t, ev.Recurring)
		assert.Equal(t, "daily@example.com", ev.UID)
	}
}

func TestAllDayEventWithoutEnd(t *testing.T) {
	doc := calendar(append([]string{"X-WR-TIMEZONE:Europe/Berlin"}, vevent(
		"UID:allday",
		"DTSTART;VALUE=DATE:20200615",
		"SUMMARY:Holiday",
	)...)...)

	ev, _ := firstEvent(t, doc, false)
	assert.Equal(t, model.KindDate, ev.Start.Kind())
	assert.True(t, ev.End.Equal(ev.Start))
	assert.True(t, ev.AllDay)
	assert.True(t, ev.Floating)

	events, err := Materialize(doc, Options{Start: utc(2020, 6, 14, 0, 0), End: utc(2020, 6, 20, 0, 0)})
	require.NoError(t, err)
	require.Len(t, events, 1)

	berlin := loadLoc(t, "Europe/Berlin")
	midnight := time.Date(2020, 6, 15, 0, 0, 0, 0, berlin)
	for _, d := range []model.DateTime{events[0].Start, events[0].End} {
		assert.Equal(t, model.KindZoned, d.Kind())
		assert.True(t, d.Time().Equal(midnight), d.String())
		assert.Equal(t, "Europe/Berlin", d.Location().String())
	}
}

func TestAllDayEventStrictStaysDate(t *testing.T) {
	doc := calendar(vevent("UID:allday", "DTSTART;VALUE=DATE:20200615")...)
	events, err := Materialize(doc, Options{Start: utc(2020, 6, 14, 0, 0), End: utc(2020, 6, 20, 0, 0), Strict: true})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.KindDate, events[0].Start.Kind())
	assert.False(t, events[0].Floating)
}

func TestSequenceZeroDiffersFromAbsent(t *testing.T) {
	doc := calendar(join(
		vevent("UID:a", "DTSTART:20240101T100000Z", "SEQUENCE:0"),
		vevent("UID:b", "DTSTART:20240101T110000Z"),
	)...)
	events, err := Materialize(doc, Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 2, 0, 0), Sort: true})
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.NotNil(t, events[0].Sequence)
	assert.Equal(t, 0, *events[0].Sequence)
	assert.Nil(t, events[1].Sequence)
	assert.NotEqual(t, events[0].Sequence, events[1].Sequence)
}

func TestNonRecurringOverlap(t *testing.T) {
	w0, w1 := utc(2024, 5, 10, 0, 0), utc(2024, 5, 12, 0, 0)
	tests := []struct {
		name       string
		start, end time.Time
		want       bool
	}{
		{"inside", utc(2024, 5, 10, 9, 0), utc(2024, 5, 10, 10, 0), true},
		{"ends at window start", utc(2024, 5, 9, 23, 0), w0, true},
		{"starts at window end", w1, utc(2024, 5, 12, 1, 0), true},
		{"spans window", utc(2024, 5, 1, 0, 0), utc(2024, 5, 20, 0, 0), true},
		{"before", utc(2024, 5, 9, 8, 0), utc(2024, 5, 9, 9, 0), false},
		{"after", utc(2024, 5, 12, 0, 1), utc(2024, 5, 12, 2, 0), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := calendar(vevent(
				"UID:x",
				"DTSTART:"+tc.start.Format("20060102T150405Z"),
				"DTEND:"+tc.end.Format("20060102T150405Z"),
			)...)
			events, err := Materialize(doc, Options{Start: w0, End: w1})
			require.NoError(t, err)
			assert.Equal(t, tc.want, len(events) == 1)
		})
	}
}

func TestAllDayOverlapUsesCalendarDates(t *testing.T) {
	doc := calendar(vevent("UID:d", "DTSTART;VALUE=DATE:20240110", "DTEND;VALUE=DATE:20240111")...)

	events, err := Materialize(doc, Options{Start: utc(2024, 1, 11, 12, 0), End: utc(2024, 1, 12, 0, 0), Strict: true})
	require.NoError(t, err)
	assert.Len(t, events, 1, "the end date touches the window's first day")

	events, err = Materialize(doc, Options{Start: utc(2024, 1, 12, 0, 0), End: utc(2024, 1, 13, 0, 0), Strict: true})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWidenedWindowMatchesNarrowWindow(t *testing.T) {
	doc := calendar(vevent(
		"UID:weekly",
		"DTSTART;TZID=America/New_York:20240102T230000",
		"DURATION:PT3H",
		"RRULE:FREQ=WEEKLY;BYDAY=TU,FR",
	)...)
	ev, comp := firstEvent(t, doc, true)

	narrow := model.Window{Start: utc(2024, 3, 1, 5, 0), End: utc(2024, 4, 20, 3, 30)}
	wide := model.Window{Start: utc(2023, 12, 1, 0, 0), End: utc(2024, 8, 1, 0, 0)}

	direct := Expand(ev, comp, nil, narrow)
	var filtered []model.Event
	for _, occ := range Expand(ev, comp, nil, wide) {
		from, to := windowBounds(occ.Start, narrow, true)
		if overlaps(occ.Start, occ.End, from, to) {
			filtered = append(filtered, occ)
		}
	}

	require.NotEmpty(t, direct)
	assert.Equal(t, starts(filtered), starts(direct))
}

func TestDailySeriesKeepsWallClockAcrossDST(t *testing.T) {
	tests := []struct {
		zone  string
		start string
		from  time.Time
		to    time.Time
	}{
		{"Europe/Berlin", "20240325T100000", utc(2024, 3, 24, 0, 0), utc(2024, 4, 10, 0, 0)},
		{"America/New_York", "20241028T100000", utc(2024, 10, 27, 0, 0), utc(2024, 11, 12, 0, 0)},
	}
	for _, tc := range tests {
		t.Run(tc.zone, func(t *testing.T) {
			loc := loadLoc(t, tc.zone)
			doc := calendar(vevent(
				"UID:dst",
				fmt.Sprintf("DTSTART;TZID=%s:%s", tc.zone, tc.start),
				"DURATION:PT1H",
				"RRULE:FREQ=DAILY;COUNT=14",
			)...)

			events, err := Materialize(doc, Options{Start: tc.from, End: tc.to, Strict: true})
			require.NoError(t, err)
			require.Len(t, events, 14)

			offsets := map[int]bool{}
			for _, ev := range events {
				local := ev.Start.Time().In(loc)
				assert.Equal(t, 10, local.Hour(), ev.Start.String())
				assert.Equal(t, 0, local.Minute())
				assert.Equal(t, 11, ev.End.Time().In(loc).Hour())
				_, off := local.Zone()
				offsets[off] = true
			}
			assert.Len(t, offsets, 2, "series should cross a DST change")
		})
	}
}

func TestOverrideReplacesGeneratedOccurrence(t *testing.T) {
	doc := calendar(join(
		vevent(
			"UID:series",
			"DTSTART:20240101T090000Z",
			"DTEND:20240101T100000Z",
			"RRULE:FREQ=DAILY;COUNT=5",
			"SUMMARY:Standup",
		),
		vevent(
			"UID:series",
			"RECURRENCE-ID:20240103T090000Z",
			"DTSTART:20240103T150000Z",
			"DTEND:20240103T160000Z",
			"SUMMARY:Moved standup",
		),
	)...)

	events, err := Materialize(doc, Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 10, 0, 0), Sort: true})
	require.NoError(t, err)
	require.Len(t, events, 5)

	for _, ev := range events {
		assert.False(t, ev.Start.Time().Equal(utc(2024, 1, 3, 9, 0)), "generated occurrence was not replaced")
	}
	moved := events[2]
	assert.Equal(t, "Moved standup", summary(moved))
	assert.True(t, moved.Start.Time().Equal(utc(2024, 1, 3, 15, 0)))
	assert.True(t, moved.RecurrenceID.Time().Equal(utc(2024, 1, 3, 9, 0)))
}

func TestOverrideOutsideWindowKeepsGeneratedOccurrence(t *testing.T) {
	doc := calendar(join(
		vevent(
			"UID:series",
			"DTSTART:20240101T090000Z",
			"RRULE:FREQ=DAILY;COUNT=3",
		),
		vevent(
			"UID:series",
			"RECURRENCE-ID:20240102T090000Z",
			"DTSTART:20240120T090000Z",
		),
	)...)

	events, err := Materialize(doc, Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 5, 0, 0), Sort: true})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		utc(2024, 1, 1, 9, 0),
		utc(2024, 1, 2, 9, 0),
		utc(2024, 1, 3, 9, 0),
	}, starts(events))

	// a window holding both slots resolves the override
	events, err = Materialize(doc, Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 31, 0, 0), Sort: true})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		utc(2024, 1, 1, 9, 0),
		utc(2024, 1, 3, 9, 0),
		utc(2024, 1, 20, 9, 0),
	}, starts(events))
}

func TestExdateRemovesOnlyThatDay(t *testing.T) {
	doc := calendar(vevent(
		"UID:ex",
		"DTSTART:20240101T090000Z",
		"RRULE:FREQ=DAILY;COUNT=5",
		"EXDATE:20240103T090000Z",
	)...)
	events, err := Materialize(doc, Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 10, 0, 0)})
	require.NoError(t, err)

	assert.Equal(t, []time.Time{
		utc(2024, 1, 1, 9, 0),
		utc(2024, 1, 2, 9, 0),
		utc(2024, 1, 4, 9, 0),
		utc(2024, 1, 5, 9, 0),
	}, starts(events))
}

func TestExdateOnSingleEvent(t *testing.T) {
	doc := calendar(vevent(
		"UID:single",
		"DTSTART:20240105T090000Z",
		"EXDATE:20240105T090000Z",
	)...)
	events, err := Materialize(doc, Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 10, 0, 0)})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestUntilBoundsSeries(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []string
	}{
		{"date anchor date until",
			[]string{"DTSTART;VALUE=DATE:20240101", "RRULE:FREQ=DAILY;UNTIL=20240103"},
			[]string{"20240101", "20240102", "20240103"}},
		{"date anchor date-time until",
			[]string{"DTSTART;VALUE=DATE:20240101", "RRULE:FREQ=DAILY;UNTIL=20240103T000000Z", "EXDATE:20240102T000000Z"},
			[]string{"20240101", "20240103", "20240104"}},
		{"zoned anchor utc until",
			[]string{"DTSTART;TZID=Europe/Berlin:20240101T100000", "RRULE:FREQ=DAILY;UNTIL=20240103T090000Z"},
			[]string{"20240101", "20240102", "20240103"}},
		{"zoned anchor date until",
			[]string{"DTSTART;TZID=Europe/Berlin:20240101T100000", "RRULE:FREQ=DAILY;UNTIL=20240103"},
			[]string{"20240101", "20240102"}},
		{"zoned anchor zone-less until",
			[]string{"DTSTART;TZID=Europe/Berlin:20240101T100000", "RRULE:FREQ=DAILY;UNTIL=20240105T090000"},
			[]string{"20240101", "20240102", "20240103", "20240104", "20240105"}},
		{"floating anchor date until",
			[]string{"DTSTART:20240101T100000", "RRULE:FREQ=DAILY;UNTIL=20240103"},
			[]string{"20240101", "20240102", "20240103"}},
		{"utc anchor utc until",
			[]string{"DTSTART:20240101T100000Z", "RRULE:FREQ=DAILY;UNTIL=20240104T095959Z"},
			[]string{"20240101", "20240102", "20240103"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := calendar(vevent(append([]string{"UID:u"}, tc.lines...)...)...)
			events, err := Materialize(doc, Options{Start: utc(2023, 12, 30, 0, 0), End: utc(2024, 1, 30, 0, 0), Strict: true})
			require.NoError(t, err)
			days := make([]string, len(events))
			for i, ev := range events {
				days[i] = ev.Start.DateKey()
			}
			assert.Equal(t, tc.want, days)
		})
	}
}

func TestOccurrenceCap(t *testing.T) {
	doc := calendar(vevent("UID:cap", "DTSTART:20240101T090000Z", "RRULE:FREQ=DAILY")...)
	events, err := Materialize(doc, Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 31, 0, 0), MaxOccurrences: 3})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestMalformedRuleKeepsFirstInstance(t *testing.T) {
	doc := calendar(vevent("UID:bad", "DTSTART:20240102T090000Z", "RRULE:FREQ=SOMETIMES")...)
	events, err := Materialize(doc, Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 10, 0, 0)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Start.Time().Equal(utc(2024, 1, 2, 9, 0)))
}

func TestMultipleRulesAreMerged(t *testing.T) {
	doc := calendar(vevent(
		"UID:multi",
		"DTSTART:20240101T090000Z",
		"RRULE:FREQ=DAILY;COUNT=3",
		"RRULE:FREQ=DAILY;INTERVAL=2;COUNT=3",
	)...)
	events, err := Materialize(doc, Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 10, 0, 0)})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		utc(2024, 1, 1, 9, 0),
		utc(2024, 1, 2, 9, 0),
		utc(2024, 1, 3, 9, 0),
		utc(2024, 1, 5, 9, 0),
	}, starts(events))
}

func TestEventFields(t *testing.T) {
	doc := calendar(vevent(
		"UID:fields",
		"DTSTART:20240101T090000Z",
		"DTEND:20240101T100000Z",
		"SUMMARY:Review\\, quarterly",
		"DESCRIPTION:Bring numbers",
		"LOCATION:Room 1",
		"STATUS:CONFIRMED",
		"URL:https://example.com/meet",
		"CLASS:CONFIDENTIAL",
		"TRANSP:TRANSPARENT",
		"CATEGORIES:work,finance",
		"CATEGORIES:R\\,D,ops",
		"ORGANIZER;CN=Boss:mailto:boss@example.com",
		"ATTENDEE;CN=Jane;PARTSTAT=ACCEPTED:mailto:jane@example.com",
		"ATTENDEE;CN=Joe:mailto:joe@example.com",
		"CREATED:20231201T120000Z",
		"SEQUENCE:2",
	)...)
	ev, _ := firstEvent(t, doc, true)

	assert.Equal(t, "Review, quarterly", summary(ev))
	assert.Equal(t, "Bring numbers", *ev.Description)
	assert.Equal(t, "Room 1", *ev.Location)
	assert.Equal(t, "CONFIRMED", *ev.Status)
	assert.Equal(t, "https://example.com/meet", *ev.URL)
	assert.True(t, ev.Private)
	assert.True(t, ev.Transparent)
	assert.False(t, ev.AllDay)
	assert.False(t, ev.Floating)
	assert.False(t, ev.Recurring)
	assert.Equal(t, []string{"work", "finance", "R,D", "ops"}, ev.Categories)
	require.NotNil(t, ev.Organizer)
	assert.Equal(t, "Boss", ev.Organizer.CommonName())
	require.Len(t, ev.Attendees, 2)
	assert.Equal(t, "ACCEPTED", ev.Attendees[0].ParticipationStatus())
	assert.True(t, ev.Attendees[1].Is(model.Attendee{Address: "MAILTO:joe@example.com"}))
	assert.True(t, ev.Created.Time().Equal(utc(2023, 12, 1, 12, 0)))
	assert.True(t, ev.LastModified.Equal(ev.Created), "last-modified falls back to created")
	require.NotNil(t, ev.Sequence)
	assert.Equal(t, 2, *ev.Sequence)
	assert.Equal(t, time.Hour, ev.Length().Approx())
}

func TestAbsentOptionalFields(t *testing.T) {
	ev, _ := firstEvent(t, calendar(vevent("UID:bare", "DTSTART:20240101T090000")...), true)
	assert.Nil(t, ev.Summary)
	assert.Nil(t, ev.Description)
	assert.Nil(t, ev.Organizer)
	assert.Nil(t, ev.Sequence)
	assert.True(t, ev.Created.IsZero())
	assert.True(t, ev.Floating)
	assert.Equal(t, model.KindFloating, ev.Start.Kind())
}

func TestDurationSetsEnd(t *testing.T) {
	ev, _ := firstEvent(t, calendar(vevent("UID:d", "DTSTART;VALUE=DATE:20240101", "DURATION:P2D")...), true)
	assert.Equal(t, "20240103", ev.End.DateKey())
	assert.Equal(t, model.KindDate, ev.End.Kind())
}

func TestNonASCIIUIDIsReplaced(t *testing.T) {
	ev, _ := firstEvent(t, calendar(vevent("UID:ünïcödé", "DTSTART:20240101T090000Z")...), false)
	_, err := uuid.Parse(ev.UID)
	assert.NoError(t, err, ev.UID)

	ev, _ = firstEvent(t, calendar(vevent("DTSTART:20240101T090000Z")...), false)
	_, err = uuid.Parse(ev.UID)
	assert.NoError(t, err, ev.UID)
}

func TestUnknownTZIDReadsAsUTC(t *testing.T) {
	ev, _ := firstEvent(t, calendar(vevent("UID:z", "DTSTART;TZID=Mars/Olympus:20240101T090000")...), true)
	assert.Equal(t, model.KindZoned, ev.Start.Kind())
	assert.True(t, ev.Start.Time().Equal(utc(2024, 1, 1, 9, 0)))
}

func TestWindowsZoneName(t *testing.T) {
	ev, _ := firstEvent(t, calendar(vevent("UID:w", "DTSTART;TZID=W. Europe Standard Time:20240101T090000")...), true)
	assert.True(t, ev.Start.Time().Equal(utc(2024, 1, 1, 8, 0)))
}

func TestTargetZone(t *testing.T) {
	tokyo := loadLoc(t, "Asia/Tokyo")
	doc := calendar(vevent("UID:t", "DTSTART:20240101T090000Z", "DTEND:20240101T100000Z")...)
	events, err := Materialize(doc, Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 2, 0, 0), TargetZone: tokyo})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, tokyo, events[0].Start.Location())
	assert.Equal(t, 18, events[0].Start.Time().Hour())
	assert.Equal(t, 19, events[0].End.Time().Hour())
}

func TestDuplicatesAreDropped(t *testing.T) {
	ev := vevent("UID:dup", "DTSTART:20240101T090000Z", "SUMMARY:Same")
	events, err := Materialize(calendar(join(ev, ev)...), Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 2, 0, 0)})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSortMixesDatesAndInstants(t *testing.T) {
	doc := calendar(join(
		vevent("UID:late", "DTSTART:20240102T090000Z"),
		vevent("UID:allday", "DTSTART;VALUE=DATE:20240101"),
		vevent("UID:early", "DTSTART:20240101T090000Z"),
	)...)
	events, err := Materialize(doc, Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 3, 0, 0), Strict: true, Sort: true})
	require.NoError(t, err)

	var uids []string
	for _, ev := range events {
		uids = append(uids, ev.UID)
	}
	assert.Equal(t, []string{"allday", "early", "late"}, uids)
}

func TestEventsWithoutStartAreSkipped(t *testing.T) {
	doc := calendar(join(
		vevent("UID:nostart", "SUMMARY:floating idea"),
		vevent("UID:ok", "DTSTART:20240101T090000Z"),
	)...)
	events, err := Materialize(doc, Options{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 2, 0, 0), Sort: true})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].UID)
}

func TestMaterializeErrors(t *testing.T) {
	_, err := Materialize(nil, Options{})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = Materialize([]byte("   \r\n"), Options{})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = Materialize([]byte("hello world"), Options{})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	doc := calendar(vevent("UID:a", "DTSTART:20240101T090000Z")...)
	_, err = Materialize(doc, Options{Start: utc(2024, 1, 2, 0, 0), End: utc(2024, 1, 1, 0, 0)})
	assert.True(t, errors.Is(err, ErrInvalidWindow))
}

func TestOptionsWindowDefaults(t *testing.T) {
	now := utc(2024, 6, 1, 12, 0)

	w, err := Options{}.Window(now)
	require.NoError(t, err)
	assert.Equal(t, now, w.Start)
	assert.Equal(t, now.Add(DefaultSpan), w.End)

	w, err = Options{DefaultSpan: time.Hour}.Window(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), w.End)

	start := utc(2024, 1, 1, 0, 0)
	w, err = Options{Start: start}.Window(now)
	require.NoError(t, err)
	assert.Equal(t, start.Add(DefaultSpan), w.End)
}
