package ics

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"calmat/internal/ical"
	appLog "calmat/internal/log"
	"calmat/internal/model"
	"calmat/internal/tz"
)

// DefaultSpan is the window length used when Options.End is zero.
const DefaultSpan = 7 * 24 * time.Hour

// Options controls one materialization call.
type Options struct {
	// Start defaults to now (UTC).
	Start time.Time
	// End defaults to Start + DefaultSpan.
	End time.Time
	// DefaultSpan overrides the package DefaultSpan when positive.
	DefaultSpan time.Duration
	// TargetZone reprojects every zoned value of the result.
	TargetZone *time.Location
	Sort       bool
	Strict     bool
	// MaxOccurrences caps the instances produced per recurring event.
	MaxOccurrences int
}

// Window resolves the query window, applying defaults.
func (o Options) Window(now time.Time) (model.Window, error) {
	start := o.Start
	if start.IsZero() {
		start = now.UTC()
	}
	end := o.End
	if end.IsZero() {
		span := o.DefaultSpan
		if span <= 0 {
			span = DefaultSpan
		}
		end = start.Add(span)
	}
	w := model.Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return w, fmt.Errorf("%w: %v", ErrInvalidWindow, err)
	}
	return w, nil
}

// Materialize parses content and returns the events that occur in the
// requested window.
func Materialize(content []byte, opts Options) ([]model.Event, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidInput)
	}
	doc, err := ical.ParseBytes(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return MaterializeDocument(doc, opts)
}

// MaterializeDocument runs the pipeline over an already parsed document:
// build, expand, exceptions, overrides, alarms, normalization.
func MaterializeDocument(doc *ical.Component, opts Options) ([]model.Event, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: no document", ErrInvalidInput)
	}
	w, err := opts.Window(time.Now())
	if err != nil {
		return nil, err
	}

	zones := tz.Resolve(doc, tz.Options{Strict: opts.Strict})

	var found []model.Event
	var truncated []string
	for _, comp := range doc.Walk("VEVENT") {
		ev := BuildEvent(comp, zones, opts.Strict)
		if ev.Start.IsZero() {
			appLog.Debug("skipping event without DTSTART", "uid", ev.UID)
			continue
		}

		if ev.Recurring {
			occ, hitCap := expandEvent(ev, comp, nil, w, opts.MaxOccurrences)
			if hitCap {
				truncated = append(truncated, ev.UID)
			}
			found = append(found, occ...)
			continue
		}

		from, to := windowBounds(ev.Start, w, false)
		if !overlaps(ev.Start, ev.End, from, to) {
			continue
		}
		if ExceptionDays(comp)[ev.Start.DateKey()] {
			continue
		}
		found = append(found, ev)
	}

	if len(truncated) > 0 {
		appLog.Error("expand: truncated occurrences due to cap",
			errors.New("max occurrences reached"),
			"uids", truncated,
		)
	}

	found = ResolveOverrides(found)
	for i := range found {
		found[i].Alarms = ResolveAlarms(found[i], alarmComponents(found[i]))
	}

	return Normalize(found, NormalizeOptions{
		Strict:     opts.Strict,
		Zone:       zones.Default(),
		TargetZone: opts.TargetZone,
		Sort:       opts.Sort,
	})
}
