package ics

import "errors"

var (
	// ErrInvalidInput is returned for empty or unparseable document text.
	ErrInvalidInput = errors.New("ics: invalid input")
	// ErrInvalidWindow is returned when the window end precedes its start.
	ErrInvalidWindow = errors.New("ics: invalid window")
	// ErrNotComparable is returned when sorting meets an event without a start.
	ErrNotComparable = errors.New("ics: event not comparable")
)
