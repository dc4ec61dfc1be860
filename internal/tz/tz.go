// Package tz resolves the zone names a calendar document uses into
// locations: VTIMEZONE blocks are compiled, everything else goes through
// the system zone database and the Windows zone table.
package tz

import (
	"strings"
	"sync"
	"time"

	"calmat/internal/ical"
	appLog "calmat/internal/log"
)

// Options controls document default-zone policy.
type Options struct {
	// Strict turns off the single-zone document default; the default is
	// then always UTC.
	Strict bool
}

// Table maps the zone names of one document to locations.
type Table struct {
	zones map[string]*time.Location
	names []string // registration order, distinct
	def   *time.Location
}

// Resolve builds the zone table of doc. It never fails: blocks that
// cannot be compiled fall back to the system zone of the same name and
// unknown names resolve to nil.
func Resolve(doc *ical.Component, opts Options) *Table {
	t := &Table{zones: make(map[string]*time.Location), def: time.UTC}
	if doc == nil {
		return t
	}

	if p := doc.Get("X-WR-TIMEZONE"); p != nil {
		if name := strings.TrimSpace(p.Text()); name != "" {
			t.register(name, System(name))
		}
	}

	for _, c := range doc.Walk("VTIMEZONE") {
		name := strings.TrimSpace(c.Get("TZID").Text())
		if name == "" {
			continue
		}
		loc, err := Compile(c)
		if err != nil {
			appLog.Debug("vtimezone not compiled, using system zone", "tzid", name, "err", err)
			loc = System(name)
		}
		t.register(name, loc)
	}

	if !opts.Strict && len(t.names) == 1 {
		if loc := t.Lookup(t.names[0]); loc != nil {
			t.def = loc
		}
	}
	return t
}

func (t *Table) register(name string, loc *time.Location) {
	if _, ok := t.zones[name]; !ok {
		t.names = append(t.names, name)
	}
	// a compiled block wins over the X-WR-TIMEZONE system lookup
	if loc != nil || t.zones[name] == nil {
		t.zones[name] = loc
	}
}

// Lookup resolves a zone name: document zones first, then the system
// database, then the Windows table. Unknown names give nil.
func (t *Table) Lookup(name string) *time.Location {
	name = strings.Trim(strings.TrimSpace(name), `"`)
	if name == "" {
		return nil
	}
	if t != nil {
		if loc := t.zones[name]; loc != nil {
			return loc
		}
	}
	return System(name)
}

// Default is the document default zone, never nil.
func (t *Table) Default() *time.Location {
	if t == nil || t.def == nil {
		return time.UTC
	}
	return t.def
}

// Names lists the registered zone names in document order.
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.names...)
}

var systemCache sync.Map // name -> *time.Location (nil for misses)

// System resolves name in the system zone database, retrying through the
// Windows zone table. Results, including misses, are cached.
func System(name string) *time.Location {
	if name == "" {
		return nil
	}
	if v, ok := systemCache.Load(name); ok {
		return v.(*time.Location)
	}
	loc := loadSystem(name)
	systemCache.Store(name, loc)
	return loc
}

func loadSystem(name string) *time.Location {
	if name == "Local" {
		return nil
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	if iana, ok := WindowsToIANA[name]; ok {
		if loc, err := time.LoadLocation(iana); err == nil {
			return loc
		}
	}
	appLog.Debug("unknown time zone", "name", name)
	return nil
}
