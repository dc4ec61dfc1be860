package ical

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calmat/internal/model"
)

// Recur is a decoded RECUR value. Option carries every rule part except
// DTSTART and UNTIL, which callers fill in against their own anchor.
type Recur struct {
	Option rrule.ROption
	Until  model.DateTime
}

// rule parts understood by rrule-go; anything else (X- extensions, RSCALE,
// SKIP) is dropped before parsing.
var recurParts = map[string]bool{
	"FREQ":       true,
	"INTERVAL":   true,
	"WKST":       true,
	"COUNT":      true,
	"BYSETPOS":   true,
	"BYMONTH":    true,
	"BYMONTHDAY": true,
	"BYYEARDAY":  true,
	"BYWEEKNO":   true,
	"BYDAY":      true,
	"BYHOUR":     true,
	"BYMINUTE":   true,
	"BYSECOND":   true,
	"BYEASTER":   true,
}

// Recur decodes the property as a RECUR value.
func (p *Property) Recur() (Recur, error) {
	if p == nil {
		return Recur{}, fmt.Errorf("missing recurrence rule")
	}
	return ParseRecur(p.Value)
}

// ParseRecur decodes a RECUR string such as
// "FREQ=WEEKLY;BYDAY=MO,WE;UNTIL=20240101T000000Z".
func ParseRecur(value string) (Recur, error) {
	var out Recur
	var kept []string
	for _, part := range strings.Split(strings.TrimSpace(value), ";") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return out, fmt.Errorf("recurrence rule part %q: missing value", part)
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.ToUpper(strings.TrimSpace(v))
		switch {
		case k == "UNTIL":
			until, err := ParseDateTime(v, "", nil)
			if err != nil {
				return out, fmt.Errorf("recurrence rule UNTIL: %w", err)
			}
			out.Until = until
		case recurParts[k]:
			kept = append(kept, k+"="+v)
		}
	}
	opt, err := rrule.StrToROptionInLocation(strings.Join(kept, ";"), time.UTC)
	if err != nil {
		return out, fmt.Errorf("recurrence rule %q: %w", value, err)
	}
	out.Option = *opt
	return out, nil
}
