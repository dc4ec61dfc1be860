// Package ical exposes an iCalendar document as a tree of named
// components with typed property decoding. Tokenizing and line unfolding
// are done by github.com/arran4/golang-ical.
package ical

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	goical "github.com/arran4/golang-ical"

	appLog "calmat/internal/log"
)

// Property is one content line: name, parameters and value. TEXT values
// are already unescaped; Raw keeps the value as it appeared in the line.
type Property struct {
	Name   string
	Params map[string][]string
	Value  string
	Raw    string
}

// Param returns the first value of the named parameter, or "".
func (p *Property) Param(name string) string {
	if p == nil {
		return ""
	}
	vs := p.Params[strings.ToUpper(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// HasParam reports whether the parameter is present.
func (p *Property) HasParam(name string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Params[strings.ToUpper(name)]
	return ok
}

// ParamMap flattens parameters to single strings, joining multi-valued
// ones with commas.
func (p *Property) ParamMap() map[string]string {
	if p == nil || len(p.Params) == 0 {
		return nil
	}
	out := make(map[string]string, len(p.Params))
	for k, vs := range p.Params {
		out[k] = strings.Join(vs, ",")
	}
	return out
}

// Serialize renders the property in its content-line form
// (NAME;PARAM=V:VALUE), without folding.
func (p *Property) Serialize() string {
	var b strings.Builder
	b.WriteString(p.Name)
	keys := make([]string, 0, len(p.Params))
	for k := range p.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(';')
		b.WriteString(k)
		b.WriteByte('=')
		for i, v := range p.Params[k] {
			if i > 0 {
				b.WriteByte(',')
			}
			if strings.ContainsAny(v, ";:,") {
				v = `"` + v + `"`
			}
			b.WriteString(v)
		}
	}
	b.WriteByte(':')
	switch {
	case p.Raw != "":
		b.WriteString(p.Raw)
	case p.isText():
		b.WriteString(goical.ToText(p.Value))
	default:
		b.WriteString(p.Value)
	}
	return b.String()
}

func (p *Property) String() string { return p.Serialize() }

// Component is a named node of the document tree.
type Component struct {
	Name       string
	Properties []*Property
	Children   []*Component
}

var ErrNotCalendar = errors.New("not an iCalendar document")

// Parse reads a whole document and returns its VCALENDAR root. Lines are
// unfolded and tokenized by golang-ical; the tree is built here so every
// property keeps its raw value. A document truncated before its END lines
// is returned as far as it was read.
func Parse(r io.Reader) (*Component, error) {
	cs := goical.NewCalendarStream(r)
	var root *Component
	var stack []*Component
	for ln := 1; len(stack) > 0 || root == nil; ln++ {
		l, err := cs.ReadLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: line %d: %v", ErrNotCalendar, ln, err)
		}
		if l != nil && len(*l) > 0 {
			stack, err = addLine(stack, &root, *l)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrNotCalendar, ln, err)
			}
		}
		if err != nil {
			break
		}
	}
	if root == nil {
		return nil, ErrNotCalendar
	}
	if len(stack) > 0 {
		appLog.Debug("calendar truncated", "open", stack[len(stack)-1].Name)
	}
	return root, nil
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(b []byte) (*Component, error) {
	return Parse(bytes.NewReader(b))
}

// addLine applies one unfolded content line to the component stack.
func addLine(stack []*Component, root **Component, line goical.ContentLine) ([]*Component, error) {
	bp, err := goical.ParseProperty(line)
	if err != nil {
		return stack, err
	}
	if bp == nil {
		return stack, fmt.Errorf("malformed content line %q", truncate(string(line), 40))
	}

	switch name := strings.ToUpper(bp.IANAToken); name {
	case "BEGIN":
		c := &Component{Name: strings.ToUpper(strings.TrimSpace(bp.Value))}
		if *root == nil {
			if c.Name != string(goical.ComponentVCalendar) {
				return stack, fmt.Errorf("expected BEGIN:VCALENDAR, got BEGIN:%s", c.Name)
			}
			*root = c
		} else {
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, c)
		}
		return append(stack, c), nil
	case "END":
		if len(stack) == 0 {
			return stack, errors.New("END before BEGIN")
		}
		top := stack[len(stack)-1]
		if got := strings.ToUpper(strings.TrimSpace(bp.Value)); got != top.Name {
			return stack, fmt.Errorf("END:%s closes %s", got, top.Name)
		}
		return stack[:len(stack)-1], nil
	default:
		if len(stack) == 0 {
			return stack, fmt.Errorf("property %s outside VCALENDAR", name)
		}
		top := stack[len(stack)-1]
		top.Properties = append(top.Properties, convertProperty(bp, string(line)))
		return stack, nil
	}
}

func convertProperty(bp *goical.BaseProperty, line string) *Property {
	p := &Property{
		Name:  strings.ToUpper(bp.IANAToken),
		Value: bp.Value,
		Raw:   rawValue(line),
	}
	if len(bp.ICalParameters) > 0 {
		p.Params = make(map[string][]string, len(bp.ICalParameters))
		for k, vs := range bp.ICalParameters {
			k = strings.ToUpper(k)
			p.Params[k] = append(p.Params[k], vs...)
		}
	}
	return p
}

// rawValue returns everything after the first colon outside a quoted
// parameter value.
func rawValue(line string) string {
	quoted := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			quoted = !quoted
		case ':':
			if !quoted {
				return line[i+1:]
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Get returns the first property with the given name, or nil.
func (c *Component) Get(name string) *Property {
	if c == nil {
		return nil
	}
	name = strings.ToUpper(name)
	for _, p := range c.Properties {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// GetAll returns every property with the given name in document order.
func (c *Component) GetAll(name string) []*Property {
	if c == nil {
		return nil
	}
	name = strings.ToUpper(name)
	var out []*Property
	for _, p := range c.Properties {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

// Has reports whether the property is present.
func (c *Component) Has(name string) bool { return c.Get(name) != nil }

// Components returns the direct children with the given name.
func (c *Component) Components(name string) []*Component {
	if c == nil {
		return nil
	}
	name = strings.ToUpper(name)
	var out []*Component
	for _, ch := range c.Children {
		if ch.Name == name {
			out = append(out, ch)
		}
	}
	return out
}

// Walk enumerates c and its descendants depth-first, keeping those whose
// name is in names (all of them when names is empty).
func (c *Component) Walk(names ...string) []*Component {
	if c == nil {
		return nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToUpper(n)] = true
	}
	var out []*Component
	var visit func(*Component)
	visit = func(n *Component) {
		if len(want) == 0 || want[n.Name] {
			out = append(out, n)
		}
		for _, ch := range n.Children {
			visit(ch)
		}
	}
	visit(c)
	return out
}

// isText reports whether the value is of type TEXT, from VALUE or the
// property's default type.
func (p *Property) isText() bool {
	bp := goical.BaseProperty{IANAToken: p.Name, ICalParameters: p.Params}
	return bp.GetValueType() == goical.ValueDataTypeText
}
