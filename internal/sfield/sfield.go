// Package sfield models HTTP structured-field lists and items for the
// PREP notification headers. It implements RFC 8941 lists and items
// plus one extension the protocol depends on: an item parameter whose
// value is itself an inner list of items (e.g. delta=("text/plain"
// "text/diff")). Plain RFC 8941 libraries reject that shape, so the
// parser and serializer live here; the standards-conformant Events
// dictionary is handled with github.com/dunglas/httpsfv by the callers.
package sfield

import (
	"strings"
)

// Token is a bare token value. Tokens serialize without quotes;
// ordinary strings are quoted.
type Token string

// Item is one member of a structured list: a bare value, its ordered
// parameters, and an optional second parameter map. The second map
// carries parameters the negotiator could not match verbatim (or that
// are list-valued) so downstream code can inspect the alternatives; it
// never survives profile cleanup.
type Item struct {
	Value  any // Token, string, int64, float64, or bool
	Params *Params
	Extra  *Params
}

// NewItem returns an item with an empty parameter map.
func NewItem(value any) Item {
	return Item{Value: value, Params: NewParams()}
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	return Item{Value: it.Value, Params: it.Params.Clone(), Extra: it.Extra.Clone()}
}

// BareString returns the bare value rendered as text: tokens and
// strings verbatim, everything else in serialized form.
func (it Item) BareString() string {
	switch v := it.Value.(type) {
	case Token:
		return string(v)
	case string:
		return v
	default:
		return serializeBare(it.Value)
	}
}

// List is an ordered sequence of items. Duplicate bare values are
// permitted.
type List []Item

// Clone returns a deep copy of the list.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	out := make(List, len(l))
	for i, it := range l {
		out[i] = it.Clone()
	}
	return out
}

// Params is an ordered parameter map. Values are bare values (Token,
// string, int64, float64, bool) or, under the nested extension, a List.
type Params struct {
	names []string
	m     map[string]any
}

// NewParams returns an empty parameter map.
func NewParams() *Params {
	return &Params{m: make(map[string]any)}
}

// Get returns the value for name and whether it is present.
func (p *Params) Get(name string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.m[name]
	return v, ok
}

// Set stores a value, appending the name on first insertion and
// keeping its position on overwrite.
func (p *Params) Set(name string, value any) {
	if _, ok := p.m[name]; !ok {
		p.names = append(p.names, name)
	}
	p.m[name] = value
}

// Delete removes a parameter. Removing an absent name is a no-op.
func (p *Params) Delete(name string) {
	if p == nil {
		return
	}
	if _, ok := p.m[name]; !ok {
		return
	}
	delete(p.m, name)
	for i, n := range p.names {
		if n == name {
			p.names = append(p.names[:i], p.names[i+1:]...)
			break
		}
	}
}

// Names returns the parameter names in insertion order.
func (p *Params) Names() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Len returns the number of parameters. Safe on a nil receiver.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.names)
}

// Clone returns a deep copy, or nil for a nil receiver.
func (p *Params) Clone() *Params {
	if p == nil {
		return nil
	}
	out := NewParams()
	for _, name := range p.names {
		if l, ok := p.m[name].(List); ok {
			out.Set(name, l.Clone())
			continue
		}
		out.Set(name, p.m[name])
	}
	return out
}

// Equal reports structural deep equality of two items. Bare values are
// compared case-insensitively for tokens and strings, parameter maps
// are compared as sets (insertion order does not affect equality), and
// nested lists are compared element-wise in order.
func Equal(a, b Item) bool {
	if !bareEqual(a.Value, b.Value) {
		return false
	}
	return paramsEqual(a.Params, b.Params) && paramsEqual(a.Extra, b.Extra)
}

func bareEqual(a, b any) bool {
	at, aText := textOf(a)
	bt, bText := textOf(b)
	if aText && bText {
		return strings.EqualFold(at, bt)
	}
	return a == b
}

func textOf(v any) (string, bool) {
	switch t := v.(type) {
	case Token:
		return string(t), true
	case string:
		return t, true
	}
	return "", false
}

func paramsEqual(a, b *Params) bool {
	if a.Len() != b.Len() {
		return false
	}
	if a == nil || b == nil {
		return true
	}
	for name, av := range a.m {
		bv, ok := b.m[name]
		if !ok {
			return false
		}
		if !valueEqual(av, bv) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	al, aList := a.(List)
	bl, bList := b.(List)
	if aList != bList {
		return false
	}
	if aList {
		if len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !Equal(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return bareEqual(a, b)
}
