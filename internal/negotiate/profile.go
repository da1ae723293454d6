package negotiate

import (
	"sort"
	"strings"

	"github.com/nugget/prepd/internal/sfield"
)

// Profile is the negotiated content specification that keys
// subscriptions. It is an ordered mapping; content-type is the only
// entry defined today. Two profiles are equal iff their mappings are
// structurally deep-equal, and Key renders the canonical normalized
// form used as the actual map key.
type Profile struct {
	names []string
	m     map[string]sfield.Item
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{m: make(map[string]sfield.Item)}
}

// Get returns the item stored under name.
func (p *Profile) Get(name string) (sfield.Item, bool) {
	if p == nil {
		return sfield.Item{}, false
	}
	it, ok := p.m[name]
	return it, ok
}

// Set stores an item, keeping first-insertion order.
func (p *Profile) Set(name string, item sfield.Item) {
	if _, ok := p.m[name]; !ok {
		p.names = append(p.names, name)
	}
	p.m[name] = item
}

// Names returns entry names in insertion order.
func (p *Profile) Names() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := NewProfile()
	for _, name := range p.names {
		out.Set(name, p.m[name].Clone())
	}
	return out
}

// Equal reports structural equality of two profiles.
func (p *Profile) Equal(o *Profile) bool {
	if p == nil || o == nil {
		return p == o
	}
	if len(p.names) != len(o.names) {
		return false
	}
	for name, it := range p.m {
		ot, ok := o.m[name]
		if !ok || !sfield.Equal(it, ot) {
			return false
		}
	}
	return true
}

// Key returns the canonical string for subscription bucketing:
// lowercased values, parameters sorted by name, extra params ignored.
// Profiles that compare Equal produce identical keys.
func (p *Profile) Key() string {
	names := p.Names()
	sort.Strings(names)
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('|')
		}
		it := p.m[name]
		b.WriteString(strings.ToLower(name))
		b.WriteByte('=')
		b.WriteString(strings.ToLower(it.BareString()))
		pnames := it.Params.Names()
		sort.Strings(pnames)
		for _, pn := range pnames {
			v, _ := it.Params.Get(pn)
			b.WriteByte(';')
			b.WriteString(strings.ToLower(pn))
			b.WriteByte('=')
			b.WriteString(strings.ToLower(canonicalValue(v)))
		}
	}
	return b.String()
}

func canonicalValue(v any) string {
	if l, ok := v.(sfield.List); ok {
		parts := make([]string, len(l))
		for i, it := range l {
			parts[i] = sfield.SerializeItem(it)
		}
		return "(" + strings.Join(parts, " ") + ")"
	}
	return sfield.SerializeItem(sfield.Item{Value: v})
}

// Cleanup strips Extra from every entry and canonicalizes parameter
// names to lower case, returning the subscription-key-safe profile.
// The input is not modified. Cleanup is idempotent.
func Cleanup(p *Profile) *Profile {
	if p == nil {
		return nil
	}
	out := NewProfile()
	for _, name := range p.Names() {
		it, _ := p.Get(name)
		clean := sfield.Item{Value: it.Value, Params: sfield.NewParams()}
		for _, pn := range it.Params.Names() {
			v, _ := it.Params.Get(pn)
			clean.Params.Set(strings.ToLower(pn), v)
		}
		out.Set(strings.ToLower(name), clean)
	}
	return out
}
