package sfield

import (
	"strconv"
	"strings"
)

// SerializeList renders a list back to header form. Extra parameter
// maps are not serialized; they are negotiation scratch state, never
// wire data.
func SerializeList(l List) string {
	parts := make([]string, len(l))
	for i, it := range l {
		parts[i] = SerializeItem(it)
	}
	return strings.Join(parts, ", ")
}

// SerializeItem renders one item with its parameters.
func SerializeItem(it Item) string {
	var b strings.Builder
	b.WriteString(serializeBare(it.Value))
	writeParams(&b, it.Params)
	return b.String()
}

func writeParams(b *strings.Builder, p *Params) {
	for _, name := range p.Names() {
		v, _ := p.Get(name)
		b.WriteByte(';')
		b.WriteString(name)
		if v == true {
			continue
		}
		b.WriteByte('=')
		if inner, ok := v.(List); ok {
			b.WriteByte('(')
			for i, it := range inner {
				if i > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(SerializeItem(it))
			}
			b.WriteByte(')')
			continue
		}
		b.WriteString(serializeBare(v))
	}
}

func serializeBare(v any) string {
	switch t := v.(type) {
	case Token:
		return string(t)
	case string:
		var b strings.Builder
		b.WriteByte('"')
		for i := 0; i < len(t); i++ {
			if t[i] == '"' || t[i] == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(t[i])
		}
		b.WriteByte('"')
		return b.String()
	case bool:
		if t {
			return "?1"
		}
		return "?0"
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
