package sfield

import (
	"testing"
)

func TestParseListBasic(t *testing.T) {
	list, err := ParseList(`"prep", foo;q=0.5, ?1`)
	if err != nil {
		t.Fatalf("ParseList() error: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("ParseList() returned %d items, want 3", len(list))
	}
	if list[0].Value != "prep" {
		t.Errorf("item 0 value = %v, want %q", list[0].Value, "prep")
	}
	if list[1].Value != Token("foo") {
		t.Errorf("item 1 value = %v, want token foo", list[1].Value)
	}
	q, ok := list[1].Params.Get("q")
	if !ok || q != 0.5 {
		t.Errorf("item 1 q = %v (%v), want 0.5", q, ok)
	}
	if list[2].Value != true {
		t.Errorf("item 2 value = %v, want true", list[2].Value)
	}
}

func TestParseNestedParameters(t *testing.T) {
	list, err := ParseList(`"prep";accept=("message/rfc822";delta=("text/plain" "text/diff"));duration=600`)
	if err != nil {
		t.Fatalf("ParseList() error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ParseList() returned %d items, want 1", len(list))
	}

	accept, ok := list[0].Params.Get("accept")
	if !ok {
		t.Fatal("accept parameter missing")
	}
	types, ok := accept.(List)
	if !ok || len(types) != 1 {
		t.Fatalf("accept = %#v, want inner list of 1", accept)
	}
	if types[0].Value != "message/rfc822" {
		t.Errorf("accept[0] = %v, want message/rfc822", types[0].Value)
	}

	delta, ok := types[0].Params.Get("delta")
	if !ok {
		t.Fatal("delta parameter missing on inner item")
	}
	alts, ok := delta.(List)
	if !ok || len(alts) != 2 {
		t.Fatalf("delta = %#v, want inner list of 2", delta)
	}
	if alts[0].Value != "text/plain" || alts[1].Value != "text/diff" {
		t.Errorf("delta alternatives = %v, %v", alts[0].Value, alts[1].Value)
	}

	dur, ok := list[0].Params.Get("duration")
	if !ok || dur != int64(600) {
		t.Errorf("duration = %v (%v), want 600", dur, ok)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"unterminated string", `"prep`},
		{"unterminated inner list", `a;accept=("x"`},
		{"trailing comma", `a, `},
		{"bad boolean", `?2`},
		{"dangling escape", `"a\`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseList(tc.input); err == nil {
				t.Errorf("ParseList(%q) succeeded, want error", tc.input)
			}
		})
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	inputs := []string{
		`"prep";accept=("message/rfc822";delta="text/plain")`,
		`foo;q=0.5, bar, "baz qux";flag`,
		`a;n=-3;d=1.25;b=?0`,
	}
	for _, in := range inputs {
		list, err := ParseList(in)
		if err != nil {
			t.Fatalf("ParseList(%q) error: %v", in, err)
		}
		out := SerializeList(list)
		again, err := ParseList(out)
		if err != nil {
			t.Fatalf("reparse of %q error: %v", out, err)
		}
		if len(again) != len(list) {
			t.Fatalf("round trip of %q changed length", in)
		}
		for i := range list {
			if !Equal(list[i], again[i]) {
				t.Errorf("round trip of %q: item %d differs (%q)", in, i, out)
			}
		}
	}
}

func TestEqual(t *testing.T) {
	a, err := ParseItem(`"message/rfc822";delta="text/plain"`)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseItem(`"MESSAGE/RFC822";delta="text/plain"`)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(a, b) {
		t.Error("case-insensitive bare values should compare equal")
	}

	c, err := ParseItem(`"message/rfc822";delta="text/diff"`)
	if err != nil {
		t.Fatal(err)
	}
	if Equal(a, c) {
		t.Error("differing parameter values should not compare equal")
	}

	d := a.Clone()
	d.Extra = NewParams()
	d.Extra.Set("delta", List{NewItem("text/diff")})
	if Equal(a, d) {
		t.Error("extra params participate in structural equality")
	}
}

func TestParamsOrderAndDelete(t *testing.T) {
	p := NewParams()
	p.Set("b", int64(1))
	p.Set("a", int64(2))
	p.Set("b", int64(3))

	names := p.Names()
	if len(names) != 2 || names[0] != "b" || names[1] != "a" {
		t.Fatalf("Names() = %v, want [b a]", names)
	}
	v, _ := p.Get("b")
	if v != int64(3) {
		t.Errorf("overwrite lost: b = %v", v)
	}

	p.Delete("b")
	if _, ok := p.Get("b"); ok {
		t.Error("Delete() left the value behind")
	}
	p.Delete("b") // absent delete is a no-op
	if got := p.Names(); len(got) != 1 || got[0] != "a" {
		t.Errorf("Names() after delete = %v, want [a]", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig, err := ParseItem(`x;list=(a b)`)
	if err != nil {
		t.Fatal(err)
	}
	cl := orig.Clone()
	v, _ := cl.Params.Get("list")
	v.(List)[0] = NewItem(Token("mutated"))
	ov, _ := orig.Params.Get("list")
	if ov.(List)[0].Value != Token("a") {
		t.Error("Clone() shares nested list storage with the original")
	}
}
