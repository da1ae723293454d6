// Package negotiate implements content negotiation between a client's
// Accept-Events parameters and a server-declared offer. Matching is
// case-insensitive on bare values; parameters the offer cannot satisfy
// verbatim (and list-valued alternatives like delta=(...)) are carried
// through on the matched item's Extra map so the application can pick
// among them before the profile becomes a subscription key.
package negotiate

import (
	"sort"
	"strings"

	"github.com/nugget/prepd/internal/sfield"
)

// MatchItem compares a requested item against an allowed one. ok is
// false when the bare values differ. On a match, extra is nil for a
// verbatim match, or the set of request parameters that are list-valued
// or differ from the allowed item's parameters.
func MatchItem(req, allowed sfield.Item) (extra *sfield.Params, ok bool) {
	if !strings.EqualFold(req.BareString(), allowed.BareString()) {
		return nil, false
	}
	return mismatched(req, allowed), true
}

// MatchType is MatchItem with media-type wildcard rules: */* matches
// any type, type/* matches any subtype of type.
func MatchType(req, allowed sfield.Item) (extra *sfield.Params, ok bool) {
	if !typeMatches(req.BareString(), allowed.BareString()) {
		return nil, false
	}
	return mismatched(req, allowed), true
}

func typeMatches(req, allowed string) bool {
	if req == "*/*" {
		return true
	}
	reqType, reqSub, okReq := strings.Cut(req, "/")
	allType, allSub, okAll := strings.Cut(allowed, "/")
	if !okReq || !okAll {
		return strings.EqualFold(req, allowed)
	}
	if !strings.EqualFold(reqType, allType) {
		return false
	}
	return reqSub == "*" || strings.EqualFold(reqSub, allSub)
}

// mismatched collects the request parameters the allowed item does not
// carry verbatim, plus every list-valued parameter. Returns nil when
// the request introduces nothing of its own. The q parameter is a
// sort key, never a mismatch.
func mismatched(req, allowed sfield.Item) *sfield.Params {
	var extra *sfield.Params
	for _, name := range req.Params.Names() {
		if name == "q" {
			continue
		}
		rv, _ := req.Params.Get(name)
		if _, isList := rv.(sfield.List); !isList {
			if av, ok := allowed.Params.Get(name); ok && scalarEqual(rv, av) {
				continue
			}
		}
		if extra == nil {
			extra = sfield.NewParams()
		}
		if l, isList := rv.(sfield.List); isList {
			extra.Set(name, l.Clone())
		} else {
			extra.Set(name, rv)
		}
	}
	return extra
}

func scalarEqual(a, b any) bool {
	as, aText := textValue(a)
	bs, bText := textValue(b)
	if aText && bText {
		return strings.EqualFold(as, bs)
	}
	return a == b
}

func textValue(v any) (string, bool) {
	switch t := v.(type) {
	case sfield.Token:
		return string(t), true
	case string:
		return t, true
	}
	return "", false
}

// SortByQ orders a requested list for negotiation: specificity
// descending (full type, then type/*, then */*), quality descending,
// insertion order last. The input is not modified.
func SortByQ(requested sfield.List) sfield.List {
	sorted := make(sfield.List, len(requested))
	copy(sorted, requested)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := specificity(sorted[i]), specificity(sorted[j])
		if si != sj {
			return si > sj
		}
		return quality(sorted[i]) > quality(sorted[j])
	})
	return sorted
}

func specificity(it sfield.Item) int {
	bare := it.BareString()
	if bare == "*/*" {
		return 0
	}
	if strings.HasSuffix(bare, "/*") {
		return 1
	}
	return 2
}

func quality(it sfield.Item) float64 {
	v, ok := it.Params.Get("q")
	if !ok {
		return 1
	}
	switch q := v.(type) {
	case float64:
		return q
	case int64:
		return float64(q)
	}
	return 1
}

// NegotiateList returns every allowed item some requested item matches.
// Matched items keep their own parameters; a partial match additionally
// carries the request's unmatched parameters on Extra.
func NegotiateList(requested, allowed sfield.List) sfield.List {
	var out sfield.List
	for _, allow := range allowed {
		for _, req := range requested {
			extra, ok := MatchItem(req, allow)
			if !ok {
				continue
			}
			picked := allow.Clone()
			picked.Extra = extra
			out = append(out, picked)
			break
		}
	}
	return out
}

// NegotiateItem returns the first allowed item matched by the requested
// list, highest quality first. ok is false when nothing matches.
func NegotiateItem(requested, allowed sfield.List) (sfield.Item, bool) {
	return negotiateFirst(requested, allowed, MatchItem)
}

// NegotiateType is NegotiateItem over media types.
func NegotiateType(requested, allowed sfield.List) (sfield.Item, bool) {
	return negotiateFirst(requested, allowed, MatchType)
}

func negotiateFirst(requested, allowed sfield.List, match func(req, allowed sfield.Item) (*sfield.Params, bool)) (sfield.Item, bool) {
	for _, req := range SortByQ(requested) {
		for _, allow := range allowed {
			extra, ok := match(req, allow)
			if !ok {
				continue
			}
			picked := allow.Clone()
			picked.Extra = extra
			return picked, true
		}
	}
	return sfield.Item{}, false
}

// NegotiateContent matches request fields against the server offer and
// produces the event profile. Only the accept field is defined today; a
// request without one defaults to */*. ok is false when no offered
// media type matches. Callers treat the result as immutable; the
// application hook operates on a replacement.
func NegotiateContent(request, allowed *sfield.Params) (*Profile, bool) {
	reqAccept := fieldList(request, "accept")
	if reqAccept == nil {
		reqAccept = sfield.List{sfield.NewItem(sfield.Token("*/*"))}
	}
	allowAccept := fieldList(allowed, "accept")
	if allowAccept == nil {
		return nil, false
	}

	item, ok := NegotiateType(reqAccept, allowAccept)
	if !ok {
		return nil, false
	}

	p := NewProfile()
	p.Set("content-type", item)
	return p, true
}

func fieldList(p *sfield.Params, name string) sfield.List {
	v, ok := p.Get(name)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case sfield.List:
		return t
	case sfield.Token, string:
		return sfield.List{sfield.NewItem(v)}
	}
	return nil
}
