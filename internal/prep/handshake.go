package prep

import (
	"github.com/dunglas/httpsfv"
)

// Handshake is the structured value a caller serializes into the
// Events response header when a request cannot be upgraded to a
// notification stream. Protocol errors are values, not Go errors,
// because they travel to the client inside a header.
type Handshake struct {
	Protocol string
	Status   int
}

// Dictionary returns the handshake as an RFC 8941 dictionary.
func (h *Handshake) Dictionary() *httpsfv.Dictionary {
	d := httpsfv.NewDictionary()
	d.Add("protocol", httpsfv.NewItem(httpsfv.Token(h.Protocol)))
	d.Add("status", httpsfv.NewItem(int64(h.Status)))
	return d
}

// Header renders the handshake for the Events response header.
func (h *Handshake) Header() string {
	v, err := httpsfv.Marshal(h.Dictionary())
	if err != nil {
		// A two-member token/integer dictionary cannot fail to
		// serialize; keep the header well-formed regardless.
		return "protocol=" + h.Protocol
	}
	return v
}
