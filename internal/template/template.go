// Package template renders message/rfc822 notification bodies and the
// per-part headers that precede them in the digest stream.
package template

import (
	"strings"

	"github.com/nugget/prepd/internal/negotiate"
	"github.com/nugget/prepd/internal/sfield"
)

// Notification is the field set of one rfc822 notification body.
// Optional fields render nothing when empty.
type Notification struct {
	Method   string
	Date     string
	EventID  string
	ETag     string
	Location string
	Delta    string
}

// RFC822 renders the notification: Method and Date lines, the optional
// lines that are set, a blank line, and the delta body iff the method
// is a write verb (PUT, PATCH, POST) and a delta was supplied.
func RFC822(n Notification) string {
	// Field names are written exactly as given (Event-ID, ETag), not in
	// MIME-canonical form.
	var b strings.Builder
	b.WriteString("Method: " + n.Method + "\r\n")
	b.WriteString("Date: " + n.Date + "\r\n")
	if n.EventID != "" {
		b.WriteString("Event-ID: " + n.EventID + "\r\n")
	}
	if n.ETag != "" {
		b.WriteString("ETag: " + n.ETag + "\r\n")
	}
	if n.Location != "" {
		b.WriteString("Location: " + n.Location + "\r\n")
	}
	b.WriteString("\r\n")
	if n.Delta != "" && strings.HasPrefix(n.Method, "P") {
		b.WriteString(n.Delta)
	}
	return b.String()
}

// PartHeader renders the digest-part headers for a negotiated profile:
// one Train-Case line per content-* entry, with content-type
// message/rfc822 omitted because the digest implies it. Returns empty
// for the common implicit case.
func PartHeader(p *negotiate.Profile) string {
	var b strings.Builder
	for _, name := range p.Names() {
		item, _ := p.Get(name)
		if name == "content-type" && strings.EqualFold(item.BareString(), "message/rfc822") {
			continue
		}
		b.WriteString(trainCase(name))
		b.WriteString(": ")
		b.WriteString(strings.ToLower(sfield.SerializeItem(item)))
		b.WriteString("\r\n")
	}
	return b.String()
}

func trainCase(name string) string {
	segments := strings.Split(name, "-")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		segments[i] = strings.ToUpper(seg[:1]) + strings.ToLower(seg[1:])
	}
	return strings.Join(segments, "-")
}
