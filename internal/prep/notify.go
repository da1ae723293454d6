package prep

import (
	"net/http"
	"time"

	"github.com/nugget/prepd/internal/negotiate"
	"github.com/nugget/prepd/internal/subscribe"
	"github.com/nugget/prepd/internal/template"
)

// TriggerOptions parameterizes one notification fan-out. Zero values
// take their defaults from the current request: the request path, the
// default notification, and — for a DELETE of the request path — a
// terminal event.
type TriggerOptions struct {
	Path      string
	Generate  func(*negotiate.Profile) string
	LastEvent *bool
}

// Trigger schedules a notification for every subscriber of the path.
// The fan-out runs after the current handler returns and its response
// has flushed, so a handler never races its own response — including
// the case where this same connection holds a subscription to the
// path it just mutated. Trigger never blocks.
func (s *Session) Trigger(opts TriggerOptions) {
	path := opts.Path
	if path == "" {
		path = s.r.URL.Path
	}
	last := path == s.r.URL.Path && s.r.Method == http.MethodDelete
	if opts.LastEvent != nil {
		last = *opts.LastEvent
	}
	gen := opts.Generate
	if gen == nil {
		gen = func(p *negotiate.Profile) string {
			n := s.DefaultNotification(template.Notification{})
			// Non-implicit part headers sit between the boundary line
			// and the blank line the default notification opens with.
			if ph := template.PartHeader(p); ph != "" {
				return ph + n
			}
			return n
		}
	}

	s.mu.Lock()
	s.deferred = append(s.deferred, func() {
		s.m.engine.Notify(subscribe.Notification{Path: path, Generate: gen, LastEvent: last})
	})
	s.mu.Unlock()
}

// DefaultNotification fills the notification's blanks from the current
// exchange — request method, response Date, Event-ID and
// Content-Location headers — and renders it, prefixed with the CRLF
// that separates a digest part's (empty) headers from its content.
func (s *Session) DefaultNotification(n template.Notification) string {
	if n.Method == "" {
		n.Method = s.r.Method
	}
	if n.Date == "" {
		if d := s.w.Header().Get("Date"); d != "" {
			n.Date = d
		} else {
			n.Date = time.Now().UTC().Format(http.TimeFormat)
		}
	}
	if n.EventID == "" {
		n.EventID = s.w.Header().Get("Event-ID")
	}
	if n.Location == "" {
		n.Location = s.w.Header().Get("Content-Location")
	}
	return "\r\n" + template.RFC822(n)
}
