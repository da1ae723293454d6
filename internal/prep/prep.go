// Package prep implements the Per-Resource Events Protocol middleware:
// a GET response that carries the resource representation and a live
// stream of subsequent modification notifications in one nested
// multipart body. Handlers obtain the per-request Session via
// FromRequest and drive it with Configure, Send, and Trigger.
package prep

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/prepd/internal/eventid"
	"github.com/nugget/prepd/internal/sfield"
	"github.com/nugget/prepd/internal/subscribe"
)

// Options tunes the middleware. Zero values fall back to the protocol
// defaults.
type Options struct {
	// AcceptTypes is the default notification format offer used when
	// Configure is called without an explicit config fragment.
	AcceptTypes []string

	// DefaultDuration is how long a stream stays open when the client
	// does not ask for a duration (default 1h).
	DefaultDuration time.Duration

	// MaxDuration caps client-requested durations (default 2h).
	MaxDuration time.Duration

	// DisableQuirks turns off the Firefox buffering workaround.
	DisableQuirks bool

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if len(o.AcceptTypes) == 0 {
		o.AcceptTypes = []string{"message/rfc822"}
	}
	if o.DefaultDuration <= 0 {
		o.DefaultDuration = time.Hour
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 2 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Middleware wires the subscription engine and event-id store into
// request handling.
type Middleware struct {
	engine *subscribe.Engine
	ids    *eventid.Store
	opts   Options
}

// New returns a middleware over the given engine and event-id store.
func New(engine *subscribe.Engine, ids *eventid.Store, opts Options) *Middleware {
	return &Middleware{engine: engine, ids: ids, opts: opts.withDefaults()}
}

type ctxKey struct{}

// Wrap attaches a Session to every request and, after the handler
// returns and the response has flushed, drains the session's deferred
// trigger queue. Draining after return is what gives Trigger its
// "after the current handler completes" ordering.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := &Session{
			w:      w,
			r:      r,
			m:      m,
			logger: m.opts.Logger,
			rc:     http.NewResponseController(w),
			done:   make(chan struct{}),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, s)))
		s.drainDeferred()
	})
}

// FromRequest returns the request's Session, or nil when the request
// did not pass through the middleware.
func FromRequest(r *http.Request) *Session {
	s, _ := r.Context().Value(ctxKey{}).(*Session)
	return s
}

// Session is the per-request protocol surface.
type Session struct {
	w      http.ResponseWriter
	r      *http.Request
	m      *Middleware
	logger *slog.Logger
	rc     *http.ResponseController

	// config holds the parsed server offer after a successful
	// Configure call.
	config *sfield.Params

	mu          sync.Mutex
	deferred    []func()
	connected   bool
	unsubscribe func()

	// Stream state, guarded by writeMu once Send has taken over.
	writeMu        sync.Mutex
	mixedBoundary  string
	digestBoundary string
	skipBody       bool
	digestClosed   bool
	envelopeClosed bool
	quirk          bool

	done      chan struct{}
	closeOnce sync.Once
}

// Configure declares the server's PREP offer for this resource. An
// empty config uses the default accept list. On success the offer is
// appended to the Accept-Events response header and retained for
// negotiation; on a parse failure the returned handshake carries
// status 500 for the Events header.
func (s *Session) Configure(config string) *Handshake {
	if config == "" {
		quoted := make([]string, len(s.m.opts.AcceptTypes))
		for i, t := range s.m.opts.AcceptTypes {
			quoted[i] = `"` + t + `"`
		}
		config = "accept=(" + strings.Join(quoted, " ") + ")"
	}
	offer := `"prep";` + config

	list, err := sfield.ParseList(offer)
	if err != nil || len(list) == 0 {
		s.logger.Error("unparseable Accept-Events offer", "offer", offer, "error", err)
		return &Handshake{Protocol: "prep", Status: http.StatusInternalServerError}
	}

	s.config = list[0].Params
	appendValue(s.w.Header(), "Accept-Events", offer)
	return nil
}

// SetEventID assigns a fresh event id to a path (default: the request
// path) and returns it. Mutation handlers call this before Trigger.
func (s *Session) SetEventID(path ...string) string {
	p := s.r.URL.Path
	if len(path) > 0 && path[0] != "" {
		p = path[0]
	}
	return s.m.ids.Set(p)
}

// LastEventID returns the most recent event id for a path, or empty.
func (s *Session) LastEventID(path string) string {
	return s.m.ids.Last(path)
}

// drainDeferred flushes the response, then runs the trigger queue.
func (s *Session) drainDeferred() {
	s.mu.Lock()
	queue := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	if len(queue) == 0 {
		return
	}
	if err := s.rc.Flush(); err != nil {
		s.logger.Debug("flush before trigger drain failed", "error", err)
	}
	for _, fn := range queue {
		fn()
	}
}

// disconnect tears the subscription down exactly once.
func (s *Session) disconnect(cause string) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	unsub := s.unsubscribe
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.logger.Debug("prep stream closed", "path", s.r.URL.Path, "cause", cause)
}

func appendValue(h http.Header, name, value string) {
	if existing := h.Get(name); existing != "" {
		h.Set(name, existing+", "+value)
		return
	}
	h.Set(name, value)
}

func addVary(h http.Header, value string) {
	for _, existing := range h.Values("Vary") {
		for _, field := range strings.Split(existing, ",") {
			if strings.EqualFold(strings.TrimSpace(field), value) {
				return
			}
		}
	}
	h.Add("Vary", value)
}

// AcceptEventsParams extracts the parameters of the first prep item in
// the request's Accept-Events header. Parsing this header is the job
// of an adjacent middleware in larger deployments; the helper lives
// here so small servers and tests need nothing extra.
func AcceptEventsParams(r *http.Request) (*sfield.Params, bool) {
	raw := r.Header.Get("Accept-Events")
	if raw == "" {
		return nil, false
	}
	list, err := sfield.ParseList(raw)
	if err != nil {
		return nil, false
	}
	for _, it := range list {
		if strings.EqualFold(it.BareString(), "prep") {
			return it.Params, true
		}
	}
	return nil, false
}
