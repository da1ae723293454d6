// Package subscribe indexes active long-poll connections by resource
// path and negotiated profile, and fans notifications out to exactly
// the listeners whose profile matches a triggering event.
package subscribe

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/prepd/internal/negotiate"
)

// Subscription registers one connection's write sinks under a path and
// negotiated profile. Both callbacks write into a single response
// stream and must tolerate being called after the connection has begun
// tearing down.
type Subscription struct {
	Path              string
	Profile           *negotiate.Profile
	WriteNotification func(body string, last bool)
	WriteEnd          func()
}

// Notification describes one fan-out. Generate is called once per distinct
// profile under the path; a falsy (empty) return suppresses delivery to
// that profile's listeners. LastEvent additionally ends every emitter
// for the path.
type Notification struct {
	Path      string
	Generate  func(profile *negotiate.Profile) string
	LastEvent bool
}

// Observer receives engine activity records. Observers run inline
// during engine operations and must not call back into the engine.
type Observer func(Event)

// Event is one engine activity record, consumed by the monitor feed.
type Event struct {
	Kind      string    `json:"kind"` // subscribe, unsubscribe, notify, end
	Path      string    `json:"path"`
	Profile   string    `json:"profile,omitempty"`
	Listeners int       `json:"listeners"`
	Last      bool      `json:"last,omitempty"`
	Time      time.Time `json:"time"`
}

type listener struct {
	notify func(string, bool)
	end    func()
}

// emitter multicasts to every listener registered for one
// (path, profile) bucket. The first-inserted profile instance is the
// canonical one handed to Generate.
type emitter struct {
	profile   *negotiate.Profile
	listeners []*listener
}

// Engine is the subscription index: path → profile → emitter. A single
// mutex guards the index; fan-out holds it for the whole iteration so
// subscribe/unsubscribe cannot race delivery.
type Engine struct {
	mu        sync.Mutex
	paths     map[string]map[string]*emitter
	observers []Observer
	logger    *slog.Logger
}

// NewEngine returns an empty engine. A nil logger is replaced with
// slog.Default.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		paths:  make(map[string]map[string]*emitter),
		logger: logger,
	}
}

// AddObserver registers an activity observer. Must be called before
// the engine is shared across goroutines.
func (e *Engine) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// Subscribe attaches the subscription's write sinks to the emitter for
// its (path, profile) bucket, creating the bucket on first use.
// Profiles are bucketed by structural equality, not identity. The
// returned function unsubscribes; it is idempotent and prunes empty
// buckets.
func (e *Engine) Subscribe(sub Subscription) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := sub.Profile.Key()
	profiles, ok := e.paths[sub.Path]
	if !ok {
		profiles = make(map[string]*emitter)
		e.paths[sub.Path] = profiles
	}
	em, ok := profiles[key]
	if !ok {
		em = &emitter{profile: sub.Profile}
		profiles[key] = em
	}

	l := &listener{notify: sub.WriteNotification, end: sub.WriteEnd}
	em.listeners = append(em.listeners, l)
	e.observe(Event{Kind: "subscribe", Path: sub.Path, Profile: key, Listeners: len(em.listeners)})

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.detach(sub.Path, key, l)
		})
	}
}

// detach removes one listener and prunes empty buckets. Caller holds
// the mutex. Absent paths and buckets are tolerated: the terminal
// fan-out may already have removed them.
func (e *Engine) detach(path, key string, l *listener) {
	profiles, ok := e.paths[path]
	if !ok {
		return
	}
	em, ok := profiles[key]
	if !ok {
		return
	}
	for i, cand := range em.listeners {
		if cand == l {
			em.listeners = append(em.listeners[:i], em.listeners[i+1:]...)
			break
		}
	}
	if len(em.listeners) == 0 {
		delete(profiles, key)
	}
	if len(profiles) == 0 {
		delete(e.paths, path)
	}
	e.observe(Event{Kind: "unsubscribe", Path: path, Profile: key, Listeners: len(em.listeners)})
}

// Notify fans one event out. Listeners for each emitter are invoked
// in registration order over a snapshot, so a listener that
// unsubscribes itself mid-delivery does not corrupt iteration. A
// listener that panics is logged and skipped; it never suppresses the
// rest of the fan-out. Notifying a path with no listeners is a no-op.
func (e *Engine) Notify(n Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()

	profiles, ok := e.paths[n.Path]
	if !ok {
		return
	}

	for key, em := range profiles {
		body := ""
		if n.Generate != nil {
			body = e.generate(n, em.profile)
		}
		snapshot := make([]*listener, len(em.listeners))
		copy(snapshot, em.listeners)

		if body != "" {
			e.observe(Event{Kind: "notify", Path: n.Path, Profile: key, Listeners: len(snapshot), Last: n.LastEvent})
			for _, l := range snapshot {
				e.deliver(n.Path, func() { l.notify(body, n.LastEvent) })
			}
		}
		if n.LastEvent {
			e.observe(Event{Kind: "end", Path: n.Path, Profile: key, Listeners: len(snapshot)})
			for _, l := range snapshot {
				e.deliver(n.Path, func() { l.end() })
			}
		}
	}

	if n.LastEvent {
		// A terminal event closes every emitter for the path.
		delete(e.paths, n.Path)
	}
}

func (e *Engine) generate(n Notification, profile *negotiate.Profile) (body string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notification generator panicked", "path", n.Path, "panic", r)
			body = ""
		}
	}()
	return n.Generate(profile)
}

func (e *Engine) deliver(path string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("subscriber write panicked", "path", path, "panic", r)
		}
	}()
	fn()
}

func (e *Engine) observe(ev Event) {
	if len(e.observers) == 0 {
		return
	}
	ev.Time = time.Now().UTC()
	for _, o := range e.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("engine observer panicked", "panic", r)
				}
			}()
			o(ev)
		}()
	}
}

// Snapshot reports listener counts per path and profile key, for the
// monitor endpoint.
func (e *Engine) Snapshot() map[string]map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]map[string]int, len(e.paths))
	for path, profiles := range e.paths {
		inner := make(map[string]int, len(profiles))
		for key, em := range profiles {
			inner[key] = len(em.listeners)
		}
		out[path] = inner
	}
	return out
}
