package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/prepd/internal/mqttbridge"
	"github.com/nugget/prepd/internal/prep"
)

// resource is the single in-memory text resource served at /. GET
// upgrades to a notification stream when the client asks for prep;
// the write verbs replace the body, assign an event id, and trigger.
type resource struct {
	bridge *mqttbridge.Bridge
	logger *slog.Logger

	mu   sync.Mutex
	body string
	gone bool
}

func newResource(bridge *mqttbridge.Bridge, logger *slog.Logger) *resource {
	return &resource{
		bridge: bridge,
		logger: logger,
		body:   "The quick brown fox jumped over the lazy dog.\n",
	}
}

func (res *resource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		res.handleGet(w, r)
	case http.MethodPatch, http.MethodPut, http.MethodPost:
		res.handleWrite(w, r)
	case http.MethodDelete:
		res.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, PATCH, PUT, POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (res *resource) handleGet(w http.ResponseWriter, r *http.Request) {
	res.mu.Lock()
	body, gone := res.body, res.gone
	res.mu.Unlock()
	if gone {
		http.NotFound(w, r)
		return
	}

	s := prep.FromRequest(r)
	params, wantsPrep := prep.AcceptEventsParams(r)
	if s == nil || !wantsPrep {
		res.servePlain(w, body)
		return
	}

	if h := s.Configure(""); h != nil {
		w.Header().Set("Events", h.Header())
		res.servePlain(w, body)
		return
	}
	if h := s.Send(prep.SendOptions{
		Headers: [][2]string{{"Content-Type", "text/plain"}},
		Body:    body,
		Params:  params,
	}); h != nil {
		w.Header().Set("Events", h.Header())
		res.servePlain(w, body)
	}
}

func (res *resource) servePlain(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, body)
}

func (res *resource) handleWrite(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	res.mu.Lock()
	res.body = string(data)
	res.gone = false
	res.mu.Unlock()

	s := prep.FromRequest(r)
	id := s.SetEventID()
	w.Header().Set("Event-ID", id)
	w.Header().Set("Content-Location", "/")
	w.WriteHeader(http.StatusNoContent)

	s.Trigger(prep.TriggerOptions{})
	res.announce(r.Method, id, false)
}

func (res *resource) handleDelete(w http.ResponseWriter, r *http.Request) {
	res.mu.Lock()
	res.body = ""
	res.gone = true
	res.mu.Unlock()

	s := prep.FromRequest(r)
	id := s.SetEventID()
	w.Header().Set("Event-ID", id)
	w.WriteHeader(http.StatusNoContent)

	s.Trigger(prep.TriggerOptions{})
	res.announce(r.Method, id, true)
}

// announce forwards the mutation to the other instances when the MQTT
// bridge is up. Failures are logged, never surfaced: local subscribers
// are notified through Trigger, independently of the bridge.
func (res *resource) announce(method, eventID string, last bool) {
	if res.bridge == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rec := mqttbridge.Record{Path: "/", Method: method, EventID: eventID, Last: last}
		if err := res.bridge.Announce(ctx, rec); err != nil {
			res.logger.Debug("mqtt announce failed", "method", method, "error", err)
		}
	}()
}
