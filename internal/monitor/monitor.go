// Package monitor exposes operational debug endpoints over the
// subscription engine: a JSON snapshot of the index and a live
// websocket feed of engine activity.
package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/prepd/internal/buildinfo"
	"github.com/nugget/prepd/internal/subscribe"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Monitor serves the debug endpoints and fans engine activity out to
// connected websocket clients.
type Monitor struct {
	engine   *subscribe.Engine
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	feeds map[chan subscribe.Event]struct{}
}

// New creates a Monitor and registers it as an engine observer. Call
// before the engine starts serving requests.
func New(engine *subscribe.Engine, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		engine: engine,
		logger: logger,
		feeds:  make(map[chan subscribe.Event]struct{}),
	}
	engine.AddObserver(m.broadcast)
	return m
}

// broadcast pushes one activity record to every connected feed. A
// slow feed drops records rather than stalling the engine.
func (m *Monitor) broadcast(ev subscribe.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.feeds {
		select {
		case ch <- ev:
		default:
		}
	}
}

// RegisterRoutes adds the debug endpoints to a mux.
func (m *Monitor) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /debug/prep/subscriptions", m.handleSubscriptions)
	mux.HandleFunc("GET /debug/prep/events", m.handleEvents)
	mux.HandleFunc("GET /debug/prep/health", m.handleHealth)
}

func (m *Monitor) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	snap := m.engine.Snapshot()
	total := 0
	for _, profiles := range snap {
		for _, n := range profiles {
			total += n
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"paths":     snap,
		"listeners": total,
	}, m.logger)
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status": "healthy",
		"build":  buildinfo.Runtime(),
	}, m.logger)
}

// handleEvents upgrades to a websocket and streams activity records
// until the client goes away.
func (m *Monitor) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan subscribe.Event, 64)
	m.mu.Lock()
	m.feeds[ch] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.feeds, ch)
		m.mu.Unlock()
	}()

	// Read pump: discard client frames, notice the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					m.logger.Debug("websocket read ended", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				m.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

// AccessLog wraps a handler with request logging. Each request gets a
// correlation id so streamed responses can be traced across their
// lifetime.
func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.New().String()
		next.ServeHTTP(w, r)
		logger.Info("request",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
