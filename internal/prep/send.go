package prep

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dunglas/httpsfv"

	"github.com/nugget/prepd/internal/config"
	"github.com/nugget/prepd/internal/negotiate"
	"github.com/nugget/prepd/internal/sfield"
	"github.com/nugget/prepd/internal/subscribe"
)

// Modifiers are the application hooks Send consults between
// negotiation and streaming.
type Modifiers struct {
	// NegotiateEvents may replace the negotiated profile (for example
	// to pick one delta format from the client's alternatives) or
	// return nil to force a 406. Nil means identity.
	NegotiateEvents func(*negotiate.Profile) *negotiate.Profile

	// ModifyEventsHeader may add members to the Events response
	// dictionary before it is serialized.
	ModifyEventsHeader func(*negotiate.Profile, *httpsfv.Dictionary)
}

// SendOptions describes the representation and the request-side
// negotiation parameters for one streaming response.
type SendOptions struct {
	// StatusCode is the response status; zero means 200. Streaming is
	// refused for anything outside {200, 204, 206, 226}.
	StatusCode int

	// Headers are the representation part's headers, in order.
	Headers [][2]string

	// Body is the in-memory representation. BodyStream, when set,
	// takes precedence and is copied through without buffering.
	Body       string
	BodyStream io.Reader

	// Params are the request's prep parameters from Accept-Events.
	Params *sfield.Params

	Modifiers Modifiers
}

// Send negotiates and, on success, takes over the response: it writes
// the multipart envelope and the representation, subscribes to the
// engine, and blocks streaming notifications until the connection
// closes, the duration elapses, or a terminal event arrives — then
// returns nil. On any precondition or negotiation failure it returns
// a handshake whose Status the caller serializes into the Events
// header; nothing has been written in that case.
func (s *Session) Send(opts SendOptions) *Handshake {
	status := opts.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusPartialContent, http.StatusIMUsed:
	default:
		return &Handshake{Protocol: "prep", Status: http.StatusPreconditionFailed}
	}
	if s.config == nil {
		s.logger.Error("send without a configured offer", "path", s.r.URL.Path)
		return &Handshake{Protocol: "prep", Status: http.StatusInternalServerError}
	}
	if _, ok := s.config.Get("accept"); !ok {
		s.logger.Error("configured offer has no accept field", "path", s.r.URL.Path)
		return &Handshake{Protocol: "prep", Status: http.StatusInternalServerError}
	}

	// Quality is a request-side sort key, never part of the profile.
	params := opts.Params.Clone()
	if params == nil {
		params = sfield.NewParams()
	}
	params.Delete("q")

	profile, ok := negotiate.NegotiateContent(params, s.config)
	if !ok {
		return &Handshake{Protocol: "prep", Status: http.StatusNotAcceptable}
	}
	if hook := opts.Modifiers.NegotiateEvents; hook != nil {
		if profile = hook(profile); profile == nil {
			return &Handshake{Protocol: "prep", Status: http.StatusNotAcceptable}
		}
	}
	profile = negotiate.Cleanup(profile)

	addVary(s.w.Header(), "Accept-Events")

	duration := s.m.opts.DefaultDuration
	if v, ok := params.Get("duration"); ok {
		if secs, isInt := v.(int64); isInt && secs > 0 &&
			time.Duration(secs)*time.Second <= s.m.opts.MaxDuration {
			duration = time.Duration(secs) * time.Second
		}
	}
	expires := time.Now().UTC().Add(duration)

	path := s.r.URL.Path
	hasBody := opts.BodyStream != nil || opts.Body != ""
	reqLastEventID := s.r.Header.Get("Last-Event-ID")
	if reqLastEventID != "" {
		addVary(s.w.Header(), "Last-Event-ID")
	}
	// The client already holds the current representation when it
	// claims "*" or echoes the stored id; skip the body then.
	s.skipBody = hasBody &&
		(reqLastEventID == "*" || (reqLastEventID != "" && reqLastEventID == s.m.ids.Last(path)))

	s.mixedBoundary = randomBoundary()
	s.digestBoundary = randomBoundary()
	s.quirk = !s.m.opts.DisableQuirks &&
		strings.Contains(strings.ToLower(s.r.Header.Get("User-Agent")), "firefox")

	if s.skipBody {
		s.w.Header().Set("Content-Type",
			fmt.Sprintf("multipart/digest; boundary=%q", s.digestBoundary))
	} else {
		s.w.Header().Set("Content-Type",
			fmt.Sprintf("multipart/mixed; boundary=%q", s.mixedBoundary))
	}

	dict := httpsfv.NewDictionary()
	dict.Add("protocol", httpsfv.NewItem(httpsfv.Token("prep")))
	dict.Add("status", httpsfv.NewItem(int64(http.StatusOK)))
	dict.Add("expires", httpsfv.NewItem(expires.Format(http.TimeFormat)))
	if hook := opts.Modifiers.ModifyEventsHeader; hook != nil {
		hook(profile, dict)
	}
	events, err := httpsfv.Marshal(dict)
	if err != nil {
		s.logger.Error("events header serialization failed", "error", err)
		return &Handshake{Protocol: "prep", Status: http.StatusInternalServerError}
	}
	s.w.Header().Set("Events", events)

	// The stream outlives any server-wide idle policy: clear the read
	// deadline and allow writes for the whole duration plus grace.
	if err := s.rc.SetReadDeadline(time.Time{}); err != nil {
		s.logger.Debug("clearing read deadline failed", "error", err)
	}
	if err := s.rc.SetWriteDeadline(time.Now().Add(duration + time.Second)); err != nil {
		s.logger.Debug("extending write deadline failed", "error", err)
	}

	s.w.WriteHeader(status)
	if err := s.writeEnvelope(opts); err != nil {
		s.logger.Debug("client went away during envelope write", "error", err)
		s.closeOnce.Do(func() { close(s.done) })
		return nil
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	unsub := s.m.engine.Subscribe(subscribe.Subscription{
		Path:              path,
		Profile:           profile,
		WriteNotification: s.writeNotification,
		WriteEnd:          s.writeEnd,
	})
	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()

	timer := time.AfterFunc(duration, s.closeConnection)
	defer timer.Stop()

	select {
	case <-s.done:
		s.disconnect("stream ended")
	case <-s.r.Context().Done():
		s.disconnect("connection lost")
	}
	return nil
}

// writeEnvelope emits the representation part and the digest prologue,
// leaving the stream positioned just after an opening digest boundary.
func (s *Session) writeEnvelope(opts SendOptions) error {
	var b strings.Builder
	if !s.skipBody {
		b.WriteString("--" + s.mixedBoundary + "\r\n")
		for _, h := range opts.Headers {
			b.WriteString(h[0] + ": " + h[1] + "\r\n")
		}
		b.WriteString("\r\n")
		if _, err := io.WriteString(s.w, b.String()); err != nil {
			return err
		}
		if opts.BodyStream != nil {
			// The stream's end must not end the response; the digest
			// prologue follows immediately.
			if _, err := io.Copy(s.w, opts.BodyStream); err != nil {
				return err
			}
		} else if _, err := io.WriteString(s.w, opts.Body); err != nil {
			return err
		}
		b.Reset()
		b.WriteString("\r\n--" + s.mixedBoundary + "\r\n")
		b.WriteString("Content-Type: multipart/digest; boundary=\"" + s.digestBoundary + "\"\r\n\r\n")
	}
	b.WriteString("--" + s.digestBoundary + "\r\n")
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	return s.rc.Flush()
}

// writeNotification is the engine-facing notification sink. The body
// is written verbatim (by convention it starts with CRLF, separating
// it from the boundary line), padded in quirk mode, and followed by
// the next digest delimiter — or the closing one on a terminal event.
func (s *Session) writeNotification(body string, last bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.digestClosed {
		return
	}

	var b strings.Builder
	b.WriteString(body)
	if s.quirk {
		b.WriteString(quirkPadding)
	}
	if last {
		b.WriteString("\r\n--" + s.digestBoundary + "--")
		s.digestClosed = true
	} else {
		b.WriteString("\r\n--" + s.digestBoundary + "\r\n")
	}

	n, err := io.WriteString(s.w, b.String())
	if err != nil {
		s.logger.Debug("notification write failed", "path", s.r.URL.Path, "error", err)
		return
	}
	s.logger.Log(s.r.Context(), config.LevelTrace, "notification written",
		"path", s.r.URL.Path, "bytes", n, "last", last)
	if err := s.rc.Flush(); err != nil {
		s.logger.Debug("notification flush failed", "error", err)
	}
}

// writeEnd is the engine-facing terminal sink.
func (s *Session) writeEnd() {
	s.terminate()
}

// closeConnection fires when the negotiated duration elapses.
func (s *Session) closeConnection() {
	s.terminate()
}

// terminate writes any missing closing boundaries exactly once and
// releases the blocked Send call. Safe to call from any of the
// teardown paths; duplicates are no-ops.
func (s *Session) terminate() {
	s.writeMu.Lock()
	if !s.envelopeClosed {
		s.envelopeClosed = true
		var b strings.Builder
		if !s.digestClosed {
			s.digestClosed = true
			b.WriteString("\r\n--" + s.digestBoundary + "--")
		}
		if s.skipBody {
			b.WriteString("\r\n")
		} else {
			b.WriteString("\r\n--" + s.mixedBoundary + "--\r\n")
		}
		if _, err := io.WriteString(s.w, b.String()); err != nil {
			s.logger.Debug("terminal boundary write failed", "error", err)
		}
		if err := s.rc.Flush(); err != nil {
			s.logger.Debug("terminal flush failed", "error", err)
		}
	}
	s.writeMu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })
}

// quirkPadding defeats buffering heuristics in Firefox; see
// Session.quirk. Emitted after each notification body, inside the
// current part, where trailing CRLFs are harmless.
var quirkPadding = strings.Repeat("\r\n", 240)

// randomBoundary returns a 20-character URL-safe boundary.
func randomBoundary() string {
	buf := make([]byte, 15)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
