package mqttbridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/prepd/internal/config"
	"github.com/nugget/prepd/internal/negotiate"
	"github.com/nugget/prepd/internal/sfield"
	"github.com/nugget/prepd/internal/subscribe"
)

func testBridge(t *testing.T) (*Bridge, *subscribe.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := subscribe.NewEngine(logger)
	b := New(config.MQTTConfig{TopicPrefix: "prep"}, engine, logger)
	return b, engine
}

func subscribeSink(t *testing.T, engine *subscribe.Engine, path string) (*[]string, *int) {
	t.Helper()
	profile := negotiate.NewProfile()
	profile.Set("content-type", sfield.NewItem("message/rfc822"))
	var bodies []string
	ended := 0
	engine.Subscribe(subscribe.Subscription{
		Path:              path,
		Profile:           profile,
		WriteNotification: func(body string, _ bool) { bodies = append(bodies, body) },
		WriteEnd:          func() { ended++ },
	})
	return &bodies, &ended
}

func TestTopicFor(t *testing.T) {
	b, _ := testBridge(t)
	if got := b.topicFor("/docs/a"); got != "prep/notify/docs/a" {
		t.Errorf("topicFor(/docs/a) = %q", got)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := Record{Instance: "i-1", Path: "/doc", Method: "PATCH", EventID: "abc123", Last: true}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	var back Record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != rec {
		t.Errorf("round trip = %+v, want %+v", back, rec)
	}
}

func TestHandleRecordForeignInstance(t *testing.T) {
	b, engine := testBridge(t)
	bodies, _ := subscribeSink(t, engine, "/doc")

	payload, _ := json.Marshal(Record{
		Instance: "someone-else",
		Path:     "/doc",
		Method:   "PATCH",
		EventID:  "abc123",
	})
	b.handleRecord("prep/notify/doc", payload)

	if len(*bodies) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(*bodies))
	}
	body := (*bodies)[0]
	if !strings.HasPrefix(body, "\r\nMethod: PATCH\r\n") {
		t.Errorf("notification = %q, want rfc822 with Method: PATCH", body)
	}
	if !strings.Contains(body, "Event-ID: abc123\r\n") {
		t.Errorf("notification lost the event id: %q", body)
	}
}

func TestHandleRecordSelfEcho(t *testing.T) {
	b, engine := testBridge(t)
	bodies, _ := subscribeSink(t, engine, "/doc")

	payload, _ := json.Marshal(Record{
		Instance: b.instanceID,
		Path:     "/doc",
		Method:   "PATCH",
	})
	b.handleRecord("prep/notify/doc", payload)

	if len(*bodies) != 0 {
		t.Errorf("own record replayed to local subscribers: %v", *bodies)
	}
}

func TestHandleRecordTerminal(t *testing.T) {
	b, engine := testBridge(t)
	_, ended := subscribeSink(t, engine, "/doc")

	payload, _ := json.Marshal(Record{
		Instance: "someone-else",
		Path:     "/doc",
		Method:   "DELETE",
		Last:     true,
	})
	b.handleRecord("prep/notify/doc", payload)

	if *ended != 1 {
		t.Errorf("WriteEnd calls = %d, want 1 for terminal record", *ended)
	}
	if len(engine.Snapshot()) != 0 {
		t.Error("terminal record left the path in the index")
	}
}

func TestHandleRecordGarbage(t *testing.T) {
	b, engine := testBridge(t)
	bodies, _ := subscribeSink(t, engine, "/doc")

	b.handleRecord("prep/notify/doc", []byte("not json"))
	b.handleRecord("prep/notify/doc", []byte(`{"instance":"x"}`)) // no path/method

	if len(*bodies) != 0 {
		t.Errorf("garbage records produced deliveries: %v", *bodies)
	}
}

func TestAdmitRecordCapsWindow(t *testing.T) {
	b, _ := testBridge(t)

	allowed := 0
	for range inboundRecordLimit + 5 {
		if b.admitRecord() {
			allowed++
		}
	}
	if allowed != inboundRecordLimit {
		t.Errorf("allowed = %d, want %d", allowed, inboundRecordLimit)
	}
	if b.windowDrops != 5 {
		t.Errorf("windowDrops = %d, want 5", b.windowDrops)
	}
}

func TestAdmitRecordWindowRollover(t *testing.T) {
	b, _ := testBridge(t)

	for range inboundRecordLimit + 1 {
		b.admitRecord()
	}
	if b.admitRecord() {
		t.Fatal("record admitted over the window limit")
	}

	// Age the window out; the next record starts a fresh count.
	b.rateMu.Lock()
	b.windowStart = time.Now().Add(-2 * inboundRateWindow)
	b.rateMu.Unlock()

	if !b.admitRecord() {
		t.Error("record refused after the window elapsed")
	}
	if b.windowDrops != 0 {
		t.Errorf("windowDrops = %d, want 0 after rollover", b.windowDrops)
	}
}
