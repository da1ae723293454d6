// Package mqttbridge links the local subscription engine to an MQTT
// broker so that a resource mutation on one prepd instance notifies
// subscribers held by the others. Each instance publishes a small
// notification record per trigger and replays records published by
// foreign instances into its own engine.
package mqttbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/prepd/internal/config"
	"github.com/nugget/prepd/internal/negotiate"
	"github.com/nugget/prepd/internal/subscribe"
	"github.com/nugget/prepd/internal/template"
)

// Record is the wire payload for one cross-instance notification.
type Record struct {
	Instance string `json:"instance"`
	Path     string `json:"path"`
	Method   string `json:"method"`
	EventID  string `json:"event_id,omitempty"`
	Last     bool   `json:"last,omitempty"`
}

// Inbound records are capped per window so a chatty (or looping)
// broker cannot flood local subscribers with fan-outs.
const (
	inboundRecordLimit = 100
	inboundRateWindow  = time.Second
)

// Bridge manages the broker connection and the record exchange.
type Bridge struct {
	cfg        config.MQTTConfig
	engine     *subscribe.Engine
	instanceID string
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	// Inbound admission window. Reset lazily on the next record after
	// the window elapses; no background goroutine.
	rateMu      sync.Mutex
	windowStart time.Time
	windowCount int
	windowDrops int
}

// New creates a Bridge but does not connect; call Start. The instance
// id distinguishes this process's records from foreign ones.
func New(cfg config.MQTTConfig, engine *subscribe.Engine, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:        cfg,
		engine:     engine,
		instanceID: uuid.New().String(),
		logger:     logger,
	}
}

// Start connects to the broker and blocks until ctx is cancelled. On
// every (re-)connect it re-subscribes to the notify topic space.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	filter := b.cfg.TopicPrefix + "/notify/#"
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 0}},
			}); err != nil {
				b.logger.Warn("mqtt subscribe failed", "filter", filter, "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "prepd-" + b.instanceID[:8],
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !b.admitRecord() {
			return true, nil
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("mqtt record handler panicked",
						"topic", pr.Packet.Topic,
						"panic", r,
					)
				}
			}()
			b.handleRecord(pr.Packet.Topic, pr.Packet.Payload)
		}()
		return true, nil
	})

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop disconnects from the broker.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}

// Announce publishes one notification record for the other instances.
// Safe for concurrent use once Start has connected.
func (b *Bridge) Announce(ctx context.Context, rec Record) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	rec.Instance = b.instanceID
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.topicFor(rec.Path),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		return fmt.Errorf("publish record for %s: %w", rec.Path, err)
	}
	return nil
}

func (b *Bridge) topicFor(path string) string {
	return b.cfg.TopicPrefix + "/notify" + path
}

// admitRecord reports whether an inbound record may be replayed. It
// counts records against the current window, starting a fresh window
// once the old one has elapsed; drops are summarized at the rollover
// so a flood produces one warning per window, not one per record.
func (b *Bridge) admitRecord() bool {
	b.rateMu.Lock()
	defer b.rateMu.Unlock()

	now := time.Now()
	if now.Sub(b.windowStart) >= inboundRateWindow {
		if b.windowDrops > 0 {
			b.logger.Warn("inbound notification records dropped",
				"dropped", b.windowDrops,
				"window", inboundRateWindow.String(),
				"limit", inboundRecordLimit,
			)
		}
		b.windowStart = now
		b.windowCount = 0
		b.windowDrops = 0
	}

	b.windowCount++
	if b.windowCount > inboundRecordLimit {
		b.windowDrops++
		return false
	}
	return true
}

// handleRecord replays one inbound record into the local engine.
// Records from this instance are dropped: local subscribers already
// saw the notification directly.
func (b *Bridge) handleRecord(topic string, payload []byte) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		b.logger.Debug("mqtt record does not parse", "topic", topic, "error", err)
		return
	}
	if rec.Instance == b.instanceID {
		return
	}
	if rec.Path == "" || rec.Method == "" {
		b.logger.Debug("mqtt record incomplete", "topic", topic)
		return
	}

	date := time.Now().UTC().Format(http.TimeFormat)
	b.engine.Notify(subscribe.Notification{
		Path: rec.Path,
		Generate: func(p *negotiate.Profile) string {
			n := "\r\n" + template.RFC822(template.Notification{
				Method:  rec.Method,
				Date:    date,
				EventID: rec.EventID,
			})
			if ph := template.PartHeader(p); ph != "" {
				return ph + n
			}
			return n
		},
		LastEvent: rec.Last,
	})
}
