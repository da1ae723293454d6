// Package config handles prepd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./prepd.yaml, ~/.config/prepd/prepd.yaml, /config/prepd.yaml,
// /etc/prepd/prepd.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"prepd.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "prepd", "prepd.yaml"))
	}

	paths = append(paths, "/config/prepd.yaml") // Container convention
	paths = append(paths, "/etc/prepd/prepd.yaml")
	return paths
}

// Config holds all prepd configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Notifications NotificationsConfig `yaml:"notifications"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 9001
}

// NotificationsConfig defines the protocol defaults offered to clients.
type NotificationsConfig struct {
	// ContentTypes is the default accept list for the PREP offer.
	ContentTypes []string `yaml:"content_types"`
	// DurationSec is the default streaming duration in seconds.
	DurationSec int `yaml:"duration_sec"`
	// DurationMaxSec caps client-requested durations.
	DurationMaxSec int `yaml:"duration_max_sec"`
	// DisableQuirks turns off the Firefox padding workaround.
	DisableQuirks bool `yaml:"disable_quirks"`
}

// MQTTConfig defines the optional cross-instance notification bridge.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicPrefix defaults to "prep".
	TopicPrefix string `yaml:"topic_prefix"`
}

// MonitorConfig defines the operational debug endpoints.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists,
// or empty when nothing was found (prepd runs fine on defaults + env).
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Load reads the config file at path (empty path means defaults only),
// applies defaults, then applies environment overrides. Environment
// wins over file values.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 9001
	}
	if len(c.Notifications.ContentTypes) == 0 {
		c.Notifications.ContentTypes = []string{"message/rfc822"}
	}
	if c.Notifications.DurationSec == 0 {
		c.Notifications.DurationSec = 3600
	}
	if c.Notifications.DurationMaxSec == 0 {
		c.Notifications.DurationMaxSec = 7200
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "prep"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NOTIFICATIONS_CONTENT_TYPES"); v != "" {
		var types []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		if len(types) > 0 {
			c.Notifications.ContentTypes = types
		}
	}
	if n, ok := envInt("NOTIFICATIONS_DURATION"); ok {
		c.Notifications.DurationSec = n
	}
	if n, ok := envInt("NOTIFICATIONS_DURATION_MAX"); ok {
		c.Notifications.DurationMaxSec = n
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
