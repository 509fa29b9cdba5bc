// Package config loads hub and agent configuration from environment
// variables, with an optional YAML file for the agent's structured fields.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hub holds all hub configuration from environment variables.
type Hub struct {
	Port             string // control + HTTP listen port
	DBPath           string // bbolt database path
	TrustAgentAddr   bool   // accept the agent-supplied address verbatim (dev only)
	LogJSON          bool
	SweepInterval    time.Duration // status-decay sweeper cadence
	IdleAfter        time.Duration // online -> idle threshold
	OfflineAfter     time.Duration // idle -> offline threshold
	MQTTBroker       string        // empty disables presence notifications
	MQTTTopic        string
	MQTTClientID     string
	MQTTUsername     string
	MQTTPassword     string
	MQTTQoS          int
}

// LoadHub reads hub configuration. PORT is accepted as an alias for
// HUB_PORT for container platforms that inject it.
func LoadHub() *Hub {
	port := envStr("HUB_PORT", "")
	if port == "" {
		port = envStr("PORT", "")
	}
	return &Hub{
		Port:           port,
		DBPath:         envStr("HUB_DB_PATH", "/data/hub.db"),
		TrustAgentAddr: envBool("HUB_TRUST_AGENT_ADDRESS", false),
		LogJSON:        envBool("HUB_LOG_JSON", true),
		SweepInterval:  envDuration("HUB_SWEEP_INTERVAL", 30*time.Second),
		IdleAfter:      envDuration("HUB_IDLE_AFTER", 2*time.Minute),
		OfflineAfter:   envDuration("HUB_OFFLINE_AFTER", 5*time.Minute),
		MQTTBroker:     envStr("HUB_MQTT_BROKER", ""),
		MQTTTopic:      envStr("HUB_MQTT_TOPIC", "m2m/presence"),
		MQTTClientID:   envStr("HUB_MQTT_CLIENT_ID", "m2m-hub"),
		MQTTUsername:   envStr("HUB_MQTT_USERNAME", ""),
		MQTTPassword:   envStr("HUB_MQTT_PASSWORD", ""),
		MQTTQoS:        envInt("HUB_MQTT_QOS", 0),
	}
}

// Validate checks hub configuration for invalid values.
func (c *Hub) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, fmt.Errorf("HUB_PORT (or PORT) is required"))
	} else if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("HUB_PORT must be numeric, got %q", c.Port))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("HUB_SWEEP_INTERVAL must be > 0, got %s", c.SweepInterval))
	}
	if c.IdleAfter <= 0 || c.OfflineAfter <= c.IdleAfter {
		errs = append(errs, fmt.Errorf("status thresholds must satisfy 0 < HUB_IDLE_AFTER < HUB_OFFLINE_AFTER"))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("HUB_MQTT_QOS must be 0, 1, or 2, got %d", c.MQTTQoS))
	}
	return errors.Join(errs...)
}

// Agent holds all agent runtime configuration. Environment variables
// override values from the optional YAML file.
type Agent struct {
	Port              int            `yaml:"port"`              // required P2P listen port
	Hub               string         `yaml:"hub"`               // hub control endpoint (ws:// or wss://)
	Address           string         `yaml:"address"`           // explicit public endpoint override
	Capabilities      []string       `yaml:"capabilities"`
	Metadata          map[string]any `yaml:"metadata"`
	HeartbeatInterval time.Duration  `yaml:"heartbeatInterval"`
	AutoReconnect     *bool          `yaml:"autoReconnect"`
	LogJSON           bool           `yaml:"logJSON"`
}

// LoadAgent reads agent configuration from the YAML file at path (empty for
// none), then applies environment overrides.
func LoadAgent(path string) (*Agent, error) {
	cfg := &Agent{
		Hub:               "ws://localhost:8080/ws",
		HeartbeatInterval: 30 * time.Second,
		LogJSON:           true,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Port = envInt("AGENT_PORT", cfg.Port)
	cfg.Hub = envStr("AGENT_HUB", cfg.Hub)
	cfg.Address = envStr("AGENT_ADDRESS", cfg.Address)
	if caps := envStr("AGENT_CAPABILITIES", ""); caps != "" {
		cfg.Capabilities = splitList(caps)
	}
	cfg.HeartbeatInterval = envDuration("AGENT_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if v := os.Getenv("AGENT_AUTO_RECONNECT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			cfg.AutoReconnect = &b
		}
	}
	cfg.LogJSON = envBool("AGENT_LOG_JSON", cfg.LogJSON)

	return cfg, nil
}

// Reconnect reports the effective autoReconnect setting (default true).
func (c *Agent) Reconnect() bool {
	return c.AutoReconnect == nil || *c.AutoReconnect
}

// Validate checks agent configuration for invalid values.
func (c *Agent) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port is required and must be 1-65535, got %d", c.Port))
	}
	if c.Hub == "" {
		errs = append(errs, fmt.Errorf("hub endpoint is required"))
	} else if !strings.HasPrefix(c.Hub, "ws://") && !strings.HasPrefix(c.Hub, "wss://") {
		errs = append(errs, fmt.Errorf("hub endpoint must be a ws:// or wss:// URL, got %q", c.Hub))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeatInterval must be > 0, got %s", c.HeartbeatInterval))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
