// Package config handles configuration persistence for mqttlens.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the broker section after loading.
const (
	EnvBroker   = "MQTTLENS_BROKER"
	EnvUsername = "MQTTLENS_USERNAME"
	EnvPassword = "MQTTLENS_PASSWORD"
)

// Config holds the complete application configuration.
type Config struct {
	Namespace   string         `yaml:"namespace,omitempty"` // Key/topic prefix for output sinks
	Broker      BrokerConfig   `yaml:"broker"`
	Stats       StatsConfig    `yaml:"stats"`
	History     HistoryConfig  `yaml:"history"`
	Rules       []RuleConfig   `yaml:"rules,omitempty"`
	Breakpoints []string       `yaml:"breakpoints,omitempty"` // field:pattern
	StepMode    bool           `yaml:"step_mode,omitempty"`
	Kafka       []KafkaConfig  `yaml:"kafka,omitempty"`
	Valkey      []ValkeyConfig `yaml:"valkey,omitempty"`
	Web         WebConfig      `yaml:"web"`
	Log         LogConfig      `yaml:"log"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`
}

// BrokerConfig describes the MQTT broker the inspector subscribes to.
type BrokerConfig struct {
	Name      string        `yaml:"name,omitempty"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Username  string        `yaml:"username,omitempty"`
	Password  string        `yaml:"password,omitempty"`
	ClientID  string        `yaml:"client_id,omitempty"` // Generated when empty
	UseTLS    bool          `yaml:"use_tls,omitempty"`
	Topics    []string      `yaml:"topics"` // Subscription filters
	QoS       byte          `yaml:"qos"`
	KeepAlive time.Duration `yaml:"keep_alive,omitempty"`
}

// Address returns host:port.
func (b BrokerConfig) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// StatsConfig sizes the statistics windows.
type StatsConfig struct {
	LatencyWindow int           `yaml:"latency_window"` // Samples kept for percentiles
	RateWindow    time.Duration `yaml:"rate_window"`
}

// HistoryConfig sizes the message history.
type HistoryConfig struct {
	Capacity int `yaml:"capacity"`
}

// RuleConfig is a persisted rule.
type RuleConfig struct {
	Name    string `yaml:"name" json:"name"`
	SQL     string `yaml:"sql" json:"sql"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// KafkaConfig holds a Kafka output sink for rule matches.
// AutoCreateTopics is a pointer to distinguish "not set" (nil = default true)
// from "explicitly set to false".
type KafkaConfig struct {
	Name             string        `yaml:"name"`
	Enabled          bool          `yaml:"enabled"`
	Brokers          []string      `yaml:"brokers"`
	Topic            string        `yaml:"topic"`
	UseTLS           bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify    bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism    string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username         string        `yaml:"username,omitempty"`
	Password         string        `yaml:"password,omitempty"`
	RequiredAcks     int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries       int           `yaml:"max_retries,omitempty"`
	RetryBackoff     time.Duration `yaml:"retry_backoff,omitempty"`
	AutoCreateTopics *bool         `yaml:"auto_create_topics,omitempty"`
}

// ValkeyConfig holds a Valkey/Redis output sink for rule matches.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // TTL for keys (0 = no expiry)
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Publish to Pub/Sub on each match
}

// WebConfig holds the inspection API server settings.
type WebConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"` // Extra websocket origins besides localhost
}

// LogConfig controls application and trace logging.
type LogConfig struct {
	Level       string `yaml:"level"`                  // zerolog level name
	File        string `yaml:"file,omitempty"`         // Append-only log file
	TraceFile   string `yaml:"trace_file,omitempty"`   // Hex dump of raw traffic
	TraceFilter string `yaml:"trace_filter,omitempty"` // Comma-separated components
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Name:      "default",
			Host:      "localhost",
			Port:      1883,
			Topics:    []string{"#"},
			KeepAlive: 30 * time.Second,
		},
		Stats: StatsConfig{
			LatencyWindow: 1000,
			RateWindow:    300 * time.Second,
		},
		History: HistoryConfig{
			Capacity: 1000,
		},
		Rules:       []RuleConfig{},
		Breakpoints: []string{},
		Kafka:       []KafkaConfig{},
		Valkey:      []ValkeyConfig{},
		Web: WebConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8484,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default configuration file path (~/.mqttlens/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".mqttlens", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back to path. Environment overrides are
// applied last and never persisted by Load.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		cfg.Save(path) // Best-effort save
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides broker settings from the environment. MQTTLENS_BROKER
// is "host" or "host:port".
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBroker); ok && v != "" {
		host, port, err := SplitBroker(v, c.Broker.Port)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBroker, err)
		}
		c.Broker.Host = host
		c.Broker.Port = port
	}
	if v, ok := lookup(EnvUsername); ok {
		c.Broker.Username = v
	}
	if v, ok := lookup(EnvPassword); ok {
		c.Broker.Password = v
	}
	return nil
}

// SplitBroker parses "host" or "host:port", falling back to defaultPort.
func SplitBroker(s string, defaultPort int) (string, int, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "tcp://"), "mqtt://")
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port present.
		return s, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// Lock acquires the config data mutex for exclusive access.
// Use this before modifying config fields, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals and writes.
// Use this when the caller does not already hold the lock.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock and writes.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// FindRule returns the rule config with the given name, or nil if not found.
func (c *Config) FindRule(name string) *RuleConfig {
	for i := range c.Rules {
		if c.Rules[i].Name == name {
			return &c.Rules[i]
		}
	}
	return nil
}

// AddRule adds a rule, replacing one with the same name.
func (c *Config) AddRule(rule RuleConfig) {
	if existing := c.FindRule(rule.Name); existing != nil {
		*existing = rule
		return
	}
	c.Rules = append(c.Rules, rule)
}

// RemoveRule removes a rule config by name.
func (c *Config) RemoveRule(name string) bool {
	for i, r := range c.Rules {
		if r.Name == name {
			c.Rules = append(c.Rules[:i], c.Rules[i+1:]...)
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(kafka KafkaConfig) {
	c.Kafka = append(c.Kafka, kafka)
}

// RemoveKafka removes a Kafka config by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(valkey ValkeyConfig) {
	c.Valkey = append(c.Valkey, valkey)
}

// RemoveValkey removes a Valkey config by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// Validate checks the configuration for errors. Rule syntax is checked
// when the rules are compiled, not here.
func (c *Config) Validate() error {
	var errs []error

	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		errs = append(errs, fmt.Errorf("invalid namespace %q: must contain only alphanumeric characters, hyphens, underscores and dots", c.Namespace))
	}
	if c.Broker.Host == "" {
		errs = append(errs, errors.New("broker: host is required"))
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker: invalid port %d", c.Broker.Port))
	}
	if c.Broker.QoS > 2 {
		errs = append(errs, fmt.Errorf("broker: invalid qos %d", c.Broker.QoS))
	}
	if c.Stats.LatencyWindow < 0 {
		errs = append(errs, errors.New("stats: latency_window must not be negative"))
	}
	if c.Stats.RateWindow < 0 {
		errs = append(errs, errors.New("stats: rate_window must not be negative"))
	}
	if c.History.Capacity < 0 {
		errs = append(errs, errors.New("history: capacity must not be negative"))
	}

	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		switch {
		case strings.TrimSpace(r.Name) == "":
			errs = append(errs, fmt.Errorf("rules[%d]: name is required", i))
		case seen[r.Name]:
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate name %q", i, r.Name))
		}
		seen[r.Name] = true
	}

	for i, k := range c.Kafka {
		if !k.Enabled {
			continue
		}
		if len(k.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("kafka[%d] %s: at least one broker is required", i, k.Name))
		}
		if k.Topic == "" {
			errs = append(errs, fmt.Errorf("kafka[%d] %s: topic is required", i, k.Name))
		}
	}
	for i, v := range c.Valkey {
		if v.Enabled && v.Address == "" {
			errs = append(errs, fmt.Errorf("valkey[%d] %s: address is required", i, v.Name))
		}
	}

	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		errs = append(errs, fmt.Errorf("web: invalid port %d", c.Web.Port))
	}

	return errors.Join(errs...)
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// ruleFile is the on-disk shape of a rule export.
type ruleFile struct {
	Rules []RuleConfig `yaml:"rules"`
}

// LoadRules reads a rule export file.
func LoadRules(path string) ([]RuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if f.Rules == nil {
		f.Rules = []RuleConfig{}
	}
	return f.Rules, nil
}

// SaveRules writes rules to path in the format LoadRules reads.
func SaveRules(path string, rules []RuleConfig) error {
	if rules == nil {
		rules = []RuleConfig{}
	}
	data, err := yaml.Marshal(ruleFile{Rules: rules})
	if err != nil {
		return err
	}
	return writeFile(path, data)
}
