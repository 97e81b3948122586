// Package config defines the broker's configuration surface: the
// behavior-bearing options from the external interface table, plus
// the inert options the wire protocol and tooling expect to be
// accepted even though the core does not act on them. Loadable from
// YAML for whole-process bootstrapping, or built programmatically via
// functional options for in-process embedding.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tenzoki/molbroker/internal/identity"
)

// Config is immutable once built: every field has a default covering
// it, so the builder always succeeds.
type Config struct {
	Namespace         string         `yaml:"namespace"`
	NodeID            string         `yaml:"nodeID"`
	Transporter       string         `yaml:"transporter"`
	RequestTimeout    time.Duration  `yaml:"requestTimeout"`
	HeartbeatInterval time.Duration  `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration  `yaml:"heartbeatTimeout"`
	Serializer        string         `yaml:"serializer"`
	MetaData          map[string]any `yaml:"metaData"`
	Debug             bool           `yaml:"debug"`

	// Accepted and persisted for wire/tooling compatibility, but not
	// behavior-bearing in this core. Kept as opaque values rather
	// than typed knobs so the core never branches on them.
	RetryPolicy          map[string]any `yaml:"retryPolicy,omitempty"`
	Tracking             map[string]any `yaml:"tracking,omitempty"`
	CircuitBreaker       map[string]any `yaml:"circuitBreaker,omitempty"`
	Bulkhead             map[string]any `yaml:"bulkhead,omitempty"`
	Transit              map[string]any `yaml:"transit,omitempty"`
	DisableBalancer      bool           `yaml:"disableBalancer,omitempty"`
	MaxCallLevel         int            `yaml:"maxCallLevel,omitempty"`
	DependencyInterval   time.Duration  `yaml:"dependencyInterval,omitempty"`
	ContextParamsCloning bool           `yaml:"contextParamsCloning,omitempty"`
	RegistryOpts         map[string]any `yaml:"registry,omitempty"`
	Logger               string         `yaml:"logger,omitempty"`
	LogLevel             string         `yaml:"logLevel,omitempty"`
}

// Default returns a Config with the documented defaults: a generated
// NodeID, localhost NATS, a 300s request timeout, 5s heartbeat
// interval, 15s heartbeat timeout, JSON serializer.
func Default() *Config {
	return &Config{
		Namespace:         "",
		NodeID:            identity.NewNodeID(),
		Transporter:       "nats://localhost:4222",
		RequestTimeout:    300 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		Serializer:        "JSON",
		MetaData:          map[string]any{},
	}
}

// Option configures a Config in place, used with Build for in-process
// embedding.
type Option func(*Config)

// WithNamespace sets the namespace prefix applied to every subject.
func WithNamespace(ns string) Option { return func(c *Config) { c.Namespace = ns } }

// WithNodeID overrides the generated NodeID.
func WithNodeID(id string) Option { return func(c *Config) { c.NodeID = id } }

// WithTransporter sets the transport connection URL.
func WithTransporter(url string) Option { return func(c *Config) { c.Transporter = url } }

// WithRequestTimeout sets the per-call timeout.
func WithRequestTimeout(d time.Duration) Option { return func(c *Config) { c.RequestTimeout = d } }

// WithHeartbeatInterval sets the outbound HEARTBEAT period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

// WithHeartbeatTimeout sets the NodeWatcher expiry threshold.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatTimeout = d }
}

// WithMetaData sets the metadata included verbatim in outbound INFO.
func WithMetaData(meta map[string]any) Option { return func(c *Config) { c.MetaData = meta } }

// WithDebug enables verbose trace logging across components.
func WithDebug(debug bool) Option { return func(c *Config) { c.Debug = debug } }

// Build returns a Default Config with opts applied. The result is
// treated as immutable by convention from this point on.
func Build(opts ...Option) *Config {
	c := Default()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load reads a YAML configuration file, filling in defaults for any
// field the file omits. Missing file fields keep Default()'s value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if c.NodeID == "" {
		c.NodeID = identity.NewNodeID()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the loaded configuration is self-consistent.
func (c *Config) Validate() error {
	if c.Serializer != "" && c.Serializer != "JSON" {
		return fmt.Errorf("unsupported serializer %q: only JSON is in scope", c.Serializer)
	}
	if c.Transporter == "" {
		return fmt.Errorf("transporter must not be empty")
	}
	if c.RequestTimeout <= 0 || c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("timeouts and intervals must be positive")
	}
	return nil
}
