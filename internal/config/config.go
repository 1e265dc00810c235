// Package config provides configuration types and loading for LoopGate.
//
// LoopGate is a local-loopback bridge: it binds 127.0.0.1 only, negotiates
// its port from a configured range (or uses a fixed port when one is set),
// and exposes a single SSE subscriber plus JSON-RPC POST endpoints. The
// configuration intentionally has no TLS and no remote-listen support.
package config

import "time"

// Config is the top-level configuration for LoopGate.
type Config struct {
	// Server configures the loopback listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// SSE configures the Server-Sent Events stream.
	SSE SSEConfig `yaml:"sse" mapstructure:"sse"`

	// Ops configures the optional observability sidecar listener.
	Ops OpsConfig `yaml:"ops" mapstructure:"ops"`

	// Audit configures the optional transport audit trail.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// LogLevel sets the slog level: debug, info, warn, or error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// ServerConfig configures the negotiated loopback listener.
type ServerConfig struct {
	// Port pins the listener to a fixed port. When zero, a port is
	// allocated from [MinPort, MaxPort].
	Port int `yaml:"port" mapstructure:"port" validate:"min=0,max=65535"`

	// MinPort is the low end of the allocation range. Default: 42000.
	MinPort int `yaml:"min_port" mapstructure:"min_port" validate:"min=0,max=65535"`

	// MaxPort is the high end of the allocation range. Default: 42999.
	MaxPort int `yaml:"max_port" mapstructure:"max_port" validate:"min=0,max=65535"`
}

// SSEConfig configures the SSE stream and its JSON-RPC POST endpoints.
type SSEConfig struct {
	// Enabled controls whether SSE and POST routes are classified at all.
	// When false, such requests fall through to the unknown route.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the endpoint the SSE stream is served on. The literal /sse
	// alias is always accepted in addition. Default: /mcp.
	Path string `yaml:"path" mapstructure:"path" validate:"omitempty,startswith=/"`

	// HeartbeatInterval is the period between keepalive comments on an
	// open stream. Default: 30s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
}

// OpsConfig configures the sidecar /health and /metrics listener.
type OpsConfig struct {
	// Addr is the listen address for the sidecar, e.g. "127.0.0.1:9120".
	// Empty disables the sidecar.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// AuditConfig configures the SQLite transport audit trail.
type AuditConfig struct {
	// Path is the SQLite database file. Empty disables auditing.
	Path string `yaml:"path" mapstructure:"path"`

	// ChannelSize is the buffered channel capacity of the async audit
	// pipeline. Records are dropped (and counted) when it is full.
	// Default: 1024.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"min=0"`

	// FlushInterval is how often pending records are flushed to the store.
	// Default: 2s.
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.MinPort == 0 {
		c.Server.MinPort = 42000
	}
	if c.Server.MaxPort == 0 {
		c.Server.MaxPort = 42999
	}
	if c.SSE.Path == "" {
		c.SSE.Path = "/mcp"
	}
	if c.SSE.HeartbeatInterval == 0 {
		c.SSE.HeartbeatInterval = 30 * time.Second
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1024
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = 2 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
