package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the fleetd runtime.
type Config struct {
	Agents    []AgentConfig   `json:"agents"`
	Redis     RedisConfig     `json:"redis"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Wake      WakeConfig      `json:"wake,omitempty"`
	Routing   RoutingConfig   `json:"routing,omitempty"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// AgentConfig declares one agent in the fleet. Agents are created at load
// time and only mutated by administrative reload.
type AgentConfig struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Emoji string   `json:"emoji,omitempty"`
	Model string   `json:"model,omitempty"`
	Tools []string `json:"tools,omitempty"`
}

// RedisConfig configures the shared Redis used for the event bus, the wake
// counter store, pub/sub topics, and distributed channel locks.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"-"` // from env FLEETD_REDIS_PASSWORD only
	DB       int    `json:"db,omitempty"`

	// StreamMaxLen bounds entries kept per session stream (approximate trim).
	StreamMaxLen int64 `json:"stream_max_len,omitempty"`
}

// DatabaseConfig configures the Postgres store.
// PostgresDSN is never read from the config file; env FLEETD_POSTGRES_DSN only.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// SchedulerConfig holds pulse scheduler and executor knobs.
type SchedulerConfig struct {
	MaxConcurrentPulseSessions int  `json:"max_concurrent_pulse_sessions,omitempty"` // per agent, default 2
	DefaultTimeoutMs           int  `json:"default_timeout_ms,omitempty"`            // manual trigger race, default 300000
	AutoAssignOffsets          bool `json:"auto_assign_offsets,omitempty"`
}

// WakeConfig holds the wake guardrail limits.
type WakeConfig struct {
	CooldownSeconds       int `json:"cooldown_seconds,omitempty"`          // default 60
	MaxWakesPerDay        int `json:"max_wakes_per_day,omitempty"`         // default 20
	MaxWakesPerPairPerDay int `json:"max_wakes_per_pair_per_day,omitempty"` // default 5
}

// RoutingConfig holds sticky routing and identity-map settings.
type RoutingConfig struct {
	StickyTTLMinutes int    `json:"sticky_ttl_minutes,omitempty"` // default 60
	LIDMapPath       string `json:"lid_map_path,omitempty"`       // sqlite file, default ~/.fleetd/lidmap.db
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // host:port
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// StickyTTL returns the sticky-routing TTL as a duration.
func (c *Config) StickyTTL() time.Duration {
	m := c.Routing.StickyTTLMinutes
	if m <= 0 {
		m = 60
	}
	return time.Duration(m) * time.Minute
}

// AgentByID returns the agent config with the given id.
func (c *Config) AgentByID(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// DefaultAgentID returns the first configured agent id, or "".
func (c *Config) DefaultAgentID() string {
	if len(c.Agents) == 0 {
		return ""
	}
	return c.Agents[0].ID
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, a := range c.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[id] {
			return fmt.Errorf("duplicate agent id %q", id)
		}
		seen[id] = true
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}
