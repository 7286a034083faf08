package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Redis: RedisConfig{
			Addr:         "127.0.0.1:6379",
			StreamMaxLen: 10000,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentPulseSessions: 2,
			DefaultTimeoutMs:           300000,
			AutoAssignOffsets:          true,
		},
		Wake: WakeConfig{
			CooldownSeconds:       60,
			MaxWakesPerDay:        20,
			MaxWakesPerPairPerDay: 5,
		},
		Routing: RoutingConfig{
			StickyTTLMinutes: 60,
			LIDMapPath:       filepath.Join(home, ".fleetd", "lidmap.db"),
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "fleetd",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults so the daemon can boot for linking.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Secrets are only
// ever read from the environment, never from the file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("FLEETD_REDIS_ADDR", &c.Redis.Addr)
	envStr("FLEETD_REDIS_PASSWORD", &c.Redis.Password)
	envInt("FLEETD_REDIS_DB", &c.Redis.DB)
	envStr("FLEETD_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("FLEETD_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	// Per-agent channel tokens: FLEETD_TELEGRAM_TOKEN_<AGENTID> with a
	// bare FLEETD_TELEGRAM_TOKEN fallback for single-instance setups.
	for i := range c.Channels.Telegram {
		c.Channels.Telegram[i].Token = channelSecret("FLEETD_TELEGRAM_TOKEN", c.Channels.Telegram[i].AgentID)
	}
	for i := range c.Channels.Discord {
		c.Channels.Discord[i].Token = channelSecret("FLEETD_DISCORD_TOKEN", c.Channels.Discord[i].AgentID)
	}
}

func channelSecret(base, agentID string) string {
	if agentID != "" {
		key := base + "_" + strings.ToUpper(strings.ReplaceAll(agentID, "-", "_"))
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return os.Getenv(base)
}
