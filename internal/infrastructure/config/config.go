// Package config loads emulator configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all emulator configuration.
type Config struct {
	Supervisor SupervisorConfig
	Logging    LogConfig
	Metrics    MetricsConfig
}

// SupervisorConfig holds process supervision configuration.
type SupervisorConfig struct {
	// SocketDir is where per-process syscall sockets are created. Empty
	// means a run-scoped directory under the system temp dir.
	SocketDir string `envconfig:"HOSTEMU_SOCKET_DIR" default:""`
	// SpawnTimeout bounds how long a freshly spawned application gets to
	// connect to its syscall socket. Syscall turns themselves carry no
	// timeout; a stalled application stalls its slot.
	SpawnTimeout time.Duration `envconfig:"HOSTEMU_SPAWN_TIMEOUT" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"HOSTEMU_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"HOSTEMU_LOG_DEV" default:"false"`
}

// MetricsConfig holds the optional Prometheus listener configuration.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the listener.
	Addr string `envconfig:"HOSTEMU_METRICS_ADDR" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			SpawnTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}
