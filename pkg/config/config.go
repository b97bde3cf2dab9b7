// Package config loads runtime settings from the environment and server
// definitions from an MCP servers file.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/meridianhq/mcppool/pkg/health"
	"github.com/meridianhq/mcppool/pkg/mcp"
	"github.com/meridianhq/mcppool/pkg/pool"
)

// Settings holds every tunable, read from MCPPOOL_* environment variables.
type Settings struct {
	MaxConnections int           `env:"MCPPOOL_MAX_CONNECTIONS" envDefault:"10"`
	MinConnections int           `env:"MCPPOOL_MIN_CONNECTIONS" envDefault:"2"`
	IdleTimeout    time.Duration `env:"MCPPOOL_IDLE_TIMEOUT" envDefault:"5m"`
	SweepInterval  time.Duration `env:"MCPPOOL_SWEEP_INTERVAL" envDefault:"60s"`
	ConnectRetries int           `env:"MCPPOOL_CONNECT_RETRIES" envDefault:"3"`

	PingInterval   time.Duration `env:"MCPPOOL_PING_INTERVAL" envDefault:"30s"`
	ErrorThreshold int           `env:"MCPPOOL_ERROR_THRESHOLD" envDefault:"3"`
	RefreshTimeout time.Duration `env:"MCPPOOL_REFRESH_TIMEOUT" envDefault:"10s"`

	RequestTimeout time.Duration `env:"MCPPOOL_REQUEST_TIMEOUT" envDefault:"30s"`

	LogLevel string `env:"MCPPOOL_LOG_LEVEL" envDefault:"info"`
}

// Load reads settings from the environment.
func Load() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse environment: %w", err)
	}
	return s, nil
}

// PoolConfig maps the settings onto the pool's tuning.
func (s Settings) PoolConfig() pool.Config {
	return pool.Config{
		MaxConnections:   s.MaxConnections,
		MinConnections:   s.MinConnections,
		IdleTimeout:      s.IdleTimeout,
		SweepInterval:    s.SweepInterval,
		ConnectRetries:   s.ConnectRetries,
		PingFailureLimit: s.ErrorThreshold,
		PingTimeout:      s.RefreshTimeout,
	}
}

// HealthConfig maps the settings onto the monitor's tuning.
func (s Settings) HealthConfig() health.Config {
	return health.Config{
		PingInterval:   s.PingInterval,
		ErrorThreshold: s.ErrorThreshold,
		RefreshTimeout: s.RefreshTimeout,
	}
}

// SlogLevel translates the LogLevel setting. Unknown values mean info.
func (s Settings) SlogLevel() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// serversFile is the conventional MCP configuration layout: a map of server
// name to launch instructions.
type serversFile struct {
	MCPServers map[string]struct {
		Command string            `json:"command"`
		Args    []string          `json:"args,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
		Cwd     string            `json:"cwd,omitempty"`
	} `json:"mcpServers"`
}

// LoadServers reads server descriptors from a JSON file in the mcpServers
// layout.
func LoadServers(path string) ([]mcp.ServerDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}

	var file serversFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse servers file %s: %w", path, err)
	}
	if len(file.MCPServers) == 0 {
		return nil, fmt.Errorf("servers file %s defines no servers", path)
	}

	descs := make([]mcp.ServerDescriptor, 0, len(file.MCPServers))
	for name, def := range file.MCPServers {
		if def.Command == "" {
			return nil, fmt.Errorf("server %q has no command", name)
		}
		descs = append(descs, mcp.ServerDescriptor{
			Name:    name,
			Command: def.Command,
			Args:    def.Args,
			Env:     def.Env,
			Cwd:     def.Cwd,
		})
	}
	return descs, nil
}
