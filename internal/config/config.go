package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Isolated IsolatedConfig `yaml:"isolated"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// EngineConfig covers behavior shared by both execution modes.
type EngineConfig struct {
	DefaultMode     string        `yaml:"default_mode"` // "restricted" or "isolated"
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MaxTimeout      time.Duration `yaml:"max_timeout"`
	DefaultMemoryMB int64         `yaml:"default_memory_mb"`
	PolicyFile      string        `yaml:"policy_file"` // empty uses the built-in policy
	ArtifactDir     string        `yaml:"artifact_dir"`
}

// IsolatedConfig covers the container-backed execution mode.
type IsolatedConfig struct {
	Backend          string        `yaml:"backend"` // "auto" (default), "containerd", or "docker"
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	Image            string        `yaml:"image"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	Limits           DefaultLimits `yaml:"limits"`
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// Load reads configuration from a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			DefaultMode:     "restricted",
			DefaultTimeout:  30 * time.Second,
			MaxTimeout:      60 * time.Second,
			DefaultMemoryMB: 512,
			ArtifactDir:     "artifacts",
		},
		Isolated: IsolatedConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "mathviz",
			Image:            "docker.io/nickblah/lua:5.4-alpine",
			MaxConcurrent:    16,
			Limits: DefaultLimits{
				CPUShares: 512,
				MemoryMB:  512,
				PidsLimit: 16,
				DiskMB:    64,
			},
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9090",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Engine.DefaultMode {
	case "restricted", "isolated":
	default:
		return fmt.Errorf("engine.default_mode must be restricted or isolated, got %q", c.Engine.DefaultMode)
	}
	if c.Engine.DefaultTimeout > c.Engine.MaxTimeout {
		return fmt.Errorf("engine.default_timeout (%s) must be <= max_timeout (%s)",
			c.Engine.DefaultTimeout, c.Engine.MaxTimeout)
	}
	if c.Engine.DefaultMemoryMB < 16 {
		return fmt.Errorf("engine.default_memory_mb must be >= 16")
	}
	switch c.Isolated.Backend {
	case "", "auto", "containerd", "docker":
	default:
		return fmt.Errorf("isolated.backend must be auto, containerd, or docker, got %q", c.Isolated.Backend)
	}
	if c.Isolated.MaxConcurrent < 1 {
		return fmt.Errorf("isolated.max_concurrent must be >= 1")
	}
	if c.Isolated.Limits.MemoryMB < 16 {
		return fmt.Errorf("isolated.limits.memory_mb must be >= 16")
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}
