// Package config loads environment-based configuration for the sync
// server, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the sync server.
type Config struct {
	// ListenAddr is the HTTP listen address hosting the WebSocket
	// sync endpoint.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8475"`

	// ServiceName is the mDNS instance name this server advertises as.
	// Defaults to the hostname when empty.
	ServiceName string `env:"SERVICE_NAME"`

	// DiscoveryPort is the port published in the service advertisement.
	DiscoveryPort int `env:"DISCOVERY_PORT" envDefault:"8475"`

	// MaxConcurrentJobs caps how many sync jobs run at once.
	MaxConcurrentJobs int `env:"MAX_CONCURRENT_JOBS" envDefault:"3"`

	// DataDir holds the bbolt database. Defaults to ~/.wms-sync.
	DataDir string `env:"DATA_DIR"`

	// RetryPolicyFile is an optional YAML file with per-type retry
	// policy overrides, hot-reloaded on change.
	RetryPolicyFile string `env:"RETRY_POLICY_FILE"`

	// HeartbeatTimeout flips a silent device to offline.
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5m"`

	// ServerCapabilities advertised to devices at registration.
	ServerCapabilities []string `env:"SERVER_CAPABILITIES" envSeparator:"," envDefault:"tasks,inventory,settings"`

	// ServerVersion published in the discovery TXT record.
	ServerVersion string `env:"SERVER_VERSION" envDefault:"dev"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.ServiceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "warehouse-sync"
		}

		cfg.ServiceName = hostname
	}

	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve DataDir to an absolute path at startup so the store and
	// any relative-path logging agree on a single location.
	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1, got %d", c.MaxConcurrentJobs)
	}

	if c.DiscoveryPort < 1 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("DISCOVERY_PORT must be in 1-65535, got %d", c.DiscoveryPort)
	}

	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be positive, got %s", c.HeartbeatTimeout)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// defaultDataDir returns ~/.wms-sync.
func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".wms-sync"), nil
}
