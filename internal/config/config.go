// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads and validates the server configuration from YAML
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-passkey/pkg/ceremony"
	"github.com/jeremyhahn/go-passkey/pkg/logging"
	"github.com/jeremyhahn/go-passkey/pkg/ratelimit"
	"github.com/jeremyhahn/go-passkey/pkg/verifier"
)

// Config represents the complete server configuration
type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Logging      logging.Config   `yaml:"logging"`
	RelyingParty verifier.Config  `yaml:"relying_party"`
	Ceremony     ceremony.Config  `yaml:"ceremony"`
	Storage      StorageConfig    `yaml:"storage"`
	Auth         AuthConfig       `yaml:"auth"`
	RateLimit    ratelimit.Config `yaml:"ratelimit"`
	Metrics      MetricsConfig    `yaml:"metrics"`
	Health       HealthConfig     `yaml:"health"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// CookieName overrides the default session cookie name.
	CookieName string `yaml:"cookie_name"`

	// SecureCookies marks session cookies Secure. Disable only for
	// plain-HTTP development setups.
	SecureCookies bool `yaml:"secure_cookies"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	// Backend is "memory" or "file".
	Backend string `yaml:"backend"`

	// Path is the root directory for the file backend.
	Path string `yaml:"path"`
}

// AuthConfig controls post-authentication token minting
type AuthConfig struct {
	// Enabled turns on JWT minting after successful ceremonies.
	Enabled bool `yaml:"enabled"`

	// Secret is the HMAC signing key. Required when enabled.
	Secret string `yaml:"secret"`

	Issuer    string        `yaml:"issuer"`
	Audience  []string      `yaml:"audience"`
	ExpiresIn time.Duration `yaml:"expires_in"`
}

// MetricsConfig controls the Prometheus metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HealthConfig controls the health check endpoints
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			SecureCookies:   true,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
		},
		RelyingParty: verifier.Config{
			RPID:          "localhost",
			RPDisplayName: "go-passkey",
			RPOrigins:     []string{"http://localhost:8080"},
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled: true,
		},
	}
	cfg.Ceremony.SetDefaults()
	cfg.RelyingParty.SetDefaults()
	return cfg
}

// Load reads configuration from a YAML file and applies environment
// variable overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - Config file path is provided by admin/user
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("PASSKEY_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portEnv := os.Getenv("PASSKEY_PORT"); portEnv != "" {
		if port, err := strconv.Atoi(portEnv); err == nil && port >= 1 && port <= 65535 {
			cfg.Server.Port = port
		}
	}

	// Logging
	if level := os.Getenv("PASSKEY_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("PASSKEY_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	// Relying party
	if rpID := os.Getenv("PASSKEY_RP_ID"); rpID != "" {
		cfg.RelyingParty.RPID = rpID
	}
	if origin := os.Getenv("PASSKEY_RP_ORIGIN"); origin != "" {
		cfg.RelyingParty.RPOrigins = []string{origin}
	}

	// Storage
	if dataDir := os.Getenv("PASSKEY_DATA_DIR"); dataDir != "" {
		cfg.Storage.Backend = "file"
		cfg.Storage.Path = dataDir
	}

	// Auth
	if secret := os.Getenv("PASSKEY_JWT_SECRET"); secret != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Secret = secret
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// The logging package rejects bad levels and formats; build a throwaway
	// logger so validation failures surface here instead of at startup.
	if _, err := logging.New(c.Logging); err != nil {
		return err
	}

	if err := c.RelyingParty.Validate(); err != nil {
		return err
	}

	if err := c.Ceremony.Validate(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case "memory":
	case "file":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the file backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q (must be memory or file)", c.Storage.Backend)
	}

	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required when auth is enabled")
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics path is required when metrics are enabled")
	}

	return nil
}

// Address returns the host:port the server listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
