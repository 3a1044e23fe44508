// Package config handles configuration loading and validation for shelfd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shelfstore/shelf/pkg/bytesize"
)

// TenantConfigEnv overrides the tenant configuration file path when set.
const TenantConfigEnv = "SHELF_TENANT_CONFIG"

// RateLimitConfig holds per-API-key request rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"` // default: 600
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error" (default: "info")
	Format string `yaml:"format"` // "json" or "console" (default: "json")
}

// ServerConfig holds configuration for the shelf storage server.
type ServerConfig struct {
	Listen        string          `yaml:"listen"`         // default: ":8450"
	DataDir       string          `yaml:"data_dir"`       // tenant storage root (default: /var/lib/shelf)
	TenantConfig  string          `yaml:"tenant_config"`  // tenant tree document (default: {data_dir}/tenants.json)
	UsageSnapshot string          `yaml:"usage_snapshot"` // usage cache checkpoint (default: {data_dir}/usage.json)
	ChunkSize     string          `yaml:"chunk_size"`     // size string, e.g. "4MB" (default: "4MB")
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Log           LogConfig       `yaml:"log"`

	chunkSizeBytes int64
}

// ChunkSizeBytes returns the parsed chunk size in bytes.
func (c *ServerConfig) ChunkSizeBytes() int64 {
	return c.chunkSizeBytes
}

// LoadServerConfig loads server configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied, without reading
// a file. Used when shelfd starts without a config file.
func Default() *ServerConfig {
	cfg := &ServerConfig{}
	_ = cfg.applyDefaults()
	return cfg
}

func (c *ServerConfig) applyDefaults() error {
	if c.Listen == "" {
		c.Listen = ":8450"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/shelf"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	// Environment override wins over both the file and the default
	if env := os.Getenv(TenantConfigEnv); env != "" {
		c.TenantConfig = env
	}
	if c.TenantConfig == "" {
		c.TenantConfig = filepath.Join(c.DataDir, "tenants.json")
	}
	if c.UsageSnapshot == "" {
		c.UsageSnapshot = filepath.Join(c.DataDir, "usage.json")
	}
	if c.ChunkSize == "" {
		c.ChunkSize = "4MB"
	}
	size, err := bytesize.Parse(c.ChunkSize)
	if err != nil {
		return fmt.Errorf("invalid chunk_size: %w", err)
	}
	if size <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %q", c.ChunkSize)
	}
	c.chunkSizeBytes = size

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	return nil
}
