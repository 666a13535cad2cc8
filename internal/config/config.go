// Package config loads echod settings from an optional YAML file, an optional
// .env file and ECHOD_* environment variables, in that order of precedence
// (later wins). Command line flags are applied on top by the binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/matst80/echod/internal/echo"
)

// Config represents the complete server configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Limits  LimitsConfig  `yaml:"limits"`
	Metrics MetricsConfig `yaml:"metrics"`
	Redis   RedisConfig   `yaml:"redis"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains listener and admission settings
type ServerConfig struct {
	BindAddress    string        `yaml:"bind_address"`
	Port           int           `yaml:"port"`
	TCPEnabled     bool          `yaml:"tcp_enabled"`
	UDPEnabled     bool          `yaml:"udp_enabled"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"` // 0 = never
}

// LimitsConfig contains optional per-source rate limits; 0 disables.
type LimitsConfig struct {
	ConnRate     int `yaml:"conn_rate"`     // TCP connections per second per source IP
	DatagramRate int `yaml:"datagram_rate"` // UDP datagrams per second per source IP
	Burst        int `yaml:"burst"`
}

// MetricsConfig contains the metrics/health HTTP listener settings
type MetricsConfig struct {
	Address string `yaml:"address"` // empty disables
}

// RedisConfig enables publishing stats snapshots to Redis when Addr is set.
type RedisConfig struct {
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	KeyTTL          time.Duration `yaml:"key_ttl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:    "0.0.0.0",
			Port:           echo.DefaultPort,
			TCPEnabled:     true,
			UDPEnabled:     true,
			MaxConnections: echo.DefaultMaxConnections,
		},
		Limits:  LimitsConfig{Burst: 10},
		Metrics: MetricsConfig{Address: ":9107"},
		Redis: RedisConfig{
			PublishInterval: 10 * time.Second,
			KeyTTL:          time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (may be
// empty), the given .env files (missing files are ignored) and the process
// environment, then validates it.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ECHOD_* environment variables.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("ECHOD_BIND", &c.Server.BindAddress)
	str("ECHOD_METRICS_ADDR", &c.Metrics.Address)
	str("ECHOD_REDIS_ADDR", &c.Redis.Addr)
	str("ECHOD_REDIS_PASSWORD", &c.Redis.Password)
	str("ECHOD_LOG_LEVEL", &c.Logging.Level)
	str("ECHOD_LOG_FORMAT", &c.Logging.Format)
	for _, err := range []error{
		num("ECHOD_PORT", &c.Server.Port),
		num("ECHOD_MAX_CONNECTIONS", &c.Server.MaxConnections),
		boolean("ECHOD_TCP", &c.Server.TCPEnabled),
		boolean("ECHOD_UDP", &c.Server.UDPEnabled),
		dur("ECHOD_IDLE_TIMEOUT", &c.Server.IdleTimeout),
		num("ECHOD_CONN_RATE", &c.Limits.ConnRate),
		num("ECHOD_DATAGRAM_RATE", &c.Limits.DatagramRate),
		num("ECHOD_BURST", &c.Limits.Burst),
		num("ECHOD_REDIS_DB", &c.Redis.DB),
		dur("ECHOD_PUBLISH_INTERVAL", &c.Redis.PublishInterval),
		dur("ECHOD_REDIS_KEY_TTL", &c.Redis.KeyTTL),
	} {
		if err != nil {
			return fmt.Errorf("environment: %w", err)
		}
	}
	return nil
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits config: %w", err)
	}
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", s.Port)
	}
	if s.MaxConnections <= 0 {
		return fmt.Errorf("invalid max_connections: %d (must be > 0)", s.MaxConnections)
	}
	if !s.TCPEnabled && !s.UDPEnabled {
		return errors.New("at least one of tcp_enabled or udp_enabled must be set")
	}
	if s.IdleTimeout < 0 {
		return fmt.Errorf("invalid idle_timeout: %s", s.IdleTimeout)
	}
	return nil
}

func (l *LimitsConfig) Validate() error {
	if l.ConnRate < 0 || l.DatagramRate < 0 {
		return fmt.Errorf("rates must not be negative (conn_rate=%d, datagram_rate=%d)", l.ConnRate, l.DatagramRate)
	}
	if (l.ConnRate > 0 || l.DatagramRate > 0) && l.Burst <= 0 {
		return fmt.Errorf("invalid burst: %d (must be > 0 when a rate is set)", l.Burst)
	}
	return nil
}

func (r *RedisConfig) Validate() error {
	if r.Addr == "" {
		return nil
	}
	if r.PublishInterval <= 0 {
		return fmt.Errorf("invalid publish_interval: %s", r.PublishInterval)
	}
	if r.KeyTTL < r.PublishInterval {
		return fmt.Errorf("key_ttl %s shorter than publish_interval %s", r.KeyTTL, r.PublishInterval)
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info":
	default:
		return fmt.Errorf("invalid log level: %q (must be debug or info)", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q (must be text or json)", l.Format)
	}
	return nil
}
