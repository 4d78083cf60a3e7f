// ABOUTME: Configuration loading and parsing for coven-runtime
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-runtime configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	State     StateConfig     `yaml:"state"`
	Registry  RegistryConfig  `yaml:"registry"`
	Messages  MessagesConfig  `yaml:"messages"`
	RPC       RPCConfig       `yaml:"rpc"`
	Workers   WorkersConfig   `yaml:"workers"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
	// ServerID is sent to workers in the Welcome; defaults to the hostname.
	ServerID string `yaml:"server_id"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// StateConfig selects the agent state backend
type StateConfig struct {
	Backend     string      `yaml:"backend"` // memory, sqlite, redis, postgres
	SQLitePath  string      `yaml:"sqlite_path"`
	Redis       RedisConfig `yaml:"redis"`
	PostgresURL string      `yaml:"postgres_url"`
}

// RedisConfig holds Redis connection settings for the state backend
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RegistryConfig holds placement settings
type RegistryConfig struct {
	Placement string `yaml:"placement"` // round_robin, least_loaded
	Shards    int    `yaml:"shards"`
}

// MessagesConfig holds dead-letter and replay buffer settings
type MessagesConfig struct {
	ReplayWindow       time.Duration `yaml:"-"`
	DedupeTTL          time.Duration `yaml:"-"`
	DeadLetterCapacity int           `yaml:"dead_letter_capacity"`
	DedupeSize         int           `yaml:"dedupe_size"`

	// Raw string values for YAML unmarshaling
	ReplayWindowRaw string `yaml:"replay_window"`
	DedupeTTLRaw    string `yaml:"dedupe_ttl"`
}

// RPCConfig holds request forwarding timeouts
type RPCConfig struct {
	DefaultTimeout time.Duration `yaml:"-"`
	MaxTimeout     time.Duration `yaml:"-"`

	DefaultTimeoutRaw string `yaml:"default_timeout"`
	MaxTimeoutRaw     string `yaml:"max_timeout"`
}

// WorkersConfig holds per-connection limits and keepalive settings
type WorkersConfig struct {
	SendQueueSize      int           `yaml:"send_queue_size"`
	MaxEventsPerSecond float64       `yaml:"max_events_per_second"`
	EventBurst         int           `yaml:"event_burst"`
	KeepaliveTime      time.Duration `yaml:"-"`
	KeepaliveTimeout   time.Duration `yaml:"-"`

	KeepaliveTimeRaw    string `yaml:"keepalive_time"`
	KeepaliveTimeoutRaw string `yaml:"keepalive_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config path from COVEN_RUNTIME_CONFIG, ./config.yaml,
// or ~/.config/coven/runtime.yaml, in that order. The last candidate is returned
// even if it does not exist.
func DefaultPath() string {
	if p := os.Getenv("COVEN_RUNTIME_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven", "runtime.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.GRPCAddr == "" && !c.Tailscale.Enabled {
		c.Server.GRPCAddr = "127.0.0.1:50061"
	}
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8090"
	}
	if c.Server.ServerID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server.ServerID = host
		} else {
			c.Server.ServerID = "coven-runtime"
		}
	}
	if c.State.Backend == "" {
		c.State.Backend = "memory"
	}
	if c.Registry.Placement == "" {
		c.Registry.Placement = "round_robin"
	}
	if c.Registry.Shards == 0 {
		c.Registry.Shards = 16
	}
	if c.Messages.ReplayWindow == 0 {
		c.Messages.ReplayWindow = 5 * time.Second
	}
	if c.Messages.DedupeTTL == 0 {
		c.Messages.DedupeTTL = 5 * time.Minute
	}
	if c.Messages.DeadLetterCapacity == 0 {
		c.Messages.DeadLetterCapacity = 1000
	}
	if c.Messages.DedupeSize == 0 {
		c.Messages.DedupeSize = 10000
	}
	if c.RPC.DefaultTimeout == 0 {
		c.RPC.DefaultTimeout = 30 * time.Second
	}
	if c.RPC.MaxTimeout == 0 {
		c.RPC.MaxTimeout = 5 * time.Minute
	}
	if c.Workers.SendQueueSize == 0 {
		c.Workers.SendQueueSize = 256
	}
	if c.Workers.KeepaliveTime == 0 {
		c.Workers.KeepaliveTime = 15 * time.Second
	}
	if c.Workers.KeepaliveTimeout == 0 {
		c.Workers.KeepaliveTimeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.State.Backend {
	case "memory":
	case "sqlite":
		if c.State.SQLitePath == "" {
			return fmt.Errorf("state.sqlite_path is required for the sqlite backend")
		}
	case "redis":
		if c.State.Redis.Addr == "" {
			return fmt.Errorf("state.redis.addr is required for the redis backend")
		}
	case "postgres":
		if c.State.PostgresURL == "" {
			return fmt.Errorf("state.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("state.backend %q is not one of memory, sqlite, redis, postgres", c.State.Backend)
	}

	switch c.Registry.Placement {
	case "round_robin", "least_loaded":
	default:
		return fmt.Errorf("registry.placement %q is not one of round_robin, least_loaded", c.Registry.Placement)
	}
	if c.Registry.Shards < 1 {
		return fmt.Errorf("registry.shards must be positive")
	}

	if c.Messages.ReplayWindow < 0 || c.Messages.DeadLetterCapacity < 0 {
		return fmt.Errorf("messages settings must not be negative")
	}

	if c.RPC.DefaultTimeout > c.RPC.MaxTimeout {
		return fmt.Errorf("rpc.default_timeout (%s) exceeds rpc.max_timeout (%s)", c.RPC.DefaultTimeout, c.RPC.MaxTimeout)
	}

	if c.Workers.MaxEventsPerSecond < 0 {
		return fmt.Errorf("workers.max_events_per_second must not be negative")
	}

	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes when auth is enabled")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"messages.replay_window", cfg.Messages.ReplayWindowRaw, &cfg.Messages.ReplayWindow},
		{"messages.dedupe_ttl", cfg.Messages.DedupeTTLRaw, &cfg.Messages.DedupeTTL},
		{"rpc.default_timeout", cfg.RPC.DefaultTimeoutRaw, &cfg.RPC.DefaultTimeout},
		{"rpc.max_timeout", cfg.RPC.MaxTimeoutRaw, &cfg.RPC.MaxTimeout},
		{"workers.keepalive_time", cfg.Workers.KeepaliveTimeRaw, &cfg.Workers.KeepaliveTime},
		{"workers.keepalive_timeout", cfg.Workers.KeepaliveTimeoutRaw, &cfg.Workers.KeepaliveTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
