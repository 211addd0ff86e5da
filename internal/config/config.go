// ABOUTME: Configuration loading and parsing for coven-stream
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "COVEN_STREAM_CONFIG"

// Config represents the complete coven-stream configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Streaming StreamingConfig `yaml:"streaming" toml:"streaming"`
	Runner    RunnerConfig    `yaml:"runner" toml:"runner"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves grpc.health.v1 when set.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	// AllowedOrigins is the websocket Origin allow-list. Empty means same
	// host or localhost only; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	WSPath         string   `yaml:"ws_path" toml:"ws_path"`
}

// StreamingConfig holds session lifecycle and delivery tuning
type StreamingConfig struct {
	IdleTimeout       time.Duration `yaml:"-" toml:"-"`
	GracePeriod       time.Duration `yaml:"-" toml:"-"`
	LateDeliveryDelay time.Duration `yaml:"-" toml:"-"`
	SweepInterval     time.Duration `yaml:"-" toml:"-"`
	SendTimeout       time.Duration `yaml:"-" toml:"-"`
	KeepaliveTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	IdleTimeoutRaw       string `yaml:"idle_timeout" toml:"idle_timeout"`
	GracePeriodRaw       string `yaml:"grace_period" toml:"grace_period"`
	LateDeliveryDelayRaw string `yaml:"late_delivery_delay" toml:"late_delivery_delay"`
	SweepIntervalRaw     string `yaml:"sweep_interval" toml:"sweep_interval"`
	SendTimeoutRaw       string `yaml:"send_timeout" toml:"send_timeout"`
	KeepaliveTimeoutRaw  string `yaml:"keepalive_timeout" toml:"keepalive_timeout"`

	SendBuffer      int     `yaml:"send_buffer" toml:"send_buffer"`
	MaxMessageBytes int64   `yaml:"max_message_bytes" toml:"max_message_bytes"`
	InboundRate     float64 `yaml:"inbound_rate" toml:"inbound_rate"`
	InboundBurst    int     `yaml:"inbound_burst" toml:"inbound_burst"`
}

// RunnerConfig selects the agent flow runner
type RunnerConfig struct {
	Kind       string            `yaml:"kind" toml:"kind"`
	URL        string            `yaml:"url" toml:"url"`
	Timeout    time.Duration     `yaml:"-" toml:"-"`
	TimeoutRaw string            `yaml:"timeout" toml:"timeout"`
	Headers    map[string]string `yaml:"headers" toml:"headers"`
}

// DatabaseConfig holds the session ledger location. An empty path keeps the
// ledger in memory.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// Retention is how long ended sessions stay in the ledger. Zero keeps
	// them forever.
	Retention    time.Duration `yaml:"-" toml:"-"`
	RetentionRaw string        `yaml:"retention" toml:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig toggles OpenTelemetry instruments
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// Default returns a configuration that runs a local development server.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr: "localhost:8080",
			GRPCAddr: "localhost:50051",
			WSPath:   "/ws",
		},
		Streaming: StreamingConfig{
			IdleTimeoutRaw:       "10m",
			GracePeriodRaw:       "30s",
			LateDeliveryDelayRaw: "250ms",
			SweepIntervalRaw:     "5s",
			SendTimeoutRaw:       "2s",
			KeepaliveTimeoutRaw:  "90s",
			SendBuffer:           64,
			MaxMessageBytes:      1 << 20,
			InboundRate:          20,
			InboundBurst:         40,
		},
		Runner: RunnerConfig{
			Kind:       "echo",
			TimeoutRaw: "5m",
		},
		Database: DatabaseConfig{
			RetentionRaw: "168h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
	// Defaults are known-good.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Files ending in .toml are decoded as TOML, everything else as YAML.
// Values not present in the file keep their defaults. Environment variables
// in the format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists. A missing file at a path the
// user did not pick explicitly yields the defaults.
func LoadOrDefault(path string, explicit bool) (*Config, error) {
	cfg, err := Load(path)
	if err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ResolvePath picks the config path: the flag value, then $COVEN_STREAM_CONFIG,
// then $XDG_CONFIG_HOME/coven/stream.yaml, then ~/.config/coven/stream.yaml.
// explicit reports whether the path came from the flag or the environment.
func ResolvePath(flagValue string) (path string, explicit bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env, true
	}
	return DefaultPath(), false
}

// DefaultPath returns the per-user config location.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "stream.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "coven", "stream.yaml")
	}
	return filepath.Join(home, ".config", "coven", "stream.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}

	s := c.Streaming
	for name, d := range map[string]time.Duration{
		"idle_timeout":        s.IdleTimeout,
		"grace_period":        s.GracePeriod,
		"late_delivery_delay": s.LateDeliveryDelay,
		"sweep_interval":      s.SweepInterval,
		"send_timeout":        s.SendTimeout,
		"keepalive_timeout":   s.KeepaliveTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("streaming.%s must be positive", name)
		}
	}
	if s.LateDeliveryDelay >= s.GracePeriod {
		return fmt.Errorf("streaming.late_delivery_delay must be shorter than grace_period")
	}
	if s.SendBuffer < 1 {
		return fmt.Errorf("streaming.send_buffer must be at least 1")
	}
	if s.MaxMessageBytes < 1 {
		return fmt.Errorf("streaming.max_message_bytes must be positive")
	}
	if s.InboundRate <= 0 || s.InboundBurst < 1 {
		return fmt.Errorf("streaming.inbound_rate and inbound_burst must be positive")
	}

	switch c.Runner.Kind {
	case "echo":
	case "http":
		if c.Runner.URL == "" {
			return fmt.Errorf("runner.url is required when runner.kind is http")
		}
	default:
		return fmt.Errorf("runner.kind must be echo or http, got %q", c.Runner.Kind)
	}

	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"idle_timeout", cfg.Streaming.IdleTimeoutRaw, &cfg.Streaming.IdleTimeout},
		{"grace_period", cfg.Streaming.GracePeriodRaw, &cfg.Streaming.GracePeriod},
		{"late_delivery_delay", cfg.Streaming.LateDeliveryDelayRaw, &cfg.Streaming.LateDeliveryDelay},
		{"sweep_interval", cfg.Streaming.SweepIntervalRaw, &cfg.Streaming.SweepInterval},
		{"send_timeout", cfg.Streaming.SendTimeoutRaw, &cfg.Streaming.SendTimeout},
		{"keepalive_timeout", cfg.Streaming.KeepaliveTimeoutRaw, &cfg.Streaming.KeepaliveTimeout},
		{"runner.timeout", cfg.Runner.TimeoutRaw, &cfg.Runner.Timeout},
		{"database.retention", cfg.Database.RetentionRaw, &cfg.Database.Retention},
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
