// Package config provides configuration management for PatternForge.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/patternforge/internal/api/gateway"
	"github.com/lvonguyen/patternforge/internal/detection"
	splunk "github.com/lvonguyen/patternforge/internal/ingestion"
	"github.com/lvonguyen/patternforge/internal/observability"
	"github.com/lvonguyen/patternforge/internal/sink"
	"github.com/lvonguyen/patternforge/internal/telemetry/correlation"
	"github.com/lvonguyen/patternforge/internal/telemetry/normalization"
)

// Config holds all PatternForge configuration.
type Config struct {
	Server        ServerConfig                   `yaml:"server"`
	Redis         RedisConfig                    `yaml:"redis"`
	Detection     detection.Config               `yaml:"detection"`
	Splunk        SplunkConfig                   `yaml:"splunk"`
	Sinks         SinksConfig                    `yaml:"sinks"`
	RateLimit     gateway.RateLimitConfig        `yaml:"rate_limit"`
	Telemetry     observability.Config           `yaml:"telemetry"`
	Normalization normalization.NormalizerConfig `yaml:"normalization"`
	Correlation   correlation.CorrelatorConfig   `yaml:"correlation"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from the configured env var.
func (c RedisConfig) Password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

// SplunkConfig holds Splunk HEC settings.
type SplunkConfig struct {
	Receiver splunk.ReceiverConfig `yaml:"receiver"`
	Sender   splunk.SenderConfig   `yaml:"sender"`
}

// SinksConfig selects where raised alerts are published.
type SinksConfig struct {
	Redis     sink.RedisStreamConfig `yaml:"redis"`
	NATS      sink.NATSConfig        `yaml:"nats"`
	WebSocket WebSocketConfig        `yaml:"websocket"`
}

// WebSocketConfig holds live alert stream settings.
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled"`
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads configuration from a YAML file. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	receiver := splunk.DefaultReceiverConfig()
	receiver.Enabled = true

	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestTimeout:  30 * time.Second,
			MaxBodyBytes:    4 << 20,
		},
		Redis: RedisConfig{
			Enabled:  true,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Detection: detection.DefaultConfig(),
		Splunk: SplunkConfig{
			Receiver: receiver,
			Sender:   splunk.DefaultSenderConfig(),
		},
		Sinks: SinksConfig{
			Redis:     sink.DefaultRedisStreamConfig(),
			NATS:      sink.DefaultNATSConfig(),
			WebSocket: WebSocketConfig{Enabled: true},
		},
		RateLimit:     gateway.DefaultRateLimitConfig(),
		Telemetry:     observability.DefaultConfig(),
		Normalization: normalization.NormalizerConfig{},
		Correlation:   correlation.DefaultCorrelatorConfig(),
	}
}

// Validate checks settings that would otherwise fail late at startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Splunk.Receiver.Enabled && (c.Splunk.Receiver.Port < 0 || c.Splunk.Receiver.Port > 65535) {
		errs = append(errs, fmt.Errorf("splunk.receiver.port %d out of range", c.Splunk.Receiver.Port))
	}
	if c.Detection.HistoryCapacity < 0 {
		errs = append(errs, errors.New("detection.history_capacity must not be negative"))
	}
	if c.Sinks.Redis.Enabled && !c.Redis.Enabled {
		errs = append(errs, errors.New("sinks.redis requires redis.enabled"))
	}
	if c.Splunk.Sender.Enabled && c.Splunk.Sender.HECURL == "" {
		errs = append(errs, errors.New("splunk.sender.hec_url is required when the sender is enabled"))
	}
	return errors.Join(errs...)
}

// EnabledSinks returns the names of the configured alert sinks.
func (c *Config) EnabledSinks() []string {
	var sinks []string
	if c.Sinks.Redis.Enabled {
		sinks = append(sinks, "redis")
	}
	if c.Sinks.NATS.Enabled {
		sinks = append(sinks, "nats")
	}
	if c.Sinks.WebSocket.Enabled {
		sinks = append(sinks, "websocket")
	}
	if c.Splunk.Sender.Enabled {
		sinks = append(sinks, "splunk")
	}
	return sinks
}
