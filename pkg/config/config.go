package config

import (
	"fmt"
	"os"
	"time"

	"meetclient/internal/core/domain"
	"meetclient/pkg/circuitbreaker"
	"meetclient/pkg/retry"
	"meetclient/pkg/tracing"
	"meetclient/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	API struct {
		BaseURL        string        `yaml:"base_url"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		UserAgent      string        `yaml:"user_agent"`
	} `yaml:"api"`

	// Calls defaults to the api base URL when empty.
	Calls struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"calls"`

	Realtime struct {
		URL              string        `yaml:"url"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxMessageBytes  int64         `yaml:"max_message_bytes"`
		SendQueue        int           `yaml:"send_queue"`
		Reconnect        retry.Config  `yaml:"reconnect"`

		SendRate struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"send_rate"`
	} `yaml:"realtime"`

	// Retry applies to idempotent room API reads.
	Retry          retry.Config          `yaml:"retry"`
	CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`

	Media domain.MediaConstraints `yaml:"media"`

	Chat struct {
		HistoryLimit int           `yaml:"history_limit"`
		DedupeTTL    time.Duration `yaml:"dedupe_ttl"`
		MaxMessages  int           `yaml:"max_messages"`
	} `yaml:"chat"`

	Meeting struct {
		TeardownTimeout time.Duration `yaml:"teardown_timeout"`
		PublishTimeout  time.Duration `yaml:"publish_timeout"`
		PublishQueue    int           `yaml:"publish_queue"`
	} `yaml:"meeting"`

	Control struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// Token, when set, is required as a bearer token on every control request.
		Token string `yaml:"token"`

		RateLimit struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent requests
		} `yaml:"rate_limit"`
	} `yaml:"control"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

	Redis struct {
		Enabled       bool   `yaml:"enabled"`
		Address       string `yaml:"address"`
		Password      string `yaml:"password"`
		DB            int    `yaml:"db"`
		PoolSize      int    `yaml:"pool_size"`
		ChannelPrefix string `yaml:"channel_prefix"`
	} `yaml:"redis"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// API
	if err := validation.ValidateURL(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("api.request_timeout must be > 0")
	}
	if c.Calls.BaseURL != "" {
		if err := validation.ValidateURL(c.Calls.BaseURL); err != nil {
			return fmt.Errorf("calls.base_url: %w", err)
		}
	}

	// Realtime
	if err := validation.ValidateURL(c.Realtime.URL); err != nil {
		return fmt.Errorf("realtime.url: %w", err)
	}
	if c.Realtime.PingInterval <= 0 {
		return fmt.Errorf("realtime.ping_interval must be > 0")
	}
	if c.Realtime.PongTimeout <= c.Realtime.PingInterval {
		return fmt.Errorf("realtime.pong_timeout must be > ping_interval")
	}
	if c.Realtime.WriteTimeout <= 0 {
		return fmt.Errorf("realtime.write_timeout must be > 0")
	}
	if c.Realtime.SendQueue <= 0 {
		return fmt.Errorf("realtime.send_queue must be > 0")
	}
	if c.Realtime.Reconnect.Enabled {
		if c.Realtime.Reconnect.MaxAttempts <= 0 {
			return fmt.Errorf("realtime.reconnect.max_attempts must be > 0 when reconnect is enabled")
		}
		if c.Realtime.Reconnect.InitialDelay <= 0 {
			return fmt.Errorf("realtime.reconnect.initial_delay must be > 0 when reconnect is enabled")
		}
		if c.Realtime.Reconnect.Multiplier < 1 {
			return fmt.Errorf("realtime.reconnect.multiplier must be >= 1")
		}
	}
	if c.Realtime.SendRate.MessagesPerSecond < 0 {
		return fmt.Errorf("realtime.send_rate.messages_per_second must be >= 0")
	}
	if c.Realtime.SendRate.MessagesPerSecond > 0 && c.Realtime.SendRate.Burst <= 0 {
		return fmt.Errorf("realtime.send_rate.burst must be > 0 when a send rate is set")
	}

	// Retry
	if c.Retry.Enabled && c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}

	// Circuit breaker
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be > 0")
	}
	if c.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("circuit_breaker.timeout must be > 0")
	}

	// Media
	if c.Media.Video.Width < 0 || c.Media.Video.Height < 0 || c.Media.Video.FrameRate < 0 {
		return fmt.Errorf("media.video dimensions must be >= 0")
	}
	if c.Media.Audio.SampleRate < 0 {
		return fmt.Errorf("media.audio.sample_rate must be >= 0")
	}

	// Chat
	if c.Chat.HistoryLimit < 0 {
		return fmt.Errorf("chat.history_limit must be >= 0")
	}

	// Control
	if c.Control.Enabled {
		if c.Control.Address == "" {
			return fmt.Errorf("control.address must not be empty when control.enabled=true")
		}
		if c.Control.RateLimit.Enabled {
			if c.Control.RateLimit.RequestsPerSecond <= 0 {
				return fmt.Errorf("control.rate_limit.requests_per_second must be > 0 when rate limiting is enabled")
			}
			if c.Control.RateLimit.Burst <= 0 {
				return fmt.Errorf("control.rate_limit.burst must be > 0 when rate limiting is enabled")
			}
			if c.Control.RateLimit.MaxConcurrent < 0 {
				return fmt.Errorf("control.rate_limit.max_concurrent must be >= 0 when rate limiting is enabled")
			}
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// CallsBaseURL is the calls service root, falling back to the api root.
func (c *Config) CallsBaseURL() string {
	if c.Calls.BaseURL != "" {
		return c.Calls.BaseURL
	}
	return c.API.BaseURL
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.API.BaseURL = "http://localhost:8080/api/v1"
	cfg.API.RequestTimeout = 10 * time.Second
	cfg.API.UserAgent = "meetclient/1.0"

	cfg.Realtime.URL = "ws://localhost:8080/api/v1"
	cfg.Realtime.HandshakeTimeout = 10 * time.Second
	cfg.Realtime.PingInterval = 30 * time.Second
	cfg.Realtime.PongTimeout = 60 * time.Second
	cfg.Realtime.WriteTimeout = 10 * time.Second
	cfg.Realtime.MaxMessageBytes = 64 * 1024
	cfg.Realtime.SendQueue = 64
	cfg.Realtime.Reconnect = retry.Config{
		Enabled:      true,
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
	cfg.Realtime.SendRate.MessagesPerSecond = 10
	cfg.Realtime.SendRate.Burst = 20

	cfg.Retry = retry.DefaultConfig()
	cfg.CircuitBreaker = circuitbreaker.DefaultConfig()

	cfg.Media = domain.DefaultMediaConstraints()

	cfg.Chat.HistoryLimit = 50
	cfg.Chat.DedupeTTL = 10 * time.Minute
	cfg.Chat.MaxMessages = 500

	cfg.Meeting.TeardownTimeout = 5 * time.Second
	cfg.Meeting.PublishTimeout = 2 * time.Second
	cfg.Meeting.PublishQueue = 64

	cfg.Control.Enabled = true
	cfg.Control.Address = "127.0.0.1:7070"
	cfg.Control.ReadTimeout = 10 * time.Second
	cfg.Control.WriteTimeout = 10 * time.Second
	cfg.Control.ShutdownTimeout = 5 * time.Second
	cfg.Control.RateLimit.Enabled = false
	cfg.Control.RateLimit.RequestsPerSecond = 20
	cfg.Control.RateLimit.Burst = 40

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.ChannelPrefix = "meetclient"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEETCLIENT_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("MEETCLIENT_CALLS_URL"); v != "" {
		c.Calls.BaseURL = v
	}
	if v := os.Getenv("MEETCLIENT_WS_URL"); v != "" {
		c.Realtime.URL = v
	}
	if v := os.Getenv("MEETCLIENT_CONTROL_ADDRESS"); v != "" {
		c.Control.Address = v
	}
	if v := os.Getenv("MEETCLIENT_CONTROL_TOKEN"); v != "" {
		c.Control.Token = v
	}
	if v := os.Getenv("MEETCLIENT_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
	}
	if v := os.Getenv("MEETCLIENT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
