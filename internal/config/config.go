package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/campaign-worker/shared/retry"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Generator  GeneratorConfig  `yaml:"generator"`
	Worker     WorkerConfig     `yaml:"worker"`
	Server     ServerConfig     `yaml:"server"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// RabbitMQConfig holds broker connection and queue configuration
type RabbitMQConfig struct {
	URL               string        `yaml:"url"`
	InboundQueue      string        `yaml:"inbound_queue"`
	OutboundQueue     string        `yaml:"outbound_queue"`
	PrefetchCount     int           `yaml:"prefetch_count"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	Connect           RetryConfig   `yaml:"connect"`
	Publish           RetryConfig   `yaml:"publish"`
}

// RetryConfig holds backoff settings for one call site
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterFactor      float64       `yaml:"jitter_factor"`
}

// Options converts the config into retry options
func (r RetryConfig) Options() retry.Options {
	return retry.Options{
		MaxRetries:        r.MaxRetries,
		InitialDelay:      r.InitialDelay,
		MaxDelay:          r.MaxDelay,
		BackoffMultiplier: r.BackoffMultiplier,
		JitterFactor:      r.JitterFactor,
	}
}

// GeneratorConfig holds the downstream generation service settings
type GeneratorConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	Retry          RetryConfig   `yaml:"retry"`
}

// WorkerConfig holds worker lifecycle configuration
type WorkerConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// ServerConfig holds the probe HTTP server configuration. Port 0 disables it.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DeadLetterConfig controls persistence of results that could not be published
type DeadLetterConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "campaign-worker",
			Version:     "dev",
			Environment: "development",
		},
		RabbitMQ: RabbitMQConfig{
			InboundQueue:      "campaign.generate",
			OutboundQueue:     "campaign.result",
			PrefetchCount:     10,
			Heartbeat:         10 * time.Second,
			ConnectionTimeout: 300 * time.Second,
			Connect: RetryConfig{
				MaxRetries:        10,
				InitialDelay:      2 * time.Second,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2,
				JitterFactor:      0.1,
			},
			Publish: RetryConfig{
				MaxRetries:        3,
				InitialDelay:      time.Second,
				MaxDelay:          10 * time.Second,
				BackoffMultiplier: 2,
				JitterFactor:      0.1,
			},
		},
		Generator: GeneratorConfig{
			URL:            "http://python-generator:8000",
			RequestTimeout: 300 * time.Second,
			Retry: RetryConfig{
				MaxRetries:        3,
				InitialDelay:      time.Second,
				MaxDelay:          10 * time.Second,
				BackoffMultiplier: 2,
				JitterFactor:      0.1,
			},
		},
		Worker: WorkerConfig{
			HealthCheckInterval: 30 * time.Second,
			ShutdownTimeout:     30 * time.Second,
		},
		Server: ServerConfig{
			Port:            8081,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides file values with environment variables. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("RABBITMQ_URL", &c.RabbitMQ.URL)
	str("GENERATOR_URL", &c.Generator.URL)
	str("LOG_FORMAT", &c.Logging.Format)
	str("DB_HOST", &c.Database.Host)
	str("DB_USER", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)
	str("DB_NAME", &c.Database.Database)
	str("DB_SSLMODE", &c.Database.SSLMode)

	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	if v, ok := lookup("RABBITMQ_TIMEOUT"); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("invalid RABBITMQ_TIMEOUT: %w", err)
		}
		c.Generator.RequestTimeout = d
		c.RabbitMQ.ConnectionTimeout = d
	}

	if v, ok := lookup("HEALTH_CHECK_INTERVAL"); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("invalid HEALTH_CHECK_INTERVAL: %w", err)
		}
		c.Worker.HealthCheckInterval = d
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PREFETCH_COUNT", &c.RabbitMQ.PrefetchCount},
		{"PROBE_PORT", &c.Server.Port},
		{"DB_PORT", &c.Database.Port},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.key, err)
		}
		*e.dst = n
	}

	if v, ok := lookup("DEAD_LETTER_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEAD_LETTER_ENABLED: %w", err)
		}
		c.DeadLetter.Enabled = b
	}

	return nil
}

// parseSeconds accepts whole seconds ("300") or a Go duration ("5m")
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be greater than 0, got %s", v)
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("rabbitmq url is required (set RABBITMQ_URL)")
	}

	if u, err := url.Parse(c.RabbitMQ.URL); err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
		return fmt.Errorf("invalid rabbitmq url: must use amqp:// or amqps://")
	}

	if c.RabbitMQ.InboundQueue == "" {
		return fmt.Errorf("rabbitmq inbound_queue is required")
	}

	if c.RabbitMQ.OutboundQueue == "" {
		return fmt.Errorf("rabbitmq outbound_queue is required")
	}

	if c.RabbitMQ.PrefetchCount <= 0 {
		return fmt.Errorf("rabbitmq prefetch_count must be greater than 0")
	}

	if u, err := url.Parse(c.Generator.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid generator url: %q", c.Generator.URL)
	}

	if c.Generator.RequestTimeout <= 0 {
		return fmt.Errorf("generator request_timeout must be greater than 0")
	}

	if c.Generator.RateLimit < 0 {
		return fmt.Errorf("generator rate_limit must not be negative")
	}

	retries := []struct {
		name string
		cfg  RetryConfig
	}{
		{"rabbitmq connect", c.RabbitMQ.Connect},
		{"rabbitmq publish", c.RabbitMQ.Publish},
		{"generator retry", c.Generator.Retry},
	}
	for _, r := range retries {
		if err := r.cfg.validate(); err != nil {
			return fmt.Errorf("%s: %w", r.name, err)
		}
	}

	if c.Worker.HealthCheckInterval <= 0 {
		return fmt.Errorf("worker health_check_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Server.Port != 0 && (c.Server.Port < MinPort || c.Server.Port > MaxPort) {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.DeadLetter.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required when dead_letter is enabled")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required when dead_letter is enabled")
		}
	}

	return nil
}

func (r RetryConfig) validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}

	if r.BackoffMultiplier != 0 && r.BackoffMultiplier <= 1 {
		return fmt.Errorf("backoff_multiplier must be greater than 1")
	}

	if r.JitterFactor < 0 || r.JitterFactor > 1 {
		return fmt.Errorf("jitter_factor must be between 0 and 1")
	}

	if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
		return fmt.Errorf("initial_delay must not exceed max_delay")
	}

	return nil
}
