// Package config handles YAML configuration loading with environment variable
// expansion, plus the secrets that come only from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level router configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Failover  FailoverConfig  `yaml:"failover"`
	Billing   BillingConfig   `yaml:"billing"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Upstreams []UpstreamEntry `yaml:"upstreams"`
	Keys      []KeyEntry      `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// FailoverConfig controls how far the candidate loop walks.
type FailoverConfig struct {
	ExhaustAll  bool `yaml:"exhaust_all"`
	MaxAttempts int  `yaml:"max_attempts"`
}

// BillingConfig controls quota maintenance.
type BillingConfig struct {
	QuotaResyncInterval time.Duration `yaml:"quota_resync_interval"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// UpstreamEntry is an upstream seed in the config file. Seeds are applied
// once; an existing upstream with the same name is left untouched.
type UpstreamEntry struct {
	Name               string            `yaml:"name"`
	BaseURL            string            `yaml:"base_url"`
	Credential         string            `yaml:"credential"` // usually ${VAR}
	Priority           int               `yaml:"priority"`
	Weight             int               `yaml:"weight"`
	Timeout            int               `yaml:"timeout"` // seconds
	Capabilities       []string          `yaml:"capabilities"`
	AllowedModels      []string          `yaml:"allowed_models"`
	ModelRedirects     map[string]string `yaml:"model_redirects"`
	ExcludeStatusCodes []int             `yaml:"exclude_status_codes"`

	SpendingLimit       *float64 `yaml:"spending_limit"`
	SpendingPeriod      string   `yaml:"spending_period"`       // daily, monthly, rolling
	SpendingPeriodHours int      `yaml:"spending_period_hours"` // rolling only
}

// KeyEntry is an API key seed in the config file. Key is plaintext and only
// its salted hash is persisted.
type KeyEntry struct {
	Name      string   `yaml:"name"`
	Key       string   `yaml:"key"`
	Upstreams []string `yaml:"upstreams"` // upstream names to bind
}

// Env carries the secrets that never live in the config file.
type Env struct {
	AdminToken     string // ADMIN_TOKEN
	EncryptionKey  string // ENCRYPTION_KEY
	AllowKeyReveal bool   // ALLOW_KEY_REVEAL
}

// FromEnv reads the environment-only settings. EncryptionKey is mandatory:
// credentials cannot be sealed without it.
func FromEnv() (Env, error) {
	e := Env{
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
	}
	switch os.Getenv("ALLOW_KEY_REVEAL") {
	case "1", "true", "yes":
		e.AllowKeyReveal = true
	}
	if e.EncryptionKey == "" {
		return e, errors.New("ENCRYPTION_KEY is required")
	}
	return e, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses have no fixed bound
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "autorouter.db",
		},
		Failover: FailoverConfig{
			MaxAttempts: 10,
		},
		Billing: BillingConfig{
			QuotaResyncInterval: 10 * time.Minute,
		},
	}
}
