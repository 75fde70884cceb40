// Package config loads and validates the pipeline configuration.
//
// Configuration comes from a JSON file with environment variable overrides
// layered on top (prefix S360). The pipeline consumes this configuration but
// does not own it: the serving layer (or whatever triggers the operations)
// decides where the file lives and which overrides apply.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Carmigna/npg-substation360-pipeline/errors"
	"github.com/Carmigna/npg-substation360-pipeline/pkg/tlsutil"
)

// envPrefix for environment overrides (S360_USERNAME, S360_DATABASE_URL, ...)
const envPrefix = "S360"

// Config represents the complete pipeline configuration
type Config struct {
	LogLevel    string            `json:"log_level,omitempty"`
	API         APIConfig         `json:"api"`
	Primary     StoreConfig       `json:"primary"`
	Replication ReplicationConfig `json:"replication,omitempty"`
	Ingest      IngestConfig      `json:"ingest,omitempty"`
}

// APIConfig defines the remote metering API connection
type APIConfig struct {
	AuthURL  string `json:"auth_url"`
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`

	// TokenLease estimates token lifetime when the auth response carries no
	// expiry. The manager refreshes proactively at 90% of the lease.
	TokenLease Duration `json:"token_lease,omitempty"`

	// RequestTimeout bounds every outbound HTTP call
	RequestTimeout Duration `json:"request_timeout,omitempty"`

	// RateLimit caps outbound requests per second (0 = unlimited)
	RateLimit float64 `json:"rate_limit,omitempty"`

	TLS tlsutil.Config `json:"tls,omitempty"`
}

// StoreConfig defines a Postgres connection
type StoreConfig struct {
	DSN string `json:"dsn"`
}

// ReplicationConfig defines the optional secondary store sink
type ReplicationConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn,omitempty"`

	// Tables to replicate; defaults to all pipeline tables
	Tables []string `json:"tables,omitempty"`

	// Since is the default replication window
	Since Duration `json:"since,omitempty"`
}

// IngestConfig tunes the ingestion fan-out and normalization
type IngestConfig struct {
	// Workers is the number of concurrent telemetry fetches
	Workers int `json:"workers,omitempty"`

	// BatchSize is the number of instruments per fetch request
	BatchSize int `json:"batch_size,omitempty"`

	// InstrumentLimit caps the discovered-instrument fallback when the
	// caller passes no explicit instrument ids
	InstrumentLimit int `json:"instrument_limit,omitempty"`

	// PreserveLabels keeps raw site-asset labels (L1/L2/L3) in silver rows
	// instead of remapping them to phases A/B/C
	PreserveLabels bool `json:"preserve_labels,omitempty"`
}

// Default returns the baseline configuration before file and env layers
func Default() *Config {
	return &Config{
		LogLevel: "info",
		API: APIConfig{
			AuthURL:        "https://auth.substation360ig.co.uk/api/token",
			BaseURL:        "https://integration.substation360ig.co.uk/api",
			TokenLease:     Duration(time.Hour),
			RequestTimeout: Duration(60 * time.Second),
		},
		Replication: ReplicationConfig{
			Since: Duration(24 * time.Hour),
		},
		Ingest: IngestConfig{
			Workers:         4,
			BatchSize:       25,
			InstrumentLimit: 3,
		},
	}
}

// Load reads the configuration file (optional), applies environment
// overrides and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
		}
		if err := validateDocument(data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers S360_* environment variables over the file config
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv(envPrefix + "_AUTH_URL"); val != "" {
		cfg.API.AuthURL = val
	}
	if val := os.Getenv(envPrefix + "_BASE_URL"); val != "" {
		cfg.API.BaseURL = val
	}
	if val := os.Getenv(envPrefix + "_USERNAME"); val != "" {
		cfg.API.Username = val
	}
	if val := os.Getenv(envPrefix + "_PASSWORD"); val != "" {
		cfg.API.Password = val
	}
	if val := os.Getenv(envPrefix + "_TLS_MODE"); val != "" {
		cfg.API.TLS.Mode = tlsutil.Mode(val)
	}
	if val := os.Getenv(envPrefix + "_CA_CERT_PATH"); val != "" {
		cfg.API.TLS.CAFile = val
	}
	if val := os.Getenv(envPrefix + "_DATABASE_URL"); val != "" {
		cfg.Primary.DSN = val
	}
	if val := os.Getenv(envPrefix + "_CLOUD_DB_URL"); val != "" {
		cfg.Replication.DSN = val
	}
	if val := os.Getenv(envPrefix + "_ENABLE_CLOUD_SINK"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Replication.Enabled = b
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log level %q", c.LogLevel))
	}

	if err := c.API.Validate(); err != nil {
		return err
	}

	if c.Primary.DSN == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"primary store dsn is required")
	}

	if c.Replication.Enabled && c.Replication.DSN == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"replication enabled but no secondary dsn configured")
	}

	return nil
}

// Validate checks the API configuration
func (a *APIConfig) Validate() error {
	if a.AuthURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "APIConfig", "Validate",
			"auth_url is required")
	}
	if _, err := url.ParseRequestURI(a.AuthURL); err != nil {
		return errors.WrapInvalid(err, "APIConfig", "Validate", "parse auth_url")
	}
	if a.BaseURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "APIConfig", "Validate",
			"base_url is required")
	}
	if _, err := url.ParseRequestURI(a.BaseURL); err != nil {
		return errors.WrapInvalid(err, "APIConfig", "Validate", "parse base_url")
	}
	if a.RateLimit < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "APIConfig", "Validate",
			"rate_limit cannot be negative")
	}
	return a.TLS.Validate()
}

// Duration wraps time.Duration with JSON string support ("30s", "1h")
type Duration time.Duration

// Value returns the wrapped time.Duration
func (d Duration) Value() time.Duration {
	return time.Duration(d)
}

// MarshalJSON renders the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts both duration strings and raw nanosecond numbers
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
}
