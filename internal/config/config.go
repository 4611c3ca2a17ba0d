// ABOUTME: Configuration loading and parsing for dock-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete dock-gateway configuration.
// It is immutable after Load: components receive it (or a sub-section)
// by value at construction time and never mutate it.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	DRC      DRCConfig      `yaml:"drc"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// MQTTConfig holds broker connection configuration.
// BrokerURL is also handed out to clients entering DRC mode, so it should be
// the externally reachable address of the broker.
type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ClientID  string `yaml:"client_id"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds JWT authentication configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	UserTokenTTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	UserTokenTTLRaw string `yaml:"user_token_ttl"`
}

// DRCConfig holds direct-remote-control timing configuration.
type DRCConfig struct {
	CallTimeout   time.Duration `yaml:"-"`
	TokenTTL      time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CallTimeoutRaw   string `yaml:"call_timeout"`
	TokenTTLRaw      string `yaml:"token_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding YAML keys are absent.
const (
	DefaultCallTimeout   = 10 * time.Second
	DefaultDrcTokenTTL   = 2 * time.Hour
	DefaultSweepInterval = 5 * time.Second
	DefaultUserTokenTTL  = 24 * time.Hour
)

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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
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

	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values,
// applying defaults where a key is absent. Every duration here feeds a
// timeout, TTL, or ticker, so zero and negative values are rejected.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.DRC.CallTimeout, err = parseDuration("drc.call_timeout", cfg.DRC.CallTimeoutRaw, DefaultCallTimeout); err != nil {
		return err
	}
	if cfg.DRC.TokenTTL, err = parseDuration("drc.token_ttl", cfg.DRC.TokenTTLRaw, DefaultDrcTokenTTL); err != nil {
		return err
	}
	if cfg.DRC.SweepInterval, err = parseDuration("drc.sweep_interval", cfg.DRC.SweepIntervalRaw, DefaultSweepInterval); err != nil {
		return err
	}
	if cfg.Auth.UserTokenTTL, err = parseDuration("auth.user_token_ttl", cfg.Auth.UserTokenTTLRaw, DefaultUserTokenTTL); err != nil {
		return err
	}

	return nil
}

// parseDuration parses one raw duration value, falling back to the default
// when the key is absent.
func parseDuration(key, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %q", key, raw)
	}
	return d, nil
}
