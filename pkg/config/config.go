package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8400"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultSQLitePath is the default database file.
	DefaultSQLitePath = "./callcheck.db"

	// DefaultGatewayBaseURL is the voice runtime API endpoint.
	DefaultGatewayBaseURL = "https://runtime-api.voiceflow.com"

	// DefaultGatewayTimeout bounds a single outbound-call request.
	DefaultGatewayTimeout = "15s"

	// DefaultSessionTTL is the default login session lifetime.
	DefaultSessionTTL = "24h"

	// DefaultHistoryLimit is the default number of results returned
	// per test by the history endpoint.
	DefaultHistoryLimit = 10

	// envPrefix is the prefix for environment variable overrides,
	// e.g. CALLCHECK_GATEWAY_NUMBER_ID.
	envPrefix = "CALLCHECK"
)

// Config is the root configuration for callcheck.
type Config struct {
	LogLevel string         `yaml:"log_level" mapstructure:"log_level"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Auth     AuthConfig     `yaml:"auth,omitempty" mapstructure:"auth"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Gateway  GatewayConfig  `yaml:"gateway" mapstructure:"gateway"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AuthConfig contains authentication settings for the operator console.
// When disabled the API is open; the agent integration endpoints are
// always open regardless.
type AuthConfig struct {
	Enabled    bool       `yaml:"enabled" mapstructure:"enabled"`
	SessionTTL string     `yaml:"session_ttl,omitempty" mapstructure:"session_ttl"`
	Users      []AuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// AuthUser defines an operator account from config.
type AuthUser struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// GatewayConfig contains voice runtime gateway settings. NumberID is the
// fallback call-routing identifier used when the stored settings row does
// not carry one.
type GatewayConfig struct {
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	NumberID string `yaml:"number_id,omitempty" mapstructure:"number_id"`
	Timeout  string `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// Load reads the configuration file at path (optional) and applies
// CALLCHECK_* environment overrides on top.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults are registered with viper so env-only overrides are visible
	// to Unmarshal, which only considers keys it already knows about.
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", 0)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.session_ttl", DefaultSessionTTL)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("gateway.base_url", DefaultGatewayBaseURL)
	v.SetDefault("gateway.number_id", "")
	v.SetDefault("gateway.timeout", DefaultGatewayTimeout)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = DefaultGatewayBaseURL
	}

	if c.Gateway.Timeout == "" {
		c.Gateway.Timeout = DefaultGatewayTimeout
	}

	if c.Auth.SessionTTL == "" {
		c.Auth.SessionTTL = DefaultSessionTTL
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if _, err := time.ParseDuration(c.Gateway.Timeout); err != nil {
		return fmt.Errorf("invalid gateway.timeout: %w", err)
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must be positive")
	}

	if c.Auth.Enabled {
		if _, err := time.ParseDuration(c.Auth.SessionTTL); err != nil {
			return fmt.Errorf("invalid auth.session_ttl: %w", err)
		}

		if len(c.Auth.Users) == 0 {
			return fmt.Errorf("auth is enabled but no users are configured")
		}

		for i, u := range c.Auth.Users {
			if u.Username == "" || u.Password == "" {
				return fmt.Errorf("auth.users[%d]: username and password are required", i)
			}
		}
	}

	return nil
}

// GatewayTimeout returns the parsed gateway request timeout.
func (c *Config) GatewayTimeout() time.Duration {
	d, err := time.ParseDuration(c.Gateway.Timeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultGatewayTimeout)
	}

	return d
}

// Dump renders the effective configuration as YAML with secrets redacted.
func (c *Config) Dump() (string, error) {
	redacted := *c

	redacted.Database.Postgres.Password = redact(redacted.Database.Postgres.Password)

	users := make([]AuthUser, len(redacted.Auth.Users))
	for i, u := range redacted.Auth.Users {
		users[i] = AuthUser{Username: u.Username, Password: redact(u.Password)}
	}

	redacted.Auth.Users = users

	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return "", fmt.Errorf("rendering config: %w", err)
	}

	return string(out), nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}

	return "[redacted]"
}
