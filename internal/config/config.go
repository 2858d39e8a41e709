// ABOUTME: Configuration loading and parsing for crew-control
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete crew-control configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// SessionsConfig holds session and spawn-lease timing configuration
type SessionsConfig struct {
	LoginTTL     time.Duration `yaml:"-"`
	SpawnTimeout time.Duration `yaml:"-"`
	SweepEvery   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	LoginTTLRaw     string `yaml:"login_ttl"`
	SpawnTimeoutRaw string `yaml:"spawn_timeout"`
	SweepEveryRaw   string `yaml:"sweep_every"`
}

// ConversationsConfig holds conversation defaults
type ConversationsConfig struct {
	DefaultMaxTurns int `yaml:"default_max_turns"`
}

// NotificationsConfig holds the retention policy
type NotificationsConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

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

// applyDefaults fills in the timing and retention defaults.
func (c *Config) applyDefaults() {
	if c.Sessions.LoginTTL == 0 {
		c.Sessions.LoginTTL = 24 * time.Hour
	}
	if c.Sessions.SpawnTimeout == 0 {
		c.Sessions.SpawnTimeout = 120 * time.Second
	}
	if c.Sessions.SweepEvery == 0 {
		c.Sessions.SweepEvery = time.Hour
	}
	if c.Conversations.DefaultMaxTurns == 0 {
		c.Conversations.DefaultMaxTurns = 10
	}
	if c.Notifications.RetentionDays == 0 {
		c.Notifications.RetentionDays = 30
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.LoginTTLRaw != "" {
		cfg.Sessions.LoginTTL, err = time.ParseDuration(cfg.Sessions.LoginTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing login_ttl %q: %w", cfg.Sessions.LoginTTLRaw, err)
		}
	}

	if cfg.Sessions.SpawnTimeoutRaw != "" {
		cfg.Sessions.SpawnTimeout, err = time.ParseDuration(cfg.Sessions.SpawnTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing spawn_timeout %q: %w", cfg.Sessions.SpawnTimeoutRaw, err)
		}
	}

	if cfg.Sessions.SweepEveryRaw != "" {
		cfg.Sessions.SweepEvery, err = time.ParseDuration(cfg.Sessions.SweepEveryRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_every %q: %w", cfg.Sessions.SweepEveryRaw, err)
		}
	}

	return nil
}
