// ABOUTME: Configuration loading and parsing for vend-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding fields are absent.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 4 * time.Second
	DefaultInvoiceExpiry     = 5 * time.Minute
	DefaultSessionLifetime   = 90 * 24 * time.Hour
	DefaultDevSettleDelay    = 2 * time.Second
)

// Config represents the complete vend-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Devices   DevicesConfig   `yaml:"devices"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	// SessionLifetime bounds admin JWT validity.
	SessionLifetime    time.Duration `yaml:"-"`
	SessionLifetimeRaw string        `yaml:"session_lifetime"`
}

// DevicesConfig holds device connection timing configuration
type DevicesConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
}

// PaymentsConfig holds Lightning backend configuration
type PaymentsConfig struct {
	// Mode selects the backend: "dev" is the only supported mode today.
	Mode string `yaml:"mode"`

	InvoiceExpiry    time.Duration `yaml:"-"`
	InvoiceExpiryRaw string        `yaml:"invoice_expiry"`

	// DevSettleDelay is how long dev-mode invoices stay open before
	// auto-settling.
	DevSettleDelay    time.Duration `yaml:"-"`
	DevSettleDelayRaw string        `yaml:"dev_settle_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
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

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

func (c *Config) applyDefaults() {
	if c.Devices.HeartbeatInterval == 0 {
		c.Devices.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Devices.HeartbeatTimeout == 0 {
		c.Devices.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Auth.SessionLifetime == 0 {
		c.Auth.SessionLifetime = DefaultSessionLifetime
	}
	if c.Payments.Mode == "" {
		c.Payments.Mode = "dev"
	}
	if c.Payments.InvoiceExpiry == 0 {
		c.Payments.InvoiceExpiry = DefaultInvoiceExpiry
	}
	if c.Payments.DevSettleDelay == 0 {
		c.Payments.DevSettleDelay = DefaultDevSettleDelay
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is the only listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Payments.Mode != "dev" {
		return fmt.Errorf("payments.mode %q is not supported (only \"dev\")", c.Payments.Mode)
	}

	if c.Devices.HeartbeatTimeout >= c.Devices.HeartbeatInterval*2 {
		return fmt.Errorf("devices.heartbeat_timeout must be below twice the interval")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Devices.HeartbeatIntervalRaw, &cfg.Devices.HeartbeatInterval, "heartbeat_interval"},
		{cfg.Devices.HeartbeatTimeoutRaw, &cfg.Devices.HeartbeatTimeout, "heartbeat_timeout"},
		{cfg.Auth.SessionLifetimeRaw, &cfg.Auth.SessionLifetime, "session_lifetime"},
		{cfg.Payments.InvoiceExpiryRaw, &cfg.Payments.InvoiceExpiry, "invoice_expiry"},
		{cfg.Payments.DevSettleDelayRaw, &cfg.Payments.DevSettleDelay, "dev_settle_delay"},
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
