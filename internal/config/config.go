// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mailer.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the YAML and environment layers.
const (
	defaultPort      = 587
	defaultTimeoutMs = 5000
	defaultRetries   = 3

	defaultBurstLimit             = 5
	defaultCooldownPeriodMs       = 1000
	defaultBanDurationMs          = 7200000
	defaultMaxConsecutiveFailures = 3
	defaultFailureCooldownMs      = 300000
	defaultMaxRapidAttempts       = 10
	defaultRapidPeriodMs          = 10000
	defaultMaxTrackedRecipients   = 10000
)

// Config holds the complete application configuration.
type Config struct {
	// Provider selects the delivery backend: relay (default), ses, stdout.
	Provider string `yaml:"provider"`

	Relay     RelayConfig     `yaml:"relay"`
	SES       SESConfig       `yaml:"ses"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Hooks     HooksConfig     `yaml:"hooks"`
}

// RelayConfig holds the SMTP relay connection parameters.
type RelayConfig struct {
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	Secure   bool   `yaml:"secure"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// From is the envelope sender; construction fails without it.
	From string `yaml:"from"`

	// LocalName is the EHLO identity.
	LocalName string `yaml:"local_name"`

	// RetryAttempts bounds automatic retries of transient connection
	// failures. Zero disables retries.
	RetryAttempts int `yaml:"retry_attempts"`

	// TimeoutMs is the idle socket timeout in milliseconds.
	TimeoutMs int `yaml:"timeout_ms"`

	// KeepAlive keeps the relay connection open between sends.
	KeepAlive bool `yaml:"keep_alive"`

	// SkipVerify disables the connection probe that normally runs before
	// every send.
	SkipVerify bool `yaml:"skip_verify"`

	// CAFile optionally names a PEM bundle replacing the system roots.
	CAFile string `yaml:"ca_file"`
}

// SESConfig holds AWS SES credentials for the ses provider.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// RateLimitConfig holds the per-recipient abuse policy.
type RateLimitConfig struct {
	PerRecipient           bool `yaml:"per_recipient"`
	BurstLimit             int  `yaml:"burst_limit"`
	CooldownPeriodMs       int  `yaml:"cooldown_period_ms"`
	BanDurationMs          int  `yaml:"ban_duration_ms"`
	MaxConsecutiveFailures int  `yaml:"max_consecutive_failures"`
	FailureCooldownMs      int  `yaml:"failure_cooldown_ms"`
	MaxRapidAttempts       int  `yaml:"max_rapid_attempts"`
	RapidPeriodMs          int  `yaml:"rapid_period_ms"`
	MaxTrackedRecipients   int  `yaml:"max_tracked_recipients"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level        string   `yaml:"level"`
	Format       string   `yaml:"format"`
	CustomFields []string `yaml:"custom_fields"`
	Destination  string   `yaml:"destination"`
}

// HooksConfig wires optional delivery-record sinks.
type HooksConfig struct {
	FilePath     string `yaml:"file_path"`
	SqliteDSN    string `yaml:"sqlite_dsn"`
	MysqlDSN     string `yaml:"mysql_dsn"`
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AuthEnabled returns true if both relay username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.Relay.Username != "" && c.Relay.Password != ""
}

// SESConfigured returns true if the SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// normalize validates required fields and reconciles port/TLS settings.
func (c *Config) normalize() error {
	if c.Relay.From == "" {
		return fmt.Errorf("relay.from is required")
	}
	if c.Relay.Host == "" && (c.Provider == "" || c.Provider == "relay") {
		return fmt.Errorf("relay.host is required")
	}

	// Port 465 is SMTPS; implicit TLS is not optional there.
	if c.Relay.Port == 465 && !c.Relay.Secure {
		slog.Warn("port 465 implies implicit TLS, forcing secure mode")
		c.Relay.Secure = true
	}

	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Relay.Port = defaultPort
	c.Relay.TimeoutMs = defaultTimeoutMs
	c.Relay.RetryAttempts = defaultRetries

	c.RateLimit.PerRecipient = true
	c.RateLimit.BurstLimit = defaultBurstLimit
	c.RateLimit.CooldownPeriodMs = defaultCooldownPeriodMs
	c.RateLimit.BanDurationMs = defaultBanDurationMs
	c.RateLimit.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	c.RateLimit.FailureCooldownMs = defaultFailureCooldownMs
	c.RateLimit.MaxRapidAttempts = defaultMaxRapidAttempts
	c.RateLimit.RapidPeriodMs = defaultRapidPeriodMs
	c.RateLimit.MaxTrackedRecipients = defaultMaxTrackedRecipients

	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.Relay.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Relay.Port = uint16(port)
		}
	}
	if v := os.Getenv("SMTP_SECURE"); v != "" {
		c.Relay.Secure = v == "true" || v == "1"
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.Relay.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.Relay.Password = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		c.Relay.From = v
	}
	if v := os.Getenv("SMTP_LOCAL_NAME"); v != "" {
		c.Relay.LocalName = v
	}
	if v := os.Getenv("SMTP_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Relay.TimeoutMs = ms
		}
	}
	if v := os.Getenv("SMTP_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Relay.RetryAttempts = n
		}
	}
	if v := os.Getenv("SMTP_KEEP_ALIVE"); v != "" {
		c.Relay.KeepAlive = v == "true" || v == "1"
	}
	if v := os.Getenv("SMTP_CA_FILE"); v != "" {
		c.Relay.CAFile = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_DESTINATION"); v != "" {
		c.Logging.Destination = v
	}

	if v := os.Getenv("HOOK_FILE_PATH"); v != "" {
		c.Hooks.FilePath = v
	}
	if v := os.Getenv("SQLITE_DSN"); v != "" {
		c.Hooks.SqliteDSN = v
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		c.Hooks.MysqlDSN = v
	}
	if v := os.Getenv("SLACK_TOKEN"); v != "" {
		c.Hooks.SlackToken = v
	}
	if v := os.Getenv("SLACK_CHANNEL"); v != "" {
		c.Hooks.SlackChannel = v
	}
}
