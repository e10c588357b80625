// Package config loads the layered server configuration: built-in defaults,
// an optional config file, PRYV_-prefixed environment variables and explicit
// overrides, in that order of precedence (later wins).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level server configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// APIHost builds apiEndpoint values returned by login.
	APIHost      string `mapstructure:"api_host"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
	// AttachmentsRoot is the directory for uploaded attachment files.
	AttachmentsRoot string `mapstructure:"attachments_root"`
	// SubdomainIgnorePaths are paths exempt from subdomain-to-path rewriting.
	SubdomainIgnorePaths []string `mapstructure:"subdomain_ignore_paths"`
}

// StorageConfig defines the database settings.
type StorageConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// AccountDir holds the per-user account databases.
	AccountDir string `mapstructure:"account_dir"`
	// AuditDir holds the per-user audit databases.
	AuditDir string `mapstructure:"audit_dir"`
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	// TrustedApps are regular expressions matched against the caller origin
	// on auth methods; "*" trusts everything.
	TrustedApps []string `mapstructure:"trusted_apps"`
	// SessionTTLSeconds is the session lifetime.
	SessionTTLSeconds float64 `mapstructure:"session_ttl_seconds"`
	// PasswordHistoryLength is how many previous passwords a new one is
	// checked against.
	PasswordHistoryLength int `mapstructure:"password_history_length"`
}

// RedisConfig defines the cross-process invalidation broker. An empty Addr
// disables synchronization (single-process mode).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuditConfig defines the audit sinks and their shared method filter.
type AuditConfig struct {
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`

	StorageEnabled bool `mapstructure:"storage_enabled"`

	SyslogEnabled  bool   `mapstructure:"syslog_enabled"`
	SyslogTemplate string `mapstructure:"syslog_template"`
	SyslogSeverity string `mapstructure:"syslog_severity"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.api_host", "localhost:3000")
	v.SetDefault("server.max_body_bytes", 10*1024*1024)
	v.SetDefault("server.attachments_root", "./data/attachments")
	v.SetDefault("server.subdomain_ignore_paths", []string{"/system/status", "/metrics"})

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "./data/pryv.db")
	v.SetDefault("storage.account_dir", "./data/accounts")
	v.SetDefault("storage.audit_dir", "./data/audit")

	v.SetDefault("auth.trusted_apps", []string{"*"})
	v.SetDefault("auth.session_ttl_seconds", float64(14*24*3600))
	v.SetDefault("auth.password_history_length", 5)

	v.SetDefault("audit.storage_enabled", true)
	v.SetDefault("audit.syslog_enabled", false)
	v.SetDefault("audit.syslog_severity", "notice")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load builds the configuration. path may be empty (defaults + env only);
// overrides are applied last, mainly for tests.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("PRYV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Auth.SessionTTLSeconds <= 0 {
		return fmt.Errorf("auth.session_ttl_seconds must be positive")
	}
	return nil
}
