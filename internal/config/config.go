package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DBDriver       string        `mapstructure:"DB_DRIVER"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	TxTimeout      time.Duration `mapstructure:"TX_TIMEOUT"`
	ClinicTimezone string        `mapstructure:"CLINIC_TIMEZONE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	OTelEndpoint   string        `mapstructure:"OTEL_ENDPOINT"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	AuditArchiveBucket    string `mapstructure:"AUDIT_ARCHIVE_BUCKET"`
	AuditArchiveRegion    string `mapstructure:"AUDIT_ARCHIVE_REGION"`
	AuditArchiveEndpoint  string `mapstructure:"AUDIT_ARCHIVE_ENDPOINT"`
	AuditArchivePathStyle bool   `mapstructure:"AUDIT_ARCHIVE_PATH_STYLE"`
}

var keys = []string{
	"PORT", "ENV", "DB_DRIVER", "DATABASE_URL", "SQLITE_PATH",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "TX_TIMEOUT", "CLINIC_TIMEZONE",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "LOG_LEVEL",
	"OTEL_ENDPOINT", "METRICS_ENABLED", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"AUDIT_ARCHIVE_BUCKET", "AUDIT_ARCHIVE_REGION", "AUDIT_ARCHIVE_ENDPOINT", "AUDIT_ARCHIVE_PATH_STYLE",
}

// Load reads the environment and an optional .env file, then validates the
// result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("SQLITE_PATH", "engine.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("TX_TIMEOUT", "10s")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "1M")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location returns the clinic time zone used to derive appointment dates.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// ZerologLevel parses LOG_LEVEL.
func (c *Config) ZerologLevel() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// ArchiveEnabled reports whether an S3 bucket is configured for audit export.
func (c *Config) ArchiveEnabled() bool {
	return c.AuditArchiveBucket != ""
}

// Validate checks that the configuration is safe to run. Outside
// development a signing key is required so that every request carries a
// verified actor.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER is \"postgres\"")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DB_DRIVER is \"sqlite\"")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be \"postgres\" or \"sqlite\", got %q", c.DBDriver)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.TxTimeout <= 0 {
		return fmt.Errorf("TX_TIMEOUT must be positive, got %s", c.TxTimeout)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.ZerologLevel(); err != nil {
		return err
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	return nil
}
