// Package config loads server configuration from defaults, an optional
// config.yaml and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/flight-engine/booking"
)

// Config holds all configuration values.
type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	HTTPPort int    `mapstructure:"HTTP_PORT"`

	// Database. DBDriver is "sqlite" or "postgres".
	DBDriver    string `mapstructure:"DB_DRIVER"`
	DBPath      string `mapstructure:"DB_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// Redis catalog cache. Empty address disables it.
	RedisAddr       string        `mapstructure:"REDIS_ADDR"`
	RedisPassword   string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB         int           `mapstructure:"REDIS_DB"`
	CatalogCacheTTL time.Duration `mapstructure:"CATALOG_CACHE_TTL"`

	// Booking.
	BookingMaxAttempts    int           `mapstructure:"BOOKING_MAX_ATTEMPTS"`
	BookingRetryBaseDelay time.Duration `mapstructure:"BOOKING_RETRY_BASE_DELAY"`
	BookingRetryMaxDelay  time.Duration `mapstructure:"BOOKING_RETRY_MAX_DELAY"`
	RefundPolicy          string        `mapstructure:"REFUND_POLICY"`

	// Sessions and auth.
	SessionIdleTimeout   time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
	SessionSweepInterval time.Duration `mapstructure:"SESSION_SWEEP_INTERVAL"`
	LoginRatePerMinute   int           `mapstructure:"LOGIN_RATE_PER_MINUTE"`
	LoginBurst           int           `mapstructure:"LOGIN_BURST"`
	BcryptCost           int           `mapstructure:"BCRYPT_COST"`
}

var defaults = map[string]any{
	"ENV":                      "development",
	"LOG_LEVEL":                "info",
	"HTTP_PORT":                8080,
	"DB_DRIVER":                "sqlite",
	"DB_PATH":                  "flights.db",
	"DATABASE_URL":             "",
	"REDIS_ADDR":               "",
	"REDIS_PASSWORD":           "",
	"REDIS_DB":                 0,
	"CATALOG_CACHE_TTL":        "5m",
	"BOOKING_MAX_ATTEMPTS":     8,
	"BOOKING_RETRY_BASE_DELAY": "5ms",
	"BOOKING_RETRY_MAX_DELAY":  "250ms",
	"REFUND_POLICY":            string(booking.RefundPaid),
	"SESSION_IDLE_TIMEOUT":     "30m",
	"SESSION_SWEEP_INTERVAL":   "1m",
	"LOGIN_RATE_PER_MINUTE":    10,
	"LOGIN_BURST":              5,
	"BCRYPT_COST":              10,
}

// Load reads configuration. configFile may be empty, in which case
// config.yaml is looked up in "." and "./config" and is optional.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return errors.New("DB_PATH is required for sqlite")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for postgres")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if _, err := booking.ParseRefundPolicy(c.RefundPolicy); err != nil {
		return err
	}
	if c.BookingMaxAttempts < 1 {
		return errors.New("BOOKING_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// RetryPolicy builds the ledger's retry policy.
func (c *Config) RetryPolicy() booking.RetryPolicy {
	return booking.RetryPolicy{
		MaxAttempts: c.BookingMaxAttempts,
		BaseDelay:   c.BookingRetryBaseDelay,
		MaxDelay:    c.BookingRetryMaxDelay,
	}
}

// Refund returns the parsed refund policy. Load has already validated it.
func (c *Config) Refund() booking.RefundPolicy {
	p, _ := booking.ParseRefundPolicy(c.RefundPolicy)
	return p
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
