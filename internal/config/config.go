package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/caseflow/caseflow/internal/domain/deadline"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// PolicyFile is an optional YAML policy table overlaid on the built-ins.
	PolicyFile string `mapstructure:"POLICY_FILE"`

	SweepEnabled   bool   `mapstructure:"SWEEP_ENABLED"`
	SweepSchedule  string `mapstructure:"SWEEP_SCHEDULE"`
	SweepBatchSize int    `mapstructure:"SWEEP_BATCH_SIZE"`

	DefaultDeliveryMethod string `mapstructure:"DEFAULT_DELIVERY_METHOD"`
	UpcomingWindowDays    int    `mapstructure:"UPCOMING_WINDOW_DAYS"`
	FaxRatePerMinute      int    `mapstructure:"FAX_RATE_PER_MINUTE"`
	DeliveryMaxAttempts   int    `mapstructure:"DELIVERY_MAX_ATTEMPTS"`
}

var envKeys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"REDIS_URL",
	"CORS_ORIGINS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"POLICY_FILE",
	"SWEEP_ENABLED",
	"SWEEP_SCHEDULE",
	"SWEEP_BATCH_SIZE",
	"DEFAULT_DELIVERY_METHOD",
	"UPCOMING_WINDOW_DAYS",
	"FAX_RATE_PER_MINUTE",
	"DELIVERY_MAX_ATTEMPTS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("SWEEP_ENABLED", true)
	v.SetDefault("SWEEP_SCHEDULE", "*/15 * * * *")
	v.SetDefault("SWEEP_BATCH_SIZE", 100)
	v.SetDefault("DEFAULT_DELIVERY_METHOD", string(deadline.MethodEmail))
	v.SetDefault("UPCOMING_WINDOW_DAYS", 7)
	v.SetDefault("FAX_RATE_PER_MINUTE", 10)
	v.SetDefault("DELIVERY_MAX_ATTEMPTS", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	origins := v.GetString("CORS_ORIGINS")
	if origins != "" {
		cfg.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DeliveryMethod returns DEFAULT_DELIVERY_METHOD as a typed value.
func (c *Config) DeliveryMethod() (deadline.DeliveryMethod, error) {
	return deadline.ParseDeliveryMethod(c.DefaultDeliveryMethod)
}

// Validate checks values that Load cannot reject on type alone.
func (c *Config) Validate() error {
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if _, err := c.DeliveryMethod(); err != nil {
		return fmt.Errorf("DEFAULT_DELIVERY_METHOD: %w", err)
	}
	if c.UpcomingWindowDays < 0 {
		return fmt.Errorf("UPCOMING_WINDOW_DAYS must not be negative, got %d", c.UpcomingWindowDays)
	}
	if c.FaxRatePerMinute < 0 {
		return fmt.Errorf("FAX_RATE_PER_MINUTE must not be negative, got %d", c.FaxRatePerMinute)
	}
	if c.DeliveryMaxAttempts < 1 {
		return fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be at least 1, got %d", c.DeliveryMaxAttempts)
	}
	if c.SweepEnabled {
		if c.SweepBatchSize < 1 {
			return fmt.Errorf("SWEEP_BATCH_SIZE must be at least 1, got %d", c.SweepBatchSize)
		}
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			return fmt.Errorf("SWEEP_SCHEDULE %q is not a valid cron expression: %w", c.SweepSchedule, err)
		}
	}
	return nil
}
