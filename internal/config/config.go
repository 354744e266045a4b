package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                    string   `mapstructure:"PORT"`
	Env                     string   `mapstructure:"ENV"`
	DatabaseURL             string   `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL                string   `mapstructure:"REDIS_URL"`
	AuthIssuer              string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience            string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey          string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins             []string `mapstructure:"CORS_ORIGINS"`
	WebhookURL              string   `mapstructure:"RECOMMENDATION_WEBHOOK_URL"`
	WebhookSecret           string   `mapstructure:"RECOMMENDATION_WEBHOOK_SECRET"`
	WebhookTimeoutSeconds   int      `mapstructure:"WEBHOOK_TIMEOUT_SECONDS"`
	PollMaxAttempts         int      `mapstructure:"POLL_MAX_ATTEMPTS"`
	PollIntervalMS          int      `mapstructure:"POLL_INTERVAL_MS"`
	DispatchGuardTTLMinutes int      `mapstructure:"DISPATCH_GUARD_TTL_MINUTES"`
	SessionRetentionMinutes int      `mapstructure:"SESSION_RETENTION_MINUTES"`
	SubmitRatePerMinute     float64  `mapstructure:"SUBMIT_RATE_PER_MINUTE"`
	SubmitBurst             int      `mapstructure:"SUBMIT_BURST"`
	BodyLimit               string   `mapstructure:"BODY_LIMIT"`
	RequestTimeoutSeconds   int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RECOMMENDATION_WEBHOOK_URL", "RECOMMENDATION_WEBHOOK_SECRET",
	"WEBHOOK_TIMEOUT_SECONDS", "POLL_MAX_ATTEMPTS", "POLL_INTERVAL_MS",
	"DISPATCH_GUARD_TTL_MINUTES", "SESSION_RETENTION_MINUTES",
	"SUBMIT_RATE_PER_MINUTE", "SUBMIT_BURST", "BODY_LIMIT", "REQUEST_TIMEOUT_SECONDS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("WEBHOOK_TIMEOUT_SECONDS", 10)
	v.SetDefault("POLL_MAX_ATTEMPTS", 30)
	v.SetDefault("POLL_INTERVAL_MS", 2000)
	v.SetDefault("DISPATCH_GUARD_TTL_MINUTES", 60)
	v.SetDefault("SESSION_RETENTION_MINUTES", 60)
	v.SetDefault("SUBMIT_RATE_PER_MINUTE", 30)
	v.SetDefault("SUBMIT_BURST", 5)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); requests without a token act as dev-user.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

func (c *Config) DispatchGuardTTL() time.Duration {
	return time.Duration(c.DispatchGuardTTLMinutes) * time.Minute
}

func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionMinutes) * time.Minute
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. Outside development
// a webhook URL and a token signing key are mandatory.
func (c *Config) Validate() error {
	if c.PollMaxAttempts < 1 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be at least 1, got %d", c.PollMaxAttempts)
	}
	if c.PollIntervalMS < 1 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive, got %d", c.PollIntervalMS)
	}
	if c.WebhookTimeoutSeconds < 1 {
		return fmt.Errorf("WEBHOOK_TIMEOUT_SECONDS must be positive, got %d", c.WebhookTimeoutSeconds)
	}
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil {
			return fmt.Errorf("RECOMMENDATION_WEBHOOK_URL is invalid: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("RECOMMENDATION_WEBHOOK_URL scheme must be http or https, got %q", u.Scheme)
		}
	}
	if c.IsDev() {
		return nil
	}
	if c.WebhookURL == "" {
		return fmt.Errorf("RECOMMENDATION_WEBHOOK_URL is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.WebhookSecret == "" {
		return fmt.Errorf("RECOMMENDATION_WEBHOOK_SECRET is required in production")
	}
	return nil
}
